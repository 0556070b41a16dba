package codec

import (
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundtrip(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
	}{
		{
			name: "request frame",
			frame: &Frame{
				Cmd:      CmdRequest,
				Flags:    0,
				StreamID: 0,
				Envelope: []byte(`{"method":"GET"}`),
				Payload:  []byte("hello"),
			},
		},
		{
			name: "response frame",
			frame: &Frame{
				Cmd:      CmdResponse,
				Flags:    0,
				StreamID: 0,
				Envelope: []byte(`{"status":200}`),
				Payload:  []byte("<html>OK</html>"),
			},
		},
		{
			name: "sse frame",
			frame: &Frame{
				Cmd:      CmdSSE,
				Flags:    0,
				StreamID: 42,
				Envelope: []byte(`{"id":"abc"}`),
				Payload:  []byte("data: chunk\n\n"),
			},
		},
		{
			name:  "startup complete",
			frame: NewStartupCompleteFrame(),
		},
		{
			name:  "shutdown",
			frame: NewShutdownFrame(),
		},
		{
			name:  "maint complete",
			frame: NewMaintCompleteFrame(),
		},
		{
			name: "empty envelope and payload",
			frame: &Frame{
				Cmd:      CmdStartupComplete,
				Flags:    0,
				StreamID: 0,
				Envelope: nil,
				Payload:  nil,
			},
		},
		{
			name: "with flags",
			frame: &Frame{
				Cmd:      CmdResponse,
				Flags:    FlagCompressed | FlagFinal,
				StreamID: 100,
				Envelope: []byte("hdr"),
				Payload:  []byte("compressed data"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, tt.frame); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}

			got, err := ReadFrame(&buf)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}

			if got.Cmd != tt.frame.Cmd {
				t.Errorf("Cmd: got %d, want %d", got.Cmd, tt.frame.Cmd)
			}
			if got.Flags != tt.frame.Flags {
				t.Errorf("Flags: got %d, want %d", got.Flags, tt.frame.Flags)
			}
			if got.StreamID != tt.frame.StreamID {
				t.Errorf("StreamID: got %d, want %d", got.StreamID, tt.frame.StreamID)
			}
			if !bytes.Equal(got.Envelope, tt.frame.Envelope) {
				t.Errorf("Envelope: got %q, want %q", got.Envelope, tt.frame.Envelope)
			}
			if !bytes.Equal(got.Payload, tt.frame.Payload) {
				t.Errorf("Payload: got %q, want %q", got.Payload, tt.frame.Payload)
			}
		})
	}
}

func TestInvalidMagicBytes(t *testing.T) {
	data := make([]byte, HeaderSize)
	data[0] = 0xFF
	data[1] = 0xFF
	data[2] = Version

	_, err := ReadFrame(bytes.NewReader(data))
	if err == nil {
		t.Error("expected error for invalid magic bytes")
	}
}

func TestInvalidVersion(t *testing.T) {
	data := make([]byte, HeaderSize)
	data[0] = Magic[0]
	data[1] = Magic[1]
	data[2] = 0xFF // invalid version

	_, err := ReadFrame(bytes.NewReader(data))
	if err == nil {
		t.Error("expected error for invalid version")
	}
}

func TestLargePayload(t *testing.T) {
	payload := make([]byte, 1024*1024) // 1MB
	for i := range payload {
		payload[i] = byte(i % 256)
	}

	frame := &Frame{
		Cmd:     CmdResponse,
		Payload: payload,
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}

	if !bytes.Equal(got.Payload, payload) {
		t.Error("payload mismatch for large payload")
	}
}

func TestRequestEncodeDecodeRoundtrip(t *testing.T) {
	req := &RequestEnvelope{
		ID:          "r1",
		IP:          "192.168.1.1",
		Method:      "POST",
		URI:         "/api/users",
		HTTPVersion: "HTTP/1.1",
		URL:         "/api/users?page=1&limit=10",
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer token123",
		},
		Query: map[string]string{"page": "1", "limit": "10"},
	}
	body := []byte(`{"name":"test"}`)

	frame, err := EncodeRequest(req, body)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	readFrame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}

	gotReq, gotBody, err := DecodeRequest(readFrame)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}

	if gotReq.Method != "POST" {
		t.Errorf("Method: got %s, want POST", gotReq.Method)
	}
	if gotReq.URI != "/api/users" {
		t.Errorf("URI: got %s, want /api/users", gotReq.URI)
	}
	if gotReq.Headers["Content-Type"] != "application/json" {
		t.Errorf("Content-Type: got %s, want application/json", gotReq.Headers["Content-Type"])
	}
	if !bytes.Equal(gotBody, body) {
		t.Errorf("Body: got %s, want %s", gotBody, body)
	}
}

func TestResponseEncodeDecodeRoundtrip(t *testing.T) {
	resp := &ResponseEnvelope{
		ID:     "r1",
		Status: 201,
		Type:   BodyString,
		Headers: map[string]string{
			"Content-Type": "application/json",
			"X-Request-Id": "abc-123",
		},
	}
	body := []byte(`{"id":1,"created":true}`)

	frame, err := EncodeResponse(resp, body)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	readFrame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}

	gotResp, gotBody, err := DecodeResponse(readFrame)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}

	if gotResp.Status != 201 {
		t.Errorf("Status: got %d, want 201", gotResp.Status)
	}
	if gotResp.Headers["X-Request-Id"] != "abc-123" {
		t.Errorf("X-Request-Id: got %s, want abc-123", gotResp.Headers["X-Request-Id"])
	}
	if !bytes.Equal(gotBody, body) {
		t.Errorf("Body: got %s, want %s", gotBody, body)
	}
}

func TestSSEEncodeDecodeRoundtrip(t *testing.T) {
	chunk := []byte("event: tick\ndata: 1\n\n")

	frame, err := EncodeSSE("req-9", chunk)
	if err != nil {
		t.Fatalf("EncodeSSE: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	readFrame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}

	gotID, gotChunk, err := DecodeSSE(readFrame)
	if err != nil {
		t.Fatalf("DecodeSSE: %v", err)
	}
	if gotID != "req-9" {
		t.Errorf("ID: got %s, want req-9", gotID)
	}
	if !bytes.Equal(gotChunk, chunk) {
		t.Errorf("Chunk: got %s, want %s", gotChunk, chunk)
	}
}

func TestDecodeWrongFrameCmd(t *testing.T) {
	frame := &Frame{Cmd: CmdShutdown}
	if _, _, err := DecodeRequest(frame); err == nil {
		t.Error("expected error decoding shutdown as request")
	}
	if _, _, err := DecodeResponse(frame); err == nil {
		t.Error("expected error decoding shutdown as response")
	}
	if _, _, err := DecodeSSE(frame); err == nil {
		t.Error("expected error decoding shutdown as sse")
	}
}
