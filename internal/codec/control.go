package codec

import "fmt"

// MaintEnvelope carries the CmdMaint request. Data is an opaque user
// payload adopted from a prior requestMaint call and rides as the frame
// Payload.
type MaintEnvelope struct{}

// EncodeMaint builds a CmdMaint frame carrying an opaque data payload.
func EncodeMaint(data []byte) (*Frame, error) {
	env, err := MarshalMsgpack(&MaintEnvelope{})
	if err != nil {
		return nil, fmt.Errorf("codec: encoding maint envelope: %w", err)
	}
	return &Frame{Cmd: CmdMaint, Envelope: env, Payload: data}, nil
}

// DecodeMaint extracts the opaque data payload from a CmdMaint frame.
func DecodeMaint(f *Frame) ([]byte, error) {
	if f.Cmd != CmdMaint {
		return nil, fmt.Errorf("codec: expected CmdMaint frame, got 0x%02x", f.Cmd)
	}
	return f.Payload, nil
}

// EncodeMessage builds a CmdMessage frame carrying an opaque data payload,
// used for both sendMessage broadcasts and the child's echoed reply.
func EncodeMessage(data []byte) (*Frame, error) {
	return &Frame{Cmd: CmdMessage, Payload: data}, nil
}

// DecodeMessage extracts the opaque data payload from a CmdMessage frame.
func DecodeMessage(f *Frame) ([]byte, error) {
	if f.Cmd != CmdMessage {
		return nil, fmt.Errorf("codec: expected CmdMessage frame, got 0x%02x", f.Cmd)
	}
	return f.Payload, nil
}

// Debug-inspector handshake actions carried by CmdInternal frames.
const (
	InternalActionStartDebug   = "start_debug"
	InternalActionStopDebug    = "stop_debug"
	InternalActionUpdateDebug  = "update_debug"
	InternalActionDebugStarted = "debug_started"
)

// InternalEnvelope carries a debug-inspector handshake action and its
// opaque data, used for the CmdInternal command in both directions.
type InternalEnvelope struct {
	Action string            `msgpack:"action"`
	Data   map[string]string `msgpack:"data,omitempty"`
}

// EncodeInternal builds a CmdInternal frame.
func EncodeInternal(env *InternalEnvelope) (*Frame, error) {
	data, err := MarshalMsgpack(env)
	if err != nil {
		return nil, fmt.Errorf("codec: encoding internal envelope: %w", err)
	}
	return &Frame{Cmd: CmdInternal, Envelope: data}, nil
}

// DecodeInternal extracts the internal envelope from a CmdInternal frame.
func DecodeInternal(f *Frame) (*InternalEnvelope, error) {
	if f.Cmd != CmdInternal {
		return nil, fmt.Errorf("codec: expected CmdInternal frame, got 0x%02x", f.Cmd)
	}
	var env InternalEnvelope
	if err := UnmarshalMsgpack(f.Envelope, &env); err != nil {
		return nil, fmt.Errorf("codec: decoding internal envelope: %w", err)
	}
	return &env, nil
}
