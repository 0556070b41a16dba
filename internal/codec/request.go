package codec

import "fmt"

// FileUpload describes one uploaded file's metadata. The file contents
// never travel in this struct; only the on-disk spool path does.
type FileUpload struct {
	Name string `msgpack:"name"`
	Size int64  `msgpack:"size"`
	Type string `msgpack:"type"`
	Path string `msgpack:"path"`
}

// RequestEnvelope carries an HTTP-shaped request dispatched to a child for
// the CmdRequest command. The raw request body rides as the frame Payload
// rather than inside the envelope.
type RequestEnvelope struct {
	ID          string            `msgpack:"id"`
	IP          string            `msgpack:"ip"`
	IPs         []string          `msgpack:"ips"`
	Method      string            `msgpack:"method"`
	Headers     map[string]string `msgpack:"headers"`
	HTTPVersion string            `msgpack:"http_version"`
	URI         string            `msgpack:"uri"`
	URL         string            `msgpack:"url"`
	Query       map[string]string `msgpack:"query"`
	Cookies     map[string]string `msgpack:"cookies"`
	Files       []FileUpload      `msgpack:"files"`
	Type        string            `msgpack:"type,omitempty"`
}

// EncodeRequest builds a CmdRequest frame. body is the raw request body,
// carried as Payload so it never passes through msgpack encoding.
func EncodeRequest(req *RequestEnvelope, body []byte) (*Frame, error) {
	env, err := MarshalMsgpack(req)
	if err != nil {
		return nil, fmt.Errorf("codec: encoding request envelope: %w", err)
	}
	return &Frame{Cmd: CmdRequest, Envelope: env, Payload: body}, nil
}

// DecodeRequest extracts the request envelope and body from a CmdRequest frame.
func DecodeRequest(f *Frame) (*RequestEnvelope, []byte, error) {
	if f.Cmd != CmdRequest {
		return nil, nil, fmt.Errorf("codec: expected CmdRequest frame, got 0x%02x", f.Cmd)
	}
	var req RequestEnvelope
	if err := UnmarshalMsgpack(f.Envelope, &req); err != nil {
		return nil, nil, fmt.Errorf("codec: decoding request envelope: %w", err)
	}
	return &req, f.Payload, nil
}

// CustomEnvelope carries a programmatic (non-HTTP) submission for the
// CmdCustom command; Params rides as the frame Payload (msgpack-encoded by
// the caller, opaque to the codec).
type CustomEnvelope struct {
	ID string `msgpack:"id"`
}

// EncodeCustom builds a CmdCustom frame wrapping an opaque params payload.
func EncodeCustom(id string, params []byte) (*Frame, error) {
	env, err := MarshalMsgpack(&CustomEnvelope{ID: id})
	if err != nil {
		return nil, fmt.Errorf("codec: encoding custom envelope: %w", err)
	}
	return &Frame{Cmd: CmdCustom, Envelope: env, Payload: params}, nil
}

// DecodeCustom extracts the id and opaque params from a CmdCustom frame.
func DecodeCustom(f *Frame) (string, []byte, error) {
	if f.Cmd != CmdCustom {
		return "", nil, fmt.Errorf("codec: expected CmdCustom frame, got 0x%02x", f.Cmd)
	}
	var env CustomEnvelope
	if err := UnmarshalMsgpack(f.Envelope, &env); err != nil {
		return "", nil, fmt.Errorf("codec: decoding custom envelope: %w", err)
	}
	return env.ID, f.Payload, nil
}

// ServerInfo is the trimmed view of the host handed to a child on startup.
type ServerInfo struct {
	Hostname string `msgpack:"hostname"`
	IP       string `msgpack:"ip"`
	Uncaught bool   `msgpack:"uncaught"`
}

// StartupEnvelope is the CmdStartup payload: pool config (opaque, msgpack
// encoded by the proxy) plus server info. Config rides as Payload so the
// codec package never needs to know the pool config struct shape.
type StartupEnvelope struct {
	Server ServerInfo `msgpack:"server"`
}

// EncodeStartup builds a CmdStartup frame. config is the msgpack-encoded
// pool configuration, carried as Payload.
func EncodeStartup(server ServerInfo, config []byte) (*Frame, error) {
	env, err := MarshalMsgpack(&StartupEnvelope{Server: server})
	if err != nil {
		return nil, fmt.Errorf("codec: encoding startup envelope: %w", err)
	}
	return &Frame{Cmd: CmdStartup, Envelope: env, Payload: config}, nil
}

// DecodeStartup extracts server info and the raw config blob from a
// CmdStartup frame.
func DecodeStartup(f *Frame) (ServerInfo, []byte, error) {
	if f.Cmd != CmdStartup {
		return ServerInfo{}, nil, fmt.Errorf("codec: expected CmdStartup frame, got 0x%02x", f.Cmd)
	}
	var env StartupEnvelope
	if err := UnmarshalMsgpack(f.Envelope, &env); err != nil {
		return ServerInfo{}, nil, fmt.Errorf("codec: decoding startup envelope: %w", err)
	}
	return env.Server, f.Payload, nil
}
