// Package workerproc implements the child side of one worker pool member:
// the framed command loop over stdin/stdout, the handler contract user
// code implements against, and the response shaping (body typing,
// compression, SSE) applied before a response frame is written.
package workerproc

import (
	"sync/atomic"

	"github.com/sadewadee/wpsuper/internal/codec"
)

// Request is the child-side view of one dispatched call, built from the
// parent's codec.RequestEnvelope. Handlers read from it and, for
// SSE-capable calls, push chunks through Send/End.
type Request struct {
	ID          string
	IP          string
	IPs         []string
	Method      string
	Headers     map[string]string
	HTTPVersion string
	URI         string
	URL         string
	Query       map[string]string
	Cookies     map[string]string
	Files       []codec.FileUpload
	Body        []byte

	// CustomID/CustomParams are set instead of the HTTP-shaped fields above
	// when the request arrived via CmdCustom.
	CustomID     string
	CustomParams []byte

	sseStarted atomic.Bool
	sendFn     func([]byte)
}

// Send emits an out-of-band SSE chunk. Calling Send marks the request as
// streaming; the handler's eventual Result is ignored in favor of End.
func (r *Request) Send(chunk []byte) {
	r.sseStarted.Store(true)
	if r.sendFn != nil {
		r.sendFn(chunk)
	}
}

// End finalises an SSE stream. The handler should return immediately
// after calling End; the command loop treats a Result as a no-op once
// Send has been called.
func (r *Request) End() Result {
	return Result{SSE: true}
}

// IsStreaming reports whether Send has been called for this request.
func (r *Request) IsStreaming() bool { return r.sseStarted.Load() }

// ResultKind tags which shape a Result carries, replacing the positional
// callback-overload style ("(err)", "(status, headers, body)",
// "(jsonObject)") with one explicit discriminated struct.
type ResultKind int

const (
	// ResultError carries only Err: a 500 response is written with Err's message.
	ResultError ResultKind = iota
	// ResultRaw carries Status/Headers/Body verbatim (body typed per bodyTypeOf(Body)).
	ResultRaw
	// ResultJSON carries Value, marshaled to JSON (or JSONP) by the command loop.
	ResultJSON
	// ResultCustom carries Body verbatim as a custom-dispatch reply.
	ResultCustom
)

// Result is a handler's completed outcome. Exactly one of the fields
// matching Kind is read; the others are ignored.
type Result struct {
	Kind ResultKind

	Err error // ResultError

	Status  int               // ResultRaw
	Headers map[string]string // ResultRaw
	Body    []byte            // ResultRaw, ResultCustom

	Value any // ResultJSON

	SSE bool // true when returned from Request.End
}

// ErrorResult builds a ResultError.
func ErrorResult(err error) Result { return Result{Kind: ResultError, Err: err} }

// RawResult builds a ResultRaw.
func RawResult(status int, headers map[string]string, body []byte) Result {
	return Result{Kind: ResultRaw, Status: status, Headers: headers, Body: body}
}

// JSONResult builds a ResultJSON.
func JSONResult(v any) Result { return Result{Kind: ResultJSON, Value: v} }

// CustomResult builds a ResultCustom.
func CustomResult(body []byte) Result { return Result{Kind: ResultCustom, Body: body} }

// Handler is the user code a worker process dispatches into. Only
// ServeRequest is required; the lifecycle hooks below are optional and are
// found by type assertion on the generic handler.
type Handler interface {
	ServeRequest(req *Request) Result
}

// CustomHandler is implemented by handlers that also accept CmdCustom
// (programmatic, non-HTTP-shaped) submissions.
type CustomHandler interface {
	ServeCustom(req *Request) Result
}

// StartupHook runs once after the startup frame is absorbed, before the
// worker replies startup_complete.
type StartupHook interface {
	Startup(server codec.ServerInfo) error
}

// MaintHook runs when the active-request counter reaches zero after a
// maint request, instead of the default GC-only behavior.
type MaintHook interface {
	Maint(payload []byte) error
}

// ShutdownHook runs after active requests have drained, before the
// process exits 0.
type ShutdownHook interface {
	Shutdown() error
}

// EmergencyShutdownHook runs best-effort when the parent has died or an
// uncaught error occurred; there is no drain guarantee.
type EmergencyShutdownHook interface {
	EmergencyShutdown()
}
