package workerproc

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sadewadee/wpsuper/internal/codec"
)

// headerLookup does a case-insensitive header lookup against the
// envelope's map[string]string headers, since the parent preserves the
// HTTP request's canonical header casing.
func headerLookup(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// Config carries the subset of pool configuration a worker needs, decoded
// from the msgpack blob the parent sends in the startup frame's payload.
type Config struct {
	Name             string        `msgpack:"name"`
	MaintMethod      string        `msgpack:"maint_method"`
	RequestTimeoutMs int64         `msgpack:"request_timeout_ms"`
	RequestTimeout   time.Duration `msgpack:"-"`
}

// Worker runs the child-side command loop: it reads frames from in,
// dispatches to handler, and writes response frames to out. Exactly one
// Worker exists per child process.
type Worker struct {
	in     io.Reader
	out    io.Writer
	mux    *Mux
	comp   CompressionConfig
	logger func(format string, args ...any)

	activeRequests atomic.Int32
	writeMu        sync.Mutex

	maintPending atomic.Pointer[[]byte]
	maintMu      sync.Mutex
	drainCond    *sync.Cond
	drainMu      sync.Mutex

	server codec.ServerInfo
	cfg    Config
}

// New constructs a worker. mux dispatches request/custom frames; comp
// configures optional response compression.
func New(mux *Mux, comp CompressionConfig) *Worker {
	w := &Worker{in: os.Stdin, out: os.Stdout, mux: mux, comp: comp, logger: defaultLogger}
	w.drainCond = sync.NewCond(&w.drainMu)
	return w
}

func defaultLogger(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// Run installs signal handlers and blocks serving the command loop until
// shutdown or an unrecoverable framing error. It returns nil after a clean
// shutdown (shutdown frame handled, requests drained, hook run) and an error
// otherwise; SIGTERM exits the process with status 1 without returning.
func (w *Worker) Run() error {
	signal.Ignore(syscall.SIGINT) // parent owns interrupt

	emergency := make(chan os.Signal, 1)
	signal.Notify(emergency, syscall.SIGTERM)
	go func() {
		<-emergency
		w.logger("workerproc: SIGTERM received, emergency shutdown")
		w.runEmergencyShutdown()
		os.Exit(1)
	}()

	for {
		f, err := codec.ReadFrame(w.in)
		if err != nil {
			return fmt.Errorf("workerproc: reading frame: %w", err)
		}

		switch f.Cmd {
		case codec.CmdStartup:
			if err := w.handleStartup(f); err != nil {
				return err
			}
		case codec.CmdRequest:
			go w.handleRequest(f)
		case codec.CmdCustom:
			go w.handleCustom(f)
		case codec.CmdMaint:
			go w.handleMaint(f)
		case codec.CmdMessage:
			// Opaque broadcast: no default behavior, logged only.
			w.logger("workerproc: message frame received (%d bytes)", len(f.Payload))
		case codec.CmdInternal:
			// Debug-inspector handshake is not implemented; ignored.
		case codec.CmdShutdown:
			w.runShutdown()
			return nil
		default:
			w.logger("workerproc: unexpected cmd 0x%02x", f.Cmd)
		}
	}
}

func (w *Worker) writeFrame(f *codec.Frame) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return codec.WriteFrame(w.out, f)
}

func (w *Worker) handleStartup(f *codec.Frame) error {
	server, configBlob, err := codec.DecodeStartup(f)
	if err != nil {
		return err
	}
	w.server = server

	var cfg Config
	if len(configBlob) > 0 {
		if err := codec.UnmarshalMsgpack(configBlob, &cfg); err != nil {
			return fmt.Errorf("workerproc: decoding startup config: %w", err)
		}
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	w.cfg = cfg

	if hook, ok := w.mux.generic.(StartupHook); ok {
		if err := hook.Startup(server); err != nil {
			return fmt.Errorf("workerproc: startup hook: %w", err)
		}
	}

	return w.writeFrame(codec.NewStartupCompleteFrame())
}

func (w *Worker) trackActive(delta int32) {
	n := w.activeRequests.Add(delta)
	if n == 0 {
		w.drainMu.Lock()
		w.drainCond.Broadcast()
		w.drainMu.Unlock()
	}
}

func (w *Worker) handleRequest(f *codec.Frame) {
	env, body, err := codec.DecodeRequest(f)
	if err != nil {
		w.logger("workerproc: decode request: %v", err)
		return
	}

	w.trackActive(1)
	defer w.trackActive(-1)

	req := &Request{
		ID: env.ID, IP: env.IP, IPs: env.IPs, Method: env.Method,
		Headers: env.Headers, HTTPVersion: env.HTTPVersion, URI: env.URI,
		URL: env.URL, Query: env.Query, Cookies: env.Cookies, Files: env.Files,
		Body: body,
	}
	req.sendFn = func(chunk []byte) { w.sendSSE(req.ID, chunk) }

	done := make(chan Result, 1)

	var timer *time.Timer
	if w.cfg.RequestTimeout > 0 {
		timer = time.NewTimer(w.cfg.RequestTimeout)
		defer timer.Stop()
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ErrorResult(fmt.Errorf("workerproc: handler panic: %v\n%s", r, debug.Stack()))
			}
		}()
		done <- w.mux.Dispatch(req)
	}()

	var res Result
	select {
	case res = <-done:
	case <-timedOutChan(timer):
		// Timed out: no response sent, matching the "whichever fires
		// first wins" co-enforcement with the parent's own timeout.
		return
	}

	if req.IsStreaming() {
		w.writeFrame(mustEncodeSSEEnd(req.ID))
		return
	}

	shaped := shapeResult(res, env.Query, headerLookup(env.Headers, "Accept-Encoding"), w.comp)
	frame, err := codec.EncodeResponse(&codec.ResponseEnvelope{
		ID: env.ID, Status: shaped.status, Type: shaped.typ, Headers: shaped.headers,
	}, shaped.body)
	if err != nil {
		w.logger("workerproc: encode response: %v", err)
		return
	}
	if err := w.writeFrame(frame); err != nil {
		w.logger("workerproc: write response: %v", err)
	}
}

// timedOutChan returns a channel that fires once when timer expires, or a
// nil channel (blocks forever) when there is no timeout configured.
func timedOutChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}

func mustEncodeSSEEnd(id string) *codec.Frame {
	f, _ := codec.EncodeResponse(&codec.ResponseEnvelope{ID: id, Status: 200, Type: codec.BodySSE}, nil)
	return f
}

func (w *Worker) sendSSE(id string, chunk []byte) {
	f, err := codec.EncodeSSE(id, chunk)
	if err != nil {
		w.logger("workerproc: encode sse: %v", err)
		return
	}
	w.writeFrame(f)
}

func (w *Worker) handleCustom(f *codec.Frame) {
	id, params, err := codec.DecodeCustom(f)
	if err != nil {
		w.logger("workerproc: decode custom: %v", err)
		return
	}

	w.trackActive(1)
	defer w.trackActive(-1)

	req := &Request{CustomID: id, CustomParams: params}

	ch, ok := w.mux.generic.(CustomHandler)
	var res Result
	if !ok {
		res = ErrorResult(fmt.Errorf("workerproc: handler does not implement ServeCustom"))
	} else {
		res = ch.ServeCustom(req)
	}

	shaped := shapeResult(res, nil, "", CompressionConfig{})
	frame, err := codec.EncodeResponse(&codec.ResponseEnvelope{
		ID: id, Status: shaped.status, Type: codec.BodyPassthrough,
	}, shaped.body)
	if err != nil {
		w.logger("workerproc: encode custom response: %v", err)
		return
	}
	w.writeFrame(frame)
}

func (w *Worker) handleMaint(f *codec.Frame) {
	payload, err := codec.DecodeMaint(f)
	if err != nil {
		w.logger("workerproc: decode maint: %v", err)
		return
	}

	w.drainMu.Lock()
	for w.activeRequests.Load() > 0 {
		w.drainCond.Wait()
	}
	w.drainMu.Unlock()

	if hook, ok := w.mux.generic.(MaintHook); ok {
		if err := hook.Maint(payload); err != nil {
			w.logger("workerproc: maint hook: %v", err)
		}
	} else {
		runtime.GC()
	}

	w.writeFrame(codec.NewMaintCompleteFrame())
}

func (w *Worker) runShutdown() {
	w.drainMu.Lock()
	for w.activeRequests.Load() > 0 {
		w.drainCond.Wait()
	}
	w.drainMu.Unlock()

	if hook, ok := w.mux.generic.(ShutdownHook); ok {
		if err := hook.Shutdown(); err != nil {
			w.logger("workerproc: shutdown hook: %v", err)
		}
	}
}

func (w *Worker) runEmergencyShutdown() {
	if hook, ok := w.mux.generic.(EmergencyShutdownHook); ok {
		hook.EmergencyShutdown()
		return
	}
	if hook, ok := w.mux.generic.(ShutdownHook); ok {
		hook.Shutdown()
	}
}
