// Package proxy implements the parent-side representative of one worker
// child process: it owns the child's lifecycle, the two framed streams,
// the per-request pending table, and the small state machine
// (startup -> active -> (active <-> maint)* -> shutdown).
package proxy

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/projectdiscovery/gcache"

	"github.com/sadewadee/wpsuper/internal/codec"
	"github.com/sadewadee/wpsuper/internal/config"
)

// completionAuditSize bounds the recent-completion LRU kept per proxy for
// operator debugging ("what did this child last serve before it died").
const completionAuditSize = 64

// Completion is one audited recent request/response pair.
type Completion struct {
	ID       string
	Status   int
	Duration time.Duration
	Err      string
	At       time.Time
}

// State is the proxy's lifecycle state. Transitions are monotonic within
// one process life: Startup -> Active -> (Active <-> Maint)* -> Shutdown.
type State int32

const (
	StateStartup State = iota
	StateActive
	StateMaint
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateStartup:
		return "startup"
	case StateActive:
		return "active"
	case StateMaint:
		return "maint"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Response is what a dispatched request ultimately resolves to.
type Response struct {
	Status     int
	Type       string
	Headers    map[string]string
	Body       []byte
	BodyReader io.ReadCloser // set for codec.BodyFile responses; takes precedence over Body
}

// Event is emitted by a proxy for the pool to relay onward (message,
// internal debug-inspector, maint, etc).
type Event struct {
	Kind string // "message", "internal", "maint_timeout", "exit"
	PID  int
	Data []byte
}

type pendingRequest struct {
	id      string
	start   time.Time
	onChunk func([]byte) // non-nil for SSE-capable requests
	done    func(*Response, error)
	timer   *time.Timer
	once    sync.Once
}

func (p *pendingRequest) complete(resp *Response, err error) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done(resp, err)
	})
}

type maintRequest struct {
	payload []byte
}

// Proxy owns one child worker process.
type Proxy struct {
	id     int
	cfg    *config.PoolConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	writeMu sync.Mutex

	state             atomic.Int32
	numActiveRequests atomic.Int32
	numRequestsServed atomic.Int64
	lastMaintCount    atomic.Int64
	lastMaintTime     atomic.Int64 // unix nanos
	childExited       atomic.Bool

	maxRequestsPerChild int // resolved scalar, fixed at spawn (see config.RequestRange)

	requestMaint   atomic.Pointer[maintRequest]
	requestRestart atomic.Bool

	pending sync.Map // request id -> *pendingRequest

	completions gcache.Cache[string, Completion] // recent-completion audit LRU

	mu           sync.Mutex
	startupTimer *time.Timer
	maintTimer   *time.Timer
	killTimer    *time.Timer

	startupDone chan error // closed-by-send exactly once

	onEvent func(Event)
	onExit  func(p *Proxy, err error)
}

// ServerInfo is the trimmed host view sent to every child on startup.
type ServerInfo = codec.ServerInfo

// Spawn launches a child process for cfg and blocks until startup_complete
// or cfg.StartupTimeout elapses, at which point the child is SIGKILLed.
func Spawn(id int, cfg *config.PoolConfig, server ServerInfo, logger *slog.Logger, onEvent func(Event), onExit func(*Proxy, error)) (*Proxy, error) {
	cmd := exec.Command(cfg.Exec, cfg.Args...)
	cmd.Env = buildEnv(cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("proxy: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("proxy: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("proxy: stderr pipe: %w", err)
	}

	p := &Proxy{
		id:                  id,
		cfg:                 cfg,
		logger:              logger.With("proxy", id),
		cmd:                 cmd,
		stdin:               stdin,
		stdout:              stdout,
		maxRequestsPerChild: resolveMaxRequests(cfg),
		startupDone:         make(chan error, 1),
		onEvent:             onEvent,
		onExit:              onExit,
		completions:         gcache.New[string, Completion](completionAuditSize).LRU().Build(),
	}
	p.state.Store(int32(StateStartup))
	p.lastMaintTime.Store(time.Now().UnixNano())

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("proxy: starting child: %w", err)
	}

	go p.drainStderr(stderr)
	go p.readLoop()

	p.mu.Lock()
	p.startupTimer = time.AfterFunc(cfg.StartupTimeout.Duration(), p.onStartupTimeout)
	p.mu.Unlock()

	configBlob, err := codec.MarshalMsgpack(startupConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("proxy: encoding startup config: %w", err)
	}
	frame, err := codec.EncodeStartup(server, configBlob)
	if err != nil {
		return nil, fmt.Errorf("proxy: encoding startup frame: %w", err)
	}
	if err := p.writeFrame(frame); err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("proxy: sending startup frame: %w", err)
	}

	if err := <-p.startupDone; err != nil {
		return nil, err
	}
	return p, nil
}

// resolveMaxRequests randomizes max_requests_per_child once per proxy at
// spawn time. Hot-editing the pool config afterwards never re-randomizes
// an already-running proxy's resolved budget (see DESIGN.md).
func resolveMaxRequests(cfg *config.PoolConfig) int {
	lo, hi := cfg.MaxRequestsPerChild.Lo, cfg.MaxRequestsPerChild.Hi
	if lo == 0 && hi == 0 {
		return 0 // unlimited
	}
	if hi <= lo {
		return lo
	}
	return lo + rand.Intn(hi-lo+1)
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

type startupPoolConfig struct {
	Name           string `msgpack:"name"`
	MaintMethod    string `msgpack:"maint_method"`
	RequestTimeout int64  `msgpack:"request_timeout_ms"`
}

func startupConfig(cfg *config.PoolConfig) startupPoolConfig {
	return startupPoolConfig{
		Name:           cfg.Name,
		MaintMethod:    string(cfg.MaintMethod),
		RequestTimeout: cfg.RequestTimeout.Duration().Milliseconds(),
	}
}

func (p *Proxy) writeFrame(f *codec.Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return codec.WriteFrame(p.stdin, f)
}

func (p *Proxy) drainStderr(r io.ReadCloser) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Warn("worker stderr", "line", scanner.Text())
	}
}

// readLoop is the proxy's dedicated reader goroutine: it serializes
// decoding of this proxy's inbound stream and dispatches each frame to the
// appropriate response-intake handler.
func (p *Proxy) readLoop() {
	for {
		f, err := codec.ReadFrame(p.stdout)
		if err != nil {
			p.onChildGone(err)
			return
		}
		p.intake(f)
	}
}

func (p *Proxy) intake(f *codec.Frame) {
	switch f.Cmd {
	case codec.CmdStartupComplete:
		p.mu.Lock()
		if p.startupTimer != nil {
			p.startupTimer.Stop()
		}
		p.mu.Unlock()
		p.state.Store(int32(StateActive))
		select {
		case p.startupDone <- nil:
		default:
		}

	case codec.CmdMaintComplete:
		p.mu.Lock()
		if p.maintTimer != nil {
			p.maintTimer.Stop()
		}
		p.mu.Unlock()
		p.state.Store(int32(StateActive))

	case codec.CmdMessage:
		data, _ := codec.DecodeMessage(f)
		p.emit(Event{Kind: "message", PID: p.id, Data: data})

	case codec.CmdInternal:
		env, err := codec.DecodeInternal(f)
		if err == nil {
			blob, _ := codec.MarshalMsgpack(env)
			p.emit(Event{Kind: "internal", PID: p.id, Data: blob})
		}

	case codec.CmdSSE:
		id, chunk, err := codec.DecodeSSE(f)
		if err != nil {
			p.logger.Warn("decode error", "err", err)
			return
		}
		if v, ok := p.pending.Load(id); ok {
			pr := v.(*pendingRequest)
			if pr.onChunk != nil {
				pr.onChunk(chunk)
			}
		}

	case codec.CmdResponse:
		p.intakeResponse(f)

	default:
		p.logger.Warn("decode error: unexpected cmd", "cmd", f.Cmd)
	}
}

func (p *Proxy) intakeResponse(f *codec.Frame) {
	resp, body, err := codec.DecodeResponse(f)
	if err != nil {
		p.logger.Warn("decode error", "err", err)
		return
	}

	v, ok := p.pending.LoadAndDelete(resp.ID)
	if !ok {
		// Duplicate or already-timed-out response: logged and ignored.
		p.logger.Debug("response for unknown or completed request", "id", resp.ID)
		return
	}
	pr := v.(*pendingRequest)

	p.numActiveRequests.Add(-1)
	p.numRequestsServed.Add(1)
	p.recordCompletion(pr, resp.Status, nil)

	out := &Response{Status: resp.Status, Type: resp.Type, Headers: resp.Headers, Body: body}

	if resp.Type == codec.BodyFile {
		path := string(body)
		fi, statErr := os.Stat(path)
		if statErr != nil {
			pr.complete(&Response{Status: 500, Type: codec.BodyString}, fmt.Errorf("proxy: stat file response: %w", statErr))
			return
		}
		fh, openErr := os.Open(path)
		if openErr != nil {
			pr.complete(&Response{Status: 500, Type: codec.BodyString}, fmt.Errorf("proxy: open file response: %w", openErr))
			return
		}
		if out.Headers == nil {
			out.Headers = map[string]string{}
		}
		out.Headers["Content-Length"] = fmt.Sprintf("%d", fi.Size())
		out.BodyReader = fh
		out.Body = nil
		if resp.Delete {
			time.AfterFunc(5*time.Second, func() { os.Remove(path) })
		}
	}

	pr.complete(out, nil)
}

func (p *Proxy) emit(e Event) {
	if p.onEvent != nil {
		p.onEvent(e)
	}
}

func (p *Proxy) onStartupTimeout() {
	p.logger.Error("startup timed out, killing child")
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	select {
	case p.startupDone <- fmt.Errorf("proxy: startup timed out"):
	default:
	}
}

// onChildGone is invoked by readLoop when the child's stdout stream ends
// (EOF or a read error), meaning the process exited or crashed.
func (p *Proxy) onChildGone(cause error) {
	if !p.childExited.CompareAndSwap(false, true) {
		return
	}
	p.state.Store(int32(StateShutdown))

	p.mu.Lock()
	if p.startupTimer != nil {
		p.startupTimer.Stop()
	}
	if p.maintTimer != nil {
		p.maintTimer.Stop()
	}
	if p.killTimer != nil {
		p.killTimer.Stop()
	}
	p.mu.Unlock()

	p.pending.Range(func(key, value any) bool {
		pr := value.(*pendingRequest)
		p.pending.Delete(key)
		p.numActiveRequests.Add(-1)
		pr.complete(&Response{Status: 500, Type: codec.BodyString},
			fmt.Errorf("proxy: child exited: %w", cause))
		return true
	})

	select {
	case p.startupDone <- fmt.Errorf("proxy: child exited before startup_complete: %w", cause):
	default:
	}

	p.emit(Event{Kind: "exit", PID: p.id, Data: []byte(errString(cause))})
	if p.onExit != nil {
		p.onExit(p, cause)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ID returns the proxy's pool-scoped identifier.
func (p *Proxy) ID() int { return p.id }

// State returns the proxy's current lifecycle state.
func (p *Proxy) State() State { return State(p.state.Load()) }

// ActiveRequests returns the proxy's live pending-request count.
func (p *Proxy) ActiveRequests() int32 { return p.numActiveRequests.Load() }

// RequestsServed returns the total number of completed requests.
func (p *Proxy) RequestsServed() int64 { return p.numRequestsServed.Load() }

func (p *Proxy) recordCompletion(pr *pendingRequest, status int, err error) {
	c := Completion{ID: pr.id, Status: status, Duration: time.Since(pr.start), At: time.Now()}
	if err != nil {
		c.Err = err.Error()
	}
	p.completions.Set(pr.id, c)
}

// RecentCompletion looks up the audited outcome of a recently completed
// request by id, for operator debugging of what a child served just before
// it crashed or timed out.
func (p *Proxy) RecentCompletion(id string) (Completion, bool) {
	c, err := p.completions.Get(id)
	return c, err == nil
}

// MaxRequestsPerChild returns this proxy's resolved recycle budget (0 = unlimited).
func (p *Proxy) MaxRequestsPerChild() int { return p.maxRequestsPerChild }

// NeedsRecycle reports whether the proxy has served its configured request budget.
func (p *Proxy) NeedsRecycle() bool {
	return p.maxRequestsPerChild > 0 && p.numRequestsServed.Load() >= int64(p.maxRequestsPerChild)
}

// SetRequestMaint flags this proxy for maintenance on the next eligible
// tick, adopting payload as the maint frame's data.
func (p *Proxy) SetRequestMaint(payload []byte) {
	p.requestMaint.Store(&maintRequest{payload: payload})
}

// TakeRequestMaint clears and returns a pending requestMaint flag, if any.
func (p *Proxy) TakeRequestMaint() ([]byte, bool) {
	v := p.requestMaint.Swap(nil)
	if v == nil {
		return nil, false
	}
	return v.payload, true
}

// SetRequestRestart flags this proxy for a rolling restart on the next
// eligible tick.
func (p *Proxy) SetRequestRestart() { p.requestRestart.Store(true) }

// TakeRequestRestart clears and returns a pending requestRestart flag.
func (p *Proxy) TakeRequestRestart() bool { return p.requestRestart.CompareAndSwap(true, false) }

// LastMaintCount/LastMaintTime (set by markMaintDue) support the pool tick's
// maint-due computation per cfg.MaintMethod.
func (p *Proxy) LastMaintCount() int64   { return p.lastMaintCount.Load() }
func (p *Proxy) LastMaintTime() time.Time {
	return time.Unix(0, p.lastMaintTime.Load())
}

func (p *Proxy) markMaintDue() {
	p.lastMaintCount.Store(p.numRequestsServed.Load())
	p.lastMaintTime.Store(time.Now().UnixNano())
}

// Dispatch sends a request frame and registers a pending entry keyed by
// req.ID. onChunk, if non-nil, receives out-of-band SSE chunks for this
// request before the final done callback fires.
func (p *Proxy) Dispatch(req *codec.RequestEnvelope, body []byte, timeout time.Duration, onChunk func([]byte), done func(*Response, error)) error {
	if p.State() != StateActive && p.State() != StateMaint {
		return fmt.Errorf("proxy: not accepting requests in state %s", p.State())
	}

	pr := &pendingRequest{id: req.ID, start: time.Now(), onChunk: onChunk, done: done}
	if timeout > 0 {
		pr.timer = time.AfterFunc(timeout, func() {
			if _, ok := p.pending.LoadAndDelete(req.ID); ok {
				p.numActiveRequests.Add(-1)
				p.recordCompletion(pr, 0, errRequestTimeout)
				pr.complete(nil, errRequestTimeout)
			}
		})
	}
	p.pending.Store(req.ID, pr)
	p.numActiveRequests.Add(1)

	frame, err := codec.EncodeRequest(req, body)
	if err != nil {
		p.pending.Delete(req.ID)
		p.numActiveRequests.Add(-1)
		return fmt.Errorf("proxy: encoding request: %w", err)
	}
	if err := p.writeFrame(frame); err != nil {
		if _, ok := p.pending.LoadAndDelete(req.ID); ok {
			p.numActiveRequests.Add(-1)
		}
		return fmt.Errorf("proxy: writing request frame: %w", err)
	}
	return nil
}

// errRequestTimeout is the error passed to a request's done callback when
// request_timeout_sec elapses before a response arrives. The child's
// eventual response, if one arrives later, finds no pending entry and is
// discarded.
var errRequestTimeout = fmt.Errorf("proxy: request timed out")

// IsRequestTimeout reports whether err is the proxy-side request timeout.
func IsRequestTimeout(err error) bool { return err == errRequestTimeout }

// CustomDispatch wraps a programmatic (non-HTTP) submission. perf records
// wall-clock elapsed time; a non-200 response is surfaced to done as an
// error carrying the status as its code.
func (p *Proxy) CustomDispatch(id string, params []byte, timeout time.Duration, done func(body []byte, perf time.Duration, err error)) error {
	start := time.Now()
	frame, err := codec.EncodeCustom(id, params)
	if err != nil {
		return fmt.Errorf("proxy: encoding custom request: %w", err)
	}

	pr := &pendingRequest{id: id, done: func(resp *Response, err error) {
		perf := time.Since(start)
		if err != nil {
			done(nil, perf, err)
			return
		}
		if resp.Status != 200 {
			done(resp.Body, perf, fmt.Errorf("proxy: custom dispatch status %d", resp.Status))
			return
		}
		done(resp.Body, perf, nil)
	}}
	if timeout > 0 {
		pr.timer = time.AfterFunc(timeout, func() {
			if _, ok := p.pending.LoadAndDelete(id); ok {
				p.numActiveRequests.Add(-1)
				pr.complete(nil, errRequestTimeout)
			}
		})
	}
	p.pending.Store(id, pr)
	p.numActiveRequests.Add(1)

	if err := p.writeFrame(frame); err != nil {
		if _, ok := p.pending.LoadAndDelete(id); ok {
			p.numActiveRequests.Add(-1)
		}
		return fmt.Errorf("proxy: writing custom frame: %w", err)
	}
	return nil
}

// SendMessage writes an opaque broadcast frame to the child.
func (p *Proxy) SendMessage(data []byte) error {
	f, err := codec.EncodeMessage(data)
	if err != nil {
		return err
	}
	return p.writeFrame(f)
}

// Maint transitions the proxy into the maint state, sends the maint frame,
// and arms the maint timeout (escalates to Shutdown on expiry).
func (p *Proxy) Maint(payload []byte, timeout time.Duration) error {
	p.state.Store(int32(StateMaint))
	p.markMaintDue()

	f, err := codec.EncodeMaint(payload)
	if err != nil {
		return err
	}
	if err := p.writeFrame(f); err != nil {
		return err
	}

	p.mu.Lock()
	p.maintTimer = time.AfterFunc(timeout, func() {
		p.logger.Warn("maint timed out, escalating to shutdown")
		p.emit(Event{Kind: "maint_timeout", PID: p.id, Data: []byte(fmt.Sprintf("maint not complete after %s", timeout))})
		p.Shutdown(timeout)
	})
	p.mu.Unlock()
	return nil
}

// Shutdown transitions the proxy to Shutdown, writes the shutdown frame,
// closes the outbound stream, and arms a kill timer that SIGKILLs the
// child if it has not exited by the time timeout elapses. Pending
// requests are left to complete or abort on exit; they are not aborted
// here.
func (p *Proxy) Shutdown(timeout time.Duration) error {
	if State(p.state.Swap(int32(StateShutdown))) == StateShutdown {
		return nil
	}

	f := codec.NewShutdownFrame()
	_ = p.writeFrame(f)
	p.stdin.Close()

	p.mu.Lock()
	p.killTimer = time.AfterFunc(timeout, func() {
		p.logger.Warn("shutdown timed out, killing child")
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
	})
	p.mu.Unlock()
	return nil
}

// Kill immediately SIGKILLs the child, bypassing the drain/shutdown frame.
// Used for emergency shutdown.
func (p *Proxy) Kill() error {
	p.state.Store(int32(StateShutdown))
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Wait blocks until the child process has exited.
func (p *Proxy) Wait() error {
	return p.cmd.Wait()
}
