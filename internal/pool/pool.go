// Package pool implements the Worker Pool: a group of proxies sharing one
// configuration, owning dispatch policy, concurrency accounting, and the
// per-tick control decisions (auto-scale, rolling maintenance, rolling
// restart, recycle).
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sadewadee/wpsuper/internal/codec"
	"github.com/sadewadee/wpsuper/internal/config"
	"github.com/sadewadee/wpsuper/internal/proxy"
)

// Dispatch errors map directly onto the HTTP error surface (see internal/router).
var (
	ErrCapExceeded      = errors.New("pool: concurrent request cap exceeded")
	ErrNoWorkerAvailable = errors.New("pool: no eligible worker available")
)

// Event is a pool lifecycle notification relayed to the event bus:
// autoscale add/remove, maint start, restart, recycle, child exit.
type Event struct {
	Pool string
	Kind string
	PID  int
	Data []byte
}

// Pool owns a live set of proxies sharing cfg.
type Pool struct {
	id     string
	cfg    *config.PoolConfig
	hot    atomic.Pointer[config.Hot]
	server proxy.ServerInfo
	logger *slog.Logger
	onEvent func(Event)

	mu          sync.Mutex // serializes all mutations of proxies/cursor
	proxies     map[int]*proxy.Proxy
	cursor      int
	nextProxyID atomic.Int32

	numActiveRequests atomic.Int32

	launchSem chan struct{}

	stopping atomic.Bool
}

// New constructs a pool. Call Start to spawn its initial children.
func New(id string, cfg *config.PoolConfig, server proxy.ServerInfo, logger *slog.Logger, onEvent func(Event)) *Pool {
	p := &Pool{
		id:      id,
		cfg:     cfg,
		server:  server,
		logger:  logger.With("pool", id),
		onEvent: onEvent,
		proxies: make(map[int]*proxy.Proxy),
	}
	p.hot.Store(cfg.Hot())
	p.launchSem = make(chan struct{}, max(1, cfg.MaxConcurrentLaunches))
	return p
}

// Hot returns the pool's current hot-editable config snapshot.
func (p *Pool) Hot() *config.Hot { return p.hot.Load() }

// SetHot replaces the pool's hot-editable config, taking effect on the
// next tick and the next dispatch decision.
func (p *Pool) SetHot(h *config.Hot) { p.hot.Store(h) }

// ID returns the pool's name.
func (p *Pool) ID() string { return p.id }

// Start spawns MinChildren proxies with launch concurrency bounded by
// MaxConcurrentLaunches, and returns once every one of them has completed
// startup (or failed to).
func (p *Pool) Start() error {
	p.logger.Info("starting pool", "min_children", p.cfg.MinChildren, "max_children", p.cfg.MaxChildren)

	var wg sync.WaitGroup
	errs := make(chan error, p.cfg.MinChildren)
	for i := 0; i < p.cfg.MinChildren; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.spawnProxy(); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		return fmt.Errorf("pool %q: startup failed: %w", p.id, err)
	}
	return nil
}

// Stop instructs every proxy to shut down and waits until the pid map is empty.
func (p *Pool) Stop() error {
	p.stopping.Store(true)
	p.logger.Info("stopping pool")

	p.mu.Lock()
	all := make([]*proxy.Proxy, 0, len(p.proxies))
	for _, px := range p.proxies {
		all = append(all, px)
	}
	p.mu.Unlock()

	shutdownTimeout := p.cfg.ShutdownTimeout.Duration()
	for _, px := range all {
		px.Shutdown(shutdownTimeout)
	}

	deadline := time.Now().Add(shutdownTimeout + 2*time.Second)
	for {
		p.mu.Lock()
		remaining := len(p.proxies)
		p.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			for _, px := range all {
				px.Kill()
			}
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (p *Pool) spawnProxy() (*proxy.Proxy, error) {
	p.launchSem <- struct{}{}
	defer func() { <-p.launchSem }()

	id := int(p.nextProxyID.Add(1))
	px, err := proxy.Spawn(id, p.cfg, p.server, p.logger, p.relayEvent, p.onProxyExit)
	if err != nil {
		p.logger.Error("spawn failed", "err", err)
		return nil, err
	}

	p.mu.Lock()
	p.proxies[id] = px
	p.mu.Unlock()

	p.logger.Debug("proxy spawned", "pid", id)
	return px, nil
}

func (p *Pool) relayEvent(e proxy.Event) {
	if p.onEvent != nil {
		p.onEvent(Event{Pool: p.id, Kind: e.Kind, PID: e.PID, Data: e.Data})
	}
}

func (p *Pool) onProxyExit(px *proxy.Proxy, cause error) {
	p.mu.Lock()
	delete(p.proxies, px.ID())
	p.mu.Unlock()
	p.logger.Info("proxy exited", "pid", px.ID(), "cause", cause)
}

// Stats summarizes the pool for the admin surface.
type Stats struct {
	Total             int
	Startup           int
	Active            int
	Maint             int
	Shutdown          int
	NumActiveRequests int32
}

// Proxies exposes the pool's live proxy set. Used by the manager's
// emergency shutdown path; ordinary dispatch and tick logic stays inside
// this package.
func (p *Pool) Proxies() []*proxy.Proxy {
	return p.snapshot()
}

func (p *Pool) snapshot() []*proxy.Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*proxy.Proxy, 0, len(p.proxies))
	for _, px := range p.proxies {
		out = append(out, px)
	}
	return out
}

// Stats computes a state-count snapshot, as read at the start of a tick.
func (p *Pool) Stats() Stats {
	var s Stats
	for _, px := range p.snapshot() {
		s.Total++
		switch px.State() {
		case proxy.StateStartup:
			s.Startup++
		case proxy.StateActive:
			s.Active++
		case proxy.StateMaint:
			s.Maint++
		case proxy.StateShutdown:
			s.Shutdown++
		}
		s.NumActiveRequests += px.ActiveRequests()
	}
	return s
}

// Dispatch implements the least-loaded, break-ties-randomly selection
// policy (spec §4.4) and sends req to the chosen proxy.
func (p *Pool) Dispatch(req *codec.RequestEnvelope, body []byte, onChunk func([]byte), done func(*proxy.Response, error)) error {
	hot := p.hot.Load()
	if hot.MaxConcurrentRequests > 0 && int(p.numActiveRequests.Load()) >= hot.MaxConcurrentRequests {
		return ErrCapExceeded
	}

	px := p.selectLeastLoaded()
	if px == nil {
		return ErrNoWorkerAvailable
	}

	p.numActiveRequests.Add(1)
	wrapped := func(r *proxy.Response, err error) {
		p.numActiveRequests.Add(-1)
		done(r, err)
	}
	timeout := p.cfg.RequestTimeout.Duration()
	if err := px.Dispatch(req, body, timeout, onChunk, wrapped); err != nil {
		p.numActiveRequests.Add(-1)
		return err
	}
	return nil
}

// CustomDispatch dispatches a programmatic submission through the same
// least-loaded selection policy and the same pool-wide concurrency
// accounting as Dispatch, so a custom submission counts against
// max_concurrent_requests and keeps Pool.NumActiveRequests equal to the
// sum of per-proxy active-request counts.
func (p *Pool) CustomDispatch(id string, params []byte, done func(body []byte, perf time.Duration, err error)) error {
	hot := p.hot.Load()
	if hot.MaxConcurrentRequests > 0 && int(p.numActiveRequests.Load()) >= hot.MaxConcurrentRequests {
		return ErrCapExceeded
	}

	px := p.selectLeastLoaded()
	if px == nil {
		return ErrNoWorkerAvailable
	}

	p.numActiveRequests.Add(1)
	wrapped := func(body []byte, perf time.Duration, err error) {
		p.numActiveRequests.Add(-1)
		done(body, perf, err)
	}
	if err := px.CustomDispatch(id, params, p.cfg.RequestTimeout.Duration(), wrapped); err != nil {
		p.numActiveRequests.Add(-1)
		return err
	}
	return nil
}

func (p *Pool) selectLeastLoaded() *proxy.Proxy {
	candidates := p.snapshot()

	minLoad := int32(-1)
	var eligible []*proxy.Proxy
	for _, px := range candidates {
		if px.State() != proxy.StateActive {
			continue
		}
		load := px.ActiveRequests()
		if minLoad == -1 || load < minLoad {
			minLoad = load
			eligible = eligible[:0]
			eligible = append(eligible, px)
		} else if load == minLoad {
			eligible = append(eligible, px)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	return eligible[rand.Intn(len(eligible))]
}

// NumActiveRequests returns the pool-wide active request counter, kept
// consistent with the sum of per-proxy counters.
func (p *Pool) NumActiveRequests() int32 { return p.numActiveRequests.Load() }

// SendMessage broadcasts an opaque payload to every active, maint, or
// startup child exactly once.
func (p *Pool) SendMessage(data []byte) {
	for _, px := range p.snapshot() {
		switch px.State() {
		case proxy.StateActive, proxy.StateMaint, proxy.StateStartup:
			if err := px.SendMessage(data); err != nil {
				p.logger.Warn("sendMessage failed", "pid", px.ID(), "err", err)
			}
		}
	}
}

// RequestMaint flags every live proxy for maintenance; the tick realizes
// it under the pool's concurrency limits.
func (p *Pool) RequestMaint(data []byte) {
	for _, px := range p.snapshot() {
		px.SetRequestMaint(data)
	}
}

// RequestRestart flags every live proxy for a rolling restart; the tick
// performs the shutdowns under concurrency limits and auto-scale spawns
// replacements.
func (p *Pool) RequestRestart() {
	for _, px := range p.snapshot() {
		px.SetRequestRestart()
	}
}

// Tick runs one second's worth of control-loop decisions: a single
// rotating focus-worker evaluation, followed by pool-wide auto-scaling.
// Called by the manager at 1 Hz.
func (p *Pool) Tick() {
	if p.stopping.Load() {
		return
	}
	all := p.snapshot()
	if len(all) == 0 {
		p.autoScale(Stats{})
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID() < all[j].ID() })

	stats := p.statsOf(all)
	hot := p.hot.Load()

	focus := p.nextFocus(all)
	if focus != nil {
		p.applyFocusActions(focus, stats, hot)
	}

	p.autoScale(p.statsOf(p.snapshot()))
}

func (p *Pool) statsOf(all []*proxy.Proxy) Stats {
	var s Stats
	for _, px := range all {
		s.Total++
		switch px.State() {
		case proxy.StateStartup:
			s.Startup++
		case proxy.StateActive:
			s.Active++
		case proxy.StateMaint:
			s.Maint++
		case proxy.StateShutdown:
			s.Shutdown++
		}
		s.NumActiveRequests += px.ActiveRequests()
	}
	return s
}

// nextFocus advances the pool's round-robin cursor across the
// currently-known proxy list and returns the proxy it lands on.
func (p *Pool) nextFocus(all []*proxy.Proxy) *proxy.Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(all) == 0 {
		return nil
	}
	p.cursor = (p.cursor + 1) % len(all)
	return all[p.cursor]
}

// applyFocusActions performs at most one of {maintenance, recycle, rolling
// restart} on the focus worker, in that order, per spec §4.4.
func (p *Pool) applyFocusActions(focus *proxy.Proxy, stats Stats, hot *config.Hot) {
	// Maintenance decision.
	if stats.Maint < hot.MaxConcurrentMaint && stats.Active > 1 {
		if p.maybeMaint(focus, hot) {
			return
		}
	}

	// End-of-life recycle.
	if stats.Startup+stats.Shutdown < hot.MaxConcurrentLaunches && stats.Active > 1 {
		if focus.State() == proxy.StateActive && focus.NeedsRecycle() {
			p.logger.Info("recycling proxy", "pid", focus.ID(), "served", focus.RequestsServed())
			focus.Shutdown(p.cfg.ShutdownTimeout.Duration())
			p.relayEvent(proxy.Event{Kind: "recycle", PID: focus.ID()})
			return
		}
	}

	// Rolling restart.
	if stats.Startup+stats.Shutdown < hot.MaxConcurrentLaunches && stats.Active > 1 {
		if focus.TakeRequestRestart() {
			p.logger.Info("restarting proxy", "pid", focus.ID())
			focus.Shutdown(p.cfg.ShutdownTimeout.Duration())
			p.relayEvent(proxy.Event{Kind: "restart", PID: focus.ID()})
		}
	}
}

func (p *Pool) maybeMaint(focus *proxy.Proxy, hot *config.Hot) bool {
	needMaint := false
	var payload []byte

	if focus.State() == proxy.StateActive && hot.AutoMaint {
		switch hot.MaintMethod {
		case config.MaintByRequests:
			if focus.RequestsServed()-focus.LastMaintCount() >= hot.MaintRequests {
				needMaint = true
			}
		case config.MaintByTime:
			if time.Since(focus.LastMaintTime()) >= hot.MaintTimeSec {
				needMaint = true
			}
		}
	}
	if v, ok := focus.TakeRequestMaint(); ok {
		needMaint = true
		payload = v
	}
	if !needMaint {
		return false
	}
	if focus.State() != proxy.StateActive {
		return false
	}
	if err := focus.Maint(payload, p.cfg.MaintTimeout.Duration()); err != nil {
		p.logger.Warn("maint dispatch failed", "pid", focus.ID(), "err", err)
		return false
	}
	p.relayEvent(proxy.Event{Kind: "maint", PID: focus.ID()})
	return true
}

// autoScale applies the pool-wide scale-up/scale-down formula. At most one
// scale action is taken per tick.
func (p *Pool) autoScale(stats Stats) {
	hot := p.hot.Load()

	all := p.snapshot()
	numBusy := 0
	for _, px := range all {
		if px.State() == proxy.StateActive && int(px.ActiveRequests()) >= max(1, hot.ChildBusyFactor) {
			numBusy++
		}
	}

	numBusyAdj := int(float64(numBusy) * (1 + float64(hot.ChildHeadroomPct)/100))
	if lower := p.cfg.MinChildren - 1; numBusyAdj < lower {
		numBusyAdj = lower
	}

	numChildren := stats.Startup + stats.Active
	totalSansShut := stats.Total - stats.Shutdown

	if numBusyAdj >= numChildren && stats.Startup < hot.MaxConcurrentLaunches && totalSansShut < hot.MaxChildren {
		go func() {
			px, err := p.spawnProxy()
			if err != nil {
				return
			}
			p.relayEvent(proxy.Event{Kind: "autoscale_add", PID: px.ID()})
		}()
		return
	}

	if numBusyAdj < stats.Active-1 && stats.Active > 1 && stats.Total > p.cfg.MinChildren {
		for _, px := range all {
			if px.State() == proxy.StateActive && px.ActiveRequests() == 0 {
				p.logger.Info("scaling down", "pid", px.ID())
				px.Shutdown(p.cfg.ShutdownTimeout.Duration())
				p.relayEvent(proxy.Event{Kind: "autoscale_remove", PID: px.ID()})
				return
			}
		}
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
