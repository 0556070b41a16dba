// Package manager implements the Pool Manager: the registry of named
// pools, the process-wide startup/shutdown fan-out, the 1 Hz tick driver,
// unique request id generation, and emergency shutdown on an uncaught
// panic.
package manager

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sadewadee/wpsuper/internal/config"
	"github.com/sadewadee/wpsuper/internal/errstats"
	"github.com/sadewadee/wpsuper/internal/pool"
	"github.com/sadewadee/wpsuper/internal/proxy"
)

// Manager owns every configured pool and drives their 1 Hz control loop.
type Manager struct {
	logger *slog.Logger
	server proxy.ServerInfo

	mu    sync.RWMutex
	pools map[string]*pool.Pool

	onEvent func(pool.Event)
	ledger  *errstats.Ledger

	counter atomic.Uint32 // wraps at 36^2, combined with a ms timestamp for getUniqueID

	tickStop chan struct{}
	tickDone chan struct{}

	startupThreads int
}

// New constructs a manager. onEvent, if non-nil, receives every pool's
// lifecycle events (forwarded to the pool event bus).
func New(logger *slog.Logger, startupThreads int, onEvent func(pool.Event)) *Manager {
	if startupThreads <= 0 {
		startupThreads = 4
	}
	return &Manager{
		logger:         logger,
		server:         hostServerInfo(),
		pools:          make(map[string]*pool.Pool),
		onEvent:        onEvent,
		ledger:         errstats.NewLedger(),
		startupThreads: startupThreads,
	}
}

// Ledger exposes the manager's crash/timeout error ledger, read by the
// admin surface.
func (m *Manager) Ledger() *errstats.Ledger {
	return m.ledger
}

// dispatchEvent records crash/timeout causes into the ledger before
// forwarding every event to the external event bus.
func (m *Manager) dispatchEvent(e pool.Event) {
	switch e.Kind {
	case "exit", "maint_timeout":
		m.ledger.Record(errstats.Entry{Pool: e.Pool, PID: e.PID, Kind: e.Kind, Data: string(e.Data)})
	}
	if m.onEvent != nil {
		m.onEvent(e)
	}
}

func hostServerInfo() proxy.ServerInfo {
	hostname, _ := os.Hostname()
	ip := "127.0.0.1"
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
				ip = ipNet.IP.String()
				break
			}
		}
	}
	return proxy.ServerInfo{Hostname: hostname, IP: ip}
}

// StartAll instantiates and starts every enabled pool config, with launch
// parallelism bounded by startupThreads.
func (m *Manager) StartAll(cfgs map[string]*config.PoolConfig) error {
	sem := make(chan struct{}, m.startupThreads)
	var wg sync.WaitGroup
	errs := make(chan error, len(cfgs))

	for name, cfg := range cfgs {
		wg.Add(1)
		sem <- struct{}{}
		go func(name string, cfg *config.PoolConfig) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := m.CreatePool(name, cfg); err != nil {
				errs <- fmt.Errorf("pool %q: %w", name, err)
			}
		}(name, cfg)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		return err
	}

	m.tickStop = make(chan struct{})
	m.tickDone = make(chan struct{})
	go m.tickLoop()
	return nil
}

// CreatePool instantiates, starts, and registers a new pool under name.
// Dynamic lifecycle counterpart to RemovePool.
func (m *Manager) CreatePool(name string, cfg *config.PoolConfig) error {
	cfg.Name = name
	p := pool.New(name, cfg, m.server, m.logger, m.dispatchEvent)
	if err := p.Start(); err != nil {
		return err
	}
	m.mu.Lock()
	m.pools[name] = p
	m.mu.Unlock()
	return nil
}

// RemovePool shuts down and deregisters the named pool.
func (m *Manager) RemovePool(name string) error {
	m.mu.Lock()
	p, ok := m.pools[name]
	if ok {
		delete(m.pools, name)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("manager: no such pool %q", name)
	}
	return p.Stop()
}

// Pool looks up a registered pool by name.
func (m *Manager) Pool(name string) (*pool.Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[name]
	return p, ok
}

// Pools returns a snapshot of every registered pool.
func (m *Manager) Pools() map[string]*pool.Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*pool.Pool, len(m.pools))
	for k, v := range m.pools {
		out[k] = v
	}
	return out
}

// tickLoop fans out a 1 Hz tick to every pool.
func (m *Manager) tickLoop() {
	defer close(m.tickDone)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, p := range m.Pools() {
				p.Tick()
			}
		case <-m.tickStop:
			return
		}
	}
}

// Shutdown stops the tick loop and shuts down every pool.
func (m *Manager) Shutdown() error {
	if m.tickStop != nil {
		close(m.tickStop)
		<-m.tickDone
	}

	var wg sync.WaitGroup
	for name, p := range m.Pools() {
		wg.Add(1)
		go func(name string, p *pool.Pool) {
			defer wg.Done()
			if err := p.Stop(); err != nil {
				m.logger.Warn("pool shutdown error", "pool", name, "err", err)
			}
		}(name, p)
	}
	wg.Wait()
	return nil
}

// EmergencyShutdown kills every child in every pool immediately, bypassing
// the drain/shutdown frame handshake. Invoked from main's recover on every
// uncaught panic; there is no setting to turn it off.
func (m *Manager) EmergencyShutdown() {
	m.logger.Error("emergency shutdown: killing all children")
	for name, p := range m.Pools() {
		for _, px := range poolProxies(p) {
			if err := px.Kill(); err != nil {
				m.logger.Warn("emergency kill failed", "pool", name, "pid", px.ID(), "err", err)
			}
		}
	}
}

// RequestRestartAll marks every pool for a rolling restart at its next
// tick. Unlike EmergencyShutdown this is graceful: each tick sends one
// flagged child the normal shutdown frame (which drains it) and auto-scale
// spawns replacements, rather than killing anything outright.
func (m *Manager) RequestRestartAll() {
	for name, p := range m.Pools() {
		m.logger.Info("requesting rolling restart", "pool", name)
		p.RequestRestart()
	}
}

// poolProxies returns a pool's live proxies (via Pool.Proxies) for
// emergency shutdown.
func poolProxies(p *pool.Pool) []*proxy.Proxy {
	return p.Proxies()
}

// base36Alphabet mirrors the compact, sortable id alphabet used for
// correlating log lines with request ids.
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NextID generates a short, ordered, unique-per-process request id:
// a millisecond timestamp (base-36) followed by a counter (base-36,
// wrapping at 36^2), optionally prefixed.
func (m *Manager) NextID(prefix string) string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	n := m.counter.Add(1) % (36 * 36)
	c := toBase36(n, 2)
	if prefix == "" {
		return ts + c
	}
	return prefix + "-" + ts + c
}

func toBase36(n uint32, width int) string {
	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = base36Alphabet[n%36]
		n /= 36
	}
	return string(buf)
}
