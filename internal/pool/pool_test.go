package pool

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sadewadee/wpsuper/internal/codec"
	"github.com/sadewadee/wpsuper/internal/config"
	"github.com/sadewadee/wpsuper/internal/proxy"
	"github.com/stretchr/testify/require"
)

// TestMain re-executes this binary as a worker child, mirroring the
// standard os/exec self-reexec testing idiom used throughout this module.
func TestMain(m *testing.M) {
	if os.Getenv("WPSUPER_HELPER_PROCESS") == "1" {
		helperWorkerMain()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func helperWorkerMain() {
	in, out := os.Stdin, os.Stdout
	startup, err := codec.ReadFrame(in)
	if err != nil || startup.Cmd != codec.CmdStartup {
		os.Exit(1)
	}
	codec.WriteFrame(out, codec.NewStartupCompleteFrame())

	for {
		f, err := codec.ReadFrame(in)
		if err != nil {
			return
		}
		switch f.Cmd {
		case codec.CmdRequest:
			env, body, _ := codec.DecodeRequest(f)
			if env.URI == "/slow" {
				time.Sleep(400 * time.Millisecond)
			}
			resp := &codec.ResponseEnvelope{ID: env.ID, Status: 200, Type: codec.BodyString}
			rf, _ := codec.EncodeResponse(resp, body)
			codec.WriteFrame(out, rf)
		case codec.CmdMaint:
			codec.WriteFrame(out, codec.NewMaintCompleteFrame())
		case codec.CmdShutdown:
			return
		}
	}
}

func testCfg(t *testing.T) *config.PoolConfig {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)
	return &config.PoolConfig{
		Name:                  "test",
		Exec:                  self,
		Env:                   map[string]string{"WPSUPER_HELPER_PROCESS": "1"},
		MinChildren:           1,
		MaxChildren:           1,
		MaxConcurrentLaunches: 4,
		MaxConcurrentMaint:    1,
		ChildBusyFactor:       1,
		StartupTimeout:        config.Duration(2 * time.Second),
		ShutdownTimeout:       config.Duration(2 * time.Second),
		MaintTimeout:          config.Duration(2 * time.Second),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, cfg *config.PoolConfig) *Pool {
	t.Helper()
	p := New("test", cfg, proxy.ServerInfo{Hostname: "test"}, discardLogger(), nil)
	require.NoError(t, p.Start())
	t.Cleanup(func() { p.Stop() })
	return p
}

func dispatchSync(t *testing.T, p *Pool, uri string, timeout time.Duration) (*proxy.Response, error) {
	t.Helper()
	var resp *proxy.Response
	var derr error
	done := make(chan struct{})
	err := p.Dispatch(&codec.RequestEnvelope{ID: uri + "-id", Method: "GET", URI: uri}, nil, nil, func(r *proxy.Response, e error) {
		resp, derr = r, e
		close(done)
	})
	if err != nil {
		return nil, err
	}
	select {
	case <-done:
		return resp, derr
	case <-time.After(timeout):
		t.Fatal("dispatch did not complete in time")
		return nil, nil
	}
}

func TestPoolStartSpawnsMinChildren(t *testing.T) {
	cfg := testCfg(t)
	cfg.MinChildren, cfg.MaxChildren = 2, 2
	p := newTestPool(t, cfg)

	stats := p.Stats()
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 2, stats.Active)
}

func TestDispatchRoundTrip(t *testing.T) {
	p := newTestPool(t, testCfg(t))
	resp, err := dispatchSync(t, p, "/ping", 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)
}

func TestDispatchCapExceeded(t *testing.T) {
	cfg := testCfg(t)
	cfg.MaxConcurrentRequests = 1
	p := newTestPool(t, cfg)

	var wg sync.WaitGroup
	wg.Add(1)
	err := p.Dispatch(&codec.RequestEnvelope{ID: "slow-1", Method: "GET", URI: "/slow"}, nil, nil, func(r *proxy.Response, e error) {
		wg.Done()
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	_, err2 := dispatchSync(t, p, "/second", time.Millisecond)
	require.ErrorIs(t, err2, ErrCapExceeded)
	wg.Wait()
}

func TestDispatchNoWorkerAvailableWhenAllDown(t *testing.T) {
	cfg := testCfg(t)
	p := New("test", cfg, proxy.ServerInfo{}, discardLogger(), nil)
	// Never started: proxies map is empty.
	err := p.Dispatch(&codec.RequestEnvelope{ID: "x", Method: "GET", URI: "/x"}, nil, nil, func(*proxy.Response, error) {})
	require.ErrorIs(t, err, ErrNoWorkerAvailable)
}

func TestAutoScaleUp(t *testing.T) {
	cfg := testCfg(t)
	cfg.MinChildren, cfg.MaxChildren = 1, 2
	cfg.MaxConcurrentRequests = 2
	cfg.ChildHeadroomPct = 0
	p := newTestPool(t, cfg)

	done := make(chan struct{})
	err := p.Dispatch(&codec.RequestEnvelope{ID: "long-1", Method: "GET", URI: "/slow"}, nil, nil, func(*proxy.Response, error) {
		close(done)
	})
	require.NoError(t, err)

	p.Tick()

	require.Eventually(t, func() bool {
		return p.Stats().Total == 2
	}, 2*time.Second, 20*time.Millisecond)

	<-done
}

func TestAutoScaleDown(t *testing.T) {
	cfg := testCfg(t)
	cfg.MinChildren, cfg.MaxChildren = 1, 2
	p := newTestPool(t, cfg)

	_, err := p.spawnProxy()
	require.NoError(t, err)
	require.Equal(t, 2, p.Stats().Total)

	p.Tick()

	require.Eventually(t, func() bool {
		return p.Stats().Total == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRequestMaintRealizedOnTick(t *testing.T) {
	cfg := testCfg(t)
	cfg.MinChildren, cfg.MaxChildren = 2, 2
	p := newTestPool(t, cfg)

	var events []Event
	var mu sync.Mutex
	p.onEvent = func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	p.RequestMaint([]byte("go"))
	p.Tick()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e.Kind == "maint" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestRequestRestartRecyclesAllProxies(t *testing.T) {
	cfg := testCfg(t)
	cfg.MinChildren, cfg.MaxChildren = 3, 3
	p := newTestPool(t, cfg)

	originalPIDs := map[int]bool{}
	for _, px := range p.snapshot() {
		originalPIDs[px.ID()] = true
	}

	p.RequestRestart()
	for i := 0; i < 40; i++ {
		p.Tick()
		time.Sleep(30 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		for _, px := range p.snapshot() {
			if originalPIDs[px.ID()] {
				return false
			}
		}
		return len(p.snapshot()) > 0
	}, 5*time.Second, 50*time.Millisecond)
}
