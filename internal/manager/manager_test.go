package manager

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/sadewadee/wpsuper/internal/codec"
	"github.com/sadewadee/wpsuper/internal/config"
	"github.com/sadewadee/wpsuper/internal/pool"
	"github.com/stretchr/testify/require"
)

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
			resp := &codec.ResponseEnvelope{ID: env.ID, Status: 200, Type: codec.BodyString}
			rf, _ := codec.EncodeResponse(resp, body)
			codec.WriteFrame(out, rf)
		case codec.CmdShutdown:
			return
		}
	}
}

func testPoolConfig(t *testing.T) *config.PoolConfig {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)
	return &config.PoolConfig{
		Exec:                  self,
		Env:                   map[string]string{"WPSUPER_HELPER_PROCESS": "1"},
		MinChildren:           1,
		MaxChildren:           1,
		MaxConcurrentLaunches: 1,
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

func TestNextIDIsUniqueAndOrdered(t *testing.T) {
	m := New(discardLogger(), 2, nil)
	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		id := m.NextID("req")
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestStartAllCreatesPoolsAndTicksThem(t *testing.T) {
	var events []pool.Event
	m := New(discardLogger(), 2, func(e pool.Event) {
		events = append(events, e)
	})

	cfgs := map[string]*config.PoolConfig{
		"a": testPoolConfig(t),
		"b": testPoolConfig(t),
	}
	require.NoError(t, m.StartAll(cfgs))
	t.Cleanup(func() { m.Shutdown() })

	require.Len(t, m.Pools(), 2)
	a, ok := m.Pool("a")
	require.True(t, ok)
	require.Equal(t, 1, a.Stats().Active)

	time.Sleep(1200 * time.Millisecond) // let at least one tick fire
}

func TestCreateAndRemovePool(t *testing.T) {
	m := New(discardLogger(), 2, nil)
	require.NoError(t, m.CreatePool("dynamic", testPoolConfig(t)))

	p, ok := m.Pool("dynamic")
	require.True(t, ok)
	require.Equal(t, 1, p.Stats().Active)

	require.NoError(t, m.RemovePool("dynamic"))
	_, ok = m.Pool("dynamic")
	require.False(t, ok)
}

func TestEmergencyShutdownKillsAllChildren(t *testing.T) {
	m := New(discardLogger(), 2, nil)
	require.NoError(t, m.CreatePool("x", testPoolConfig(t)))

	m.EmergencyShutdown()

	p, _ := m.Pool("x")
	require.Eventually(t, func() bool {
		for _, px := range p.Proxies() {
			if px.State() != 3 { // proxy.StateShutdown
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)
}
