package admin

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/sadewadee/wpsuper/internal/codec"
	"github.com/sadewadee/wpsuper/internal/config"
	"github.com/sadewadee/wpsuper/internal/errstats"
	"github.com/sadewadee/wpsuper/internal/manager"
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
		if f.Cmd == codec.CmdShutdown {
			return
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testManager(t *testing.T) *manager.Manager {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)
	mgr := manager.New(discardLogger(), 2, nil)
	require.NoError(t, mgr.StartAll(map[string]*config.PoolConfig{
		"app": {
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
		},
	}))
	t.Cleanup(func() { mgr.Shutdown() })
	return mgr
}

func TestHealthHandlerReadyWhenPoolActive(t *testing.T) {
	mgr := testManager(t)
	h := NewHealthHandler(mgr)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthHandlerLiveness(t *testing.T) {
	mgr := testManager(t)
	h := NewHealthHandler(mgr)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusHandlerRendersTable(t *testing.T) {
	mgr := testManager(t)
	h := NewStatusHandler(mgr)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "app")
}

func TestErrorsHandlerServesLedgerJSON(t *testing.T) {
	mgr := testManager(t)
	mgr.Ledger().Record(errstats.Entry{Pool: "app", Kind: "exit", Data: "boom"})
	h := NewErrorsHandler(mgr)

	req := httptest.NewRequest(http.MethodGet, "/errors", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "boom")
}

func TestMetricsHandlerServesPrometheusText(t *testing.T) {
	mgr := testManager(t)
	m := NewMetrics(mgr)
	handler := m.Middleware("/metrics")(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "wpsuper_pool_children")
}
