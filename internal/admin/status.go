package admin

import (
	"net/http"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/sadewadee/wpsuper/internal/manager"
)

// StatusHandler renders a human-readable table of every pool's child state,
// meant for an operator hitting the admin surface directly in a terminal.
type StatusHandler struct {
	mgr *manager.Manager
}

// NewStatusHandler creates a new status table handler.
func NewStatusHandler(mgr *manager.Manager) *StatusHandler {
	return &StatusHandler{mgr: mgr}
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Pool", "Total", "Startup", "Active", "Maint", "Shutdown", "In-flight", "Errors"})

	ledger := h.mgr.Ledger()
	pools := h.mgr.Pools()
	for name, p := range pools {
		s := p.Stats()
		t.AppendRow(table.Row{name, s.Total, s.Startup, s.Active, s.Maint, s.Shutdown, s.NumActiveRequests, ledger.Count(name)})
	}
	if len(pools) == 0 {
		t.AppendRow(table.Row{"(none)", "-", "-", "-", "-", "-", "-", "-"})
	}

	t.Render()
}
