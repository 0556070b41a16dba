package admin

import (
	"net/http"

	"github.com/sadewadee/wpsuper/internal/manager"
)

// ErrorsHandler exposes the manager's crash/timeout ledger as JSON, keyed
// by pool name, for operators debugging a pool that keeps respawning.
type ErrorsHandler struct {
	mgr *manager.Manager
}

func NewErrorsHandler(mgr *manager.Manager) *ErrorsHandler {
	return &ErrorsHandler{mgr: mgr}
}

func (h *ErrorsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := h.mgr.Ledger().MarshalRecent()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
