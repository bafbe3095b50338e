package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/voxgate/voxgate/pkg/gateway/lifecycle"
	"github.com/voxgate/voxgate/pkg/storage"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether the gateway can take traffic: not draining and
// able to reach the database.
type ReadyHandler struct {
	Store     storage.Store
	Lifecycle *lifecycle.Lifecycle
	Timeout   time.Duration
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK       bool     `json:"ok"`
		Database bool     `json:"database"`
		Draining bool     `json:"draining"`
		Issues   []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 2)
	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "gateway is draining")
	}

	dbOK := false
	if h.Store == nil {
		issues = append(issues, "store not configured")
	} else {
		timeout := h.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			issues = append(issues, "database unreachable")
		} else {
			dbOK = true
		}
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResp{
		OK:       ok,
		Database: dbOK,
		Draining: draining,
		Issues:   issues,
	})
}
