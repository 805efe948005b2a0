package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ConnectionCounter interface {
	ActiveConnectionCount() int
	Draining() bool
}

type StoreChecker interface {
	Reachable(ctx context.Context) bool
}

// ReadyHandler reports 503 while draining. An unreachable durable store is
// reported but does not fail readiness: calls keep running on the fallback.
type ReadyHandler struct {
	Connections ConnectionCounter
	Store       StoreChecker
	Timeout     time.Duration
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK                bool `json:"ok"`
		Draining          bool `json:"draining"`
		ActiveConnections int  `json:"active_connections"`
		StoreReachable    bool `json:"store_reachable"`
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	resp := readyResp{
		Draining:          h.Connections.Draining(),
		ActiveConnections: h.Connections.ActiveConnectionCount(),
	}
	if h.Store != nil {
		resp.StoreReachable = h.Store.Reachable(ctx)
	}
	resp.OK = !resp.Draining

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
