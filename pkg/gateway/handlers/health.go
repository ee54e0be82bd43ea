package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/triageline/relay/pkg/call/registry"
	"github.com/triageline/relay/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Registry  *registry.Registry
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool `json:"ok"`
		Draining    bool `json:"draining"`
		ActiveCalls int  `json:"active_calls"`
	}

	draining := h.Lifecycle != nil && h.Lifecycle.IsDraining()
	active := 0
	if h.Registry != nil {
		active = h.Registry.Count()
	}

	status := http.StatusOK
	if draining {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:          !draining,
		Draining:    draining,
		ActiveCalls: active,
	})
}
