package httpapi

import (
	"context"
	"net/http"
	"runtime"
	"time"

	rtsup "pairgate/internal/runtime/supervisor"
	"pairgate/internal/session"
)

const pingTimeout = 2 * time.Second

type ServiceCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type MemoryStats struct {
	HeapAllocBytes uint64 `json:"heapAllocBytes"`
	SysBytes       uint64 `json:"sysBytes"`
	Goroutines     int    `json:"goroutines"`
}

type HealthResponse struct {
	Status        string          `json:"status"`
	UptimeSeconds int64           `json:"uptimeSeconds"`
	Memory        MemoryStats     `json:"memory"`
	Sessions      session.Stats   `json:"sessions"`
	Online        int             `json:"onlineObservers"`
	Store         ServiceCheck    `json:"store"`
	Supervisor    *rtsup.Counters `json:"supervisor,omitempty"`
}

type healthHandler struct {
	deps Deps
}

func (h *healthHandler) Health(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	resp := HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.deps.Started).Seconds()),
		Memory: MemoryStats{
			HeapAllocBytes: ms.HeapAlloc,
			SysBytes:       ms.Sys,
			Goroutines:     runtime.NumGoroutine(),
		},
		Store: ServiceCheck{Status: "ok"},
	}
	if h.deps.Sessions != nil {
		resp.Sessions = h.deps.Sessions.Stats()
	}
	if h.deps.Live != nil {
		resp.Online = h.deps.Live.Online()
	}
	if h.deps.Counters != nil {
		c := h.deps.Counters()
		resp.Supervisor = &c
	}

	if h.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		err := h.deps.Store.Ping(ctx)
		cancel()
		if err != nil {
			resp.Store = ServiceCheck{Status: "error", Message: err.Error()}
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
