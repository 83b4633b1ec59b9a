// Package httpapi serves the health surface, the admin control surface and
// the websocket endpoint.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	rtsup "pairgate/internal/runtime/supervisor"
	"pairgate/internal/session"
	"pairgate/internal/settings"
	"pairgate/internal/storage"
	logx "pairgate/pkg/logx"
)

// SessionAdmin is the session manager surface used by admin routes.
type SessionAdmin interface {
	Sessions() []session.Info
	Stats() session.Stats
	Disconnect(id string) error
	DisconnectAll() int
	Broadcast(ctx context.Context, id string) error
	BroadcastAll(ctx context.Context) int
	Cleanup(ctx context.Context) (session.CleanupResult, error)
}

type SettingsAdmin interface {
	Snapshot() settings.Settings
	Update(ctx context.Context, patch []byte) (settings.Settings, error)
	ToggleMaintenance(ctx context.Context) (bool, error)
}

// Live is the websocket hub.
type Live interface {
	http.Handler
	Online() int
}

type Deps struct {
	Sessions SessionAdmin
	Settings SettingsAdmin
	Store    storage.Store
	Live     Live
	// Counters reports background goroutine health; optional.
	Counters func() rtsup.Counters
	// Backup writes a store backup on demand; optional.
	Backup func(ctx context.Context) (string, error)

	AdminToken string
	Pprof      bool
	Started    time.Time
	Log        logx.Logger
}

// NewRouter creates the chi router with all routes and middleware.
func NewRouter(deps Deps) *chi.Mux {
	if deps.Started.IsZero() {
		deps.Started = time.Now()
	}
	log := deps.Log.With(logx.String("comp", "http"))

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(log))
	r.Use(Recovery(log))

	healthH := &healthHandler{deps: deps}
	adminH := &adminHandler{deps: deps, log: log}

	r.Get("/health", healthH.Health)
	if deps.Live != nil {
		r.Handle("/ws", deps.Live)
	}

	// Admin routes and pprof are not mounted without a token.
	if strings.TrimSpace(deps.AdminToken) != "" {
		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(deps.AdminToken))

			r.Route("/api/admin", func(r chi.Router) {
				r.Get("/sessions", adminH.Sessions)
				r.Post("/sessions/disconnect", adminH.DisconnectAll)
				r.Post("/sessions/broadcast", adminH.BroadcastAll)
				r.Post("/sessions/{id}/disconnect", adminH.Disconnect)
				r.Post("/sessions/{id}/broadcast", adminH.Broadcast)
				r.Get("/stats", adminH.Stats)
				r.Get("/logs", adminH.Logs)
				r.Post("/cleanup", adminH.Cleanup)
				r.Post("/maintenance", adminH.Maintenance)
				r.Post("/backup", adminH.Backup)
				r.Get("/config", adminH.GetConfig)
				r.Put("/config", adminH.PutConfig)
			})

			if deps.Pprof {
				mountPprof(r, "/debug/pprof/")
			}
		})
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}
