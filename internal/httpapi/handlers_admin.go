package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"pairgate/internal/broadcast"
	"pairgate/internal/session"
	"pairgate/internal/settings"
	"pairgate/internal/storage"
	logx "pairgate/pkg/logx"
)

const (
	maxBodyBytes    = 64 << 10
	defaultLogLimit = 100
)

type adminHandler struct {
	deps Deps
	log  logx.Logger
}

func (h *adminHandler) Sessions(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]any{"sessions": h.deps.Sessions.Sessions()})
}

func (h *adminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"sessions": h.deps.Sessions.Stats()}
	if h.deps.Live != nil {
		out["onlineCount"] = h.deps.Live.Online()
	}
	if h.deps.Store != nil {
		now := time.Now()
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		counts, err := h.deps.Store.Counts(r.Context(), midnight)
		if err != nil {
			h.log.Warn("store counts failed", logx.Err(err))
			writeError(w, http.StatusInternalServerError, "store unavailable")
			return
		}
		out["store"] = counts
	}
	writeOK(w, out)
}

func (h *adminHandler) Logs(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store == nil {
		writeOK(w, map[string]any{"logs": []storage.LogRecord{}})
		return
	}
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	logs, err := h.deps.Store.RecentLogs(r.Context(), limit)
	if err != nil {
		h.log.Warn("recent logs failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	writeOK(w, map[string]any{"logs": logs})
}

func (h *adminHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deps.Sessions.Disconnect(id); err != nil {
		writeSessionError(w, err)
		return
	}
	writeOK(w, map[string]any{"id": id})
}

func (h *adminHandler) DisconnectAll(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]any{"disconnected": h.deps.Sessions.DisconnectAll()})
}

func (h *adminHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deps.Sessions.Broadcast(r.Context(), id); err != nil {
		writeSessionError(w, err)
		return
	}
	writeOK(w, map[string]any{"id": id, "started": true})
}

func (h *adminHandler) BroadcastAll(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"started": h.deps.Sessions.BroadcastAll(r.Context())})
}

func (h *adminHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Sessions.Cleanup(r.Context())
	if err != nil {
		h.log.Warn("cleanup failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]any{"removed": res.Removed, "orphansDeleted": res.OrphansDeleted})
}

func (h *adminHandler) Maintenance(w http.ResponseWriter, r *http.Request) {
	on, err := h.deps.Settings.ToggleMaintenance(r.Context())
	if err != nil {
		h.log.Warn("maintenance toggle failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]any{"maintenance": on})
}

func (h *adminHandler) Backup(w http.ResponseWriter, r *http.Request) {
	if h.deps.Backup == nil {
		writeError(w, http.StatusNotImplemented, storage.ErrBackupUnsupported.Error())
		return
	}
	path, err := h.deps.Backup(r.Context())
	switch {
	case errors.Is(err, storage.ErrBackupUnsupported):
		writeError(w, http.StatusNotImplemented, err.Error())
	case err != nil:
		h.log.Warn("backup failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeOK(w, map[string]any{"path": path})
	}
}

func (h *adminHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]any{"config": h.deps.Settings.Snapshot()})
}

func (h *adminHandler) PutConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}
	next, err := h.deps.Settings.Update(r.Context(), body)
	switch {
	case errors.Is(err, settings.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		h.log.Warn("settings update failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeOK(w, map[string]any{"config": next})
	}
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrAlreadyBroadcast), errors.Is(err, broadcast.ErrNoMessage):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
