// Package httpapi exposes the derived-state read interface consumed by the
// task and dashboard services.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/task"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/gateway"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/storage"
	"github.com/ElMartidel96/mbxarts-platform-sub008/pkg/logger"
)

// handler bundles the read endpoints.
type handler struct {
	store storage.Store
	gw    *gateway.Gateway
	log   *logger.Entry
}

// NewHandler returns a router exposing the read API plus the realtime
// websocket endpoint.
func NewHandler(store storage.Store, gw *gateway.Gateway, log *logger.Logger) http.Handler {
	h := &handler{store: store, gw: gw, log: log.WithComponent("httpapi")}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.HandleFunc("/tasks", h.tasks).Methods(http.MethodGet)
	r.HandleFunc("/leaderboard", h.leaderboard).Methods(http.MethodGet)
	r.HandleFunc("/collaborators/{address}", h.collaborator).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.stats).Methods(http.MethodGet)
	r.HandleFunc("/ws", gw.ServeWS)
	return r
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) tasks(w http.ResponseWriter, r *http.Request) {
	status := task.Status(r.URL.Query().Get("status"))
	switch status {
	case "", task.StatusPending, task.StatusSubmitted, task.StatusReleased, task.StatusDisputed, task.StatusVerified:
	default:
		writeError(w, http.StatusBadRequest, errors.New("unknown status"))
		return
	}

	tasks, err := h.store.ListTasksByStatus(r.Context(), status, queryLimit(r, 50))
	if err != nil {
		h.log.WithError(err).Error("list tasks failed")
		writeError(w, http.StatusInternalServerError, errors.New("query failed"))
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	rankings, err := h.gw.QueryRankings(r.Context(), queryLimit(r, 10))
	if err != nil {
		h.log.WithError(err).Error("leaderboard query failed")
		writeError(w, http.StatusInternalServerError, errors.New("query failed"))
		return
	}
	writeJSON(w, http.StatusOK, rankings)
}

func (h *handler) collaborator(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	collab, err := h.gw.QueryCollaborator(r.Context(), address)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, errors.New("collaborator not found"))
			return
		}
		h.log.WithError(err).Error("collaborator query failed")
		writeError(w, http.StatusInternalServerError, errors.New("query failed"))
		return
	}
	writeJSON(w, http.StatusOK, collab)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.gw.QueryStats(r.Context())
	if err != nil {
		h.log.WithError(err).Error("stats query failed")
		writeError(w, http.StatusInternalServerError, errors.New("query failed"))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 100 {
		return def
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
