package router

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/brightpath-health/portal-realtime/internal/conflict"
	"github.com/brightpath-health/portal-realtime/internal/queue"
	"github.com/brightpath-health/portal-realtime/internal/sync"
	"github.com/brightpath-health/portal-realtime/pkg/logging"
)

type handler struct {
	svc    *sync.Service
	logger *logging.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type stateResponse struct {
	State      string    `json:"state"`
	Transport  string    `json:"transport"`
	LastUpdate time.Time `json:"lastUpdate"`
}

func (h *handler) state(w http.ResponseWriter, r *http.Request) {
	state, kind := h.svc.State()
	writeJSON(w, http.StatusOK, stateResponse{
		State:      state.String(),
		Transport:  string(kind),
		LastUpdate: h.svc.LastUpdate(),
	})
}

func (h *handler) setOnline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.svc.SetOnline(req.Online)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) pending(w http.ResponseWriter, r *http.Request) {
	actions, err := h.svc.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if actions == nil {
		actions = []queue.Action{}
	}
	writeJSON(w, http.StatusOK, actions)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) replay(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.ForceSync(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	var a queue.Action
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	queued, err := h.svc.SubmitAction(r.Context(), a)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, queued)
}

func (h *handler) deadLetters(w http.ResponseWriter, r *http.Request) {
	actions, err := h.svc.DeadLetters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if actions == nil {
		actions = []queue.Action{}
	}
	writeJSON(w, http.StatusOK, actions)
}

func (h *handler) requeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Requeue(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) conflicts(w http.ResponseWriter, r *http.Request) {
	list := h.svc.Conflicts()
	if list == nil {
		list = []conflict.Conflict{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) resolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Strategy conflict.Strategy `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.svc.Resolve(r.Context(), id, req.Strategy)
	switch {
	case errors.Is(err, conflict.ErrUnknownConflict):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, conflict.ErrUnknownStrategy):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conflictId": res.Conflict.ID,
		"strategy":   res.Strategy,
		"version":    res.Version,
		"data":       res.Data,
	})
}

func (h *handler) topics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Topics())
}

type topicRequest struct {
	Topic string `json:"topic"`
}

func (h *handler) subscribe(w http.ResponseWriter, r *http.Request) {
	var req topicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
		writeError(w, http.StatusBadRequest, errors.New("topic is required"))
		return
	}
	h.svc.Subscribe(r.Context(), req.Topic)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req topicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
		writeError(w, http.StatusBadRequest, errors.New("topic is required"))
		return
	}
	h.svc.Unsubscribe(r.Context(), req.Topic)
	w.WriteHeader(http.StatusNoContent)
}
