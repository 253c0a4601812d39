package httptransport

import (
	"net/http"

	"duelsync/internal/app/relay"

	"github.com/go-chi/chi/v5"
)

func (h *RoomHandlers) FindMatch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metricMatchmakingTotal.Add(1)
		var req relay.MatchRequest
		if !decodeJSON(w, r, &req) {
			metricMatchmakingErrors.Add(1)
			return
		}
		room, err := h.svc.FindMatch(r.Context(), req)
		if err != nil {
			metricMatchmakingErrors.Add(1)
			writeServiceError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}

func (h *RoomHandlers) CancelSearch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.svc.CancelSearch(r.Context(), chi.URLParam(r, "user_id")); err != nil {
			writeServiceError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *RoomHandlers) CreatePrivate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req relay.MatchRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		room, err := h.svc.CreatePrivateRoom(r.Context(), req)
		if err != nil {
			writeServiceError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, room)
	}
}

func (h *RoomHandlers) Join() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req relay.JoinRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		room, err := h.svc.JoinByCode(r.Context(), req)
		if err != nil {
			writeServiceError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}
