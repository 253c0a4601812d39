package httptransport

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"duelsync/internal/app/relay"
	"duelsync/internal/store"

	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

type RoomHandlers struct {
	svc *relay.Service
}

func NewRoomHandlers(svc *relay.Service) *RoomHandlers {
	return &RoomHandlers{svc: svc}
}

func (h *RoomHandlers) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.svc.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "store": "down"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "store": "up"})
	}
}

func (h *RoomHandlers) Get() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, err := h.svc.GetRoom(r.Context(), chi.URLParam(r, "room_id"))
		if err != nil {
			writeServiceError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}

func (h *RoomHandlers) Update() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metricRoomUpdateTotal.Add(1)
		var req relay.UpdateRoomRequest
		if !decodeJSON(w, r, &req) {
			metricRoomUpdateErrors.Add(1)
			return
		}
		room, err := h.svc.UpdateRoom(r.Context(), chi.URLParam(r, "room_id"), req)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				metricRoomUpdateConflicts.Add(1)
			} else {
				metricRoomUpdateErrors.Add(1)
			}
			writeServiceError(w, r, err, room)
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}

func (h *RoomHandlers) ListActions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metricActionListTotal.Add(1)
		q, ok := parseActionQuery(r)
		if !ok {
			WriteHTTPError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		items, err := h.svc.ListActions(r.Context(), chi.URLParam(r, "room_id"), q)
		if err != nil {
			writeServiceError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, relay.ActionsResponse{Items: items})
	}
}

func parseActionQuery(r *http.Request) (store.ActionQuery, bool) {
	var q store.ActionQuery
	values := r.URL.Query()
	if v := values.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return q, false
		}
		q.Since = &t
	}
	if v := values.Get("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return q, false
		}
		q.AfterSeq = n
	}
	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return q, false
		}
		q.Limit = n
	}
	return q, true
}

func (h *RoomHandlers) AppendAction() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metricActionAppendTotal.Add(1)
		var req relay.AppendActionRequest
		if !decodeJSON(w, r, &req) {
			metricActionAppendErrors.Add(1)
			return
		}
		act, err := h.svc.AppendAction(r.Context(), chi.URLParam(r, "room_id"), req)
		if err != nil {
			metricActionAppendErrors.Add(1)
			writeServiceError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, act)
	}
}

func (h *RoomHandlers) UpdatePlayer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req relay.UpdatePlayerRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		p, err := h.svc.UpdatePlayer(r.Context(), chi.URLParam(r, "room_id"), chi.URLParam(r, "user_id"), req)
		if err != nil {
			writeServiceError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func (h *RoomHandlers) Leave() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req relay.UserRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := h.svc.LeaveRoom(r.Context(), chi.URLParam(r, "room_id"), req.UserID); err != nil {
			writeServiceError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *RoomHandlers) Active() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		items, err := h.svc.ActiveRooms(r.Context(), limit)
		if err != nil {
			writeServiceError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, relay.RoomsResponse{Items: items})
	}
}
