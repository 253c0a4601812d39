package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"duelsync/internal/app/relay"
	"duelsync/internal/store"

	"github.com/rs/zerolog/log"
)

func WriteHTTPError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, relay.ErrorResponse{Error: code})
}

// ErrorStatus maps service and store errors onto the wire codes.
func ErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, relay.ErrInvalidRequest), errors.Is(err, store.ErrInvalidAction):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, relay.ErrInvalidTransition):
		return http.StatusBadRequest, "invalid_transition"
	case errors.Is(err, store.ErrInvalidCode):
		return http.StatusNotFound, "invalid_code"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrNotSeated):
		return http.StatusForbidden, "not_seated"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, store.ErrRoomFinished):
		return http.StatusConflict, "room_finished"
	case errors.Is(err, store.ErrRoomFull):
		return http.StatusConflict, "room_full"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeServiceError writes err, carrying room for conflict style responses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, room *store.Room) {
	status, code := ErrorStatus(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("relay request failed")
	}
	resp := relay.ErrorResponse{Error: code}
	if status == http.StatusConflict {
		resp.Room = room
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		WriteHTTPError(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}
