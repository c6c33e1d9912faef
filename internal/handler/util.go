package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ThommysArt/better-chat/internal/llm"
	"github.com/ThommysArt/better-chat/internal/model"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeDomainError maps taxonomy errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrEmptyContent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, model.ErrConversationBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrEditNotLast):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrNoCredential), errors.Is(err, llm.ErrAuthentication):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// errorCode maps taxonomy errors onto SSE error event codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, model.ErrNoCredential), errors.Is(err, llm.ErrAuthentication):
		return "authentication_error"
	case errors.Is(err, model.ErrConversationBusy):
		return "conversation_busy"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrEmptyContent):
		return "validation_error"
	default:
		return "stream_error"
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
