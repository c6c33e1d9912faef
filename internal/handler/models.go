package handler

import (
	"net/http"

	"github.com/ThommysArt/better-chat/internal/registry"
)

// ModelsHandler serves the static model catalog.
type ModelsHandler struct{}

// NewModelsHandler creates a new models handler.
func NewModelsHandler() *ModelsHandler {
	return &ModelsHandler{}
}

// List handles GET /api/v1/models
func (h *ModelsHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models":  registry.List(),
		"default": registry.DefaultModelID,
	})
}
