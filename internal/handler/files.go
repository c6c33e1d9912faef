package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ThommysArt/better-chat/internal/middleware"
	natsclient "github.com/ThommysArt/better-chat/internal/nats"
	"github.com/ThommysArt/better-chat/pkg/logger"
)

// maxAttachmentSize caps a single uploaded file at 20MB.
const maxAttachmentSize = 20 << 20

// AttachmentStore persists attachment bytes under opaque handles.
type AttachmentStore interface {
	Upload(ctx context.Context, name, contentType, uploaderID string, r io.Reader) (string, error)
	Open(ctx context.Context, handle string) (io.ReadCloser, *natsclient.AttachmentInfo, error)
}

// FileHandler handles attachment upload and download. Uploads must succeed
// before the turn referencing them is submitted; a failed upload aborts the
// submission client-side.
type FileHandler struct {
	files  AttachmentStore
	logger *logger.Logger
}

// NewFileHandler creates a new file handler. files may be nil to disable
// both endpoints.
func NewFileHandler(files AttachmentStore, log *logger.Logger) *FileHandler {
	return &FileHandler{files: files, logger: log}
}

// uploadResponse returns the opaque handle a turn attachment references.
type uploadResponse struct {
	StorageID string `json:"storage_id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
}

// Upload handles POST /api/v1/files (multipart, field "file").
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.files == nil {
		writeError(w, http.StatusNotImplemented, "file storage is not enabled")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAttachmentSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing or oversized file")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	handle, err := h.files.Upload(r.Context(), header.Filename, contentType, middleware.GetUserID(r.Context()), file)
	if err != nil {
		h.logger.Error("attachment upload failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	writeJSON(w, http.StatusCreated, &uploadResponse{
		StorageID: handle,
		Name:      header.Filename,
		Type:      contentType,
	})
}

// Download handles GET /api/v1/files/{handle}. Only the uploader may read
// the file back.
func (h *FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	if h.files == nil {
		writeError(w, http.StatusNotImplemented, "file storage is not enabled")
		return
	}

	handle := chi.URLParam(r, "handle")
	obj, info, err := h.files.Open(r.Context(), handle)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	defer obj.Close()

	if info.UploaderID != middleware.GetUserID(r.Context()) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	w.Header().Set("Content-Type", info.ContentType)
	if _, err := io.Copy(w, obj); err != nil {
		h.logger.Warn("attachment download interrupted", zap.Error(err))
	}
}
