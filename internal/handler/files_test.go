package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ThommysArt/better-chat/internal/model"
	natsclient "github.com/ThommysArt/better-chat/internal/nats"
	"github.com/ThommysArt/better-chat/pkg/logger"
)

// memAttachments is an in-memory AttachmentStore.
type memAttachments struct {
	objects map[string]memObject
}

type memObject struct {
	data []byte
	info natsclient.AttachmentInfo
}

func newMemAttachments() *memAttachments {
	return &memAttachments{objects: make(map[string]memObject)}
}

func (m *memAttachments) Upload(ctx context.Context, name, contentType, uploaderID string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	handle := uuid.Must(uuid.NewV7()).String()
	m.objects[handle] = memObject{
		data: data,
		info: natsclient.AttachmentInfo{Name: name, ContentType: contentType, UploaderID: uploaderID},
	}
	return handle, nil
}

func (m *memAttachments) Open(ctx context.Context, handle string) (io.ReadCloser, *natsclient.AttachmentInfo, error) {
	obj, ok := m.objects[handle]
	if !ok {
		return nil, nil, model.ErrNotFound
	}
	info := obj.info
	return io.NopCloser(bytes.NewReader(obj.data)), &info, nil
}

func fileRouter(files AttachmentStore, log *logger.Logger, userID string) chi.Router {
	h := NewFileHandler(files, log)
	r := chi.NewRouter()
	r.Use(asUser(userID))
	r.Post("/files", h.Upload)
	r.Get("/files/{handle}", h.Download)
	return r
}

func uploadFile(t *testing.T, r chi.Router, name string, content []byte) string {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.StorageID)
	return resp.StorageID
}

func TestFileDownload_UploaderOnly(t *testing.T) {
	log, err := logger.New("error")
	require.NoError(t, err)
	files := newMemAttachments()

	handle := uploadFile(t, fileRouter(files, log, "user-1"), "notes.txt", []byte("file body"))

	rec := httptest.NewRecorder()
	fileRouter(files, log, "user-1").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/"+handle, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "file body", rec.Body.String())

	rec = httptest.NewRecorder()
	fileRouter(files, log, "user-2").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/"+handle, nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFileEndpoints_DisabledWithoutStore(t *testing.T) {
	log, err := logger.New("error")
	require.NoError(t, err)
	r := fileRouter(nil, log, "user-1")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/abc", nil))
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}
