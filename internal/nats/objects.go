package nats

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ThommysArt/better-chat/internal/model"
)

// AttachmentBucket is the object store bucket for uploaded files.
const AttachmentBucket = "ATTACHMENTS"

// FileStore keeps attachment bytes in a JetStream object store. Turns hold
// only the opaque handle; this store owns neither the turn nor its lifecycle.
type FileStore struct {
	client *Client
	bucket jetstream.ObjectStore
}

// NewFileStore creates (or binds to) the attachment bucket.
func NewFileStore(ctx context.Context, client *Client) (*FileStore, error) {
	js := client.JetStream()

	bucket, err := js.ObjectStore(ctx, AttachmentBucket)
	if err != nil {
		bucket, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      AttachmentBucket,
			Description: "Chat file attachments",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create object store: %w", err)
		}
	}

	return &FileStore{client: client, bucket: bucket}, nil
}

// AttachmentInfo describes a stored attachment.
type AttachmentInfo struct {
	Name        string
	ContentType string
	UploaderID  string
}

// Upload stores file bytes and returns the opaque storage handle. The
// uploader identity travels with the object so reads can be scoped to it.
func (s *FileStore) Upload(ctx context.Context, name, contentType, uploaderID string, r io.Reader) (string, error) {
	handle := uuid.Must(uuid.NewV7()).String()

	meta := jetstream.ObjectMeta{
		Name:        handle,
		Description: name,
		Headers: map[string][]string{
			"Content-Type": {contentType},
			"X-Uploader":   {uploaderID},
		},
	}
	if _, err := s.bucket.Put(ctx, meta, r); err != nil {
		return "", fmt.Errorf("failed to store attachment: %w", err)
	}
	return handle, nil
}

// Open returns a reader over a stored attachment plus its metadata.
func (s *FileStore) Open(ctx context.Context, handle string) (io.ReadCloser, *AttachmentInfo, error) {
	obj, err := s.bucket.Get(ctx, handle)
	if err != nil {
		return nil, nil, model.ErrNotFound
	}

	meta := &AttachmentInfo{ContentType: "application/octet-stream"}
	if info, err := obj.Info(); err == nil {
		meta.Name = info.Description
		if ct := info.Headers.Get("Content-Type"); ct != "" {
			meta.ContentType = ct
		}
		meta.UploaderID = info.Headers.Get("X-Uploader")
	}
	return obj, meta, nil
}

// Delete removes a stored attachment.
func (s *FileStore) Delete(ctx context.Context, handle string) error {
	return s.bucket.Delete(ctx, handle)
}
