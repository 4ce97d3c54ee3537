// Package reports stores bulk load reports in Google Cloud Storage.
package reports

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"
)

// uploadTimeout bounds a single report upload.
const uploadTimeout = 2 * time.Minute

// GCSArchiver writes reports under an optional prefix of one bucket. It holds
// a shared storage client.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSArchiver creates an archiver for bucket. It assumes Application
// Default Credentials are configured.
func NewGCSArchiver(ctx context.Context, bucket, prefix string) (*GCSArchiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("NewGCSArchiver: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGCSArchiver: create storage client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: bucket, prefix: prefix}, nil
}

// Close closes the storage client.
func (a *GCSArchiver) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

// Archive uploads data as a JSON object and returns its gs:// URI.
func (a *GCSArchiver) Archive(ctx context.Context, name string, data []byte) (string, error) {
	objectName := ObjectName(a.prefix, name)

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := a.client.Bucket(a.bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("Archive: copy report to GCS writer: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("Archive: finalize upload: %w", err)
	}
	return URI(a.bucket, objectName), nil
}

// Fetch downloads the object at a gs:// URI.
func (a *GCSArchiver) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	rc, err := a.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading object %s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading bytes: %w", err)
	}
	return data, nil
}

// ObjectName joins prefix and name into an object path.
func ObjectName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}
