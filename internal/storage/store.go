// Package storage writes export objects to a bucket-like backend and holds
// the upload policy for model artifacts.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Filesystem stores objects under Root/<bucket>/<key>.
type Filesystem struct {
	Root string
}

// NewFilesystem constructs a filesystem store.
func NewFilesystem(root string) *Filesystem {
	return &Filesystem{Root: root}
}

// Put writes an object, creating parent directories.
func (f *Filesystem) Put(ctx context.Context, bucket, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := f.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Get reads an object.
func (f *Filesystem) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := f.path(bucket, key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (f *Filesystem) path(bucket, key string) (string, error) {
	if bucket == "" || key == "" {
		return "", fmt.Errorf("storage: bucket and key are required")
	}
	clean := filepath.Clean(filepath.Join(bucket, key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("storage: key %q escapes the bucket", key)
	}
	return filepath.Join(f.Root, clean), nil
}

// HTTPStore PUTs objects to <endpoint>/<bucket>/<key>.
type HTTPStore struct {
	client *resty.Client
}

// NewHTTPStore constructs an HTTP object store client.
func NewHTTPStore(endpoint, token string) *HTTPStore {
	client := resty.New().
		SetBaseURL(strings.TrimRight(endpoint, "/")).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	if token != "" {
		client.SetAuthToken(token)
	}
	return &HTTPStore{client: client}
}

// Put uploads an object. Non-2xx responses are returned as errors carrying the backend detail.
func (s *HTTPStore) Put(ctx context.Context, bucket, key string, body []byte) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/csv").
		SetBody(body).
		SetPathParams(map[string]string{"bucket": bucket}).
		Put("/{bucket}/" + key)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("storage: put %s/%s: %s: %s", bucket, key, resp.Status(), strings.TrimSpace(resp.String()))
	}
	return nil
}
