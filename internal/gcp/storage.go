package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// Storage wraps the GCS client with the object operations the pipeline
// needs: byte-level upload/download, attribute checks, prefix listing,
// deletion, and conditional writes.
type Storage struct {
	client *storage.Client
}

// NewStorage wraps an existing GCS client.
func NewStorage(client *storage.Client) *Storage {
	return &Storage{client: client}
}

// Upload writes data to an object, retrying transient failures with a
// doubling backoff. An empty contentType leaves the object's type to GCS
// sniffing.
func (s *Storage) Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	const maxRetries = 4
	backoff := 1 * time.Second
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		err := func() error {
			writeCtx, cancel := context.WithTimeout(ctx, 50*time.Second)
			defer cancel()

			writer := s.client.Bucket(bucket).Object(key).NewWriter(writeCtx)
			if contentType != "" {
				writer.ContentType = contentType
			}

			if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
				_ = writer.Close()
				return fmt.Errorf("io.Copy to GCS failed: %w", err)
			}
			if err := writer.Close(); err != nil {
				return fmt.Errorf("failed to close GCS writer (finalize upload): %w", err)
			}
			return nil
		}()

		if err == nil {
			return nil
		}

		lastErr = err
		slog.Warn(
			"Upload failed, will retry.",
			"gcsObject", key,
			"attempt", i+1,
			"maxRetries", maxRetries,
			"backoff", backoff.String(),
			"error", err,
		)

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			slog.Error("Context cancelled during backoff. Aborting retries.", "gcsObject", key, "error", ctx.Err())
			return ctx.Err()
		}
	}
	return fmt.Errorf("upload for %s failed after all retries: %w", key, lastErr)
}

// Download reads an entire object into memory. Callers only fetch
// sync-eligible documents and small result shards, so buffering is fine.
func (s *Storage) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	reader, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open gs://%s/%s: %w", bucket, key, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// Attrs fetches object metadata. A missing object surfaces as
// storage.ErrObjectNotExist through the wrapped error.
func (s *Storage) Attrs(ctx context.Context, bucket, key string) (*storage.ObjectAttrs, error) {
	attrs, err := s.client.Bucket(bucket).Object(key).Attrs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to stat gs://%s/%s: %w", bucket, key, err)
	}
	return attrs, nil
}

// List returns the attributes of every object under the given prefix.
func (s *Storage) List(ctx context.Context, bucket, prefix string) ([]*storage.ObjectAttrs, error) {
	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var out []*storage.ObjectAttrs
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list gs://%s/%s: %w", bucket, prefix, err)
		}
		out = append(out, attrs)
	}
	return out, nil
}

// Delete removes an object. Objects already gone are not an error.
func (s *Storage) Delete(ctx context.Context, bucket, key string) error {
	err := s.client.Bucket(bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete gs://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// SaveAtomically writes content to a GCS object only if it doesn't already
// exist. It reports whether this call created the object: a false return
// with a nil error means someone else got there first, which is not a
// failure in an idempotent workflow.
func (s *Storage) SaveAtomically(ctx context.Context, bucket, key string, content []byte) (bool, error) {
	writer := s.client.Bucket(bucket).Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write.", "gcsObject", key)
			return false, nil
		}
		return false, fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write.", "gcsObject", key)
			return false, nil
		}
		return false, fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return true, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 412
}
