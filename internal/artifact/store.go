// Package artifact reads and writes exported model artifacts. Local paths and
// mem:// URLs go through afs; gs:// URLs go to Google Cloud Storage.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
	"k8s.io/klog/v2"
)

// ErrNotFound is returned when an artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

const gcsScheme = "gs://"

// Store moves artifact bytes between memory and a location.
type Store struct {
	fs afs.Service
}

// New returns a Store backed by the default afs service.
func New() *Store {
	return &Store{fs: afs.New()}
}

// Write stores data at location, creating missing parent directories.
// Writes are not atomic.
func (s *Store) Write(ctx context.Context, location string, data []byte) error {
	log := klog.FromContext(ctx)
	if bucket, object, ok := splitGCS(location); ok {
		return writeGCS(ctx, bucket, object, data)
	}

	if parent, _ := url.Split(location, file.Scheme); parent != "" {
		ok, err := s.fs.Exists(ctx, parent)
		if err != nil {
			return fmt.Errorf("checking %s: %w", parent, err)
		}
		if !ok {
			if err := s.fs.Create(ctx, parent, file.DefaultDirOsMode, true); err != nil {
				return fmt.Errorf("creating directory %s: %w", parent, err)
			}
		}
	}
	if err := s.fs.Upload(ctx, location, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing artifact %s: %w", location, err)
	}
	log.V(2).Info("wrote artifact", "location", location, "bytes", len(data))
	return nil
}

// Read returns the bytes stored at location.
func (s *Store) Read(ctx context.Context, location string) ([]byte, error) {
	log := klog.FromContext(ctx)
	if bucket, object, ok := splitGCS(location); ok {
		return readGCS(ctx, bucket, object)
	}

	ok, err := s.fs.Exists(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("checking %s: %w", location, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	data, err := s.fs.DownloadWithURL(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", location, err)
	}
	log.V(2).Info("read artifact", "location", location, "bytes", len(data))
	return data, nil
}

// Exists reports whether an artifact is stored at location.
func (s *Store) Exists(ctx context.Context, location string) (bool, error) {
	if bucket, object, ok := splitGCS(location); ok {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return false, fmt.Errorf("creating GCS storage client: %w", err)
		}
		defer client.Close()

		_, err = client.Bucket(bucket).Object(object).Attrs(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("getting object attributes for %q: %w", location, err)
		}
		return true, nil
	}
	return s.fs.Exists(ctx, location)
}

// splitGCS splits gs://bucket/object. ok is false for other schemes.
func splitGCS(location string) (bucket, object string, ok bool) {
	rest, found := strings.CutPrefix(location, gcsScheme)
	if !found {
		return "", "", false
	}
	bucket, object, _ = strings.Cut(rest, "/")
	return bucket, object, true
}

func writeGCS(ctx context.Context, bucket, object string, data []byte) error {
	log := klog.FromContext(ctx)
	if bucket == "" || object == "" {
		return fmt.Errorf("invalid GCS location gs://%s/%s", bucket, object)
	}
	gcsURL := gcsScheme + bucket + "/" + object

	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	log.Info("uploading artifact to GCS", "url", gcsURL, "bytes", len(data))
	startedAt := time.Now()
	w := client.Bucket(bucket).Object(object).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing GCS writer: %w", err)
	}
	log.Info("uploaded artifact to GCS", "url", gcsURL, "duration", time.Since(startedAt))
	return nil
}

func readGCS(ctx context.Context, bucket, object string) ([]byte, error) {
	log := klog.FromContext(ctx)
	if bucket == "" || object == "" {
		return nil, fmt.Errorf("invalid GCS location gs://%s/%s", bucket, object)
	}
	gcsURL := gcsScheme + bucket + "/" + object

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	log.Info("downloading artifact from GCS", "url", gcsURL)
	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, gcsURL)
	}
	if err != nil {
		return nil, fmt.Errorf("opening object from GCS %q: %w", gcsURL, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("downloading from GCS: %w", err)
	}
	return data, nil
}
