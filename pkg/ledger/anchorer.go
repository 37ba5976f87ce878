package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// RootAnchor publishes a committed batch root to an external witness.
type RootAnchor interface {
	Name() string
	AnchorRoot(ctx context.Context, batchID, root string, meta map[string]interface{}) error
}

// ErrAllBackendsFailed is returned when no anchor backend accepted a root.
var ErrAllBackendsFailed = errors.New("ledger: all anchor backends failed")

type anchorDocument struct {
	BatchID  string                 `json:"batch_id"`
	Root     string                 `json:"root_hash"`
	Metadata map[string]interface{} `json:"metadata"`
	Time     time.Time              `json:"anchored_at"`
}

func encodeAnchor(batchID, root string, meta map[string]interface{}) ([]byte, error) {
	doc := anchorDocument{BatchID: batchID, Root: root, Metadata: meta, Time: time.Now().UTC()}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode anchor: %w", err)
	}
	return payload, nil
}

// LocalFileAnchor writes anchor documents into a directory, one file per
// batch. Primarily useful for development and as a last-resort backend.
type LocalFileAnchor struct {
	dir string
}

// NewLocalFileAnchor anchors into dir, creating it if needed.
func NewLocalFileAnchor(dir string) (*LocalFileAnchor, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("local anchor: mkdir: %w", err)
	}
	return &LocalFileAnchor{dir: dir}, nil
}

func (a *LocalFileAnchor) Name() string { return "local" }

func (a *LocalFileAnchor) AnchorRoot(ctx context.Context, batchID, root string, meta map[string]interface{}) error {
	payload, err := encodeAnchor(batchID, root, meta)
	if err != nil {
		return err
	}
	path := filepath.Join(a.dir, batchID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("local anchor: write: %w", err)
	}
	return os.Rename(tmp, path)
}

// S3API is the slice of the S3 client the anchor uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Anchor writes anchor documents to an S3 bucket.
type S3Anchor struct {
	client S3API
	bucket string
}

// NewS3Anchor anchors under anchors/<batchID>.json in bucket.
func NewS3Anchor(client S3API, bucket string) *S3Anchor {
	return &S3Anchor{client: client, bucket: bucket}
}

func (a *S3Anchor) Name() string { return "s3" }

func (a *S3Anchor) AnchorRoot(ctx context.Context, batchID, root string, meta map[string]interface{}) error {
	payload, err := encodeAnchor(batchID, root, meta)
	if err != nil {
		return err
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String("anchors/" + batchID + ".json"),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 anchor: put %s: %w", batchID, err)
	}
	return nil
}

// GCSAnchor writes anchor documents to a Google Cloud Storage bucket.
type GCSAnchor struct {
	client *storage.Client
	bucket string
}

// NewGCSAnchor anchors under anchors/<batchID>.json in bucket.
func NewGCSAnchor(client *storage.Client, bucket string) *GCSAnchor {
	return &GCSAnchor{client: client, bucket: bucket}
}

func (a *GCSAnchor) Name() string { return "gcs" }

func (a *GCSAnchor) AnchorRoot(ctx context.Context, batchID, root string, meta map[string]interface{}) error {
	payload, err := encodeAnchor(batchID, root, meta)
	if err != nil {
		return err
	}
	w := a.client.Bucket(a.bucket).Object("anchors/" + batchID + ".json").NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs anchor: write %s: %w", batchID, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs anchor: close %s: %w", batchID, err)
	}
	return nil
}

// FailoverAnchor tries backends in order until one succeeds. Each backend
// sits behind its own circuit breaker so a dead backend is skipped
// without paying its timeout on every commit.
type FailoverAnchor struct {
	backends []RootAnchor
	breakers []Breaker
	logger   *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
	failures map[string]int
}

// Breaker gates calls to one anchor backend.
type Breaker interface {
	Allow() bool
	Success()
	Failure()
}

// NewFailoverAnchor orders backends by preference.
func NewFailoverAnchor(backends []RootAnchor, breakers []Breaker) *FailoverAnchor {
	return &FailoverAnchor{
		backends: backends,
		breakers: breakers,
		logger:   slog.Default().With("component", "root_anchor"),
		attempts: make(map[string]int),
		failures: make(map[string]int),
	}
}

func (f *FailoverAnchor) Name() string { return "failover" }

func (f *FailoverAnchor) AnchorRoot(ctx context.Context, batchID, root string, meta map[string]interface{}) error {
	for i, backend := range f.backends {
		br := f.breakers[i]
		if !br.Allow() {
			f.logger.Debug("skipping open backend", "backend", backend.Name(), "batch_id", batchID)
			continue
		}
		f.count(f.attempts, backend.Name())
		if err := backend.AnchorRoot(ctx, batchID, root, meta); err != nil {
			br.Failure()
			f.count(f.failures, backend.Name())
			f.logger.Warn("anchor backend failed, trying next", "backend", backend.Name(), "batch_id", batchID, "error", err)
			continue
		}
		br.Success()
		f.logger.Info("anchored root", "backend", backend.Name(), "batch_id", batchID, "root", root)
		return nil
	}
	return ErrAllBackendsFailed
}

// BackendStats reports per-backend attempt and failure counts.
func (f *FailoverAnchor) BackendStats() map[string]map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]map[string]int, len(f.backends))
	for _, b := range f.backends {
		out[b.Name()] = map[string]int{
			"attempts": f.attempts[b.Name()],
			"failures": f.failures[b.Name()],
		}
	}
	return out
}

func (f *FailoverAnchor) count(m map[string]int, name string) {
	f.mu.Lock()
	m[name]++
	f.mu.Unlock()
}
