// mirror.go - Background copy of registered uploads into an object store.
//
// Local disk stays the source of truth; the mirror is best effort and
// catches up on the next tick after an outage.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/minio/minio-go/v7"
)

const mirrorPageSize = 100

// ObjectUploader is the slice of *minio.Client the mirror needs.
type ObjectUploader interface {
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	FPutObject(ctx context.Context, bucket, key, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MirrorManager walks the files table in id order and uploads every record
// whose object is missing from the bucket.
type MirrorManager struct {
	store    *Store
	client   ObjectUploader
	bucket   string
	prefix   string
	interval time.Duration
	breaker  *CircuitBreaker
	logger   *Logger
	metrics  *Metrics

	mu     sync.Mutex
	cursor int64 // highest id known to be mirrored

	startOnce sync.Once
	started   atomic.Bool
	stopOnce  sync.Once
	stopChan  chan struct{}
	done      chan struct{}
}

// NewMirrorManager creates a mirror manager. It does nothing until Start.
func NewMirrorManager(cfg MirrorConfig, store *Store, client ObjectUploader, logger *Logger, metrics *Metrics) *MirrorManager {
	if logger == nil {
		logger = NopLogger()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &MirrorManager{
		store:    store,
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		interval: interval,
		breaker:  NewCircuitBreaker("mirror", 3, 2*interval, logger),
		logger:   logger,
		metrics:  metrics,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ObjectKey is where a record lands in the bucket.
func (m *MirrorManager) ObjectKey(rec FileRecord) string {
	return path.Join(m.prefix, rec.Identifier, rec.Filename)
}

// Breaker exposes the circuit state for health reporting.
func (m *MirrorManager) Breaker() *CircuitBreaker {
	return m.breaker
}

// Start runs one pass immediately and then one per interval until Stop.
// Calls after the first are no-ops.
func (m *MirrorManager) Start() {
	m.startOnce.Do(m.start)
}

func (m *MirrorManager) start() {
	m.started.Store(true)
	m.logger.Info("mirror scheduler started", map[string]any{
		"bucket":   m.bucket,
		"prefix":   m.prefix,
		"interval": m.interval.String(),
	})

	go func() {
		defer close(m.done)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-m.stopChan:
				cancel()
			case <-ctx.Done():
			}
		}()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			if n, err := m.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn("mirror pass incomplete", map[string]any{"mirrored": n, "error": err.Error()})
			} else if n > 0 {
				m.logger.Info("mirror pass complete", map[string]any{"mirrored": n})
			}

			select {
			case <-ticker.C:
			case <-m.stopChan:
				m.logger.Info("mirror scheduler stopped", nil)
				return
			}
		}
	}()
}

// Stop halts the scheduler and waits for an in-flight pass to return. It is
// safe to call without Start and more than once.
func (m *MirrorManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	if m.started.Load() {
		<-m.done
	}
}

// RunOnce mirrors every record after the cursor. It stops at the first
// failure so that record is retried on the next pass; the count of newly
// uploaded objects is returned either way.
func (m *MirrorManager) RunOnce(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	uploaded := 0
	for {
		recs, err := m.store.ListAfter(ctx, m.cursor, mirrorPageSize)
		if err != nil {
			return uploaded, fmt.Errorf("list records: %w", err)
		}
		if len(recs) == 0 {
			return uploaded, nil
		}

		for _, rec := range recs {
			if err := ctx.Err(); err != nil {
				return uploaded, err
			}
			copied, err := m.mirrorRecord(ctx, rec)
			if err != nil {
				return uploaded, err
			}
			if copied {
				uploaded++
			}
			m.cursor = rec.ID
		}
	}
}

func (m *MirrorManager) mirrorRecord(ctx context.Context, rec FileRecord) (bool, error) {
	if _, err := os.Stat(rec.LocalPath); err != nil {
		m.logger.Warn("mirror skipped missing local file", map[string]any{
			"identifier": rec.Identifier,
			"path":       rec.LocalPath,
		})
		return false, nil
	}

	key := m.ObjectKey(rec)
	copied := false
	err := m.breaker.Execute(func() error {
		_, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
		if err == nil {
			return nil
		}
		if !isObjectMissing(err) {
			return fmt.Errorf("stat %s: %w", key, err)
		}

		info, err := m.client.FPutObject(ctx, m.bucket, key, rec.LocalPath, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
			UserMetadata: map[string]string{
				"identifier": rec.Identifier,
			},
		})
		if err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
		copied = true
		m.logger.Debug("mirrored file", map[string]any{"key": key, "size": info.Size})
		return nil
	})

	if m.metrics != nil && !errors.Is(err, ErrCircuitOpen) && !errors.Is(err, ErrTooManyRequests) {
		if err != nil || copied {
			m.metrics.RecordMirror(err)
		}
	}
	return copied, err
}

func isObjectMissing(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
