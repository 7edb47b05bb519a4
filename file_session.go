package crmbase

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FileAdapter persists the database as one JSON document on a Backend. A
// missing document is created empty when a session is opened.
type FileAdapter struct {
	backend Backend
	key     string
	logger  Logger
	metrics Metrics
}

// NewFileAdapter creates an adapter for the document at key in backend.
func NewFileAdapter(backend Backend, key string, opts ...Option) *FileAdapter {
	o := buildOptions(opts)
	return &FileAdapter{
		backend: backend,
		key:     key,
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// Key returns the document key the adapter reads and writes.
func (a *FileAdapter) Key() string {
	return a.key
}

func (a *FileAdapter) Create(ctx context.Context, initial *Database) error {
	data, err := MarshalDatabase(NormalizeDatabase(initial))
	if err != nil {
		return err
	}
	if err := a.backend.Put(ctx, a.key, data); err != nil {
		return fmt.Errorf("failed to create database %s: %w", a.key, err)
	}
	a.logger.Info("database created", "key", a.key)
	return nil
}

func (a *FileAdapter) Open(ctx context.Context) (Session, error) {
	return a.OpenFile(ctx)
}

// OpenFile is Open returning the concrete session type.
func (a *FileAdapter) OpenFile(ctx context.Context) (*FileSession, error) {
	start := time.Now()
	data, err := a.backend.Get(ctx, a.key)
	if IsNotFound(err) {
		a.logger.Info("database missing, creating empty one", "key", a.key)
		if err := a.Create(ctx, EmptyDatabase()); err != nil {
			return nil, err
		}
		data, err = a.backend.Get(ctx, a.key)
	}
	if err != nil {
		a.metrics.Increment(MetricBackendErrors, "operation", "load", "backend", "file")
		return nil, fmt.Errorf("failed to load database %s: %w", a.key, err)
	}

	db, err := ParseDatabase(data)
	if err != nil {
		return nil, WithContext(err, map[string]interface{}{"key": a.key})
	}
	a.metrics.Timing(MetricBackendLatency, time.Since(start), "operation", "load", "backend", "file")

	return &FileSession{
		MemorySession: NewMemorySession(db),
		adapter:       a,
	}, nil
}

func (a *FileAdapter) Ping(ctx context.Context) error {
	return a.backend.Ping(ctx)
}

func (a *FileAdapter) Close() error {
	return a.backend.Close()
}

// FileSession is a MemorySession that writes the database back on Close
// when it was modified. The previous document is first copied to the
// backup key, so the backup always holds the prior committed state.
type FileSession struct {
	*MemorySession
	adapter *FileAdapter
	mu      sync.Mutex
	closed  bool
}

// Save writes the database if it was modified, keeping one backup
// generation. It leaves the session open.
func (s *FileSession) Save(ctx context.Context) error {
	if !s.Modified() {
		return nil
	}
	a := s.adapter
	start := time.Now()

	data, err := MarshalDatabase(s.Database())
	if err != nil {
		return err
	}
	exists, err := a.backend.Exists(ctx, a.key)
	if err != nil {
		a.metrics.Increment(MetricBackendErrors, "operation", "backup", "backend", "file")
		return fmt.Errorf("failed to check %s: %w", a.key, err)
	}
	if exists {
		if err := a.backend.Copy(ctx, a.key, a.key+BackupSuffix); err != nil {
			a.metrics.Increment(MetricBackendErrors, "operation", "backup", "backend", "file")
			return fmt.Errorf("failed to back up %s: %w", a.key, err)
		}
	}
	if err := a.backend.Put(ctx, a.key, data); err != nil {
		a.metrics.Increment(MetricBackendErrors, "operation", "save", "backend", "file")
		return fmt.Errorf("failed to save %s: %w", a.key, err)
	}

	a.metrics.Increment(MetricFileSaves)
	a.metrics.Timing(MetricBackendLatency, time.Since(start), "operation", "save", "backend", "file")
	a.logger.Debug("database saved", "key", a.key, "bytes", len(data))
	s.markSaved()
	return nil
}

// Close saves pending changes and ends the session. Closing twice is a
// no-op.
func (s *FileSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.Save(ctx); err != nil {
		return err
	}
	s.closed = true
	return s.MemorySession.Close(ctx)
}
