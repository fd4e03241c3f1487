// Package flagsync publishes a YAML datafile to Redis and republishes it
// whenever the file changes on disk.
package flagsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/btt-go/btt-storefront/featureflag"
)

const defaultDebounce = 500 * time.Millisecond

var ErrVersionConflict = errors.New("datafile version does not match")

// Publisher writes a datafile version. *featureflag.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, req featureflag.PublishRequest) (string, error)
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Syncer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDebounce sets how long the file must stay quiet before a republish.
func WithDebounce(d time.Duration) Option {
	return func(s *Syncer) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// Syncer keeps one datafile version in Redis in step with a file.
type Syncer struct {
	path      string
	version   int
	publisher Publisher
	logger    *zap.Logger
	debounce  time.Duration

	mu          sync.Mutex
	contentHash string
	allHash     string
}

// New creates a Syncer for the datafile at path. Files declaring a version
// other than version are rejected.
func New(path string, version int, publisher Publisher, opts ...Option) *Syncer {
	s := &Syncer{
		path:      path,
		version:   version,
		publisher: publisher,
		logger:    zap.NewNop(),
		debounce:  defaultDebounce,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AllHash returns the hash of the last successful publish.
func (s *Syncer) AllHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allHash
}

// Sync publishes the file if its content changed since the last publish.
// It reports whether a publish happened.
func (s *Syncer) Sync(ctx context.Context) (bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("read datafile: %w", err)
	}

	contentHash := featureflag.CalculateHash16(data)
	s.mu.Lock()
	unchanged := contentHash == s.contentHash
	s.mu.Unlock()
	if unchanged {
		return false, nil
	}

	df, err := featureflag.ParseDatafile(data)
	if err != nil {
		return false, err
	}
	if df.Version != s.version {
		return false, fmt.Errorf("%w: file has %d, serving %d", ErrVersionConflict, df.Version, s.version)
	}

	allHash, err := s.publisher.Publish(ctx, df.PublishRequest())
	if err != nil {
		return false, fmt.Errorf("publish datafile: %w", err)
	}

	s.mu.Lock()
	s.contentHash = contentHash
	s.allHash = allHash
	s.mu.Unlock()

	s.logger.Info("datafile published",
		zap.String("path", s.path),
		zap.Int("version", df.Version),
		zap.Int("features", len(df.Features)),
		zap.String("all_hash", allHash))
	return true, nil
}

// Run watches the datafile and republishes it after each burst of changes.
// The directory is watched rather than the file so that editors replacing
// the file by rename are seen. Run blocks until ctx ends.
func (s *Syncer) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.logger.Info("watching datafile", zap.String("path", s.path))

	name := filepath.Clean(s.path)
	timer := time.NewTimer(s.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			s.logger.Debug("datafile changed", zap.String("op", event.Op.String()))
			timer.Reset(s.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("datafile watch error", zap.Error(err))

		case <-timer.C:
			if _, err := s.Sync(ctx); err != nil {
				s.logger.Error("datafile sync failed", zap.String("path", s.path), zap.Error(err))
			}
		}
	}
}
