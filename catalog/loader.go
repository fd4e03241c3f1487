package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
)

// maxCatalogSize bounds how much of a remote catalog is read.
const maxCatalogSize = 8 << 20

// Source fetches the raw catalog text.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// FileSource reads the catalog from a local file.
type FileSource struct {
	Path string
}

// Fetch reads the whole file.
func (s FileSource) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return data, nil
}

// HTTPSource downloads the catalog over HTTP.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

// Fetch GETs the catalog. Any non-2xx status is an error.
func (s HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	req.Header.Set("Accept", "text/csv, text/plain")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch catalog: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogSize))
	if err != nil {
		return nil, fmt.Errorf("read catalog body: %w", err)
	}
	return data, nil
}

// Observer is notified of every load; metrics implement it.
type Observer interface {
	ObserveCatalogLoad(d time.Duration, items int, err error)
}

// Loader fetches and parses the catalog. It keeps no copy: every Load goes
// back to the source.
type Loader struct {
	source   Source
	logger   *zap.Logger
	observer Observer
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the loader's logger.
func WithLogger(l *zap.Logger) LoaderOption {
	return func(ld *Loader) {
		if l != nil {
			ld.logger = l
		}
	}
}

// WithObserver reports load timings.
func WithObserver(o Observer) LoaderOption {
	return func(ld *Loader) { ld.observer = o }
}

// NewLoader creates a Loader reading from source.
func NewLoader(source Source, opts ...LoaderOption) *Loader {
	ld := &Loader{source: source, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(ld)
	}
	return ld
}

// Load fetches and parses the catalog.
func (l *Loader) Load(ctx context.Context) ([]Item, error) {
	start := time.Now()
	items, err := l.load(ctx)
	if l.observer != nil {
		l.observer.ObserveCatalogLoad(time.Since(start), len(items), err)
	}
	if err != nil {
		l.logger.Warn("catalog load failed", zap.Error(err))
		return nil, err
	}
	l.logger.Debug("catalog loaded", zap.Int("items", len(items)), zap.Duration("took", time.Since(start)))
	return items, nil
}

func (l *Loader) load(ctx context.Context) ([]Item, error) {
	data, err := l.source.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	items, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return items, nil
}

// LoadSorted loads a fresh copy of the catalog and sorts it.
func (l *Loader) LoadSorted(ctx context.Context, key SortKey) ([]Item, error) {
	items, err := l.Load(ctx)
	if err != nil {
		return nil, err
	}
	return Sort(items, key)
}
