// Package gateway is the storefront's only path to the feature flag SDK.
// It initializes the SDK, waits for its datafile and hands back a FlagClient
// whose calls never block on I/O.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/btt-go/btt-storefront/featureflag"
	"github.com/btt-go/btt-storefront/internal/attributes"
	"github.com/btt-go/btt-storefront/internal/metrics"
)

var ErrAlreadyInitialized = errors.New("gateway already initialized")

// FlagClient evaluates flags and records events for one user at a time.
type FlagClient interface {
	IsFeatureEnabled(flagKey, userID string, attrs attributes.Set) bool
	// GetFeatureVariableString reports false when no value applies.
	GetFeatureVariableString(flagKey, variableKey, userID string, attrs attributes.Set) (string, bool)
	// Track is fire-and-forget.
	Track(eventKey, userID string, attrs attributes.Set)
}

// Gateway owns the SDK client and its background watch.
type Gateway struct {
	Redis        *redis.Client
	Version      int
	ReadyTimeout time.Duration
	PollInterval time.Duration
	EventBuffer  int
	Logger       *zap.Logger
	Metrics      *metrics.Metrics

	mu        sync.Mutex
	flags     *featureflag.Client
	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// Initialize creates the SDK client and blocks until its datafile is loaded,
// ReadyTimeout passes or ctx ends. The client then follows republished
// datafiles until Close.
func (g *Gateway) Initialize(ctx context.Context) (FlagClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.flags != nil {
		return nil, ErrAlreadyInitialized
	}

	logger := g.logger()
	flags, err := featureflag.New(g.Redis, g.Version,
		featureflag.WithLogger(logger.Named("featureflag")),
		featureflag.WithPollInterval(g.PollInterval),
		featureflag.WithEventBuffer(g.EventBuffer),
	)
	if err != nil {
		return nil, fmt.Errorf("create flag client: %w", err)
	}

	readyCtx := ctx
	if g.ReadyTimeout > 0 {
		var cancel context.CancelFunc
		readyCtx, cancel = context.WithTimeout(ctx, g.ReadyTimeout)
		defer cancel()
	}
	if err := flags.WaitReady(readyCtx); err != nil {
		_ = flags.Close()
		return nil, fmt.Errorf("wait for datafile version %d: %w", g.Version, err)
	}

	// the watch outlives the startup context
	watchCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := flags.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("datafile watch stopped", zap.Error(err))
		}
	}()

	g.flags = flags
	g.stopWatch = stop
	g.watchDone = done

	logger.Info("feature gateway ready",
		zap.Int("version", flags.Version()),
		zap.String("all_hash", flags.Snapshot().AllHash))

	return &Client{flags: flags, metrics: g.Metrics}, nil
}

// RecentEvents returns up to n tracked events, newest first. It reads Redis
// directly and works before Initialize.
func (g *Gateway) RecentEvents(ctx context.Context, n int) ([]featureflag.Event, error) {
	return featureflag.RecentEvents(ctx, g.Redis, n)
}

// Close stops the watch and flushes queued events. Closing a gateway that
// was never initialized is a no-op.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.flags == nil {
		return nil
	}

	g.stopWatch()
	<-g.watchDone
	err := g.flags.Close()
	g.flags = nil
	return err
}

func (g *Gateway) logger() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}

// Client is the FlagClient handed out by Initialize.
type Client struct {
	flags   *featureflag.Client
	metrics *metrics.Metrics
}

func (c *Client) IsFeatureEnabled(flagKey, userID string, attrs attributes.Set) bool {
	enabled := c.flags.IsFeatureEnabled(flagKey, userID, attrs)
	if c.metrics != nil {
		c.metrics.ObserveEvaluation(flagKey, enabled)
	}
	return enabled
}

func (c *Client) GetFeatureVariableString(flagKey, variableKey, userID string, attrs attributes.Set) (string, bool) {
	value, ok := c.flags.GetFeatureVariableString(flagKey, variableKey, userID, attrs)
	if c.metrics != nil {
		c.metrics.ObserveVariable(flagKey, variableKey, ok)
	}
	return value, ok
}

func (c *Client) Track(eventKey, userID string, attrs attributes.Set) {
	c.flags.Track(eventKey, userID, attrs)
	if c.metrics != nil {
		c.metrics.ObserveTrack(eventKey)
	}
}
