// Package featureflag evaluates feature flags and feature variables from a
// versioned datafile stored in Redis, and records conversion events.
//
// A datafile version maps to a rule set. Each feature key holds an ordered
// list of rules; the first rule whose tags are a subset of the caller's
// attributes, and whose rollout admits the user, serves its Decision.
package featureflag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("feature not found")
	ErrNotReady = errors.New("datafile not ready")
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultEventBuffer  = 256
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPollInterval sets how often WaitReady retries the load.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithEventBuffer sets the number of tracked events queued before Track drops.
func WithEventBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.eventBuffer = n
		}
	}
}

// Client is the main entry point.
type Client struct {
	rdb      *redis.Client
	version  int
	snapshot atomic.Value // *Snapshot
	// decoded decisions keyed by ValueHash
	valueCache sync.Map

	logger       *zap.Logger
	pollInterval time.Duration
	eventBuffer  int

	mu        sync.RWMutex // guards closed against Track
	closed    bool
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Client for one datafile version and loads it immediately.
// A version that has never been published is not an error; the client then
// serves no features until a publish arrives.
func New(client *redis.Client, version int, opts ...Option) (*Client, error) {
	c := &Client{
		rdb:          client,
		version:      version,
		logger:       zap.NewNop(),
		pollInterval: defaultPollInterval,
		eventBuffer:  defaultEventBuffer,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.snapshot.Store(&Snapshot{
		Version: version,
		Rules:   make(map[string][]Rule),
		Values:  make(map[string]string),
	})

	if err := c.Load(context.Background()); err != nil {
		return nil, err
	}

	c.events = make(chan Event, c.eventBuffer)
	c.done = make(chan struct{})
	go c.dispatch()

	return c, nil
}

// Version returns the datafile version this client follows.
func (c *Client) Version() int {
	return c.version
}

// Snapshot returns the snapshot currently served.
func (c *Client) Snapshot() *Snapshot {
	return c.snapshot.Load().(*Snapshot)
}

// WaitReady blocks until a published datafile is loaded or ctx ends.
func (c *Client) WaitReady(ctx context.Context) error {
	if c.Snapshot().Ready() {
		return nil
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
		case <-ticker.C:
			if err := c.Load(ctx); err != nil {
				c.logger.Warn("datafile load failed", zap.Int("version", c.version), zap.Error(err))
				continue
			}
			if c.Snapshot().Ready() {
				return nil
			}
		}
	}
}

// IsFeatureEnabled reports whether featureKey is on for the user.
// Unknown features and unmatched users are off.
func (c *Client) IsFeatureEnabled(featureKey, userID string, attributes map[string]string) bool {
	d, err := c.decide(featureKey, userID, attributes)
	if err != nil {
		c.logDecideErr(featureKey, err)
		return false
	}
	return d.Enabled
}

// GetFeatureVariableString returns the string variable served to the user.
// The second result is false when no value applies.
func (c *Client) GetFeatureVariableString(featureKey, variableKey, userID string, attributes map[string]string) (string, bool) {
	d, err := c.decide(featureKey, userID, attributes)
	if err != nil {
		c.logDecideErr(featureKey, err)
		return "", false
	}
	v, ok := d.Variables[variableKey]
	return v, ok
}

func (c *Client) logDecideErr(featureKey string, err error) {
	if errors.Is(err, ErrNotFound) {
		c.logger.Debug("no decision", zap.String("feature", featureKey))
		return
	}
	c.logger.Warn("decide failed", zap.String("feature", featureKey), zap.Error(err))
}

// decide matches the feature's rules against the user and attributes.
func (c *Client) decide(featureKey, userID string, attributes map[string]string) (Decision, error) {
	ss := c.Snapshot()

	rules, ok := ss.Rules[featureKey]
	if !ok {
		return Decision{}, ErrNotFound
	}

	tags := make(map[string]any, len(attributes))
	for k, v := range attributes {
		tags[k] = v
	}

	rule := Match(rules, tags, Bucket(featureKey, userID))
	if rule == nil {
		return Decision{}, ErrNotFound
	}

	if cached, ok := c.valueCache.Load(rule.ValueHash); ok {
		return cached.(Decision), nil
	}

	raw, ok := ss.GetRawValue(rule.ValueHash)
	if !ok {
		// only possible if the published data is inconsistent
		return Decision{}, fmt.Errorf("value missing for hash: %s", rule.ValueHash)
	}

	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Decision{}, fmt.Errorf("unmarshal decision failed: %w", err)
	}
	c.valueCache.Store(rule.ValueHash, d)

	return d, nil
}
