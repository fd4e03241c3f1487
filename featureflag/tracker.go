package featureflag

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	eventsMaxLen    = 10000
	dispatchTimeout = 5 * time.Second
)

// Track records a conversion event for the user. It never blocks and reports
// nothing back: when the queue is full or the client is closed the event is
// dropped.
func (c *Client) Track(eventKey, userID string, attributes map[string]string) {
	attrs := make(map[string]string, len(attributes))
	for k, v := range attributes {
		attrs[k] = v
	}
	evt := Event{
		ID:         uuid.NewString(),
		Key:        eventKey,
		UserID:     userID,
		Attributes: attrs,
		Timestamp:  time.Now().UTC(),
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.logger.Warn("track after close, event dropped", zap.String("event", eventKey))
		return
	}

	select {
	case c.events <- evt:
	default:
		c.logger.Warn("event queue full, event dropped", zap.String("event", eventKey))
	}
}

// dispatch writes queued events to the events stream until the queue closes.
func (c *Client) dispatch() {
	defer close(c.done)
	for evt := range c.events {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		if err := c.writeEvent(ctx, evt); err != nil {
			c.logger.Warn("dispatch event failed",
				zap.String("event", evt.Key),
				zap.String("id", evt.ID),
				zap.Error(err))
		}
		cancel()
	}
}

func (c *Client) writeEvent(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: KeyEvents(),
		MaxLen: eventsMaxLen,
		Approx: true,
		Values: map[string]any{"data": string(data)},
	}).Err()
}

// Close flushes queued events and stops the dispatcher. It does not close the
// Redis client, which the caller owns.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.events)
		c.mu.Unlock()
	})
	<-c.done
	return nil
}

// RecentEvents reads up to n tracked events from the events stream, newest first.
func RecentEvents(ctx context.Context, rdb *redis.Client, n int) ([]Event, error) {
	if n <= 0 {
		return []Event{}, nil
	}
	msgs, err := rdb.XRevRangeN(ctx, KeyEvents(), "+", "-", int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("read events failed: %w", err)
	}

	events := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		dataStr, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(dataStr), &evt); err != nil {
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}
