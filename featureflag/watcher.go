package featureflag

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	antiEntropyInterval = time.Minute
	watchBlock          = 5 * time.Second
	watchRetryDelay     = 5 * time.Second
)

// Watch follows the updates stream and reloads when the client's version is
// republished. It blocks until ctx ends and should run in its own goroutine.
func (c *Client) Watch(ctx context.Context) error {
	// only messages newer than the start of the watch
	lastID := "$"
	streamKey := KeyUpdates()

	checkConsistency := func() {
		remoteHash, err := c.rdb.HGet(ctx, KeyVersions(), strconv.Itoa(c.version)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			c.logger.Warn("check consistency failed", zap.Error(err))
			return
		}

		local := c.Snapshot().AllHash
		if remoteHash != "" && remoteHash != local {
			c.logger.Info("version hash mismatch, reloading",
				zap.String("local", local),
				zap.String("remote", remoteHash))
			c.reload(ctx)
		}
	}

	// covers publishes between New and Watch
	checkConsistency()

	ticker := time.NewTicker(antiEntropyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			checkConsistency()
		default:
		}

		streams, err := c.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, lastID},
			Block:   watchBlock,
			Count:   1,
		}).Result()

		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("watch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(watchRetryDelay):
				continue
			}
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID

				dataStr, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}

				var update UpdateMessage
				if err := json.Unmarshal([]byte(dataStr), &update); err != nil {
					continue
				}

				if update.Version == c.version {
					c.reload(ctx)
				}
			}
		}
	}
}

func (c *Client) reload(ctx context.Context) {
	if err := c.Load(ctx); err != nil {
		c.logger.Warn("reload failed", zap.Int("version", c.version), zap.Error(err))
	}
}
