package featureflag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Load reads the rule set of the client's datafile version from Redis and
// swaps it in atomically.
func (c *Client) Load(ctx context.Context) error {
	// 1. version -> AllHash
	allHash, err := c.rdb.HGet(ctx, KeyVersions(), strconv.Itoa(c.version)).Result()
	if errors.Is(err, redis.Nil) {
		// not published yet; keep serving the current snapshot
		return nil
	}
	if err != nil {
		return fmt.Errorf("get version hash failed: %w", err)
	}

	if cur := c.Snapshot(); cur.AllHash == allHash {
		return nil
	}

	// 2. rules by AllHash
	rulesMap, err := c.rdb.HGetAll(ctx, KeyRules(allHash)).Result()
	if err != nil {
		return fmt.Errorf("get rules failed: %w", err)
	}

	features := make(map[string][]Rule, len(rulesMap))
	neededHashes := make(map[string]bool)

	for k, v := range rulesMap {
		var rules []Rule
		if err := json.Unmarshal([]byte(v), &rules); err != nil {
			return fmt.Errorf("unmarshal rules of %s failed: %w", k, err)
		}
		features[k] = rules

		for _, rule := range rules {
			neededHashes[rule.ValueHash] = true
		}
	}

	// 3. values, reusing those the previous snapshot already holds
	valuesMap := make(map[string]string, len(neededHashes))
	missingHashes := make([]string, 0)
	oldValues := c.Snapshot().Values

	for h := range neededHashes {
		if val, ok := oldValues[h]; ok {
			valuesMap[h] = val
		} else {
			missingHashes = append(missingHashes, h)
		}
	}

	if len(missingHashes) > 0 {
		vals, err := c.rdb.HMGet(ctx, KeyValues(), missingHashes...).Result()
		if err != nil {
			return fmt.Errorf("get values failed: %w", err)
		}
		for i, v := range vals {
			if v == nil {
				return fmt.Errorf("value %s not found", missingHashes[i])
			}
			if strVal, ok := v.(string); ok {
				valuesMap[missingHashes[i]] = strVal
			}
		}
	}

	ss := &Snapshot{
		Version: c.version,
		AllHash: allHash,
		Rules:   features,
		Values:  valuesMap,
	}
	c.snapshot.Store(ss)

	// drop decoded decisions the new snapshot no longer references
	c.valueCache.Range(func(key, _ any) bool {
		h, ok := key.(string)
		if !ok {
			return true
		}
		if _, exists := ss.Values[h]; !exists {
			c.valueCache.Delete(key)
		}
		return true
	})

	c.logger.Info("datafile loaded",
		zap.Int("version", c.version),
		zap.String("all_hash", allHash),
		zap.Int("features", len(features)))

	return nil
}
