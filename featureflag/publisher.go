package featureflag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrVersionMismatch is returned when another publisher moved the version
// between the read and the compare-and-swap.
var ErrVersionMismatch = errors.New("version mismatch")

// Publisher writes datafile versions to Redis.
type Publisher struct {
	rdb     *redis.Client
	version int
}

// NewPublisher creates a publisher for one datafile version.
func NewPublisher(client *redis.Client, version int) *Publisher {
	return &Publisher{
		rdb:     client,
		version: version,
	}
}

// PublishRequest describes a new datafile version.
type PublishRequest struct {
	// FullReplace ignores the currently published rules and uses Features as
	// the whole datafile. With no Features it publishes an empty datafile.
	FullReplace bool

	// Features replaces the complete rule list of each named feature.
	Features map[string][]RuleInput

	// Deletes removes whole features or single rules.
	Deletes []DeleteOp
}

// DeleteOp removes a feature, or only its rule whose tags equal Tags.
type DeleteOp struct {
	Key  string
	Tags map[string]any // nil removes the whole feature
}

// RuleInput is one rule to publish.
type RuleInput struct {
	Tags     map[string]any
	Rollout  int
	Decision Decision
}

const publishScript = `
	local versionKey = KEYS[1]
	local historyKey = KEYS[2]
	local streamKey = KEYS[3]

	local version = ARGV[1]
	local oldHash = ARGV[2]
	local newHash = ARGV[3]
	local historyJSON = ARGV[4]
	local streamData = ARGV[5]

	local currentHash = redis.call('HGET', versionKey, version)
	if currentHash == false then
		currentHash = ""
	end

	if currentHash ~= oldHash then
		return redis.error_reply('version_mismatch: ' .. currentHash .. ' != ' .. oldHash)
	end

	redis.call('HSET', versionKey, version, newHash)
	redis.call('RPUSH', historyKey, historyJSON)
	redis.call('XADD', streamKey, 'MAXLEN', '~', '1000', '*', 'data', streamData)

	return "OK"
`

// Publish pushes a new datafile version and notifies watching clients.
// It returns the AllHash of the published rule set.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (string, error) {
	// 1. base hash for the CAS and for incremental updates
	versionField := strconv.Itoa(p.version)
	baseHash, err := p.rdb.HGet(ctx, KeyVersions(), versionField).Result()
	if errors.Is(err, redis.Nil) {
		baseHash = ""
		err = nil
	}
	if err != nil {
		return "", fmt.Errorf("get current version failed: %w", err)
	}

	currentItems := make(map[string][]Rule)

	if !req.FullReplace && baseHash != "" {
		rawMap, err := p.rdb.HGetAll(ctx, KeyRules(baseHash)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("load current rules failed: %w", err)
		}

		for k, v := range rawMap {
			var rules []Rule
			if err := json.Unmarshal([]byte(v), &rules); err != nil {
				return "", fmt.Errorf("unmarshal feature %s failed: %w", k, err)
			}
			currentItems[k] = rules
		}
	}

	// 2. deletes
	for _, del := range req.Deletes {
		if del.Tags == nil {
			delete(currentItems, del.Key)
			continue
		}
		rules, ok := currentItems[del.Key]
		if !ok {
			continue
		}
		kept := make([]Rule, 0, len(rules))
		for _, r := range rules {
			if !MatchTagsExact(r.Tags, del.Tags) {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(currentItems, del.Key)
		} else {
			currentItems[del.Key] = kept
		}
	}

	// 3. feature replacements
	valueMap := make(map[string][]byte)

	for key, inputs := range req.Features {
		rules := make([]Rule, 0, len(inputs))
		for _, input := range inputs {
			if input.Rollout < 0 || input.Rollout > 100 {
				return "", fmt.Errorf("feature %s: rollout %d out of range 0-100", key, input.Rollout)
			}
			valHash, rawData, err := ComputeValueHash(input.Decision)
			if err != nil {
				return "", fmt.Errorf("hash decision of feature %s failed: %w", key, err)
			}
			valueMap[valHash] = rawData

			rules = append(rules, Rule{
				Tags:      input.Tags,
				Rollout:   input.Rollout,
				ValueHash: valHash,
			})
		}
		currentItems[key] = rules
	}

	// 4. new AllHash
	allHash := ComputeAllHash(currentItems)

	// 5a. values and rules; idempotent, safe under concurrent publishers
	pipe := p.rdb.Pipeline()
	for h, data := range valueMap {
		pipe.HSetNX(ctx, KeyValues(), h, data)
	}
	rulesKey := KeyRules(allHash)
	for k, rules := range currentItems {
		itemJSON, _ := json.Marshal(rules)
		pipe.HSet(ctx, rulesKey, k, itemJSON)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("save rules/values failed: %w", err)
	}

	// 5b. CAS the version and notify
	now := time.Now().Unix()
	histJSON, _ := json.Marshal(HistoryRecord{
		Version:   p.version,
		AllHash:   allHash,
		Timestamp: now,
	})
	msgData, _ := json.Marshal(UpdateMessage{
		Event:     EventPublish,
		Version:   p.version,
		AllHash:   allHash,
		Timestamp: now,
	})

	keys := []string{KeyVersions(), KeyHistory(), KeyUpdates()}
	argv := []any{
		versionField,
		baseHash,
		allHash,
		string(histJSON),
		string(msgData),
	}

	if err := p.rdb.Eval(ctx, publishScript, keys, argv...).Err(); err != nil {
		if isVersionMismatch(err) {
			return "", fmt.Errorf("%w: %v", ErrVersionMismatch, err)
		}
		return "", fmt.Errorf("cas update failed: %w", err)
	}

	return allHash, nil
}

// History returns the publish history of all versions, oldest first.
func (p *Publisher) History(ctx context.Context) ([]HistoryRecord, error) {
	raw, err := p.rdb.LRange(ctx, KeyHistory(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history failed: %w", err)
	}
	out := make([]HistoryRecord, 0, len(raw))
	for _, r := range raw {
		var rec HistoryRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal history failed: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func isVersionMismatch(err error) bool {
	return strings.Contains(err.Error(), "version_mismatch")
}
