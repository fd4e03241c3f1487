package featureflag

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestRedis starts a miniredis server and a client for it, both closed on cleanup.
func newTestRedis(t testing.TB, keyPrefix string) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	SetPrefix(keyPrefix)
	return mr, rdb
}

func newTestClient(t testing.TB, rdb *redis.Client, version int, opts ...Option) *Client {
	t.Helper()
	c, err := New(rdb, version, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func mustPublish(t testing.TB, p *Publisher, req PublishRequest) string {
	t.Helper()
	hash, err := p.Publish(context.Background(), req)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	return hash
}

func on(vars map[string]string) Decision {
	return Decision{Enabled: true, Variables: vars}
}
