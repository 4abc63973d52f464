package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	redisTC "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/zhejian/shortlink/internal/infra"
)

// TestCache is a throwaway Redis for the mapping cache tests
type TestCache struct {
	Client    *redis.Client
	container *redisTC.RedisContainer
}

// SetupTestCache starts a Redis container and connects through the same
// client constructor the server uses
func SetupTestCache(ctx context.Context) (*TestCache, error) {
	container, err := redisTC.Run(ctx,
		"redis:8-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, err
	}

	connString, err := container.ConnectionString(ctx)
	if err == nil {
		var client *redis.Client
		if client, err = infra.NewCacheClient(ctx, connString); err == nil {
			return &TestCache{Client: client, container: container}, nil
		}
	}
	return nil, errors.Join(err, container.Terminate(ctx))
}

// Cleanup drops every cached mapping and negative entry
func (t *TestCache) Cleanup(ctx context.Context) {
	if t == nil || t.Client == nil {
		return
	}
	t.Client.FlushDB(ctx)
}

// Reset empties the cache now and again when tb finishes, so cached
// mappings never leak between subtests
func (t *TestCache) Reset(tb testing.TB) *redis.Client {
	tb.Helper()
	t.Cleanup(context.Background())
	tb.Cleanup(func() { t.Cleanup(context.Background()) })
	return t.Client
}

// ClientWithHook returns a second client on the same server with hook
// installed, for simulating Redis failures on selected commands. It is
// closed when tb finishes.
func (t *TestCache) ClientWithHook(tb testing.TB, hook redis.Hook) *redis.Client {
	tb.Helper()
	client := redis.NewClient(t.Client.Options())
	client.AddHook(hook)
	tb.Cleanup(func() { _ = client.Close() })
	return client
}

// Container exposes the redis container, e.g. for its connection string
func (t *TestCache) Container() *redisTC.RedisContainer {
	return t.container
}

// Teardown closes the client and terminates the container
func (t *TestCache) Teardown(ctx context.Context) {
	if t.Client != nil {
		_ = t.Client.Close()
	}
	if t.container != nil {
		_ = t.container.Terminate(ctx)
	}
}

// FailCommands is a redis.Hook that rejects the named commands with Err
// and passes everything else through
type FailCommands struct {
	Names []string
	Err   error
}

func (h FailCommands) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h FailCommands) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		for _, name := range h.Names {
			if cmd.Name() == name {
				cmd.SetErr(h.Err)
				return h.Err
			}
		}
		return next(ctx, cmd)
	}
}

func (h FailCommands) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}
