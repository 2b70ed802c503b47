//go:build integration

package redisstore_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/store"
	"github.com/scottgal/lucidrag-sub005/internal/store/memory"
	"github.com/scottgal/lucidrag-sub005/internal/store/redisstore"
	"github.com/scottgal/lucidrag-sub005/internal/store/storetest"
)

var redisAddr string

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}
	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}
	redisAddr = host + ":" + port.Port()

	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func open(t *testing.T) store.Backend {
	t.Helper()
	ctx := context.Background()
	rs, err := redisstore.New(ctx, &redis.Options{Addr: redisAddr}, "test:")
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	require.NoError(t, client.FlushDB(ctx).Err())
	require.NoError(t, client.Close())

	mem := memory.New()
	b := &store.Composite{
		LedgerStore:        mem,
		EffectivenessStore: rs,
		RepairJournal:      mem,
		Pinger:             rs.Ping,
		Closers:            []func() error{rs.Close, mem.Close},
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestConformance(t *testing.T) {
	storetest.Run(t, open)
}

func TestClosedClientIsUnavailable(t *testing.T) {
	ctx := context.Background()
	rs, err := redisstore.New(ctx, &redis.Options{Addr: redisAddr}, "closed:")
	require.NoError(t, err)
	require.NoError(t, rs.Close())

	_, err = rs.GetEffectiveness(ctx, model.EffectivenessKey{SignalKey: "s", ContentType: "c", Goal: "g"})
	assert.ErrorIs(t, err, store.ErrBackendUnavailable)
}
