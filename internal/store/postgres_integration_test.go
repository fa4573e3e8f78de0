//go:build integration

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"order-engine-go/order"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres 启动 postgres 容器并返回已建表的存储
func setupPostgres(t *testing.T) *Postgres {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "orders",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/orders?sslmode=disable", host, port.Port())
	pool, err := OpenPool(ctx, DefaultDBConfig(dsn))
	require.NoError(t, err)

	s := NewPostgres(pool, nil)
	require.NoError(t, s.EnsureSchema(ctx))
	require.NoError(t, s.EnsureSchema(ctx), "schema must be idempotent")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgres_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := setupPostgres(t)

	o := order.New("SOL-USDC", decimal.RequireFromString("10.5"), order.DirectionBuy)
	require.NoError(t, s.Create(ctx, o))
	assert.ErrorIs(t, s.Create(ctx, o), ErrDuplicate)

	got, err := s.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.5", got.Amount.String())
	assert.Nil(t, got.ExecutionPrice)
	assert.Nil(t, got.TxHash)
	assert.Empty(t, got.Logs)

	price := decimal.RequireFromString("149.1978")
	_, err = s.Apply(ctx, o.ID, StatusChange(order.StatusRouting, "Fetching quotes from Raydium and Meteora"))
	require.NoError(t, err)
	_, err = s.AppendLog(ctx, o.ID, "Raydium quote: $150.2 (fee: 0.3%)")
	require.NoError(t, err)

	_, err = s.Apply(ctx, o.ID, StatusChange(order.StatusSubmitted))
	assert.ErrorIs(t, err, ErrIllegalTransition)

	got, err = s.Apply(ctx, o.ID, Change{Status: order.StatusBuilding, ExecutionPrice: &price})
	require.NoError(t, err)
	assert.Equal(t, "149.1978", got.ExecutionPrice.String())
	require.Len(t, got.Logs, 2)
	assert.Equal(t, "Fetching quotes from Raydium and Meteora", got.Logs[0].Message)

	_, err = s.Apply(ctx, o.ID, StatusChange(order.StatusFailed, "Error: boom"))
	require.NoError(t, err)
	got, err = s.Apply(ctx, o.ID, Change{Status: order.StatusRouting, Reentry: true})
	require.NoError(t, err)
	assert.Equal(t, order.StatusRouting, got.Status)
	assert.Len(t, got.Logs, 3)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Apply(ctx, "missing", StatusChange(order.StatusRouting))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_ListByStatus(t *testing.T) {
	ctx := context.Background()
	s := setupPostgres(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 55; i++ {
		o := order.New("ETH-USDC", decimal.NewFromInt(1), order.DirectionSell)
		o.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Create(ctx, o))
	}

	all, err := s.ListByStatus(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, DefaultListLimit)
	assert.Equal(t, base.Add(54*time.Minute), all[0].CreatedAt)

	none, err := s.ListByStatus(ctx, order.StatusConfirmed, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPostgres_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := setupPostgres(t)

	o := order.New("SOL-USDC", decimal.NewFromInt(1), order.DirectionBuy)
	require.NoError(t, s.Create(ctx, o))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Apply(ctx, o.ID, StatusChange(order.StatusRouting, "routing")); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, success)

	got, err := s.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, got.Logs, 1)
}
