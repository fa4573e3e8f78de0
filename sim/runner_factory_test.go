package sim

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRunnerConfig() RunnerConfig {
	cfg := DefaultRunnerConfig()
	cfg.BuildDelay = 0
	cfg.Timeout = 5 * time.Second
	cfg.Dex.QuoteLatency = time.Millisecond
	cfg.Dex.ExecMin = time.Millisecond
	cfg.Dex.ExecMax = 2 * time.Millisecond
	cfg.Dex.Seed = 7
	cfg.Queue.PollInterval = 5 * time.Millisecond
	return cfg
}

func TestBuildRunner_AllOrdersConfirm(t *testing.T) {
	stack, err := BuildRunner(fastRunnerConfig(), nil)
	require.NoError(t, err)

	rep, err := stack.Run(context.Background(), 8)
	require.NoError(t, err)

	assert.Len(t, rep.Results, 8)
	assert.Equal(t, 8, rep.Confirmed)
	assert.Zero(t, rep.Failed)
	assert.Zero(t, rep.TimedOut)
	assert.LessOrEqual(t, rep.P50, rep.Max)

	for _, res := range rep.Results {
		o, err := stack.Store.Get(context.Background(), res.OrderID)
		require.NoError(t, err)
		require.NotNil(t, o.TxHash)
		assert.Len(t, *o.TxHash, 88)
	}
}

func TestBuildRunner_InvalidQueueConfig(t *testing.T) {
	cfg := fastRunnerConfig()
	cfg.Queue.Attempts = 0
	_, err := BuildRunner(cfg, nil)
	assert.Error(t, err)
}

func TestRunner_RandomRequestsAreValid(t *testing.T) {
	r := &Runner{
		Pairs:     []string{"SOL-USDC", "ETH-USDC"},
		MinAmount: decimal.RequireFromString("0.5"),
		MaxAmount: decimal.NewFromInt(2),
	}
	for i := 0; i < 50; i++ {
		req := r.randomRequest()
		require.NoError(t, req.Validate())
		assert.True(t, req.Amount.LessThanOrEqual(r.MaxAmount))
	}
}
