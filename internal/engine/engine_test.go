package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-engine-go/infrastructure/alert"
	"order-engine-go/internal/notify"
	"order-engine-go/internal/queue"
	"order-engine-go/internal/store"
	"order-engine-go/order"
)

type captureChannel struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (c *captureChannel) Send(a alert.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

type harness struct {
	engine   *Engine
	store    *store.Memory
	queue    *queue.Queue
	hub      *notify.Hub
	provider *fakeProvider
	alerts   *captureChannel
}

func newHarness(t *testing.T, workers int, opts ...func(*Config)) *harness {
	t.Helper()

	qcfg := queue.DefaultConfig()
	qcfg.BackoffBase = 5 * time.Millisecond
	qcfg.PollInterval = 5 * time.Millisecond
	q, err := queue.New(queue.NewMemoryBackend(), qcfg, nil, nil)
	require.NoError(t, err)

	h := &harness{
		store:    store.NewMemory(),
		queue:    q,
		hub:      notify.NewHub(notify.DefaultBuffer, nil),
		provider: newFakeProvider(),
		alerts:   &captureChannel{},
	}

	cfg := DefaultConfig()
	cfg.Workers = workers
	cfg.BuildDelay = 0
	for _, opt := range opts {
		opt(&cfg)
	}
	h.engine, err = New(cfg, Components{
		Queue:        q,
		Store:        h.store,
		Notifier:     h.hub,
		Provider:     h.provider,
		AlertManager: alert.NewManager([]alert.Channel{h.alerts}, time.Minute),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		if st := h.engine.GetState(); st == StateRunning || st == StatePaused {
			_ = h.engine.Stop()
		}
		_ = q.Close()
		_ = h.hub.Close()
	})
	return h
}

func buyRequest() order.CreateRequest {
	return order.CreateRequest{Pair: "SOL-USDC", Amount: decimal.NewFromInt(10), Direction: order.DirectionBuy}
}

func waitStatus(t *testing.T, st store.Store, id string, want order.Status) *order.Order {
	t.Helper()
	var got *order.Order
	require.Eventually(t, func() bool {
		o, err := st.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = o
		return o.Status == want
	}, 3*time.Second, 5*time.Millisecond)
	return got
}

func TestNew_Validation(t *testing.T) {
	q, err := queue.New(queue.NewMemoryBackend(), queue.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	defer q.Close()

	tests := []struct {
		name string
		cfg  Config
		c    Components
	}{
		{"缺少队列", DefaultConfig(), Components{Store: store.NewMemory(), Provider: newFakeProvider()}},
		{"缺少存储", DefaultConfig(), Components{Queue: q, Provider: newFakeProvider()}},
		{"缺少报价源", DefaultConfig(), Components{Queue: q, Store: store.NewMemory()}},
		{"worker 数为负", Config{Workers: -1}, Components{Queue: q, Store: store.NewMemory(), Provider: newFakeProvider()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.c)
			assert.Error(t, err)
		})
	}
}

func TestEngine_Lifecycle(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	assert.Equal(t, StateIdle, h.engine.GetState())
	require.NoError(t, h.engine.Start(ctx))
	assert.Equal(t, StateRunning, h.engine.GetState())
	assert.Error(t, h.engine.Start(ctx), "double start")

	require.NoError(t, h.engine.Pause())
	assert.Equal(t, StatePaused, h.engine.GetState())
	require.NoError(t, h.engine.Resume())

	require.NoError(t, h.engine.Stop())
	assert.Equal(t, StateStopped, h.engine.GetState())
	assert.Error(t, h.engine.Stop())

	// 停止后可以重新启动
	require.NoError(t, h.engine.Start(ctx))
	require.NoError(t, h.engine.Stop())
}

func TestEngine_SubmitValidates(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.engine.Submit(context.Background(), order.CreateRequest{Pair: "SOLUSDC", Amount: decimal.NewFromInt(1), Direction: order.DirectionBuy})
	var verr *order.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "pair", verr.Field)
}

func TestEngine_ProcessesOrderToConfirmed(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	// 暂停期间只入队不处理，先订阅再恢复，确保收到全部通知
	require.NoError(t, h.engine.Pause())
	o, err := h.engine.Submit(ctx, buyRequest())
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, o.Status)

	sub, err := h.hub.Subscribe(ctx, o.ID)
	require.NoError(t, err)
	defer sub.Close()

	time.Sleep(30 * time.Millisecond)
	got, err := h.store.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, got.Status)
	require.NoError(t, h.engine.Resume())

	var seen []notify.Message
	timeout := time.After(3 * time.Second)
	for len(seen) < 4 {
		select {
		case m := <-sub.C:
			seen = append(seen, m)
		case <-timeout:
			t.Fatalf("timed out after %d messages", len(seen))
		}
	}

	final := waitStatus(t, h.store, o.ID, order.StatusConfirmed)
	assert.Equal(t, order.StatusConfirmed, seen[3].Status)
	assert.Equal(t, *final.TxHash, seen[3].TxHash)
	assert.True(t, final.ExecutionPrice.Equal(*seen[3].ExecutionPrice))

	require.Eventually(t, func() bool {
		job, err := h.queue.Get(ctx, o.ID)
		return err == nil && job.State == queue.StateCompleted
	}, time.Second, 5*time.Millisecond)

	stats := h.engine.GetStatistics()
	assert.Equal(t, int64(1), stats.Submitted)
	assert.Equal(t, int64(1), stats.Confirmed)
}

func TestEngine_ExhaustedRetriesGoDead(t *testing.T) {
	h := newHarness(t, 1)
	h.provider.quoteErr["Raydium"] = errors.New("rpc unavailable")
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	o, err := h.engine.Submit(ctx, buyRequest())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := h.queue.Get(ctx, o.ID)
		return err == nil && job.State == queue.StateDead
	}, 3*time.Second, 5*time.Millisecond)

	got, err := h.store.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, got.Status)
	var errs int
	for _, l := range got.Logs {
		if strings.HasPrefix(l.Message, "Error: ") {
			errs++
		}
	}
	assert.Equal(t, 3, errs)

	job, err := h.queue.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, job.AttemptsMade)

	require.Eventually(t, func() bool { return h.alerts.count() == 1 }, time.Second, 5*time.Millisecond)
	stats := h.engine.GetStatistics()
	assert.Equal(t, int64(3), stats.Failed)
	assert.Equal(t, int64(2), stats.Retried)
	assert.Equal(t, int64(1), stats.Dead)

	// 死信不会再被处理
	calls := h.provider.quoteCalls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, h.provider.quoteCalls.Load())
}

func TestEngine_ConcurrentOrders(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	ids := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		o, err := h.engine.Submit(ctx, buyRequest())
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}
	for _, id := range ids {
		waitStatus(t, h.store, id, order.StatusConfirmed)
	}
	assert.Equal(t, int32(20), h.provider.execCalls.Load())
}

func TestEngine_StopFinishesInFlightAttempt(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))
	h.engine.SetBuildDelay(100 * time.Millisecond)

	o, err := h.engine.Submit(ctx, buyRequest())
	require.NoError(t, err)
	waitStatus(t, h.store, o.ID, order.StatusBuilding)

	require.NoError(t, h.engine.Stop())
	got, err := h.store.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, got.Status)
}

func TestEngine_RestartAfterStopTimeoutKeepsSingleAttempt(t *testing.T) {
	h := newHarness(t, 2, func(c *Config) { c.StopTimeout = 50 * time.Millisecond })
	h.provider.quoteDelay = 300 * time.Millisecond
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	o, err := h.engine.Submit(ctx, buyRequest())
	require.NoError(t, err)
	waitStatus(t, h.store, o.ID, order.StatusRouting)

	// attempt 仍在询价，Stop 超时返回
	require.ErrorContains(t, h.engine.Stop(), "stop timeout")
	require.NoError(t, h.engine.Start(ctx))

	waitStatus(t, h.store, o.ID, order.StatusConfirmed)
	require.Eventually(t, func() bool {
		job, err := h.queue.Get(ctx, o.ID)
		return err == nil && job.State == queue.StateCompleted
	}, time.Second, 5*time.Millisecond)

	// 两个报价源并发询价，只有一次 attempt
	assert.Equal(t, int32(2), h.provider.maxInFlight.Load())
	assert.Equal(t, int32(2), h.provider.quoteCalls.Load())
	assert.Equal(t, int32(1), h.provider.execCalls.Load())
	job, err := h.queue.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.AttemptsMade)
}

// rejectingBackend 入队总是失败
type rejectingBackend struct {
	*queue.MemoryBackend
}

func (rejectingBackend) Add(context.Context, *queue.Job) (bool, error) {
	return false, errors.New("redis unavailable")
}

func TestEngine_SubmitEnqueueFailureMarksOrderFailed(t *testing.T) {
	ctx := context.Background()
	q, err := queue.New(rejectingBackend{queue.NewMemoryBackend()}, queue.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	defer q.Close()
	st := store.NewMemory()
	eng, err := New(DefaultConfig(), Components{Queue: q, Store: st, Provider: newFakeProvider()})
	require.NoError(t, err)

	_, err = eng.Submit(ctx, buyRequest())
	require.ErrorContains(t, err, "enqueue order")

	pending, err := st.ListByStatus(ctx, order.StatusPending, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	failed, err := st.ListByStatus(ctx, order.StatusFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	logs := failed[0].Logs
	assert.Contains(t, logs[len(logs)-1].Message, "Error: enqueue failed")
	assert.Equal(t, int64(0), eng.GetStatistics().Submitted)
}

func TestEngineState_String(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "PAUSED", StatePaused.String())
	assert.Equal(t, "STOPPED", StateStopped.String())
	assert.Equal(t, "UNKNOWN", EngineState(99).String())
}
