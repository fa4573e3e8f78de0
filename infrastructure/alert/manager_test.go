package alert

import (
	"errors"
	"sync"
	"testing"
	"time"

	"order-engine-go/infrastructure/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// mockChannel 记录收到的告警
type mockChannel struct {
	name      string
	mu        sync.Mutex
	alerts    []Alert
	shouldErr bool
}

func newMockChannel(name string) *mockChannel {
	return &mockChannel{name: name}
}

func (c *mockChannel) Send(a Alert) error {
	if c.shouldErr {
		return errors.New("mock error")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *mockChannel) Name() string { return c.name }

func (c *mockChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func TestSendAlert(t *testing.T) {
	mock := newMockChannel("mock")
	mgr := NewManager([]Channel{mock}, 5*time.Minute)

	require.NoError(t, mgr.SendAlert(Alert{
		Level:   LevelInfo,
		Message: "test message",
		Fields:  map[string]interface{}{"key": "value"},
	}))

	require.Equal(t, 1, mock.count())
	a := mock.alerts[0]
	assert.Equal(t, LevelInfo, a.Level)
	assert.Equal(t, "value", a.Fields["key"])
	assert.False(t, a.Timestamp.IsZero(), "timestamp should be set")
}

func TestSendAlertLevels(t *testing.T) {
	tests := []struct {
		name    string
		sendFn  func(*Manager) error
		wantLvl string
	}{
		{"信息", func(m *Manager) error { return m.SendInfo("info msg", nil) }, LevelInfo},
		{"警告", func(m *Manager) error { return m.SendWarning("warning msg", nil) }, LevelWarning},
		{"错误", func(m *Manager) error { return m.SendError("error msg", nil) }, LevelError},
		{"严重", func(m *Manager) error { return m.SendCritical("critical msg", nil) }, LevelCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockChannel("mock")
			mgr := NewManager([]Channel{mock}, 5*time.Minute)

			require.NoError(t, tt.sendFn(mgr))
			require.Equal(t, 1, mock.count())
			assert.Equal(t, tt.wantLvl, mock.alerts[0].Level)
		})
	}
}

func TestThrottling(t *testing.T) {
	mock := newMockChannel("mock")
	mgr := NewManager([]Channel{mock}, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	mgr.throttle.now = func() time.Time { return now }

	// 不同订单各自告警，同一订单在间隔内只发一条
	require.NoError(t, mgr.JobDead("o-1", 3, "boom"))
	require.NoError(t, mgr.JobDead("o-2", 3, "boom"))
	require.NoError(t, mgr.JobDead("o-3", 3, "boom"))
	require.NoError(t, mgr.JobDead("o-1", 3, "boom"))
	assert.Equal(t, 3, mock.count())
	assert.Equal(t, "o-3", mock.alerts[2].Fields["order_id"])

	// 不带订单 ID 的告警按 level+message 限流
	require.NoError(t, mgr.SendWarning("order queue backlog", map[string]interface{}{"waiting": 10}))
	require.NoError(t, mgr.SendWarning("order queue backlog", map[string]interface{}{"waiting": 20}))
	assert.Equal(t, 4, mock.count())

	now = now.Add(2 * time.Minute)
	require.NoError(t, mgr.JobDead("o-1", 3, "boom"))
	require.NoError(t, mgr.SendWarning("order queue backlog", map[string]interface{}{"waiting": 30}))
	assert.Equal(t, 6, mock.count())
}

func TestChannelFailures(t *testing.T) {
	bad := newMockChannel("bad")
	bad.shouldErr = true

	mgr := NewManager([]Channel{bad}, time.Minute)
	assert.Error(t, mgr.SendInfo("all fail", nil), "all channels failing should surface an error")

	good := newMockChannel("good")
	mgr = NewManager([]Channel{bad, good}, time.Minute)
	assert.NoError(t, mgr.SendInfo("partial", nil))
	assert.Equal(t, 1, good.count())
}

func TestNilManager(t *testing.T) {
	var mgr *Manager
	assert.NoError(t, mgr.JobDead("o-1", 3, "x"))
}

func TestLogChannel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ch := NewLogChannel("log", &logger.Logger{Logger: zap.New(core)})

	mgr := NewManager([]Channel{ch}, time.Minute)
	require.NoError(t, mgr.JobDead("o-9", 3, "provider down"))
	require.NoError(t, mgr.SendWarning("queue backlog", map[string]interface{}{"waiting": 120}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "o-9", entries[0].ContextMap()["order_id"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}
