package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-engine-go/infrastructure/monitor"
	"order-engine-go/internal/notify"
	"order-engine-go/internal/store"
	"order-engine-go/order"
)

// fakeSubmitter 校验后直接写入内存存储，不入队
type fakeSubmitter struct {
	store *store.Memory
	err   error
}

func (f *fakeSubmitter) Submit(ctx context.Context, req order.CreateRequest) (*order.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	o := order.New(req.Pair, req.Amount, req.Direction)
	if err := f.store.Create(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

type testServer struct {
	srv       *Server
	http      *httptest.Server
	store     *store.Memory
	hub       *notify.Hub
	submitter *fakeSubmitter
	monitor   *monitor.Monitor
}

func newTestServer(t *testing.T, health HealthFunc) *testServer {
	t.Helper()
	st := store.NewMemory()
	hub := notify.NewHub(notify.DefaultBuffer, nil)
	sub := &fakeSubmitter{store: st}
	mon := monitor.New(monitor.DefaultConfig())

	srv := NewServer(Config{WSPingInterval: time.Second, MetricsPath: "/metrics"}, Deps{
		Orders:   sub,
		Store:    st,
		Notifier: hub,
		Health:   health,
		Monitor:  mon,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = hub.Close()
	})
	return &testServer{srv: srv, http: ts, store: st, hub: hub, submitter: sub, monitor: mon}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, ts.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestCreateOrder(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodPost, "/api/orders", `{"pair":"SOL-USDC","amount":1.5,"direction":"BUY"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, "Order created and queued for processing", body["message"])

	id, _ := body["orderId"].(string)
	require.NotEmpty(t, id)
	o, err := ts.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, o.Amount.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, order.DirectionBuy, o.Direction)
}

func TestCreateOrderRejected(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{"交易对格式错误", `{"pair":"sol/usdc","amount":1,"direction":"BUY"}`, "pair"},
		{"数量为零", `{"pair":"SOL-USDC","amount":0,"direction":"BUY"}`, "amount"},
		{"数量为负", `{"pair":"SOL-USDC","amount":"-2","direction":"SELL"}`, "amount"},
		{"方向非法", `{"pair":"SOL-USDC","amount":1,"direction":"HOLD"}`, "direction"},
		{"请求体不是 JSON", `pair=SOL-USDC`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			resp, body := ts.do(t, http.MethodPost, "/api/orders", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "Validation error", body["error"])
			if tt.wantField != "" {
				details, ok := body["details"].([]interface{})
				require.True(t, ok)
				require.Len(t, details, 1)
				assert.Equal(t, tt.wantField, details[0].(map[string]interface{})["field"])
			}

			orders, err := ts.store.ListByStatus(context.Background(), "", 0)
			require.NoError(t, err)
			assert.Empty(t, orders)
		})
	}
}

func TestCreateOrderInternalError(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.submitter.err = errors.New("queue unavailable")

	resp, body := ts.do(t, http.MethodPost, "/api/orders", `{"pair":"SOL-USDC","amount":1,"direction":"BUY"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Failed to create order", body["error"])
	assert.Equal(t, "queue unavailable", body["message"])
}

func TestGetOrder(t *testing.T) {
	ts := newTestServer(t, nil)
	o := order.New("SOL-USDC", decimal.NewFromInt(2), order.DirectionSell)
	require.NoError(t, ts.store.Create(context.Background(), o))

	resp, body := ts.do(t, http.MethodGet, "/api/orders/"+o.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, o.ID, body["id"])
	assert.Equal(t, "SOL-USDC", body["pair"])
	assert.Equal(t, "SELL", body["direction"])
	assert.Nil(t, body["txHash"])

	resp, body = ts.do(t, http.MethodGet, "/api/orders/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Order not found", body["error"])
}

func TestListOrders(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		o := order.New("SOL-USDC", decimal.NewFromInt(int64(i+1)), order.DirectionBuy)
		o.CreatedAt = o.CreatedAt.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, ts.store.Create(ctx, o))
		ids = append(ids, o.ID)
	}
	_, err := ts.store.Apply(ctx, ids[0], store.StatusChange(order.StatusRouting, "Fetching quotes"))
	require.NoError(t, err)

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantCount int
	}{
		{"全部订单", "", http.StatusOK, 3},
		{"按状态过滤", "?status=PENDING", http.StatusOK, 2},
		{"限制条数", "?limit=1", http.StatusOK, 1},
		{"未知状态", "?status=DONE", http.StatusBadRequest, 0},
		{"limit 非法", "?limit=abc", http.StatusBadRequest, 0},
		{"limit 为零", "?limit=0", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodGet, "/api/orders"+tt.query, "")
			require.Equal(t, tt.wantCode, resp.StatusCode)
			if tt.wantCode != http.StatusOK {
				assert.Equal(t, "Validation error", body["error"])
				return
			}
			assert.EqualValues(t, tt.wantCount, body["count"])
			assert.Len(t, body["orders"], tt.wantCount)
		})
	}

	// 最新的排在最前
	_, body := ts.do(t, http.MethodGet, "/api/orders?limit=1", "")
	first := body["orders"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, ids[2], first["id"])
}

func TestHealth(t *testing.T) {
	t.Run("依赖正常", func(t *testing.T) {
		ts := newTestServer(t, func(context.Context) map[string]error {
			return map[string]error{"database": nil, "redis": nil}
		})
		resp, body := ts.do(t, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body["status"])
		assert.NotEmpty(t, body["timestamp"])
		assert.Equal(t, map[string]interface{}{"database": "connected", "redis": "connected"}, body["services"])
	})

	t.Run("依赖异常", func(t *testing.T) {
		ts := newTestServer(t, func(context.Context) map[string]error {
			return map[string]error{"database": errors.New("connection refused")}
		})
		resp, body := ts.do(t, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "degraded", body["status"])
		assert.Equal(t, "connection refused", body["services"].(map[string]interface{})["database"])
	})
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)
	req, err := http.NewRequest(http.MethodOptions, ts.http.URL+"/api/orders", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodGet, "/api/orders/missing", "")

	resp, err := http.Get(ts.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(strings.Builder)
	_, _ = io.Copy(buf, resp.Body)
	assert.Contains(t, buf.String(), `route="/api/orders/{orderId}"`)
}
