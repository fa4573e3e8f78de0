package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"order-engine-go/internal/notify"
	"order-engine-go/order"
)

// Submitter 下单入口（引擎或 HTTP 客户端）
type Submitter interface {
	Submit(ctx context.Context, req order.CreateRequest) (*order.Order, error)
}

// Getter 读取订单当前状态
type Getter interface {
	Get(ctx context.Context, id string) (*order.Order, error)
}

// Result 单个订单的模拟结果
type Result struct {
	OrderID  string
	Request  order.CreateRequest
	Status   order.Status
	Updates  int // 收到的通知条数
	Latency  time.Duration
	TimedOut bool
}

// Report 一次模拟的汇总
type Report struct {
	Results   []Result
	Confirmed int
	Failed    int
	TimedOut  int
	P50       time.Duration
	Max       time.Duration
	Elapsed   time.Duration
}

// Runner 批量下单并跟踪每个订单直到终态（简化版压测，不连接真实网络）。
//
// 订阅发生在下单之后，早于订阅的通知不会补发，因此订阅后先读一次存储，
// 等待期间也会定期回查。
type Runner struct {
	Submitter   Submitter
	Notifier    notify.Notifier
	Orders      Getter
	Pairs       []string
	MinAmount   decimal.Decimal
	MaxAmount   decimal.Decimal
	Concurrency int
	Timeout     time.Duration // 单个订单等待终态的上限
	Recheck     time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// Run 提交 n 个随机订单并等待全部结束
func (r *Runner) Run(ctx context.Context, n int) (Report, error) {
	if r.Submitter == nil || r.Notifier == nil || r.Orders == nil {
		return Report{}, errors.New("runner not initialized")
	}
	if n <= 0 {
		return Report{}, errors.New("invalid order count")
	}
	if len(r.Pairs) == 0 {
		r.Pairs = []string{"SOL-USDC"}
	}
	if r.Concurrency <= 0 {
		r.Concurrency = n
	}
	if r.Timeout <= 0 {
		r.Timeout = 30 * time.Second
	}
	if r.Recheck <= 0 {
		r.Recheck = time.Second
	}
	if !r.MaxAmount.IsPositive() {
		r.MinAmount, r.MaxAmount = decimal.NewFromInt(1), decimal.NewFromInt(10)
	}

	start := time.Now()
	results := make([]Result, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.Concurrency)
	for i := 0; i < n; i++ {
		req := r.randomRequest()
		g.Go(func() error {
			res, err := r.track(gctx, req)
			if err != nil {
				return fmt.Errorf("order %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	return summarize(results, time.Since(start)), nil
}

func (r *Runner) track(ctx context.Context, req order.CreateRequest) (Result, error) {
	start := time.Now()
	o, err := r.Submitter.Submit(ctx, req)
	if err != nil {
		return Result{}, err
	}
	res := Result{OrderID: o.ID, Request: req, Status: o.Status}

	sub, err := r.Notifier.Subscribe(ctx, o.ID)
	if err != nil {
		return Result{}, fmt.Errorf("subscribe %s: %w", o.ID, err)
	}
	defer sub.Close()

	if err := r.refresh(ctx, &res); err != nil {
		return Result{}, err
	}

	deadline := time.NewTimer(r.Timeout)
	defer deadline.Stop()
	recheck := time.NewTicker(r.Recheck)
	defer recheck.Stop()

	for !terminal(res.Status) {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-deadline.C:
			res.TimedOut = true
			res.Latency = time.Since(start)
			return res, nil
		case msg, ok := <-sub.C:
			if !ok {
				return Result{}, fmt.Errorf("subscription for %s closed", o.ID)
			}
			res.Updates++
			res.Status = msg.Status
		case <-recheck.C:
			if err := r.refresh(ctx, &res); err != nil {
				return Result{}, err
			}
		}
	}
	res.Latency = time.Since(start)
	return res, nil
}

func (r *Runner) refresh(ctx context.Context, res *Result) error {
	cur, err := r.Orders.Get(ctx, res.OrderID)
	if err != nil {
		return fmt.Errorf("get %s: %w", res.OrderID, err)
	}
	res.Status = cur.Status
	return nil
}

// terminal 只有 CONFIRMED 与 FAILED 会让 Runner 停止等待；
// FAILED 之后仍可能被重试，这里按一次完整观察处理。
func terminal(s order.Status) bool {
	return s == order.StatusConfirmed || s == order.StatusFailed
}

func (r *Runner) randomRequest() order.CreateRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	span := r.MaxAmount.Sub(r.MinAmount)
	amount := r.MinAmount.Add(span.Mul(decimal.NewFromFloat(r.rng.Float64()))).Round(4)
	if !amount.IsPositive() {
		amount = r.MaxAmount
	}
	dir := order.DirectionBuy
	if r.rng.Intn(2) == 1 {
		dir = order.DirectionSell
	}
	return order.CreateRequest{
		Pair:      r.Pairs[r.rng.Intn(len(r.Pairs))],
		Amount:    amount,
		Direction: dir,
	}
}

func summarize(results []Result, elapsed time.Duration) Report {
	rep := Report{Results: results, Elapsed: elapsed}
	latencies := make([]time.Duration, 0, len(results))
	for _, res := range results {
		switch {
		case res.TimedOut:
			rep.TimedOut++
		case res.Status == order.StatusConfirmed:
			rep.Confirmed++
		case res.Status == order.StatusFailed:
			rep.Failed++
		}
		latencies = append(latencies, res.Latency)
	}
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		rep.P50 = latencies[len(latencies)/2]
		rep.Max = latencies[len(latencies)-1]
	}
	return rep
}
