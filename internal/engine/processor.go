package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"order-engine-go/infrastructure/alert"
	"order-engine-go/infrastructure/logger"
	"order-engine-go/infrastructure/monitor"
	"order-engine-go/internal/notify"
	"order-engine-go/internal/queue"
	"order-engine-go/internal/store"
	"order-engine-go/order"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultBuildDelay 构建交易的固定耗时
const DefaultBuildDelay = 500 * time.Millisecond

// Processor 执行一次订单处理 attempt：ROUTING → BUILDING → SUBMITTED → CONFIRMED。
//
// 每次 attempt 都从 ROUTING 开始，不从上次中断处恢复。每个状态转换是一次
// Store.Apply 加一次 Notifier.Publish；通知失败只记录，不影响已持久化的状态。
type Processor struct {
	store    store.Store
	notifier notify.Notifier
	provider Provider
	log      *logger.Logger
	monitor  *monitor.Monitor
	alerts   *alert.Manager

	buildDelay      atomic.Int64
	providerTimeout time.Duration
}

// NewProcessor 创建处理器；providerTimeout 为 0 表示不限时
func NewProcessor(st store.Store, n notify.Notifier, p Provider, buildDelay, providerTimeout time.Duration, log *logger.Logger, mon *monitor.Monitor) *Processor {
	if log == nil {
		log = logger.NewNop()
	}
	pr := &Processor{
		store:           st,
		notifier:        n,
		provider:        p,
		log:             log.Named("processor"),
		monitor:         mon,
		providerTimeout: providerTimeout,
	}
	pr.buildDelay.Store(int64(buildDelay))
	return pr
}

// SetBuildDelay 热更新构建耗时
func (p *Processor) SetBuildDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	p.buildDelay.Store(int64(d))
}

// BuildDelay 当前构建耗时
func (p *Processor) BuildDelay() time.Duration {
	return time.Duration(p.buildDelay.Load())
}

// Process 处理一个任务。返回 nil 表示订单已 CONFIRMED；返回错误时订单已被标记为 FAILED
// （存储可用的情况下），由调用方交给队列决定重试或进入死信。
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	start := time.Now()

	o, err := p.store.Get(ctx, job.ID)
	if err != nil {
		p.monitor.RecordAttempt("error", time.Since(start).Seconds())
		return fmt.Errorf("load order %s: %w", job.ID, err)
	}
	if o.Status == order.StatusConfirmed {
		p.log.LogOrder("already_confirmed", o.ID, map[string]interface{}{"attempt": job.AttemptsMade})
		return nil
	}

	p.log.LogOrder("attempt_started", o.ID, map[string]interface{}{
		"attempt":   job.AttemptsMade,
		"pair":      job.Payload.Pair,
		"direction": string(job.Payload.Direction),
		"amount":    job.Payload.Amount.String(),
	})

	if err := p.run(ctx, job, o.Status); err != nil {
		p.markFailed(ctx, job.ID, err)
		p.monitor.RecordAttempt("failed", time.Since(start).Seconds())
		return err
	}
	p.monitor.RecordAttempt("confirmed", time.Since(start).Seconds())
	return nil
}

func (p *Processor) run(ctx context.Context, job *queue.Job, current order.Status) error {
	pl := job.Payload
	sources := p.provider.Sources()
	if len(sources) == 0 {
		return errors.New("provider has no liquidity sources")
	}

	// 1. ROUTING：先持久化，再询价
	routing := store.StatusChange(order.StatusRouting, "Fetching quotes from "+joinSources(sources))
	routing.Reentry = job.Retried() || current != order.StatusPending
	if _, err := p.transition(ctx, job.ID, routing); err != nil {
		return err
	}

	quotes, err := p.fetchQuotes(ctx, sources, pl)
	if err != nil {
		return err
	}
	best, err := order.SelectBest(quotes, pl.Direction)
	if err != nil {
		return err
	}
	effective := best.EffectivePrice()

	logs := make([]order.LogEntry, 0, len(quotes)+1)
	for _, q := range quotes {
		logs = append(logs, order.NewLogEntry(fmt.Sprintf("%s quote: $%s (fee: %s%%)",
			q.Source, q.Price.String(), q.Fee.Shift(2).String())))
	}
	logs = append(logs, order.NewLogEntry(fmt.Sprintf("Selected %s with effective price: $%s",
		best.Source, effective.StringFixed(4))))
	if _, err := p.store.Apply(ctx, job.ID, store.Change{Logs: logs}); err != nil {
		return fmt.Errorf("append routing logs: %w", err)
	}

	// 2. BUILDING：持久化含手续费价格，等待构建完成
	if _, err := p.transition(ctx, job.ID, store.Change{
		Status:         order.StatusBuilding,
		ExecutionPrice: &effective,
		Logs:           []order.LogEntry{order.NewLogEntry("Building transaction on " + best.Source)},
	}); err != nil {
		return err
	}
	if err := wait(ctx, p.BuildDelay()); err != nil {
		return fmt.Errorf("build interrupted: %w", err)
	}

	// 3. SUBMITTED：提交并等待成交
	if _, err := p.transition(ctx, job.ID, store.StatusChange(order.StatusSubmitted,
		"Submitting transaction to "+best.Source)); err != nil {
		return err
	}
	settlement, err := p.execute(ctx, best, pl)
	if err != nil {
		return err
	}

	// 4. CONFIRMED：写入交易哈希与成交价
	txHash := settlement.TxHash
	executed := settlement.ExecutedPrice
	if _, err := p.transition(ctx, job.ID, store.Change{
		Status:         order.StatusConfirmed,
		TxHash:         &txHash,
		ExecutionPrice: &executed,
		Logs: []order.LogEntry{
			order.NewLogEntry("Transaction submitted with hash: " + txHash),
			order.NewLogEntry(fmt.Sprintf("Order confirmed! Final price: $%s on %s", executed.String(), settlement.Source)),
		},
	}); err != nil {
		return err
	}

	p.log.LogOrder("order_confirmed", job.ID, map[string]interface{}{
		"source":          settlement.Source,
		"tx_hash":         txHash,
		"execution_price": executed.String(),
		"attempt":         job.AttemptsMade,
	})
	return nil
}

// fetchQuotes 并发询价，结果按 sources 顺序返回；任一失败则整体失败
func (p *Processor) fetchQuotes(ctx context.Context, sources []string, pl queue.Payload) ([]order.Quote, error) {
	quotes := make([]order.Quote, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			callCtx, cancel := p.callContext(gctx)
			defer cancel()

			start := time.Now()
			q, err := p.provider.Quote(callCtx, src, pl.Pair, pl.Amount)
			p.monitor.RecordProviderLatency("quote", src, time.Since(start).Seconds())
			if err != nil {
				p.monitor.RecordProviderError("quote")
				return fmt.Errorf("quote from %s: %w", src, err)
			}
			if q.Source == "" {
				q.Source = src
			}
			quotes[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return quotes, nil
}

func (p *Processor) execute(ctx context.Context, best order.Quote, pl queue.Payload) (order.Settlement, error) {
	callCtx, cancel := p.callContext(ctx)
	defer cancel()

	start := time.Now()
	s, err := p.provider.Execute(callCtx, best.Source, pl.Pair, pl.Amount, best.Price)
	p.monitor.RecordProviderLatency("execute", best.Source, time.Since(start).Seconds())
	if err != nil {
		p.monitor.RecordProviderError("execute")
		return order.Settlement{}, fmt.Errorf("execute on %s: %w", best.Source, err)
	}
	if s.Source == "" {
		s.Source = best.Source
	}
	return s, nil
}

func (p *Processor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.providerTimeout > 0 {
		return context.WithTimeout(ctx, p.providerTimeout)
	}
	return context.WithCancel(ctx)
}

// transition 持久化后发布；持久化失败直接返回，不进入下一阶段
func (p *Processor) transition(ctx context.Context, id string, ch store.Change) (*order.Order, error) {
	o, err := p.store.Apply(ctx, id, ch)
	if err != nil {
		return nil, fmt.Errorf("persist %s: %w", ch.Status, err)
	}
	p.monitor.RecordTransition(string(o.Status))
	p.publish(ctx, o)
	return o, nil
}

func (p *Processor) publish(ctx context.Context, o *order.Order) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Publish(ctx, notify.MessageFor(o)); err != nil {
		p.monitor.RecordPublishError()
		p.log.LogWarn("publish_failed", err, map[string]interface{}{
			"order_id": o.ID,
			"status":   string(o.Status),
		})
	}
}

// markFailed 追加错误日志并置为 FAILED；通知携带完整日志
func (p *Processor) markFailed(ctx context.Context, id string, cause error) {
	o, err := p.store.Apply(ctx, id, store.StatusChange(order.StatusFailed, "Error: "+cause.Error()))
	if err != nil {
		p.log.Error("failed to mark order as FAILED",
			zap.String("order_id", id),
			zap.NamedError("cause", cause),
			zap.Error(err))
		// 订单停在中间状态，需要人工介入
		if aerr := p.alerts.SendCritical("order could not be marked FAILED", map[string]interface{}{
			"order_id": id,
			"cause":    cause.Error(),
			"error":    err.Error(),
		}); aerr != nil {
			p.log.LogWarn("alert_failed", aerr, map[string]interface{}{"order_id": id})
		}
		return
	}
	p.monitor.RecordTransition(string(o.Status))
	p.log.LogOrder("attempt_failed", id, map[string]interface{}{"error": cause.Error()})
	p.publish(ctx, o)
}

// joinSources "A"、"A and B"、"A, B and C"
func joinSources(sources []string) string {
	switch n := len(sources); n {
	case 0:
		return ""
	case 1:
		return sources[0]
	default:
		return strings.Join(sources[:n-1], ", ") + " and " + sources[n-1]
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
