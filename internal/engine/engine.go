package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"order-engine-go/infrastructure/alert"
	"order-engine-go/infrastructure/logger"
	"order-engine-go/infrastructure/monitor"
	"order-engine-go/internal/notify"
	"order-engine-go/internal/queue"
	"order-engine-go/internal/store"
	"order-engine-go/order"
)

// EngineState 引擎状态
type EngineState int

const (
	// StateIdle 空闲状态
	StateIdle EngineState = iota
	// StateRunning 运行状态
	StateRunning
	// StatePaused 暂停状态：不再领取新任务，处理中的任务继续完成
	StatePaused
	// StateStopped 停止状态
	StateStopped
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config 引擎配置
type Config struct {
	Workers         int           // 并发 worker 数
	BuildDelay      time.Duration // 构建交易耗时
	ProviderTimeout time.Duration // 单次报价/执行超时，0 不限
	StopTimeout     time.Duration // Stop 等待处理中任务的上限
}

// DefaultConfig 10 个 worker，构建 500ms，停止等待 30s
func DefaultConfig() Config {
	return Config{
		Workers:     10,
		BuildDelay:  DefaultBuildDelay,
		StopTimeout: 30 * time.Second,
	}
}

// Components 引擎依赖组件
type Components struct {
	Queue        *queue.Queue
	Store        store.Store
	Notifier     notify.Notifier
	Provider     Provider
	AlertManager *alert.Manager
	Logger       *logger.Logger
	Monitor      *monitor.Monitor
}

// Engine 订单执行引擎：固定数量的 worker 从队列领取任务，交给 Processor 执行，
// 再把结果回报给队列（完成 / 退避重试 / 死信）。
type Engine struct {
	config Config

	queue     *queue.Queue
	store     store.Store
	processor *Processor
	alertMgr  *alert.Manager
	logger    *logger.Logger

	// 状态
	state EngineState
	mu    sync.RWMutex

	// 控制：gate 在暂停时取消，让阻塞在 Next 上的 worker 退出等待
	runCtx     context.Context
	cancel     context.CancelFunc
	gate       context.Context
	gateCancel context.CancelFunc
	resume     chan struct{}
	doneChan   chan struct{}

	// 统计信息
	statsMu sync.RWMutex
	stats   Statistics
}

// Statistics 引擎统计信息
type Statistics struct {
	StartTime     time.Time
	Submitted     int64
	Processed     int64 // 完成的 attempt 数（成功或失败）
	Confirmed     int64
	Failed        int64 // 失败的 attempt 数
	Retried       int64
	Dead          int64
	InFlight      int64
	LastJobTime   time.Time
	LastErrorTime time.Time
}

// New 创建引擎
func New(cfg Config, components Components) (*Engine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := validateComponents(components); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}

	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}

	log := components.Logger
	if log == nil {
		log = logger.NewNop()
	}

	processor := NewProcessor(components.Store, components.Notifier, components.Provider,
		cfg.BuildDelay, cfg.ProviderTimeout, log, components.Monitor)
	processor.alerts = components.AlertManager

	return &Engine{
		config:    cfg,
		queue:     components.Queue,
		store:     components.Store,
		processor: processor,
		alertMgr:  components.AlertManager,
		logger:    log.Named("engine"),
		state:     StateIdle,
		doneChan:  make(chan struct{}),
	}, nil
}

// Start 启动 worker。ctx 取消与 Stop 效果相同：停止领取新任务。
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle && e.state != StateStopped {
		e.mu.Unlock()
		return fmt.Errorf("engine already started (state: %s)", e.state)
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.runCtx, e.cancel = runCtx, cancel
	e.gate, e.gateCancel = context.WithCancel(runCtx)
	e.doneChan = make(chan struct{})
	e.resume = nil
	e.state = StateRunning
	e.mu.Unlock()

	e.statsMu.Lock()
	e.stats.StartTime = time.Now()
	e.statsMu.Unlock()

	// 只回收租约已过期的任务；仍在处理中的 attempt 由其持有者续期
	if n, err := e.queue.Recover(ctx); err != nil {
		e.logger.Warn("Failed to recover stalled jobs", zap.Error(err))
	} else if n > 0 {
		e.logger.Info("Recovered interrupted jobs", zap.Int("count", n))
		if err := e.alertMgr.SendInfo("requeued interrupted order jobs", map[string]interface{}{"count": n}); err != nil {
			e.logger.LogWarn("alert_failed", err, nil)
		}
	}

	e.logger.Info("Order engine starting",
		zap.Int("workers", e.config.Workers),
		zap.Duration("build_delay", e.processor.BuildDelay()),
		zap.Duration("provider_timeout", e.config.ProviderTimeout))

	var wg sync.WaitGroup
	for i := 0; i < e.config.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.worker(runCtx, id)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.queue.Janitor(runCtx)
	}()

	done := e.doneChan
	go func() {
		wg.Wait()
		close(done)
	}()

	e.logger.Info("Order engine started")
	return nil
}

// Stop 停止领取新任务并等待处理中的 attempt 结束（最多 StopTimeout）
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state != StateRunning && e.state != StatePaused {
		e.mu.Unlock()
		return fmt.Errorf("engine not running (state: %s)", e.state)
	}
	e.state = StateStopped
	cancel := e.cancel
	done := e.doneChan
	if e.resume != nil {
		close(e.resume)
		e.resume = nil
	}
	e.mu.Unlock()

	e.logger.Info("Order engine stopping")
	cancel()

	select {
	case <-done:
		e.logger.Info("Order engine stopped")
		return nil
	case <-time.After(e.config.StopTimeout):
		e.logger.Warn("Order engine stop timeout", zap.Duration("timeout", e.config.StopTimeout))
		if err := e.alertMgr.SendWarning("order engine stop timed out with attempts in flight", map[string]interface{}{
			"timeout":   e.config.StopTimeout.String(),
			"in_flight": e.GetStatistics().InFlight,
		}); err != nil {
			e.logger.LogWarn("alert_failed", err, nil)
		}
		return errors.New("engine stop timeout")
	}
}

// Pause 暂停领取新任务
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return fmt.Errorf("engine not running (state: %s)", e.state)
	}
	e.state = StatePaused
	e.gateCancel()
	e.resume = make(chan struct{})
	e.logger.Info("Order engine paused")
	return nil
}

// Resume 恢复领取任务
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return fmt.Errorf("engine not paused (state: %s)", e.state)
	}
	e.state = StateRunning
	e.gate, e.gateCancel = context.WithCancel(e.runCtx)
	close(e.resume)
	e.resume = nil
	e.logger.Info("Order engine resumed")
	return nil
}

// Submit 校验请求，创建 PENDING 订单并入队。入队失败时订单被置为 FAILED。
func (e *Engine) Submit(ctx context.Context, req order.CreateRequest) (*order.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	o := order.New(req.Pair, req.Amount, req.Direction)
	if err := e.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	if _, _, err := e.queue.Enqueue(ctx, queue.PayloadFor(o)); err != nil {
		e.abandon(ctx, o.ID, err)
		return nil, fmt.Errorf("enqueue order: %w", err)
	}

	e.statsMu.Lock()
	e.stats.Submitted++
	e.statsMu.Unlock()

	e.logger.LogOrder("order_submitted", o.ID, map[string]interface{}{
		"pair":      o.Pair,
		"amount":    o.Amount.String(),
		"direction": string(o.Direction),
	})
	return o, nil
}

// abandon 把没能入队的订单置为 FAILED，避免留下没有任务的 PENDING 订单
func (e *Engine) abandon(ctx context.Context, id string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := e.store.Apply(ctx, id, store.StatusChange(order.StatusFailed,
		"Error: enqueue failed: "+cause.Error())); err != nil {
		e.logger.Error("orphaned pending order",
			zap.String("order_id", id),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return
	}
	e.logger.LogOrder("order_enqueue_failed", id, map[string]interface{}{"error": cause.Error()})
}

// SetBuildDelay 热更新构建耗时
func (e *Engine) SetBuildDelay(d time.Duration) {
	e.processor.SetBuildDelay(d)
}

// BuildDelay 当前构建耗时
func (e *Engine) BuildDelay() time.Duration {
	return e.processor.BuildDelay()
}

// GetState 获取引擎状态
func (e *Engine) GetState() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// GetStatistics 获取统计信息
func (e *Engine) GetStatistics() Statistics {
	e.statsMu.RLock()
	defer e.statsMu.RUnlock()
	return e.stats
}

// admit 暂停时阻塞直到恢复；返回领取任务用的 gate，ok 为 false 表示应退出
func (e *Engine) admit(ctx context.Context) (gate context.Context, ok bool) {
	for {
		e.mu.RLock()
		gate, resume := e.gate, e.resume
		e.mu.RUnlock()
		if resume == nil {
			return gate, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-resume:
		}
	}
}

func (e *Engine) worker(ctx context.Context, id int) {
	log := e.logger.WithFields(map[string]interface{}{"worker": id})
	for {
		gate, ok := e.admit(ctx)
		if !ok {
			return
		}
		job, err := e.queue.Next(gate)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			if gate.Err() != nil {
				continue
			}
			log.LogWarn("next_job_failed", err, nil)
			if wait(ctx, time.Second) != nil {
				return
			}
			continue
		}
		// 已领取的任务不受 Stop 影响，跑完本次 attempt
		e.handle(context.WithoutCancel(ctx), job)
	}
}

func (e *Engine) handle(ctx context.Context, job *queue.Job) {
	e.statsMu.Lock()
	e.stats.InFlight++
	e.stats.LastJobTime = time.Now()
	e.statsMu.Unlock()

	// 处理期间持续续期租约，防止被 Recover 判定为停滞
	release := e.queue.KeepLock(ctx, job)
	procErr := e.processor.Process(ctx, job)
	release()

	e.statsMu.Lock()
	e.stats.InFlight--
	e.stats.Processed++
	if procErr == nil {
		e.stats.Confirmed++
	} else {
		e.stats.Failed++
		e.stats.LastErrorTime = time.Now()
	}
	e.statsMu.Unlock()

	if procErr == nil {
		if err := e.queue.Ack(ctx, job); err != nil {
			e.logger.LogError(err, map[string]interface{}{"event": "ack_failed", "job_id": job.ID})
		}
		return
	}

	outcome, err := e.queue.Fail(ctx, job, procErr)
	if err != nil {
		e.logger.LogError(err, map[string]interface{}{"event": "fail_report_failed", "job_id": job.ID})
		return
	}

	e.statsMu.Lock()
	if outcome == queue.OutcomeDead {
		e.stats.Dead++
	} else {
		e.stats.Retried++
	}
	e.statsMu.Unlock()

	if outcome == queue.OutcomeDead {
		if err := e.alertMgr.JobDead(job.ID, job.AttemptsMade, procErr.Error()); err != nil {
			e.logger.LogWarn("alert_failed", err, map[string]interface{}{"job_id": job.ID})
		}
	}
}

// validateConfig 验证配置
func validateConfig(cfg Config) error {
	if cfg.Workers < 0 {
		return errors.New("workers cannot be negative")
	}
	if cfg.BuildDelay < 0 {
		return errors.New("build delay cannot be negative")
	}
	if cfg.ProviderTimeout < 0 {
		return errors.New("provider timeout cannot be negative")
	}
	return nil
}

// validateComponents 验证组件
func validateComponents(c Components) error {
	if c.Queue == nil {
		return errors.New("queue is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Provider == nil {
		return errors.New("provider is required")
	}
	return nil
}
