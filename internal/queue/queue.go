package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"order-engine-go/infrastructure/alert"
	"order-engine-go/infrastructure/logger"
	"order-engine-go/infrastructure/monitor"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Queue 订单任务队列：按订单 ID 去重、全局投递限流、失败指数退避重试。
//
// 同一订单同一时刻最多只有一个 active 任务，这是处理过程唯一的并发保护。
// 每次投递带一个租约，持有者处理期间通过 KeepLock 续期；只有租约过期的
// active 任务才会被 Recover 或 Janitor 放回等待队列。
type Queue struct {
	backend Backend
	log     *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager
	now     func() time.Time

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	wakeMu sync.Mutex
	wake   chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// New 创建队列
func New(backend Backend, cfg Config, log *logger.Logger, mon *monitor.Monitor) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	return &Queue{
		backend: backend,
		log:     log.Named("queue"),
		monitor: mon,
		now:     func() time.Time { return time.Now().UTC() },
		cfg:     cfg,
		limiter: newLimiter(cfg.RateMax, cfg.RateWindow),
		wake:    make(chan struct{}),
		closed:  make(chan struct{}),
	}, nil
}

// 窗口内最多 max 次：桶容量 max，每 window/max 补充一个
func newLimiter(max int, window time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(window/time.Duration(max)), max)
}

// SetAlertManager 设置积压告警通道；nil 关闭
func (q *Queue) SetAlertManager(m *alert.Manager) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.alerts = m
}

// Config 当前策略
func (q *Queue) Config() Config {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.cfg
}

// Enqueue 按订单 ID 入队。同 ID 任务已存在（等待、延迟、处理中或仍在保留期内）时不重复添加。
func (q *Queue) Enqueue(ctx context.Context, p Payload) (string, bool, error) {
	if p.OrderID == "" {
		return "", false, fmt.Errorf("enqueue: empty order id")
	}
	now := q.now()
	job := &Job{
		ID:        p.OrderID,
		Payload:   p,
		State:     StateWaiting,
		CreatedAt: now,
		RunAt:     now,
	}
	added, err := q.backend.Add(ctx, job)
	if err != nil {
		return "", false, fmt.Errorf("enqueue %s: %w", p.OrderID, err)
	}
	q.monitor.RecordJobEnqueued(added)
	if added {
		q.log.LogJob("job_enqueued", job.ID, map[string]interface{}{"pair": p.Pair, "direction": string(p.Direction)})
		q.signal()
	} else {
		q.log.LogJob("job_deduplicated", job.ID, nil)
	}
	return job.ID, added, nil
}

// Next 阻塞直到有可投递任务且限流允许；超出限流的投递被推迟而不是丢弃。
func (q *Queue) Next(ctx context.Context) (*Job, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, ErrClosed
		default:
		}

		wake := q.waitCh()
		now := q.now()

		q.mu.RLock()
		res := q.limiter.ReserveN(now, 1)
		q.mu.RUnlock()

		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			q.monitor.RecordRateDeferred()
			if err := q.sleep(ctx, delay, nil); err != nil {
				return nil, err
			}
			continue
		}

		job, err := q.backend.Reserve(ctx, now, uuid.NewString(), now.Add(q.Config().LockDuration))
		if err != nil {
			res.CancelAt(now)
			return nil, fmt.Errorf("reserve job: %w", err)
		}
		if job != nil {
			q.log.LogJob("job_delivered", job.ID, map[string]interface{}{"attempt": job.AttemptsMade})
			return job, nil
		}

		// 没有任务，归还令牌
		res.CancelAt(now)
		if err := q.sleep(ctx, q.Config().PollInterval, wake); err != nil {
			return nil, err
		}
	}
}

// Ack 标记完成并按保留策略清理；租约已失效时返回 ErrLockLost
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	id := job.ID
	if err := q.backend.Complete(ctx, id, job.Token, q.now()); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	q.monitor.RecordJobCompleted()
	q.log.LogJob("job_completed", id, nil)

	if _, err := q.Purge(ctx); err != nil {
		q.log.LogWarn("purge_failed", err, map[string]interface{}{"job_id": id})
	}
	return nil
}

// Fail 记录一次失败：还有剩余次数则退避后重试，否则进入死信，不会再自动投递。
func (q *Queue) Fail(ctx context.Context, held *Job, cause error) (Outcome, error) {
	id := held.ID
	job, err := q.backend.Get(ctx, id)
	if err != nil {
		return OutcomeDead, fmt.Errorf("fail %s: %w", id, err)
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	cfg := q.Config()
	now := q.now()
	if job.AttemptsMade >= cfg.Attempts {
		if err := q.backend.Bury(ctx, id, held.Token, msg, now); err != nil {
			return OutcomeDead, fmt.Errorf("bury %s: %w", id, err)
		}
		q.monitor.RecordJobDead()
		q.log.Warn("job exhausted retries",
			zap.String("job_id", id),
			zap.Int("attempts", job.AttemptsMade),
			zap.String("error", msg))
		return OutcomeDead, nil
	}

	delay := cfg.Backoff(job.AttemptsMade)
	if err := q.backend.Retry(ctx, id, held.Token, msg, now.Add(delay)); err != nil {
		return OutcomeRetried, fmt.Errorf("retry %s: %w", id, err)
	}
	q.monitor.RecordJobRetried()
	q.log.LogJob("job_retry_scheduled", id, map[string]interface{}{
		"attempt": job.AttemptsMade,
		"backoff": delay.String(),
		"error":   msg,
	})
	return OutcomeRetried, nil
}

// Get 查询任务
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.backend.Get(ctx, id)
}

// Counts 各状态任务数
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	return q.backend.Counts(ctx)
}

// Purge 按保留策略删除过期的已完成任务和死信
func (q *Queue) Purge(ctx context.Context) (int, error) {
	return q.backend.Purge(ctx, q.Config().retention(q.now()))
}

// Extend 续期任务租约
func (q *Queue) Extend(ctx context.Context, job *Job) error {
	until := q.now().Add(q.Config().LockDuration)
	if err := q.backend.Extend(ctx, job.ID, job.Token, until); err != nil {
		return fmt.Errorf("extend %s: %w", job.ID, err)
	}
	return nil
}

// KeepLock 在后台按 LockDuration/3 续期租约，直到返回的 release 被调用。
// 租约丢失后停止续期，随后的 Ack/Fail 会返回 ErrLockLost。
func (q *Queue) KeepLock(ctx context.Context, job *Job) (release func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	interval := max(q.Config().LockDuration/3, time.Millisecond)

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := q.Extend(ctx, job)
			switch {
			case err == nil:
			case errors.Is(err, ErrLockLost), errors.Is(err, ErrNotActive), errors.Is(err, ErrJobNotFound):
				q.monitor.RecordLockLost()
				q.log.LogWarn("job_lock_lost", err, map[string]interface{}{"job_id": job.ID})
				return
			case ctx.Err() != nil:
				return
			default:
				q.log.LogWarn("job_lock_extend_failed", err, map[string]interface{}{"job_id": job.ID})
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Recover 把租约已过期的 active 任务放回等待队列（至少一次投递），不占用尝试次数。
// 仍被持有者续期的任务不受影响。
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n, err := q.backend.RequeueStalled(ctx, q.now())
	if err != nil {
		return 0, fmt.Errorf("recover stalled jobs: %w", err)
	}
	if n > 0 {
		q.monitor.RecordJobsStalled(n)
		q.log.Warn("requeued stalled active jobs", zap.Int("count", n))
		q.signal()
	}
	return n, nil
}

// SetRateLimit 热更新限流参数
func (q *Queue) SetRateLimit(max int, window time.Duration) error {
	if max < 1 || window <= 0 {
		return fmt.Errorf("invalid rate limit %d per %s", max, window)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cfg.RateMax = max
	q.cfg.RateWindow = window
	now := q.now()
	q.limiter.SetLimitAt(now, rate.Every(window/time.Duration(max)))
	q.limiter.SetBurstAt(now, max)
	q.log.Info("rate limit updated", zap.Int("max", max), zap.Duration("window", window))
	return nil
}

// Janitor 周期清理、回收停滞任务并上报队列深度，直到 ctx 结束
func (q *Queue) Janitor(ctx context.Context) {
	cfg := q.Config()
	purge := time.NewTicker(cfg.PurgeInterval)
	defer purge.Stop()
	stalled := time.NewTicker(cfg.StalledInterval)
	defer stalled.Stop()

	q.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closed:
			return
		case <-stalled.C:
			if _, err := q.Recover(ctx); err != nil {
				q.log.LogWarn("stalled_check_failed", err, nil)
			}
		case <-purge.C:
			q.tick(ctx)
		}
	}
}

func (q *Queue) tick(ctx context.Context) {
	if n, err := q.Purge(ctx); err != nil {
		q.log.LogWarn("purge_failed", err, nil)
	} else if n > 0 {
		q.log.Debug("purged retained jobs", zap.Int("count", n))
	}
	c, err := q.Counts(ctx)
	if err != nil {
		q.log.LogWarn("counts_failed", err, nil)
		return
	}
	q.monitor.UpdateQueueDepth(string(StateWaiting), c.Waiting)
	q.monitor.UpdateQueueDepth(string(StateDelayed), c.Delayed)
	q.monitor.UpdateQueueDepth(string(StateActive), c.Active)
	q.monitor.UpdateQueueDepth(string(StateCompleted), c.Completed)
	q.monitor.UpdateQueueDepth(string(StateDead), c.Dead)
	q.checkBacklog(c)
}

// checkBacklog 等待+延迟任务数达到阈值时发出告警
func (q *Queue) checkBacklog(c Counts) {
	q.mu.RLock()
	threshold, alerts := q.cfg.BacklogAlert, q.alerts
	q.mu.RUnlock()

	backlog := c.Waiting + c.Delayed
	if threshold <= 0 || backlog < threshold {
		return
	}
	if err := alerts.SendWarning("order queue backlog", map[string]interface{}{
		"waiting":   c.Waiting,
		"delayed":   c.Delayed,
		"threshold": threshold,
	}); err != nil {
		q.log.LogWarn("alert_failed", err, map[string]interface{}{"alert": "queue_backlog"})
	}
}

// Close 唤醒所有等待中的 Next 并让其返回 ErrClosed
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}

func (q *Queue) waitCh() <-chan struct{} {
	q.wakeMu.Lock()
	defer q.wakeMu.Unlock()
	return q.wake
}

// signal 唤醒所有等待者
func (q *Queue) signal() {
	q.wakeMu.Lock()
	defer q.wakeMu.Unlock()
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Queue) sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return ErrClosed
	case <-wake:
		return nil
	case <-t.C:
		return nil
	}
}
