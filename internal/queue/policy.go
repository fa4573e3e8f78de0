package queue

import (
	"fmt"
	"time"
)

// Config 队列策略
type Config struct {
	Attempts          int           // 每个任务最多尝试次数（含首次）
	BackoffBase       time.Duration // 指数退避基数
	RateMax           int           // 窗口内最多投递数
	RateWindow        time.Duration
	CompletedMaxAge   time.Duration // 已完成任务保留时长
	CompletedMaxCount int           // 已完成任务最多保留条数
	DeadMaxAge        time.Duration // 死信保留时长
	PollInterval      time.Duration // 无任务时的轮询间隔
	PurgeInterval     time.Duration
	LockDuration      time.Duration // active 任务租约时长，持有者需在到期前续期
	StalledInterval   time.Duration // 检查租约过期任务的间隔
	BacklogAlert      int64         // 等待+延迟任务数告警阈值，0 关闭
}

// DefaultConfig 返回默认策略
func DefaultConfig() Config {
	return Config{
		Attempts:          3,
		BackoffBase:       2 * time.Second,
		RateMax:           100,
		RateWindow:        time.Minute,
		CompletedMaxAge:   time.Hour,
		CompletedMaxCount: 1000,
		DeadMaxAge:        24 * time.Hour,
		PollInterval:      250 * time.Millisecond,
		PurgeInterval:     time.Minute,
		LockDuration:      30 * time.Second,
		StalledInterval:   15 * time.Second,
		BacklogAlert:      1000,
	}
}

// Validate 检查策略参数
func (c Config) Validate() error {
	if c.Attempts < 1 {
		return fmt.Errorf("attempts must be >= 1, got %d", c.Attempts)
	}
	if c.BackoffBase < 0 {
		return fmt.Errorf("backoff base must be >= 0, got %s", c.BackoffBase)
	}
	if c.RateMax < 1 || c.RateWindow <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d per %s", c.RateMax, c.RateWindow)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.LockDuration < 0 || c.StalledInterval < 0 {
		return fmt.Errorf("lock duration and stalled interval must be >= 0")
	}
	return nil
}

// Backoff 第 attemptsMade 次失败后的等待时间：base × 2^(attemptsMade-1)，即 2s, 4s, 8s...
func (c Config) Backoff(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	shift := attemptsMade - 1
	if shift > 30 {
		shift = 30
	}
	return c.BackoffBase * time.Duration(1<<shift)
}

// Retention 清理参数
type Retention struct {
	CompletedBefore   time.Time // 早于此时间完成的任务删除
	CompletedMaxCount int
	DeadBefore        time.Time
}

// withDefaults 补齐未设置的租约参数
func (c Config) withDefaults() Config {
	if c.LockDuration == 0 {
		c.LockDuration = 30 * time.Second
	}
	if c.StalledInterval == 0 {
		c.StalledInterval = max(c.LockDuration/2, time.Millisecond)
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = time.Minute
	}
	return c
}

func (c Config) retention(now time.Time) Retention {
	r := Retention{CompletedMaxCount: c.CompletedMaxCount}
	if c.CompletedMaxAge > 0 {
		r.CompletedBefore = now.Add(-c.CompletedMaxAge)
	}
	if c.DeadMaxAge > 0 {
		r.DeadBefore = now.Add(-c.DeadMaxAge)
	}
	return r
}
