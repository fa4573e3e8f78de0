package sim

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"order-engine-go/infrastructure/logger"
	"order-engine-go/internal/engine"
	"order-engine-go/internal/notify"
	"order-engine-go/internal/queue"
	"order-engine-go/internal/store"
)

// RunnerConfig 描述 Runner 的可选参数。
type RunnerConfig struct {
	Workers     int
	Concurrency int
	Pairs       []string
	MinAmount   decimal.Decimal
	MaxAmount   decimal.Decimal
	BuildDelay  time.Duration
	Timeout     time.Duration

	Dex   DexConfig
	Queue queue.Config
}

// DefaultRunnerConfig 5 个 worker，真实节奏的模拟路由
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Workers:     5,
		Concurrency: 10,
		Pairs:       []string{"SOL-USDC"},
		MinAmount:   decimal.NewFromInt(1),
		MaxAmount:   decimal.NewFromInt(10),
		BuildDelay:  engine.DefaultBuildDelay,
		Timeout:     30 * time.Second,
		Dex:         DefaultDexConfig(),
		Queue:       queue.DefaultConfig(),
	}
}

// Stack 内存版完整流水线：队列、存储、通知、模拟路由与引擎
type Stack struct {
	Engine *engine.Engine
	Store  *store.Memory
	Queue  *queue.Queue
	Hub    *notify.Hub
	Router *DexRouter
	Runner *Runner
}

// BuildRunner 基于配置快速组装 Runner（使用内存组件，适合离线/仿真）。
func BuildRunner(cfg RunnerConfig, log *logger.Logger) (*Stack, error) {
	if log == nil {
		log = logger.NewNop()
	}
	q, err := queue.New(queue.NewMemoryBackend(), cfg.Queue, log, nil)
	if err != nil {
		return nil, err
	}
	st := store.NewMemory()
	hub := notify.NewHub(notify.DefaultBuffer, log)
	router := NewDexRouter(cfg.Dex)

	ecfg := engine.DefaultConfig()
	ecfg.Workers = cfg.Workers
	ecfg.BuildDelay = cfg.BuildDelay
	eng, err := engine.New(ecfg, engine.Components{
		Queue:    q,
		Store:    st,
		Notifier: hub,
		Provider: router,
		Logger:   log,
	})
	if err != nil {
		_ = q.Close()
		return nil, err
	}

	return &Stack{
		Engine: eng,
		Store:  st,
		Queue:  q,
		Hub:    hub,
		Router: router,
		Runner: &Runner{
			Submitter:   eng,
			Notifier:    hub,
			Orders:      st,
			Pairs:       cfg.Pairs,
			MinAmount:   cfg.MinAmount,
			MaxAmount:   cfg.MaxAmount,
			Concurrency: cfg.Concurrency,
			Timeout:     cfg.Timeout,
		},
	}, nil
}

// Run 启动引擎，跑 n 个订单后停止
func (s *Stack) Run(ctx context.Context, n int) (Report, error) {
	if err := s.Engine.Start(ctx); err != nil {
		return Report{}, err
	}
	defer s.Close()
	return s.Runner.Run(ctx, n)
}

// Close 停止引擎并释放资源
func (s *Stack) Close() {
	if st := s.Engine.GetState(); st == engine.StateRunning || st == engine.StatePaused {
		_ = s.Engine.Stop()
	}
	_ = s.Queue.Close()
	_ = s.Hub.Close()
	_ = s.Store.Close()
}
