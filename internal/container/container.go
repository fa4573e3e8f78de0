package container

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-engine-go/config"
	"order-engine-go/infrastructure/alert"
	"order-engine-go/infrastructure/logger"
	"order-engine-go/infrastructure/monitor"
	"order-engine-go/internal/api"
	"order-engine-go/internal/engine"
	"order-engine-go/internal/notify"
	"order-engine-go/internal/queue"
	"order-engine-go/internal/store"
	"order-engine-go/sim"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg config.AppConfig

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 外部连接，按驱动按需创建
	pool  *pgxpool.Pool
	redis *redis.Client

	// 核心服务
	store    store.Store
	queue    *queue.Queue
	notifier notify.Notifier
	router   *sim.DexRouter
	engine   *engine.Engine
	api      *api.Server

	// HTTP服务器
	httpServer *httpServerComponent

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 读取配置文件（叠加环境变量）并创建 Container
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewWithConfig(cfg), nil
}

// NewWithConfig 使用已加载的配置
func NewWithConfig(cfg config.AppConfig) *Container {
	return &Container{
		cfg:       cfg,
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件；失败时已打开的连接会被关闭
func (c *Container) Build(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			c.closeBackends()
		}
	}()

	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildBackends(ctx); err != nil {
		return fmt.Errorf("build backends failed: %w", err)
	}

	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully",
		zap.String("env", c.cfg.Env),
		zap.String("store", c.cfg.Store.Driver),
		zap.String("queue", c.cfg.Queue.Driver),
		zap.String("notifier", c.cfg.Notifier.Driver))
	return nil
}

func (c *Container) buildInfrastructure() error {
	logCfg := logger.Config{
		Level:      c.cfg.Log.Level,
		Outputs:    c.cfg.Log.Outputs,
		OutputFile: c.cfg.Log.OutputFile,
		ErrorFile:  c.cfg.Log.ErrorFile,
		Format:     c.cfg.Log.Format,
	}

	var err error
	c.logger, err = logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	monitorCfg := monitor.DefaultConfig()
	if c.cfg.Metrics.Namespace != "" {
		monitorCfg.Namespace = c.cfg.Metrics.Namespace
	}
	c.monitor = monitor.New(monitorCfg)

	c.alerts = alert.NewManager(
		[]alert.Channel{alert.NewLogChannel("log", c.logger)},
		c.cfg.Alert.ThrottleInterval,
	)

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildBackends(ctx context.Context) error {
	if c.cfg.Queue.Driver == config.DriverRedis || c.cfg.Notifier.Driver == config.DriverRedis {
		opts, err := redis.ParseURL(c.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		c.redis = redis.NewClient(opts)
		if err := c.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		c.logger.Info("redis connected", zap.String("addr", opts.Addr))
	}

	switch c.cfg.Store.Driver {
	case config.DriverPostgres:
		dbCfg := store.DefaultDBConfig(c.cfg.Store.DatabaseURL)
		dbCfg.MaxConns = c.cfg.Store.MaxConns
		dbCfg.MinConns = c.cfg.Store.MinConns

		connectCtx := ctx
		if c.cfg.Store.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			connectCtx, cancel = context.WithTimeout(ctx, c.cfg.Store.ConnectTimeout)
			defer cancel()
		}
		pool, err := store.OpenPool(connectCtx, dbCfg)
		if err != nil {
			return err
		}
		c.pool = pool
		pg := store.NewPostgres(pool, c.logger)
		if err := pg.EnsureSchema(connectCtx); err != nil {
			return err
		}
		c.store = pg
		c.logger.Info("postgres store ready")
	default:
		c.store = store.NewMemory()
	}

	var backend queue.Backend = queue.NewMemoryBackend()
	if c.cfg.Queue.Driver == config.DriverRedis {
		backend = queue.NewRedisBackend(c.redis, c.cfg.Queue.Prefix)
	}
	q, err := queue.New(backend, queueConfig(c.cfg.Queue), c.logger, c.monitor)
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	q.SetAlertManager(c.alerts)
	c.queue = q

	if c.cfg.Notifier.Driver == config.DriverRedis {
		c.notifier = notify.NewRedis(c.redis, c.cfg.Notifier.Buffer, c.logger)
	} else {
		c.notifier = notify.NewHub(c.cfg.Notifier.Buffer, c.logger)
	}

	c.logger.Info("backends built")
	return nil
}

func (c *Container) buildCoreServices() error {
	c.router = sim.NewDexRouter(dexConfig(c.cfg.Sim))

	ecfg := engine.Config{
		Workers:         c.cfg.Worker.Concurrency,
		BuildDelay:      c.cfg.Worker.BuildDelay,
		ProviderTimeout: c.cfg.Worker.ProviderTimeout,
		StopTimeout:     c.cfg.Worker.StopTimeout,
	}
	eng, err := engine.New(ecfg, engine.Components{
		Queue:        c.queue,
		Store:        c.store,
		Notifier:     c.notifier,
		Provider:     c.router,
		AlertManager: c.alerts,
		Logger:       c.logger,
		Monitor:      c.monitor,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	c.engine = eng

	apiCfg := api.Config{
		CORSOrigins:    c.cfg.Server.CORSOrigins,
		WSPingInterval: c.cfg.Server.WSPingInterval,
	}
	if c.cfg.Metrics.Enabled {
		apiCfg.MetricsPath = c.cfg.Metrics.Path
	}
	c.api = api.NewServer(apiCfg, api.Deps{
		Orders:   c.engine,
		Store:    c.store,
		Notifier: c.notifier,
		Health:   c.health,
		Monitor:  c.monitor,
		Logger:   c.logger,
	})

	c.logger.Info("core services built")
	return nil
}

func (c *Container) registerLifecycleComponents() {
	c.lifecycle.Register(&engineComponent{engine: c.engine})

	c.httpServer = &httpServerComponent{
		name:              "api_server",
		handler:           c.api.Handler(),
		addr:              c.cfg.Server.Addr(),
		readHeaderTimeout: c.cfg.Server.ReadHeaderTimeout,
		shutdownTimeout:   c.cfg.Server.ShutdownTimeout,
		logger:            c.logger,
	}
	c.lifecycle.Register(c.httpServer)
}

// Start 启动引擎与 HTTP 服务
func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started", zap.String("addr", c.httpServer.Addr()))
	return nil
}

// Stop 逆序停止组件并关闭所有连接
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	c.closeBackends()

	c.logger.Info("container stopped")
	_ = c.logger.Close()
	return err
}

// closeBackends 按创建的逆序关闭，可重复调用
func (c *Container) closeBackends() {
	if c.queue != nil {
		_ = c.queue.Close()
	}
	if c.notifier != nil {
		_ = c.notifier.Close()
		c.notifier = nil
	}
	if c.store != nil {
		_ = c.store.Close()
		c.store = nil
		c.pool = nil
	}
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
	if c.redis != nil {
		_ = c.redis.Close()
		c.redis = nil
	}
}

// HealthCheck 生命周期组件健康检查
func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// health 供 /health 使用：引擎状态与外部连接
func (c *Container) health(ctx context.Context) map[string]error {
	out := map[string]error{
		"engine": c.lifecycle.CheckHealth(),
	}
	if c.pool != nil {
		out["database"] = c.pool.Ping(ctx)
	}
	if c.redis != nil {
		out["redis"] = c.redis.Ping(ctx).Err()
	}
	return out
}

// ApplyParams 热更新限流、构建延迟与日志级别
func (c *Container) ApplyParams(p config.Params) error {
	if err := config.ValidateParams(p); err != nil {
		return err
	}
	if err := c.queue.SetRateLimit(p.RateMax, p.RateWindow); err != nil {
		return fmt.Errorf("apply rate limit: %w", err)
	}
	c.engine.SetBuildDelay(p.BuildDelay)
	if err := c.logger.SetLevel(p.LogLevel); err != nil {
		return fmt.Errorf("apply log level: %w", err)
	}

	c.logger.Info("runtime params applied",
		zap.Int("rate_max", p.RateMax),
		zap.Duration("rate_window", p.RateWindow),
		zap.Duration("build_delay", p.BuildDelay),
		zap.String("log_level", p.LogLevel))
	return nil
}

// Reload 应用新配置中可热更新的部分，其余字段的变化只记录告警
func (c *Container) Reload(next config.AppConfig) error {
	if changed := restartRequired(c.cfg, next); len(changed) > 0 {
		c.logger.Warn("config changes require restart", zap.Strings("fields", changed))
	}
	if err := c.ApplyParams(config.ParamsFrom(next)); err != nil {
		return err
	}
	c.cfg.Queue.RateMax = next.Queue.RateMax
	c.cfg.Queue.RateWindow = next.Queue.RateWindow
	c.cfg.Worker.BuildDelay = next.Worker.BuildDelay
	c.cfg.Log.Level = next.Log.Level
	return nil
}

func restartRequired(cur, next config.AppConfig) []string {
	var changed []string
	if cur.Queue.Driver != next.Queue.Driver || cur.Store.Driver != next.Store.Driver || cur.Notifier.Driver != next.Notifier.Driver {
		changed = append(changed, "drivers")
	}
	if cur.Worker.Concurrency != next.Worker.Concurrency {
		changed = append(changed, "worker.concurrency")
	}
	if cur.Queue.Attempts != next.Queue.Attempts || cur.Queue.BackoffBase != next.Queue.BackoffBase {
		changed = append(changed, "queue.retry")
	}
	if cur.Server.Addr() != next.Server.Addr() {
		changed = append(changed, "server.addr")
	}
	return changed
}

// Engine 返回订单引擎
func (c *Container) Engine() *engine.Engine { return c.engine }

// Logger 返回根日志器
func (c *Container) Logger() *logger.Logger { return c.logger }

// Config 返回当前配置
func (c *Container) Config() config.AppConfig { return c.cfg }

// Addr HTTP 实际监听地址
func (c *Container) Addr() string {
	if c.httpServer == nil {
		return ""
	}
	return c.httpServer.Addr()
}

func queueConfig(qc config.QueueConfig) queue.Config {
	return queue.Config{
		Attempts:          qc.Attempts,
		BackoffBase:       qc.BackoffBase,
		RateMax:           qc.RateMax,
		RateWindow:        qc.RateWindow,
		CompletedMaxAge:   qc.CompletedMaxAge,
		CompletedMaxCount: qc.CompletedMaxCount,
		DeadMaxAge:        qc.DeadMaxAge,
		PollInterval:      qc.PollInterval,
		PurgeInterval:     qc.PurgeInterval,
		LockDuration:      qc.LockDuration,
		StalledInterval:   qc.StalledInterval,
		BacklogAlert:      qc.BacklogAlert,
	}
}

func dexConfig(sc config.SimConfig) sim.DexConfig {
	return sim.DexConfig{
		BasePrice:    decimal.NewFromFloat(sc.BasePrice),
		QuoteLatency: sc.QuoteLatency,
		ExecMin:      sc.ExecMin,
		ExecMax:      sc.ExecMax,
		Slippage:     sc.Slippage,
		Seed:         sc.Seed,
	}
}

var errNotBuilt = errors.New("container not built")

// Pause 暂停领取新订单
func (c *Container) Pause() error {
	if c.engine == nil {
		return errNotBuilt
	}
	return c.engine.Pause()
}

// Resume 恢复领取
func (c *Container) Resume() error {
	if c.engine == nil {
		return errNotBuilt
	}
	return c.engine.Resume()
}
