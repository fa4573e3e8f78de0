package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env      string         `yaml:"env"`
	Queue    QueueConfig    `yaml:"queue"`
	Worker   WorkerConfig   `yaml:"worker"`
	Store    StoreConfig    `yaml:"store"`
	Redis    RedisConfig    `yaml:"redis"`
	Notifier NotifierConfig `yaml:"notifier"`
	Server   ServerConfig   `yaml:"server"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
	Alert    AlertConfig    `yaml:"alert"`
	Sim      SimConfig      `yaml:"sim"`
}

// 后端驱动
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// QueueConfig 任务队列：重试、限流与保留策略
type QueueConfig struct {
	Driver            string        `yaml:"driver"` // memory | redis
	Prefix            string        `yaml:"prefix"` // redis key 前缀
	Attempts          int           `yaml:"attempts"`
	BackoffBase       time.Duration `yaml:"backoffBase"`
	RateMax           int           `yaml:"rateMax"` // 每个 rateWindow 最多投递次数
	RateWindow        time.Duration `yaml:"rateWindow"`
	CompletedMaxAge   time.Duration `yaml:"completedMaxAge"`
	CompletedMaxCount int           `yaml:"completedMaxCount"`
	DeadMaxAge        time.Duration `yaml:"deadMaxAge"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	PurgeInterval     time.Duration `yaml:"purgeInterval"`
	LockDuration      time.Duration `yaml:"lockDuration"`    // active 任务的租约，worker 处理期间续期
	StalledInterval   time.Duration `yaml:"stalledInterval"` // 检查租约过期任务的间隔
	BacklogAlert      int64         `yaml:"backlogAlert"`    // 等待+延迟任务数达到此值时告警，0 关闭
}

// WorkerConfig 订单处理 worker
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	BuildDelay      time.Duration `yaml:"buildDelay"`
	ProviderTimeout time.Duration `yaml:"providerTimeout"` // 0 不限
	StopTimeout     time.Duration `yaml:"stopTimeout"`
}

// StoreConfig 订单存储
type StoreConfig struct {
	Driver         string        `yaml:"driver"` // memory | postgres
	DatabaseURL    string        `yaml:"databaseURL"`
	MaxConns       int32         `yaml:"maxConns"`
	MinConns       int32         `yaml:"minConns"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// NotifierConfig 订单状态通知
type NotifierConfig struct {
	Driver string `yaml:"driver"` // memory | redis
	Buffer int    `yaml:"buffer"` // 每个订阅者的缓冲
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	CORSOrigins       []string      `yaml:"corsOrigins"`
	WSPingInterval    time.Duration `yaml:"wsPingInterval"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
}

// Addr host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

type LogConfig struct {
	Level      string   `yaml:"level"`
	Format     string   `yaml:"format"` // json | console
	Outputs    []string `yaml:"outputs"`
	OutputFile string   `yaml:"outputFile"`
	ErrorFile  string   `yaml:"errorFile"`
}

type AlertConfig struct {
	ThrottleInterval time.Duration `yaml:"throttleInterval"`
}

// SimConfig 模拟 DEX 路由参数
type SimConfig struct {
	BasePrice    float64       `yaml:"basePrice"`
	QuoteLatency time.Duration `yaml:"quoteLatency"`
	ExecMin      time.Duration `yaml:"execMin"`
	ExecMax      time.Duration `yaml:"execMax"`
	Slippage     float64       `yaml:"slippage"`
	Seed         int64         `yaml:"seed"`
}

// Default 返回参考配置：内存后端，3 次尝试，2s 指数退避，每分钟 100 单，10 个 worker。
func Default() AppConfig {
	return AppConfig{
		Env: "dev",
		Queue: QueueConfig{
			Driver:            DriverMemory,
			Prefix:            "oe:order-processing:",
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
		},
		Worker: WorkerConfig{
			Concurrency: 10,
			BuildDelay:  500 * time.Millisecond,
			StopTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver:         DriverMemory,
			MaxConns:       10,
			MinConns:       1,
			ConnectTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{URL: "redis://localhost:6379/0"},
		Notifier: NotifierConfig{
			Driver: DriverMemory,
			Buffer: 16,
		},
		Server: ServerConfig{
			Port:              3000,
			CORSOrigins:       []string{"*"},
			WSPingInterval:    30 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "oe",
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "json",
			Outputs: []string{"stdout"},
		},
		Alert: AlertConfig{ThrottleInterval: 5 * time.Minute},
		Sim: SimConfig{
			BasePrice:    150,
			QuoteLatency: 200 * time.Millisecond,
			ExecMin:      2 * time.Second,
			ExecMax:      3 * time.Second,
			Slippage:     0.001,
		},
	}
}

// Load reads YAML config from path on top of Default() and applies validation.
// An empty path returns the defaults.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, Validate(cfg)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides deployment fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

func applyEnv(cfg *AppConfig) error {
	if v := os.Getenv("OE_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("OE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("OE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("OE_QUEUE_DRIVER"); v != "" {
		cfg.Queue.Driver = v
	}
	if v := os.Getenv("OE_NOTIFIER_DRIVER"); v != "" {
		cfg.Notifier.Driver = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	return nil
}
