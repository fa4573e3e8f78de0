package config

import (
	"errors"
	"fmt"
)

// Validate ensures required fields are present and internally consistent.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}

	q := cfg.Queue
	switch q.Driver {
	case DriverMemory, DriverRedis:
	default:
		return fmt.Errorf("queue.driver must be memory or redis, got %q", q.Driver)
	}
	if q.Attempts < 1 {
		return errors.New("queue.attempts must be >= 1")
	}
	if q.BackoffBase < 0 {
		return errors.New("queue.backoffBase must be >= 0")
	}
	if q.PollInterval <= 0 {
		return errors.New("queue.pollInterval must be > 0")
	}
	if q.PurgeInterval <= 0 {
		return errors.New("queue.purgeInterval must be > 0")
	}
	if q.LockDuration <= 0 || q.StalledInterval <= 0 {
		return errors.New("queue.lockDuration and queue.stalledInterval must be > 0")
	}
	if q.BacklogAlert < 0 {
		return errors.New("queue.backlogAlert must be >= 0")
	}
	if q.CompletedMaxAge < 0 || q.DeadMaxAge < 0 || q.CompletedMaxCount < 0 {
		return errors.New("queue retention must be >= 0")
	}

	if err := ValidateParams(ParamsFrom(cfg)); err != nil {
		return err
	}

	w := cfg.Worker
	if w.Concurrency < 1 {
		return errors.New("worker.concurrency must be >= 1")
	}
	if w.ProviderTimeout < 0 {
		return errors.New("worker.providerTimeout must be >= 0")
	}
	if w.StopTimeout < 0 {
		return errors.New("worker.stopTimeout must be >= 0")
	}

	switch cfg.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if cfg.Store.DatabaseURL == "" {
			return errors.New("store.databaseURL is required for postgres (or DATABASE_URL)")
		}
		if cfg.Store.MaxConns < 1 || cfg.Store.MinConns < 0 || cfg.Store.MinConns > cfg.Store.MaxConns {
			return fmt.Errorf("store pool bounds invalid: min %d max %d", cfg.Store.MinConns, cfg.Store.MaxConns)
		}
	default:
		return fmt.Errorf("store.driver must be memory or postgres, got %q", cfg.Store.Driver)
	}

	switch cfg.Notifier.Driver {
	case DriverMemory, DriverRedis:
	default:
		return fmt.Errorf("notifier.driver must be memory or redis, got %q", cfg.Notifier.Driver)
	}
	if cfg.Notifier.Buffer < 1 {
		return errors.New("notifier.buffer must be >= 1")
	}
	if (q.Driver == DriverRedis || cfg.Notifier.Driver == DriverRedis) && cfg.Redis.URL == "" {
		return errors.New("redis.url is required for redis drivers (or REDIS_URL)")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	if cfg.Server.WSPingInterval <= 0 {
		return errors.New("server.wsPingInterval must be > 0")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Path == "" {
		return errors.New("metrics.path is required when metrics are enabled")
	}

	if cfg.Sim.BasePrice <= 0 {
		return errors.New("sim.basePrice must be > 0")
	}
	if cfg.Sim.ExecMax < cfg.Sim.ExecMin {
		return errors.New("sim.execMax must be >= sim.execMin")
	}
	if cfg.Sim.Slippage < 0 || cfg.Sim.Slippage >= 1 {
		return errors.New("sim.slippage must be in [0, 1)")
	}
	return nil
}
