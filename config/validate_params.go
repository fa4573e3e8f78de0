package config

import "time"

// Params 运行中可热更新的参数，其余字段变更需要重启。
type Params struct {
	RateMax    int
	RateWindow time.Duration
	BuildDelay time.Duration
	LogLevel   string
}

// ParamsFrom 提取可热更新部分
func ParamsFrom(cfg AppConfig) Params {
	return Params{
		RateMax:    cfg.Queue.RateMax,
		RateWindow: cfg.Queue.RateWindow,
		BuildDelay: cfg.Worker.BuildDelay,
		LogLevel:   cfg.Log.Level,
	}
}

// ValidateParams 额外验证非空/非零的关键参数。
func ValidateParams(p Params) error {
	if p.RateMax < 1 {
		return ErrInvalid("queue.rateMax must be >= 1")
	}
	if p.RateWindow <= 0 {
		return ErrInvalid("queue.rateWindow must be > 0")
	}
	if p.RateWindow/time.Duration(p.RateMax) <= 0 {
		return ErrInvalid("queue.rateWindow too small for queue.rateMax")
	}
	if p.BuildDelay < 0 {
		return ErrInvalid("worker.buildDelay must be >= 0")
	}
	switch p.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalid("log.level must be debug, info, warn or error")
	}
	return nil
}

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }
