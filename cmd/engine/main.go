package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"order-engine-go/config"
	"order-engine-go/infrastructure/logger"
	"order-engine-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "", "配置文件路径，留空使用内置默认值")
	envFile := flag.String("env", ".env", "环境变量文件，不存在时忽略")
	watch := flag.Bool("watch", true, "监听配置文件变化并热更新可变参数")
	flag.Parse()

	_ = godotenv.Load(*envFile)

	c, err := container.New(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Build(ctx); err != nil {
		log.Fatalf("构建组件失败: %v", err)
	}
	lg := c.Logger()

	if err := c.Start(ctx); err != nil {
		lg.Error("start failed", zap.Error(err))
		_ = c.Stop()
		os.Exit(1)
	}

	if *watch && *cfgPath != "" {
		w := config.Watcher{Path: *cfgPath, Log: lg}
		go func() {
			err := w.Start(ctx, func(next config.AppConfig) {
				if err := c.Reload(next); err != nil {
					lg.Warn("config reload not applied", zap.Error(err))
				}
			})
			if err != nil && ctx.Err() == nil {
				lg.Warn("config watcher stopped", zap.Error(err))
			}
		}()
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		lg.Warn("sd_notify ready failed", zap.Error(err))
	}
	go watchdog(ctx, c.HealthCheck, lg)

	// SIGUSR1 暂停领取新订单，SIGUSR2 恢复
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			if err := c.Pause(); err != nil {
				lg.Warn("pause failed", zap.Error(err))
			} else {
				lg.Info("engine paused by signal")
			}
			continue
		case syscall.SIGUSR2:
			if err := c.Resume(); err != nil {
				lg.Warn("resume failed", zap.Error(err))
			} else {
				lg.Info("engine resumed by signal")
			}
			continue
		}
		lg.Info("shutdown signal received", zap.String("signal", sig.String()))
		break
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()
	if err := c.Stop(); err != nil {
		os.Exit(1)
	}
}

// watchdog 在 systemd 启用 WatchdogSec 时按一半间隔上报存活，组件不健康时停止上报
func watchdog(ctx context.Context, health func() error, lg *logger.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := health(); err != nil {
				lg.Warn("skip watchdog ping", zap.Error(err))
				continue
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
