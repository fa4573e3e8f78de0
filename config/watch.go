package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"order-engine-go/infrastructure/logger"
)

// Watcher 监听配置文件变化，去抖后重新加载并回调。
//
// 监听的是所在目录而不是文件本身，编辑器原子替换（写临时文件再 rename）也能被捕获。
// 新配置校验失败时保留旧配置，不回调。
type Watcher struct {
	Path     string
	Debounce time.Duration
	Log      *logger.Logger
}

// Start 阻塞直到 ctx 结束；回调在 Start 所在的 goroutine 中执行。
func (w Watcher) Start(ctx context.Context, onUpdate func(AppConfig)) error {
	if w.Debounce <= 0 {
		w.Debounce = 500 * time.Millisecond
	}
	log := w.Log
	if log == nil {
		log = logger.NewNop()
	}

	target, err := filepath.Abs(w.Path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.Debounce)
			} else {
				timer.Reset(w.Debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			cfg, err := LoadWithEnvOverrides(w.Path)
			if err != nil {
				log.Warn("Config reload rejected", zap.String("path", w.Path), zap.Error(err))
				continue
			}
			log.Info("Config reloaded", zap.String("path", w.Path))
			if onUpdate != nil {
				onUpdate(cfg)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn("Watcher error", zap.Error(err))
		}
	}
}
