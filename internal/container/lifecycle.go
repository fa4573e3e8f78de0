package container

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"order-engine-go/infrastructure/logger"
	"order-engine-go/internal/engine"
)

// Lifecycle 生命周期接口
type Lifecycle interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 生命周期管理器
type LifecycleManager struct {
	components []Lifecycle
	mu         sync.RWMutex
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{
		components: make([]Lifecycle, 0),
	}
}

// Register 注册组件
func (m *LifecycleManager) Register(component Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component)
}

// StartAll 按顺序启动所有组件
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, component := range m.components {
		if err := component.Start(ctx); err != nil {
			// 启动失败，回滚已启动的组件
			for j := i - 1; j >= 0; j-- {
				_ = m.components[j].Stop()
			}
			return fmt.Errorf("start %s failed: %w", component.Name(), err)
		}
	}
	return nil
}

// StopAll 逆序停止所有组件
func (m *LifecycleManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for i := len(m.components) - 1; i >= 0; i-- {
		if err := m.components[i].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", m.components[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// CheckHealth 检查所有组件健康状态
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, component := range m.components {
		if err := component.Health(); err != nil {
			return fmt.Errorf("%s unhealthy: %w", component.Name(), err)
		}
	}
	return nil
}

// engineComponent 把订单引擎接入生命周期
type engineComponent struct {
	engine *engine.Engine
}

func (e *engineComponent) Name() string { return "order_engine" }

func (e *engineComponent) Start(ctx context.Context) error {
	return e.engine.Start(ctx)
}

func (e *engineComponent) Stop() error {
	switch e.engine.GetState() {
	case engine.StateRunning, engine.StatePaused:
		return e.engine.Stop()
	}
	return nil
}

func (e *engineComponent) Health() error {
	switch st := e.engine.GetState(); st {
	case engine.StateRunning, engine.StatePaused:
		return nil
	default:
		return fmt.Errorf("engine %s", st)
	}
}

// httpServerComponent HTTP服务器组件
type httpServerComponent struct {
	name              string
	handler           http.Handler
	addr              string
	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
	logger            *logger.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	started  bool
}

func (h *httpServerComponent) Name() string { return h.name }

// Start 同步监听端口，端口占用等错误直接返回
func (h *httpServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return nil
	}

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("%s listen on %s: %w", h.name, h.addr, err)
	}
	srv := &http.Server{
		Handler:           h.handler,
		ReadHeaderTimeout: h.readHeaderTimeout,
	}
	h.server = srv
	h.listener = ln

	// 在后台启动服务器
	go func() {
		h.logger.Info(fmt.Sprintf("%s listening on %s", h.name, ln.Addr()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.LogError(err, map[string]interface{}{
				"component": h.name,
				"action":    "serve",
			})
		}
	}()

	h.started = true
	return nil
}

func (h *httpServerComponent) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started || h.server == nil {
		return nil
	}

	timeout := h.shutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	h.started = false
	if err := h.server.Shutdown(ctx); err != nil {
		_ = h.server.Close()
		return fmt.Errorf("%s shutdown failed: %w", h.name, err)
	}

	h.logger.Info(fmt.Sprintf("%s stopped", h.name), zap.String("addr", h.listener.Addr().String()))
	return nil
}

func (h *httpServerComponent) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return fmt.Errorf("%s not started", h.name)
	}
	return nil
}

// Addr 实际监听地址，未启动时返回空串
func (h *httpServerComponent) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}
