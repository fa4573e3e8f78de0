package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"order-engine-go/order"
)

// Memory 进程内订单存储，读写都返回副本。
type Memory struct {
	mu     sync.RWMutex
	orders map[string]*order.Order
	now    func() time.Time
}

// NewMemory 创建内存存储
func NewMemory() *Memory {
	return &Memory{
		orders: make(map[string]*order.Order),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Create(_ context.Context, o *order.Order) error {
	if o == nil || o.ID == "" {
		return fmt.Errorf("create order: missing id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, o.ID)
	}
	c := o.Clone()
	if c.Logs == nil {
		c.Logs = []order.LogEntry{}
	}
	m.orders[o.ID] = c
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return o.Clone(), nil
}

func (m *Memory) Apply(_ context.Context, id string, ch Change) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := ch.validate(o.Status); err != nil {
		return nil, err
	}
	ch.applyTo(o, m.now())
	return o.Clone(), nil
}

func (m *Memory) AppendLog(ctx context.Context, id, message string) (*order.Order, error) {
	return m.Apply(ctx, id, Change{Logs: []order.LogEntry{order.NewLogEntry(message)}})
}

// ListByStatus 按创建时间倒序；status 为空时返回全部
func (m *Memory) ListByStatus(_ context.Context, status order.Status, limit int) ([]*order.Order, error) {
	limit = normalizeLimit(limit)

	m.mu.RLock()
	out := make([]*order.Order, 0, len(m.orders))
	for _, o := range m.orders {
		if status == "" || o.Status == status {
			out = append(out, o.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
