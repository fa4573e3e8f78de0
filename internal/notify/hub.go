package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"order-engine-go/infrastructure/logger"

	"go.uber.org/zap"
)

// DefaultBuffer 每个订阅者的缓冲，一个订单最多 6 次转换
const DefaultBuffer = 16

// Hub 进程内通知分发器。
//
// 发送不阻塞：订阅者缓冲满时丢弃该消息并计数。
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*hubSub]struct{}
	buffer  int
	dropped atomic.Int64
	closed  bool
	log     *logger.Logger
}

type hubSub struct {
	ch chan Message
}

// NewHub 创建内存通知器；buffer<=0 使用默认值
func NewHub(buffer int, log *logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Hub{
		subs:   make(map[string]map[*hubSub]struct{}),
		buffer: buffer,
		log:    log.Named("notify.hub"),
	}
}

func (h *Hub) Publish(_ context.Context, msg Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs[msg.OrderID] {
		select {
		case s.ch <- msg:
		default:
			h.dropped.Add(1)
			h.log.Warn("subscriber buffer full, message dropped",
				zap.String("order_id", msg.OrderID),
				zap.String("status", string(msg.Status)))
		}
	}
	return nil
}

// Subscribe ctx 结束时自动取消订阅
func (h *Hub) Subscribe(ctx context.Context, orderID string) (*Subscription, error) {
	s := &hubSub{ch: make(chan Message, h.buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	set, ok := h.subs[orderID]
	if !ok {
		set = make(map[*hubSub]struct{})
		h.subs[orderID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	sub := newSubscription(orderID, s.ch, func() { h.remove(orderID, s) })
	context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

func (h *Hub) remove(orderID string, s *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[orderID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, orderID)
	}
	close(s.ch)
}

// Subscribers 当前订阅者数量
func (h *Hub) Subscribers(orderID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[orderID])
}

// Dropped 因缓冲满被丢弃的消息数
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close 关闭所有订阅
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, set := range h.subs {
		for s := range set {
			close(s.ch)
		}
		delete(h.subs, id)
	}
	return nil
}
