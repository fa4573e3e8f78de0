package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"order-engine-go/infrastructure/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis 基于 Redis PUBLISH/SUBSCRIBE 的通知器，支持多进程部署。
//
// 客户端由调用方创建与关闭；Close 只关闭本通知器打开的订阅。
type Redis struct {
	client *redis.Client
	buffer int
	log    *logger.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewRedis 创建 Redis 通知器
func NewRedis(client *redis.Client, buffer int, log *logger.Logger) *Redis {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Redis{
		client: client,
		buffer: buffer,
		log:    log.Named("notify.redis"),
		subs:   make(map[*Subscription]struct{}),
	}
}

func (r *Redis) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := r.client.Publish(ctx, Channel(msg.OrderID), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.OrderID, err)
	}
	return nil
}

// Subscribe 返回前已确认订阅生效，之后的 Publish 都能收到。
func (r *Redis) Subscribe(ctx context.Context, orderID string) (*Subscription, error) {
	ps := r.client.Subscribe(ctx, Channel(orderID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", orderID, err)
	}

	out := make(chan Message, r.buffer)
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		defer close(out)

		in := ps.Channel()
		for {
			select {
			case <-done:
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					r.log.Warn("drop malformed message", zap.String("channel", raw.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- msg:
				case <-done:
					return
				}
			}
		}
	}()

	var sub *Subscription
	sub = newSubscription(orderID, out, func() {
		close(done)
		if err := ps.Close(); err != nil {
			r.log.Warn("close pubsub failed", zap.String("order_id", orderID), zap.Error(err))
		}
		<-finished

		r.mu.Lock()
		delete(r.subs, sub)
		r.mu.Unlock()
	})

	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

// Close 关闭所有未释放的订阅
func (r *Redis) Close() error {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return nil
}
