package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"order-engine-go/order"

	"github.com/shopspring/decimal"
)

var ErrClosed = errors.New("notifier closed")

// ChannelPrefix 每个订单一个频道：order-updates:<orderId>
const ChannelPrefix = "order-updates:"

// Channel 返回订单对应的频道名
func Channel(orderID string) string {
	return ChannelPrefix + orderID
}

// Message 一次状态转换的通知内容，只携带该转换写入的字段。
type Message struct {
	OrderID        string           `json:"orderId"`
	Status         order.Status     `json:"status"`
	Timestamp      time.Time        `json:"timestamp"`
	ExecutionPrice *decimal.Decimal `json:"executionPrice,omitempty"`
	TxHash         string           `json:"txHash,omitempty"`
	Logs           []order.LogEntry `json:"logs,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// MessageFor 由持久化后的订单记录构造通知，保证通知与存储一致：
// BUILDING 带 executionPrice，CONFIRMED 带 txHash 与 executionPrice，
// FAILED 带累计日志（含错误条目）。
func MessageFor(o *order.Order) Message {
	msg := Message{
		OrderID:   o.ID,
		Status:    o.Status,
		Timestamp: o.UpdatedAt,
	}
	switch o.Status {
	case order.StatusBuilding:
		msg.ExecutionPrice = copyDecimal(o.ExecutionPrice)
	case order.StatusConfirmed:
		msg.ExecutionPrice = copyDecimal(o.ExecutionPrice)
		if o.TxHash != nil {
			msg.TxHash = *o.TxHash
		}
	case order.StatusFailed:
		msg.Logs = append([]order.LogEntry(nil), o.Logs...)
		if n := len(o.Logs); n > 0 {
			msg.Error = o.Logs[n-1].Message
		}
	}
	return msg
}

// MarshalJSON executionPrice 输出为数字
func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	return json.Marshal(struct {
		plain
		ExecutionPrice *json.Number `json:"executionPrice,omitempty"`
	}{
		plain:          plain(m),
		ExecutionPrice: order.NumberPtr(m.ExecutionPrice),
	})
}

func copyDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// Notifier 按订单分频道的发布/订阅。
//
// Publish 从不等待订阅者，没有订阅者时直接返回；订阅之前发布的消息不会补发。
type Notifier interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, orderID string) (*Subscription, error)
	Close() error
}

// Subscription 一个订阅。C 在 Close 之后关闭；Close 可重复调用。
type Subscription struct {
	C       <-chan Message
	OrderID string

	once    sync.Once
	release func()
}

func newSubscription(orderID string, c <-chan Message, release func()) *Subscription {
	return &Subscription{C: c, OrderID: orderID, release: release}
}

// Close 释放订阅
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.release)
}
