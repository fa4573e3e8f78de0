package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-engine-go/order"

	"github.com/shopspring/decimal"
)

// DefaultListLimit ListByStatus 未指定 limit 时的条数
const DefaultListLimit = 50

var (
	ErrNotFound          = errors.New("order not found")
	ErrDuplicate         = errors.New("order already exists")
	ErrIllegalTransition = order.ErrIllegalTransition
)

// Store 订单存储，是订单状态的唯一事实来源。
//
// 每次 Apply 都是按订单 ID 的单次原子更新；状态校验与写入在同一步完成。
type Store interface {
	Create(ctx context.Context, o *order.Order) error
	Get(ctx context.Context, id string) (*order.Order, error)
	Apply(ctx context.Context, id string, ch Change) (*order.Order, error)
	AppendLog(ctx context.Context, id, message string) (*order.Order, error)
	ListByStatus(ctx context.Context, status order.Status, limit int) ([]*order.Order, error)
	Close() error
}

// Change 一次状态转换写入的字段集合，零值字段不修改。
type Change struct {
	Status         order.Status
	Reentry        bool // 重试 attempt 重新进入 ROUTING
	ExecutionPrice *decimal.Decimal
	TxHash         *string
	Logs           []order.LogEntry
}

// StatusChange 构造只改状态并附带日志的 Change
func StatusChange(status order.Status, logs ...string) Change {
	ch := Change{Status: status}
	for _, msg := range logs {
		ch.Logs = append(ch.Logs, order.NewLogEntry(msg))
	}
	return ch
}

// validate 检查 from -> ch.Status 是否合法
func (ch Change) validate(from order.Status) error {
	if ch.Status == "" {
		return nil
	}
	if ch.Reentry {
		if ch.Status != order.StatusRouting {
			return fmt.Errorf("%w: re-entry must target %s", ErrIllegalTransition, order.StatusRouting)
		}
		return order.DefaultStateMachine.ValidateReentry(from)
	}
	return order.DefaultStateMachine.ValidateTransition(from, ch.Status)
}

// applyTo 把变更写入记录（调用方持锁/在事务内）
func (ch Change) applyTo(o *order.Order, now time.Time) {
	if ch.Status != "" {
		o.Status = ch.Status
	}
	if ch.ExecutionPrice != nil {
		p := *ch.ExecutionPrice
		o.ExecutionPrice = &p
	}
	if ch.TxHash != nil {
		h := *ch.TxHash
		o.TxHash = &h
	}
	o.Logs = append(o.Logs, ch.Logs...)
	o.UpdatedAt = now
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
