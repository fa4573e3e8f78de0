package queue

import (
	"encoding/json"
	"errors"
	"time"

	"order-engine-go/order"

	"github.com/shopspring/decimal"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrNotActive   = errors.New("job is not active")
	ErrClosed      = errors.New("queue closed")
	// ErrLockLost 租约已过期并被回收，或由其他持有者领取
	ErrLockLost = errors.New("job lock lost")
)

// State 任务状态
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateDead      State = "dead"
)

// Payload 队列消息，足以从头重建一次完整处理。
type Payload struct {
	OrderID   string          `json:"orderId"`
	Pair      string          `json:"pair"`
	Amount    decimal.Decimal `json:"amount"`
	Direction order.Direction `json:"direction"`
}

// MarshalJSON amount 输出为数字
func (p Payload) MarshalJSON() ([]byte, error) {
	type plain Payload
	return json.Marshal(struct {
		plain
		Amount json.Number `json:"amount"`
	}{
		plain:  plain(p),
		Amount: order.Number(p.Amount),
	})
}

// PayloadFor 由订单生成任务 payload
func PayloadFor(o *order.Order) Payload {
	return Payload{
		OrderID:   o.ID,
		Pair:      o.Pair,
		Amount:    o.Amount,
		Direction: o.Direction,
	}
}

// Job 队列中的一个任务，ID 即订单 ID（去重键）。
type Job struct {
	ID           string    `json:"id"`
	Payload      Payload   `json:"payload"`
	State        State     `json:"state"`
	AttemptsMade int       `json:"attemptsMade"`
	LastError    string    `json:"lastError,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	ProcessedAt  time.Time `json:"processedAt,omitempty"`
	FinishedAt   time.Time `json:"finishedAt,omitempty"`
	RunAt        time.Time `json:"runAt"`
	// Token 本次投递的租约令牌，Ack/Fail/续期时校验
	Token        string    `json:"-"`
	LockedUntil  time.Time `json:"lockedUntil,omitempty"`
}

// Retried 是否为重试投递
func (j *Job) Retried() bool {
	return j.AttemptsMade > 1
}

// Counts 各状态任务数
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Dead      int64 `json:"dead"`
}

// Outcome Fail 的结果
type Outcome int

const (
	OutcomeRetried Outcome = iota
	OutcomeDead
)

func (o Outcome) String() string {
	if o == OutcomeDead {
		return "dead"
	}
	return "retried"
}
