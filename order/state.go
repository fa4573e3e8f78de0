package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status represents order lifecycle.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRouting   Status = "ROUTING"
	StatusBuilding  Status = "BUILDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// Valid 是否为已知状态
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRouting, StatusBuilding, StatusSubmitted, StatusConfirmed, StatusFailed:
		return true
	}
	return false
}

// Direction 买卖方向
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Valid 判断方向是否合法
func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

var ErrInvalidPair = errors.New("invalid trading pair")

// Pair 交易对，文本形式为 BASE-QUOTE（大写，连字符连接）。
type Pair struct {
	Base  string
	Quote string
}

// ParsePair 解析 "SOL-USDC" 形式的交易对。
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, fmt.Errorf("%w: %q", ErrInvalidPair, s)
	}
	return Pair{Base: parts[0], Quote: parts[1]}, nil
}

func (p Pair) String() string {
	return p.Base + "-" + p.Quote
}

// LogEntry 订单审计日志，追加后不可修改。
type LogEntry struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewLogEntry 以当前 UTC 时间生成日志条目
func NewLogEntry(msg string) LogEntry {
	return LogEntry{Message: msg, Timestamp: time.Now().UTC()}
}

// Order holds the persisted order record.
type Order struct {
	ID             string           `json:"id"`
	Pair           string           `json:"pair"`
	Amount         decimal.Decimal  `json:"amount"`
	Direction      Direction        `json:"direction"`
	Status         Status           `json:"status"`
	ExecutionPrice *decimal.Decimal `json:"executionPrice"`
	TxHash         *string          `json:"txHash"`
	Logs           []LogEntry       `json:"logs"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// New 创建 PENDING 状态、空日志的新订单。
func New(pair string, amount decimal.Decimal, dir Direction) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:        NewID(),
		Pair:      pair,
		Amount:    amount,
		Direction: dir,
		Status:    StatusPending,
		Logs:      []LogEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewID 生成全局唯一订单 ID。
func NewID() string {
	return uuid.NewString()
}

// Clone 深拷贝，存储层对外返回副本。
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if o.ExecutionPrice != nil {
		p := *o.ExecutionPrice
		c.ExecutionPrice = &p
	}
	if o.TxHash != nil {
		h := *o.TxHash
		c.TxHash = &h
	}
	c.Logs = make([]LogEntry, len(o.Logs))
	copy(c.Logs, o.Logs)
	return &c
}
