package order

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

var pairPattern = regexp.MustCompile(`^[A-Z]+-[A-Z]+$`)

// CreateRequest 下单请求（HTTP 层解析后的形式）。
type CreateRequest struct {
	Pair      string          `json:"pair"`
	Amount    decimal.Decimal `json:"amount"`
	Direction Direction       `json:"direction"`
}

// ValidationError 记录第一个不合法的字段
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate 检查交易对格式、数量与方向。
func (r CreateRequest) Validate() error {
	if !pairPattern.MatchString(r.Pair) {
		return &ValidationError{Field: "pair", Reason: "must be in format TOKEN-TOKEN (e.g., SOL-USDC)"}
	}
	p, _ := ParsePair(r.Pair)
	if p.Base == p.Quote {
		return &ValidationError{Field: "pair", Reason: "tokens must be different"}
	}
	if !r.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if !r.Direction.Valid() {
		return &ValidationError{Field: "direction", Reason: "must be BUY or SELL"}
	}
	return nil
}
