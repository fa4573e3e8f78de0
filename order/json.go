package order

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Number 金额/价格在对外 JSON 中的数字形式
func Number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

// NumberPtr nil 保持为 nil
func NumberPtr(d *decimal.Decimal) *json.Number {
	if d == nil {
		return nil
	}
	n := Number(*d)
	return &n
}

// MarshalJSON amount 与 executionPrice 输出为数字；解码时 decimal 同时接受数字和字符串
func (o Order) MarshalJSON() ([]byte, error) {
	type plain Order
	return json.Marshal(struct {
		plain
		Amount         json.Number  `json:"amount"`
		ExecutionPrice *json.Number `json:"executionPrice"`
	}{
		plain:          plain(o),
		Amount:         Number(o.Amount),
		ExecutionPrice: NumberPtr(o.ExecutionPrice),
	})
}
