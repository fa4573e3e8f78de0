package engine

import (
	"context"

	"order-engine-go/order"

	"github.com/shopspring/decimal"
)

// Provider 报价与执行能力。两个方法都可能耗时较长或失败；
// 任何错误都按本次 attempt 失败处理，交给队列的重试策略。
type Provider interface {
	// Sources 可询价的流动性来源，至少一个
	Sources() []string
	Quote(ctx context.Context, source, pair string, amount decimal.Decimal) (order.Quote, error)
	// Execute 在指定来源成交；返回的成交价可能带滑点，按原样接受
	Execute(ctx context.Context, source, pair string, amount, expectedPrice decimal.Decimal) (order.Settlement, error)
}
