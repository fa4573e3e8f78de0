package order

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNoQuotes = errors.New("no quotes to select from")

// Quote 单个流动性来源的报价，仅在一次 attempt 内使用。
type Quote struct {
	Source    string          `json:"source"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	Timestamp time.Time       `json:"timestamp"`
}

// EffectivePrice 含手续费价格 = price × (1 + fee)
func (q Quote) EffectivePrice() decimal.Decimal {
	return q.Price.Mul(decimal.NewFromInt(1).Add(q.Fee))
}

// Settlement 执行结果
type Settlement struct {
	TxHash        string          `json:"txHash"`
	ExecutedPrice decimal.Decimal `json:"executedPrice"`
	ExecutedAt    time.Time       `json:"executedAt"`
	Source        string          `json:"source"`
}

// SelectBest 买单取最低价，卖单取最高价；价格相同保留先出现的报价。
func SelectBest(quotes []Quote, dir Direction) (Quote, error) {
	if len(quotes) == 0 {
		return Quote{}, ErrNoQuotes
	}
	best := quotes[0]
	for _, q := range quotes[1:] {
		switch dir {
		case DirectionBuy:
			if q.Price.LessThan(best.Price) {
				best = q
			}
		case DirectionSell:
			if q.Price.GreaterThan(best.Price) {
				best = q
			}
		default:
			return Quote{}, errors.New("unknown direction " + string(dir))
		}
	}
	return best, nil
}
