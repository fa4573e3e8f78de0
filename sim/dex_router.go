package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"order-engine-go/order"

	"github.com/shopspring/decimal"
)

const (
	SourceRaydium = "Raydium"
	SourceMeteora = "Meteora"
)

var ErrUnknownSource = errors.New("unknown liquidity source")

// venue 单个流动性来源的报价参数
type venue struct {
	name        string
	varianceMin float64 // 价格 = base × [min, min+span)
	varianceMax float64
	fee         decimal.Decimal
}

var venues = []venue{
	{name: SourceRaydium, varianceMin: 0.98, varianceMax: 1.02, fee: decimal.RequireFromString("0.003")},
	{name: SourceMeteora, varianceMin: 0.97, varianceMax: 1.02, fee: decimal.RequireFromString("0.002")},
}

// DexConfig 模拟路由参数
type DexConfig struct {
	BasePrice    decimal.Decimal
	QuoteLatency time.Duration
	ExecMin      time.Duration // 执行确认耗时下限
	ExecMax      time.Duration
	Slippage     float64 // 执行价在 expected × (1 ± Slippage) 之间
	Seed         int64   // 0 表示使用当前时间
}

// DefaultDexConfig 返回默认参数：基准价 150，报价 200ms，执行 2-3s，滑点 ±0.1%
func DefaultDexConfig() DexConfig {
	return DexConfig{
		BasePrice:    decimal.NewFromInt(150),
		QuoteLatency: 200 * time.Millisecond,
		ExecMin:      2 * time.Second,
		ExecMax:      3 * time.Second,
		Slippage:     0.001,
	}
}

// DexRouter 模拟 Raydium / Meteora 两个流动性来源，带延迟与随机价格。
// 不连接任何真实网络。
type DexRouter struct {
	cfg DexConfig

	mu        sync.Mutex
	rng       *rand.Rand
	basePrice decimal.Decimal
}

// NewDexRouter 创建模拟路由
func NewDexRouter(cfg DexConfig) *DexRouter {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.BasePrice.IsZero() {
		cfg.BasePrice = decimal.NewFromInt(150)
	}
	if cfg.ExecMax < cfg.ExecMin {
		cfg.ExecMax = cfg.ExecMin
	}
	return &DexRouter{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(seed)),
		basePrice: cfg.BasePrice,
	}
}

// Sources 报价来源，顺序固定
func (r *DexRouter) Sources() []string {
	out := make([]string, len(venues))
	for i, v := range venues {
		out[i] = v.name
	}
	return out
}

// SetBasePrice 调整基准价（模拟行情变化）
func (r *DexRouter) SetBasePrice(p decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.basePrice = p
}

func (r *DexRouter) float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// Quote 返回某个来源的报价，价格保留 4 位小数
func (r *DexRouter) Quote(ctx context.Context, source, pair string, amount decimal.Decimal) (order.Quote, error) {
	v, ok := lookup(source)
	if !ok {
		return order.Quote{}, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	if err := sleep(ctx, r.cfg.QuoteLatency); err != nil {
		return order.Quote{}, err
	}

	variance := v.varianceMin + r.float64()*(v.varianceMax-v.varianceMin)
	r.mu.Lock()
	base := r.basePrice
	r.mu.Unlock()

	return order.Quote{
		Source:    v.name,
		Price:     base.Mul(decimal.NewFromFloat(variance)).Round(4),
		Fee:       v.fee,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Execute 模拟链上确认，执行价带随机滑点
func (r *DexRouter) Execute(ctx context.Context, source, pair string, amount, expectedPrice decimal.Decimal) (order.Settlement, error) {
	v, ok := lookup(source)
	if !ok {
		return order.Settlement{}, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}

	delay := r.cfg.ExecMin
	if span := r.cfg.ExecMax - r.cfg.ExecMin; span > 0 {
		delay += time.Duration(r.float64() * float64(span))
	}
	if err := sleep(ctx, delay); err != nil {
		return order.Settlement{}, err
	}

	slip := 1 - r.cfg.Slippage + r.float64()*2*r.cfg.Slippage
	return order.Settlement{
		TxHash:        r.txHash(),
		ExecutedPrice: expectedPrice.Mul(decimal.NewFromFloat(slip)).Round(4),
		ExecutedAt:    time.Now().UTC(),
		Source:        v.name,
	}, nil
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// txHash 88 位 base58 字符串，形如 Solana 交易签名
func (r *DexRouter) txHash() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	b.Grow(88)
	for i := 0; i < 88; i++ {
		b.WriteByte(base58Alphabet[r.rng.Intn(len(base58Alphabet))])
	}
	return b.String()
}

func lookup(source string) (venue, bool) {
	for _, v := range venues {
		if v.name == source {
			return v, true
		}
	}
	return venue{}, false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
