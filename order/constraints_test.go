package order

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRequestValidate(t *testing.T) {
	ok := CreateRequest{Pair: "SOL-USDC", Amount: decimal.NewFromInt(10), Direction: DirectionBuy}
	assert.NoError(t, ok.Validate())

	tests := []struct {
		name  string
		req   CreateRequest
		field string
	}{
		{"交易对小写", CreateRequest{Pair: "sol-usdc", Amount: decimal.NewFromInt(1), Direction: DirectionBuy}, "pair"},
		{"交易对两边相同", CreateRequest{Pair: "SOL-SOL", Amount: decimal.NewFromInt(1), Direction: DirectionBuy}, "pair"},
		{"数量为零", CreateRequest{Pair: "SOL-USDC", Amount: decimal.Zero, Direction: DirectionBuy}, "amount"},
		{"数量为负", CreateRequest{Pair: "SOL-USDC", Amount: decimal.NewFromInt(-3), Direction: DirectionSell}, "amount"},
		{"方向非法", CreateRequest{Pair: "SOL-USDC", Amount: decimal.NewFromInt(1), Direction: "HOLD"}, "direction"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusRouting, StatusBuilding, StatusSubmitted, StatusConfirmed, StatusFailed} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, Status("").Valid())
	assert.False(t, Status("pending").Valid())
	assert.False(t, Status("CANCELED").Valid())
}

func TestDirectionValid(t *testing.T) {
	assert.True(t, DirectionBuy.Valid())
	assert.True(t, DirectionSell.Valid())
	assert.False(t, Direction("buy").Valid())
}
