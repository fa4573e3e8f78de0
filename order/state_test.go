package order

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_ForwardSequence(t *testing.T) {
	sm := NewStateMachine()
	path := []Status{StatusPending, StatusRouting, StatusBuilding, StatusSubmitted, StatusConfirmed}
	for i := 0; i+1 < len(path); i++ {
		assert.NoError(t, sm.ValidateTransition(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
	}
}

func TestStateMachine_RejectsSkipsAndBackwards(t *testing.T) {
	sm := NewStateMachine()
	cases := []struct{ from, to Status }{
		{StatusPending, StatusBuilding},
		{StatusRouting, StatusSubmitted},
		{StatusBuilding, StatusRouting},
		{StatusSubmitted, StatusPending},
		{StatusConfirmed, StatusFailed},
		{StatusFailed, StatusConfirmed},
		{StatusRouting, StatusRouting},
	}
	for _, c := range cases {
		err := sm.ValidateTransition(c.from, c.to)
		assert.True(t, errors.Is(err, ErrIllegalTransition), "%s -> %s should be illegal", c.from, c.to)
	}
}

func TestStateMachine_FailFromAnyNonTerminal(t *testing.T) {
	sm := NewStateMachine()
	for _, s := range []Status{StatusPending, StatusRouting, StatusBuilding, StatusSubmitted} {
		assert.NoError(t, sm.ValidateTransition(s, StatusFailed))
	}
}

func TestStateMachine_Reentry(t *testing.T) {
	sm := NewStateMachine()
	for _, s := range []Status{StatusPending, StatusRouting, StatusBuilding, StatusSubmitted, StatusFailed} {
		assert.NoError(t, sm.ValidateReentry(s))
	}
	assert.ErrorIs(t, sm.ValidateReentry(StatusConfirmed), ErrIllegalTransition)
}

func TestStateMachine_AllowedFrom(t *testing.T) {
	sm := NewStateMachine()
	assert.Equal(t, []Status{StatusPending}, sm.AllowedFrom(StatusRouting, false))
	assert.Equal(t, []Status{StatusSubmitted}, sm.AllowedFrom(StatusConfirmed, false))
	assert.ElementsMatch(t,
		[]Status{StatusPending, StatusRouting, StatusBuilding, StatusSubmitted},
		sm.AllowedFrom(StatusFailed, false))
	assert.NotContains(t, sm.AllowedFrom(StatusRouting, true), StatusConfirmed)
	assert.Contains(t, sm.AllowedFrom(StatusRouting, true), StatusFailed)
}

func TestStateMachine_FinalStates(t *testing.T) {
	sm := NewStateMachine()
	assert.True(t, sm.IsFinalState(StatusConfirmed))
	assert.True(t, sm.IsFinalState(StatusFailed))
	assert.False(t, sm.IsFinalState(StatusSubmitted))
	assert.Equal(t, "未知状态", sm.Describe("NOPE"))
}

func TestParsePair(t *testing.T) {
	p, err := ParsePair("SOL-USDC")
	require.NoError(t, err)
	assert.Equal(t, "SOL", p.Base)
	assert.Equal(t, "USDC", p.Quote)
	assert.Equal(t, "SOL-USDC", p.String())

	for _, bad := range []string{"SOLUSDC", "SOL-", "-USDC", "A-B-C"} {
		_, err := ParsePair(bad)
		assert.ErrorIs(t, err, ErrInvalidPair, bad)
	}
}

func TestOrderClone(t *testing.T) {
	o := New("SOL-USDC", decimal.NewFromInt(10), DirectionBuy)
	price := decimal.RequireFromString("149.1978")
	o.ExecutionPrice = &price
	o.Logs = append(o.Logs, NewLogEntry("hello"))

	c := o.Clone()
	c.Logs[0].Message = "changed"
	*c.ExecutionPrice = decimal.Zero

	assert.Equal(t, "hello", o.Logs[0].Message)
	assert.True(t, o.ExecutionPrice.Equal(price))
	assert.Equal(t, StatusPending, o.Status)
	assert.NotEmpty(t, o.ID)
}
