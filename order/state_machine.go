package order

import (
	"errors"
	"fmt"
)

var ErrIllegalTransition = errors.New("illegal state transition")

// sequence 固定的前进顺序，不允许跳过
var sequence = []Status{
	StatusPending,
	StatusRouting,
	StatusBuilding,
	StatusSubmitted,
	StatusConfirmed,
}

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 订单状态机
//
// 合法转换只有两类：按顺序前进一步，或者从任意非终态进入 FAILED。
// 重试的 attempt 总是从 ROUTING 重新开始（见 ValidateReentry）。
type StateMachine struct {
	transitions map[StateTransition]bool
}

// DefaultStateMachine 无状态，可在各 goroutine 间共享
var DefaultStateMachine = NewStateMachine()

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
	}
	sm.initializeTransitions()
	return sm
}

// initializeTransitions 初始化所有合法的状态转换
func (sm *StateMachine) initializeTransitions() {
	for i := 0; i+1 < len(sequence); i++ {
		sm.transitions[StateTransition{sequence[i], sequence[i+1]}] = true
	}
	// CONFIRMED 是终态，其余都可以失败
	for _, s := range sequence[:len(sequence)-1] {
		sm.transitions[StateTransition{s, StatusFailed}] = true
	}
}

// ValidateTransition 验证前进转换是否合法
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	if !sm.transitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// ValidateReentry 重试时回到 ROUTING；只有 CONFIRMED 不允许。
func (sm *StateMachine) ValidateReentry(from Status) error {
	if from == StatusConfirmed || !known(from) {
		return fmt.Errorf("%w: %s -> %s (retry)", ErrIllegalTransition, from, StatusRouting)
	}
	return nil
}

// AllowedFrom 返回可以转换到 to 的所有前驱状态。
func (sm *StateMachine) AllowedFrom(to Status, reentry bool) []Status {
	if reentry && to == StatusRouting {
		return []Status{StatusPending, StatusRouting, StatusBuilding, StatusSubmitted, StatusFailed}
	}
	from := make([]Status, 0, len(sequence))
	for _, s := range append(sequence, StatusFailed) {
		if sm.transitions[StateTransition{s, to}] {
			from = append(from, s)
		}
	}
	return from
}

// IsFinalState 判断是否是终态
func (sm *StateMachine) IsFinalState(status Status) bool {
	return status == StatusConfirmed || status == StatusFailed
}

// Describe 获取状态描述
func (sm *StateMachine) Describe(status Status) string {
	descriptions := map[Status]string{
		StatusPending:   "订单已接收，等待处理",
		StatusRouting:   "询价路由中",
		StatusBuilding:  "构建交易中",
		StatusSubmitted: "交易已提交",
		StatusConfirmed: "交易已确认",
		StatusFailed:    "订单失败",
	}
	if desc, ok := descriptions[status]; ok {
		return desc
	}
	return "未知状态"
}

func known(s Status) bool {
	return s.Valid()
}
