package consensus

import "fmt"

// validTransitions 定义合法的处理状态转换
var validTransitions = map[ProcessingState][]ProcessingState{
	StateReceived:      {StateDetecting, StateTimedOut},
	StateDetecting:     {StateNoConflict, StateConflictFound, StateTimedOut},
	StateNoConflict:    {StateDone},
	StateConflictFound: {StateResolving},
	StateResolving:     {StateResolved, StateFailed},
}

// CanTransition 检查状态转换是否合法
func CanTransition(from, to ProcessingState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition 非法状态转换错误
type ErrInvalidTransition struct {
	From ProcessingState
	To   ProcessingState
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// stateTracker 记录单个请求的状态路径
type stateTracker struct {
	current ProcessingState
	path    []ProcessingState
}

func newStateTracker() *stateTracker {
	return &stateTracker{current: StateReceived, path: []ProcessingState{StateReceived}}
}

func (t *stateTracker) transition(to ProcessingState) error {
	if !CanTransition(t.current, to) {
		return ErrInvalidTransition{From: t.current, To: to}
	}
	t.current = to
	t.path = append(t.path, to)
	return nil
}

func (t *stateTracker) terminal() bool {
	_, ok := validTransitions[t.current]
	return !ok
}
