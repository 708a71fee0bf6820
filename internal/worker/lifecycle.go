package worker

import (
	"errors"
	"fmt"
)

// State 是 worker 版本的生命周期状态。
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Event 驱动状态迁移。
type Event string

const (
	EventInstalled     Event = "installed"
	EventInstallFailed Event = "install_failed"
	EventActivate      Event = "activate"
	EventActivated     Event = "activated"
	EventReplaced      Event = "replaced"
)

// ErrInvalidTransition 表示当前状态不接受该事件。
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

var transitions = map[State]map[Event]State{
	StateInstalling: {
		EventInstalled:     StateInstalled,
		EventInstallFailed: StateRedundant,
	},
	StateInstalled: {
		EventActivate: StateActivating,
		EventReplaced: StateRedundant,
	},
	StateActivating: {
		EventActivated: StateActivated,
		EventReplaced:  StateRedundant,
	},
	StateActivated: {
		EventReplaced: StateRedundant,
	},
}

// Transition 计算 (state, event) 的下一个状态。redundant 是终态。
func Transition(state State, event Event) (State, error) {
	if next, ok := transitions[state][event]; ok {
		return next, nil
	}
	return state, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, state)
}
