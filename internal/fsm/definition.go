package fsm

import (
	"time"

	"github.com/librescoot/librefsm"
)

// Timing constants
const (
	AudioRetryInterval = 5 * time.Second
	KeyIdleTimeout     = 2 * time.Second
)

// NewDefinition creates the keyer FSM definition.
// The actions parameter provides the implementation for state entry
// actions and guards.
func NewDefinition(actions Actions) *librefsm.Definition {
	return librefsm.NewDefinition().
		// Basic states
		State(StateInit).
		State(StateShuttingDown,
			librefsm.WithOnEnter(actions.EnterShuttingDown),
		).

		// Audio fault states; the fault state retries on a fixed interval
		State(StateAudioFault,
			librefsm.WithOnEnter(actions.EnterAudioFault),
			librefsm.WithTimeout(AudioRetryInterval, EvAudioRetryTick),
		).
		State(StateAudioRetrying,
			librefsm.WithOnEnter(actions.EnterAudioRetrying),
		).

		// Ready parent state (for shared behavior)
		State(StateReady,
			librefsm.WithOnEnter(actions.EnterReady),
		).

		// Ready substates (hierarchical)
		State(StateIdle,
			librefsm.WithParent(StateReady),
			librefsm.WithOnEnter(actions.EnterIdle),
		).
		State(StateKeying,
			librefsm.WithParent(StateReady),
			librefsm.WithOnEnter(actions.EnterKeying),
		).

		// === Transitions ===

		// From Init - audio sink probe decides the first real state
		Transition(StateInit, EvAudioReady, StateIdle).
		Transition(StateInit, EvAudioError, StateAudioFault).

		// Between Idle and Keying. The key-idle timer is re-armed on every
		// paddle transition, so the guard only has to reject the case where
		// a key is still held with no edges arriving.
		Transition(StateIdle, EvKeyActivity, StateKeying).
		Transition(StateKeying, EvKeyIdle, StateIdle,
			librefsm.WithGuard(actions.IsKeyerQuiescent),
		).

		// Audio faults can strike from any ready substate (handled by parent)
		Transition(StateReady, EvAudioError, StateAudioFault).
		Transition(StateAudioFault, EvAudioRetryTick, StateAudioRetrying).
		Transition(StateAudioRetrying, EvAudioReady, StateIdle).
		Transition(StateAudioRetrying, EvAudioError, StateAudioFault).

		// Shutdown from anywhere
		Transition(StateInit, EvStop, StateShuttingDown).
		Transition(StateReady, EvStop, StateShuttingDown).
		Transition(StateAudioFault, EvStop, StateShuttingDown).
		Transition(StateAudioRetrying, EvStop, StateShuttingDown).

		// Initial state
		Initial(StateInit)
}
