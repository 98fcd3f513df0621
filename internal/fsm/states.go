package fsm

import "github.com/librescoot/librefsm"

// Keyer service states
const (
	StateInit          librefsm.StateID = "init"
	StateShuttingDown  librefsm.StateID = "shutting-down"
	StateAudioFault    librefsm.StateID = "audio-fault"
	StateAudioRetrying librefsm.StateID = "audio-retrying"

	// Ready parent state and substates (hierarchical)
	StateReady  librefsm.StateID = "ready"
	StateIdle   librefsm.StateID = "idle"
	StateKeying librefsm.StateID = "keying"
)

// Keyer service events
const (
	// Audio sink lifecycle
	EvAudioReady     librefsm.EventID = "audio-ready"
	EvAudioError     librefsm.EventID = "audio-error"
	EvAudioRetryTick librefsm.EventID = "audio-retry"

	// Key activity
	EvKeyActivity librefsm.EventID = "key-activity"
	EvKeyIdle     librefsm.EventID = "key-idle"

	// Shutdown
	EvStop librefsm.EventID = "stop"
)

// Timer names for imperative timers
const (
	TimerKeyIdle = "key-idle"
)
