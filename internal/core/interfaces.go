package core

import (
	"keyer-service/internal/keyer"
	"keyer-service/internal/messaging"
	"keyer-service/internal/protocol"
	"keyer-service/internal/types"
)

// MessagingClient defines the interface for Redis messaging operations needed by KeyerSystem
type MessagingClient interface {
	SetCallbacks(callbacks messaging.Callbacks)
	Connect() error
	StartListening() error
	Close() error

	// State management
	PublishServiceState(state types.ServiceState) error
	PublishActivity(activity types.Activity) error

	// Keyer state
	PublishMode(mode keyer.Mode) error
	PublishSpeed(wpm int) error
	SetPaddleState(channel keyer.Channel, pressed bool) error

	// Decode events
	PublishDecoded(text string, wpm int) error

	// Settings
	GetHashField(hash, field string) (string, error)
	GetSetting(key string) (string, error)
}

// HardwareIO defines the interface for paddle I/O operations needed by KeyerSystem
type HardwareIO interface {
	Initialize() error
	Cleanup()
	SetHandler(handler protocol.Handler)
	SetKeyingLED(on bool) error
}

// FrameSource is an optional secondary key source that delivers framed
// transitions over a byte stream (a serial paddle controller).
type FrameSource interface {
	SetHandler(handler protocol.Handler)
	Start() error
	Stop()
}

// SpeedDial is an optional physical speed control such as a potentiometer.
type SpeedDial interface {
	SetCallback(cb func(wpm int) error)
	Start() error
	Stop()
}

// AudioGate defines the tone gate operations needed by KeyerSystem. It
// includes the keying surface the Keyer itself drives.
type AudioGate interface {
	keyer.ToneGate

	Init() error
	Retry() error
	Ready() bool
	SetVolume(v float64)
	SetFaultCallback(fn func(error))
	SetActivityCallback(fn func(on bool))
	Close()
}

// SidetoneTuner adjusts the sidetone pitch on the audio sink.
type SidetoneTuner interface {
	SetFrequency(hz int) error
}
