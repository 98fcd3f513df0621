package fsm

import "github.com/librescoot/librefsm"

// Actions defines the interface for keyer state machine actions.
// KeyerSystem implements this interface to handle state entry
// and provide guards for conditional transitions.
type Actions interface {
	// State entry actions
	EnterReady(c *librefsm.Context) error
	EnterIdle(c *librefsm.Context) error
	EnterKeying(c *librefsm.Context) error
	EnterAudioFault(c *librefsm.Context) error
	EnterAudioRetrying(c *librefsm.Context) error
	EnterShuttingDown(c *librefsm.Context) error

	// Guards for conditional transitions
	IsKeyerQuiescent(c *librefsm.Context) bool // True when no key is held and no element is playing
}
