package core

import (
	"context"

	"github.com/librescoot/librefsm"

	"keyer-service/internal/fsm"
	"keyer-service/internal/types"
)

// Ensure KeyerSystem implements fsm.Actions
var _ fsm.Actions = (*KeyerSystem)(nil)

// stateIDToServiceState converts librefsm StateID to types.ServiceState
func stateIDToServiceState(id librefsm.StateID) types.ServiceState {
	switch id {
	case fsm.StateInit:
		return types.StateInit
	case fsm.StateReady, fsm.StateIdle, fsm.StateKeying:
		return types.StateReady
	case fsm.StateAudioFault:
		return types.StateAudioFault
	case fsm.StateAudioRetrying:
		return types.StateAudioRetrying
	case fsm.StateShuttingDown:
		return types.StateShuttingDown
	default:
		return types.ServiceState(string(id))
	}
}

// initFSM initializes and starts the librefsm machine
func (s *KeyerSystem) initFSM(ctx context.Context) error {
	def := fsm.NewDefinition(s)
	machine, err := def.Build()
	if err != nil {
		return err
	}
	s.machine = machine

	// Sync the state field and publish service-level state changes. The
	// idle/keying substates map to the same service state and are reported
	// through the activity field instead.
	s.machine.OnStateChange(func(from, to librefsm.StateID) {
		newState := stateIDToServiceState(to)
		oldState := stateIDToServiceState(from)

		s.mu.Lock()
		s.state = newState
		s.mu.Unlock()

		if newState == oldState {
			return
		}

		s.logger.Infof("State transition: %s -> %s", oldState, newState)

		if err := s.redis.PublishServiceState(newState); err != nil {
			s.logger.Errorf("Failed to publish state: %v", err)
		}
	})

	if err := s.machine.Start(ctx); err != nil {
		return err
	}

	s.logger.Infof("librefsm state machine started")
	return nil
}

// sendEvent sends an event to the FSM
func (s *KeyerSystem) sendEvent(event librefsm.EventID) error {
	return s.machine.SendSync(librefsm.Event{ID: event})
}

// === State Entry Actions ===

func (s *KeyerSystem) EnterReady(c *librefsm.Context) error {
	s.logger.Debugf("FSM: EnterReady (parent state)")
	return nil
}

func (s *KeyerSystem) EnterIdle(c *librefsm.Context) error {
	s.logger.Debugf("FSM: EnterIdle")
	if err := s.redis.PublishActivity(types.ActivityIdle); err != nil {
		s.logger.Warnf("Failed to publish activity: %v", err)
	}
	return nil
}

func (s *KeyerSystem) EnterKeying(c *librefsm.Context) error {
	s.logger.Debugf("FSM: EnterKeying")
	if err := s.redis.PublishActivity(types.ActivityKeying); err != nil {
		s.logger.Warnf("Failed to publish activity: %v", err)
	}
	return nil
}

func (s *KeyerSystem) EnterAudioFault(c *librefsm.Context) error {
	prevState := stateIDToServiceState(c.FromState)
	s.logger.Warnf("FSM: EnterAudioFault from %s - sidetone muted, keying continues", prevState)
	return nil
}

func (s *KeyerSystem) EnterAudioRetrying(c *librefsm.Context) error {
	s.logger.Infof("FSM: EnterAudioRetrying")

	// Probe the sink off the FSM goroutine and report the outcome as an event
	go func() {
		if err := s.gate.Retry(); err != nil {
			s.logger.Warnf("Audio sink retry failed: %v", err)
			s.machine.Send(librefsm.Event{ID: fsm.EvAudioError})
			return
		}
		s.logger.Infof("Audio sink recovered")
		s.machine.Send(librefsm.Event{ID: fsm.EvAudioReady})
	}()

	return nil
}

func (s *KeyerSystem) EnterShuttingDown(c *librefsm.Context) error {
	s.logger.Debugf("FSM: EnterShuttingDown")
	s.keyer.Reset()
	s.decoder.Reset()
	return nil
}

// === Guards ===

func (s *KeyerSystem) IsKeyerQuiescent(c *librefsm.Context) bool {
	return !s.keyer.Active()
}
