package core

import (
	"time"

	"github.com/librescoot/librefsm"

	"keyer-service/internal/decode"
	"keyer-service/internal/fsm"
	"keyer-service/internal/keyer"
	"keyer-service/internal/protocol"
	"keyer-service/internal/types"
)

// handleKeyTransition is the single ingest point for paddle transitions from
// GPIO, serial and Redis sources.
func (s *KeyerSystem) handleKeyTransition(t protocol.KeyTransition) error {
	s.logger.Debugf("Key %s => %v", t.Channel, t.Pressed)

	if err := s.keyer.HandleTransition(t.Channel, t.Pressed, t.At); err != nil {
		return err
	}

	if err := s.redis.SetPaddleState(t.Channel, t.Pressed); err != nil {
		s.logger.Warnf("Failed to publish paddle state: %v", err)
	}

	s.touchActivity()
	return nil
}

// touchActivity marks the keyer as active and re-arms the idle timer. Called
// on every paddle transition, so the key-idle event only fires after a full
// quiet interval.
func (s *KeyerSystem) touchActivity() {
	if s.machine == nil {
		return
	}
	s.machine.Send(librefsm.Event{ID: fsm.EvKeyActivity})
	s.machine.StartTimer(fsm.TimerKeyIdle, fsm.KeyIdleTimeout, librefsm.Event{ID: fsm.EvKeyIdle})
}

// handleElement receives committed iambic elements from the keyer
func (s *KeyerSystem) handleElement(el keyer.Element) {
	s.logger.Debugf("Element: %s", el)
	s.decoder.Element(el)
}

// handleStraightKey receives straight-key level changes from the keyer
func (s *KeyerSystem) handleStraightKey(on bool, at time.Time) {
	s.decoder.Key(on, at)
}

// handleDecoded publishes decoder output to the decode event stream
func (s *KeyerSystem) handleDecoded(out decode.Output) {
	if err := s.redis.PublishDecoded(out.Text, out.WPM); err != nil {
		s.logger.Warnf("Failed to publish decoded text: %v", err)
	}
}

// handleToneActivity mirrors sidetone activity onto the keying LED
func (s *KeyerSystem) handleToneActivity(on bool) {
	if err := s.io.SetKeyingLED(on); err != nil {
		s.logger.Warnf("Failed to set keying LED: %v", err)
	}
}

// handleAudioFault reacts to a sink failure reported by the tone gate
func (s *KeyerSystem) handleAudioFault(err error) {
	s.logger.Errorf("Audio sink fault: %v", err)
	if s.machine != nil {
		s.machine.Send(librefsm.Event{ID: fsm.EvAudioError})
	}
}

// getCurrentState returns the current state (thread-safe) using FSM
func (s *KeyerSystem) getCurrentState() types.ServiceState {
	if s.machine != nil {
		return stateIDToServiceState(s.machine.CurrentState())
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
