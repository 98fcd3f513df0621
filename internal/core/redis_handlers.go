package core

import (
	"fmt"
	"strconv"
	"time"

	"github.com/librescoot/librefsm"

	"keyer-service/internal/fsm"
	"keyer-service/internal/keyer"
	"keyer-service/internal/protocol"
)

// handleKeyRequest handles paddle transitions injected over Redis
func (s *KeyerSystem) handleKeyRequest(channel keyer.Channel, pressed bool) error {
	s.logger.Debugf("Handling key request: %s=%v", channel, pressed)
	return s.handleKeyTransition(protocol.KeyTransition{
		Channel: channel,
		Pressed: pressed,
		At:      time.Now(),
	})
}

// handleModeRequest handles keyer mode change requests from Redis
func (s *KeyerSystem) handleModeRequest(mode keyer.Mode) error {
	s.logger.Debugf("Handling mode request: %s", mode)
	if err := s.keyer.SetMode(mode); err != nil {
		return err
	}
	return s.redis.PublishMode(mode)
}

// handleSpeedRequest handles keying speed change requests from Redis
func (s *KeyerSystem) handleSpeedRequest(wpm int) error {
	s.logger.Debugf("Handling speed request: %d WPM", wpm)
	if err := s.applySpeed(wpm); err != nil {
		return err
	}
	return s.redis.PublishSpeed(wpm)
}

// handleResetRequest clears key state, paddle memory and the tone gate
func (s *KeyerSystem) handleResetRequest() error {
	s.logger.Infof("Handling reset request")
	s.keyer.Reset()
	s.decoder.Reset()

	// Physical keys count as released until their next transition
	for _, channel := range []keyer.Channel{keyer.Dit, keyer.Dah} {
		if err := s.redis.SetPaddleState(channel, false); err != nil {
			s.logger.Warnf("Failed to publish paddle state: %v", err)
		}
	}

	if s.machine != nil {
		s.machine.Send(librefsm.Event{ID: fsm.EvKeyIdle})
	}
	return nil
}

// handleAudioRetryRequest triggers an immediate audio sink retry
func (s *KeyerSystem) handleAudioRetryRequest() error {
	if s.gate.Ready() {
		s.logger.Debugf("Audio retry requested but sink is ready")
		return nil
	}
	s.logger.Infof("Handling audio retry request")
	if s.machine != nil {
		s.machine.Send(librefsm.Event{ID: fsm.EvAudioRetryTick})
	}
	return nil
}

// handleSettingsUpdate handles changes to keyer settings
func (s *KeyerSystem) handleSettingsUpdate(key string) error {
	value, err := s.redis.GetSetting(key)
	if err != nil {
		return fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	if value == "" {
		// Setting was deleted; keep the current value
		return nil
	}
	return s.applySetting(key, value)
}

// applySetting applies one settings hash entry
func (s *KeyerSystem) applySetting(key, value string) error {
	switch key {
	case "keyer.speed-wpm":
		wpm, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid speed setting %q: %v", value, err)
		}
		if err := s.applySpeed(wpm); err != nil {
			return err
		}
		s.logger.Infof("Applied speed setting: %d WPM", wpm)
		return s.redis.PublishSpeed(wpm)

	case "keyer.sidetone-hz":
		hz, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid sidetone setting %q: %v", value, err)
		}
		if s.tuner == nil {
			s.logger.Debugf("No sidetone tuner attached, ignoring %s", key)
			return nil
		}
		if err := s.tuner.SetFrequency(hz); err != nil {
			return err
		}
		s.logger.Infof("Applied sidetone setting: %d Hz", hz)
		return nil

	case "keyer.volume":
		vol, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid volume setting %q: %v", value, err)
		}
		s.gate.SetVolume(vol)
		s.logger.Infof("Applied volume setting: %.2f", vol)
		return nil

	case "keyer.decode":
		switch value {
		case "on":
			s.decoder.SetEnabled(true)
		case "off":
			s.decoder.SetEnabled(false)
		default:
			return fmt.Errorf("invalid decode setting: %s", value)
		}
		s.logger.Infof("Applied decode setting: %s", value)
		return nil

	default:
		// Not a keyer setting
		return nil
	}
}
