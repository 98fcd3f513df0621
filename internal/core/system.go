// File: internal/core/system.go
package core

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/librescoot/librefsm"

	"keyer-service/internal/decode"
	"keyer-service/internal/fsm"
	"keyer-service/internal/keyer"
	"keyer-service/internal/logger"
	"keyer-service/internal/messaging"
	"keyer-service/internal/types"
)

type KeyerSystem struct {
	logger *logger.Logger
	io     HardwareIO
	redis  MessagingClient
	gate   AudioGate
	serial FrameSource
	tuner  SidetoneTuner
	pot    SpeedDial

	keyer   *keyer.Keyer
	decoder *decode.Decoder
	machine *librefsm.Machine

	mu          sync.RWMutex
	state       types.ServiceState
	wpm         int
	initialized bool
}

func NewKeyerSystem(io HardwareIO, redis MessagingClient, gate AudioGate, l *logger.Logger) (*KeyerSystem, error) {
	k, err := keyer.New(gate, l)
	if err != nil {
		return nil, err
	}

	s := &KeyerSystem{
		logger:  l,
		io:      io,
		redis:   redis,
		gate:    gate,
		keyer:   k,
		decoder: decode.New(l),
		state:   types.StateInit,
		wpm:     keyer.DefaultWPM,
	}

	k.SetCallbacks(keyer.Callbacks{
		Element: s.handleElement,
		Key:     s.handleStraightKey,
	})
	s.decoder.SetCallback(s.handleDecoded)
	gate.SetFaultCallback(s.handleAudioFault)
	gate.SetActivityCallback(s.handleToneActivity)
	io.SetHandler(s.handleKeyTransition)

	return s, nil
}

// SetFrameSource attaches an optional serial key source. Must be called
// before Start.
func (s *KeyerSystem) SetFrameSource(src FrameSource) {
	s.serial = src
	src.SetHandler(s.handleKeyTransition)
}

// SetSidetoneTuner attaches the sidetone pitch control. Must be called
// before Start.
func (s *KeyerSystem) SetSidetoneTuner(t SidetoneTuner) {
	s.tuner = t
}

// SetSpeedDial attaches an optional physical speed control. Must be called
// before Start.
func (s *KeyerSystem) SetSpeedDial(d SpeedDial) {
	s.pot = d
	d.SetCallback(s.handleSpeedRequest)
}

func (s *KeyerSystem) Start() error {
	s.logger.Infof("Starting keyer system")

	s.redis.SetCallbacks(messaging.Callbacks{
		KeyCallback:        s.handleKeyRequest,
		ModeCallback:       s.handleModeRequest,
		SpeedCallback:      s.handleSpeedRequest,
		ResetCallback:      s.handleResetRequest,
		AudioRetryCallback: s.handleAudioRetryRequest,
		SettingsCallback:   s.handleSettingsUpdate,
	})

	if err := s.redis.Connect(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// Settings first, then persisted keyer state so the last published
	// mode and speed win over configured defaults
	s.loadSettings()
	s.restoreKeyerState()

	// The FSM must be running before the first paddle edge can arrive
	if err := s.initFSM(context.Background()); err != nil {
		return fmt.Errorf("failed to start state machine: %w", err)
	}

	if err := s.io.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize hardware: %w", err)
	}

	if s.serial != nil {
		if err := s.serial.Start(); err != nil {
			s.logger.Warnf("Serial key source unavailable: %v", err)
		}
	}

	if s.pot != nil {
		if err := s.pot.Start(); err != nil {
			s.logger.Warnf("Speed pot unavailable: %v", err)
		}
	}

	// Probe the audio sink; the FSM decides between ready and audio-fault
	if err := s.gate.Init(); err != nil {
		s.logger.Warnf("Audio sink not ready at startup: %v", err)
		if err := s.sendEvent(fsm.EvAudioError); err != nil {
			s.logger.Errorf("Failed to enter audio-fault state: %v", err)
		}
	} else {
		if err := s.sendEvent(fsm.EvAudioReady); err != nil {
			s.logger.Errorf("Failed to enter ready state: %v", err)
		}
	}

	s.mu.Lock()
	s.initialized = true
	wpm := s.wpm
	s.mu.Unlock()

	if err := s.redis.PublishMode(s.keyer.Mode()); err != nil {
		s.logger.Warnf("Failed to publish initial mode: %v", err)
	}
	if err := s.redis.PublishSpeed(wpm); err != nil {
		s.logger.Warnf("Failed to publish initial speed: %v", err)
	}

	// Start Redis listeners now that everything is initialized
	if err := s.redis.StartListening(); err != nil {
		return fmt.Errorf("failed to start Redis listeners: %w", err)
	}

	s.logger.Infof("System started successfully")
	return nil
}

// loadSettings applies the shared settings hash at startup
func (s *KeyerSystem) loadSettings() {
	for _, key := range []string{
		"keyer.speed-wpm",
		"keyer.sidetone-hz",
		"keyer.volume",
		"keyer.decode",
	} {
		value, err := s.redis.GetSetting(key)
		if err != nil {
			s.logger.Warnf("Failed to read setting %s: %v", key, err)
			continue
		}
		if value == "" {
			continue
		}
		if err := s.applySetting(key, value); err != nil {
			s.logger.Warnf("Ignoring setting %s=%q: %v", key, value, err)
		}
	}
}

// restoreKeyerState restores the mode and speed persisted in the keyer hash
func (s *KeyerSystem) restoreKeyerState() {
	if modeStr, err := s.redis.GetHashField("keyer", "mode"); err != nil {
		s.logger.Warnf("Failed to read saved mode: %v", err)
	} else if modeStr != "" {
		mode, err := keyer.ParseMode(modeStr)
		if err != nil {
			s.logger.Warnf("Ignoring saved mode: %v", err)
		} else if err := s.keyer.SetMode(mode); err != nil {
			s.logger.Warnf("Failed to restore mode: %v", err)
		} else {
			s.logger.Infof("Restored keyer mode: %s", mode)
		}
	}

	if speedStr, err := s.redis.GetHashField("keyer", "speed-wpm"); err != nil {
		s.logger.Warnf("Failed to read saved speed: %v", err)
	} else if speedStr != "" {
		wpm, err := strconv.Atoi(speedStr)
		if err != nil {
			s.logger.Warnf("Ignoring saved speed %q: %v", speedStr, err)
		} else if err := s.applySpeed(wpm); err != nil {
			s.logger.Warnf("Failed to restore speed: %v", err)
		} else {
			s.logger.Infof("Restored keyer speed: %d WPM", wpm)
		}
	}
}

// applySpeed updates the keyer and decoder timing together
func (s *KeyerSystem) applySpeed(wpm int) error {
	if err := s.keyer.SetSpeed(wpm); err != nil {
		return err
	}
	s.decoder.SetDitDuration(keyer.DitDurationForWPM(wpm))
	s.mu.Lock()
	s.wpm = wpm
	s.mu.Unlock()
	return nil
}

func (s *KeyerSystem) Shutdown() {
	s.logger.Infof("Shutting down keyer system")

	if s.machine != nil {
		if err := s.sendEvent(fsm.EvStop); err != nil {
			s.logger.Warnf("Failed to enter shutdown state: %v", err)
		}
	}
	if s.serial != nil {
		s.serial.Stop()
	}
	if s.pot != nil {
		s.pot.Stop()
	}
	s.gate.Close()
	if s.redis != nil {
		s.redis.Close()
	}
	if s.io != nil {
		s.io.Cleanup()
	}
}
