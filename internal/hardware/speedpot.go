package hardware

import (
	"fmt"
	"os"
	"sync"
	"time"

	"keyer-service/internal/keyer"
	"keyer-service/internal/logger"
)

type SpeedPotConfig struct {
	Device  string // IIO device name, e.g. "iio:device0"
	Channel int    // in_voltageN_raw channel index
	RawMax  int    // full-scale raw reading, zero selects the default
}

// SpeedPot polls an analog speed potentiometer through the IIO sysfs
// interface and reports the mapped words-per-minute value when it changes.
type SpeedPot struct {
	log *logger.Logger
	cfg SpeedPotConfig

	callbackLock sync.RWMutex
	callback     func(wpm int) error

	lock    sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

func NewSpeedPot(cfg SpeedPotConfig, log *logger.Logger) *SpeedPot {
	if cfg.RawMax <= 0 {
		cfg.RawMax = DefaultPotRawMax
	}
	return &SpeedPot{
		log:  log.WithTag("speedpot"),
		cfg:  cfg,
		stop: make(chan struct{}),
	}
}

// SetCallback must be called before Start.
func (s *SpeedPot) SetCallback(cb func(wpm int) error) {
	s.callbackLock.Lock()
	s.callback = cb
	s.callbackLock.Unlock()
}

func (s *SpeedPot) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return fmt.Errorf("speed pot already started")
	}

	raw, err := s.readRaw()
	if err != nil {
		return err
	}
	s.log.Infof("Speed pot on %s channel %d, initial raw=%d (%d WPM)",
		s.cfg.Device, s.cfg.Channel, raw, s.mapToWPM(raw))

	s.started = true
	s.wg.Add(1)
	go s.pollLoop(s.mapToWPM(raw))
	return nil
}

// pollLoop samples the pot and reports the mapped WPM once it has held the
// same value for two consecutive samples. ADC noise near a step boundary
// would otherwise flap between adjacent speeds.
func (s *SpeedPot) pollLoop(lastWPM int) {
	defer s.wg.Done()

	ticker := time.NewTicker(potPollInterval)
	defer ticker.Stop()

	pending := lastWPM
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			raw, err := s.readRaw()
			if err != nil {
				s.log.Warnf("Failed to read speed pot: %v", err)
				continue
			}
			wpm := s.mapToWPM(raw)
			if wpm == lastWPM {
				pending = lastWPM
				continue
			}
			if wpm != pending {
				pending = wpm
				continue
			}
			lastWPM = wpm
			s.report(wpm)
		}
	}
}

func (s *SpeedPot) report(wpm int) {
	s.callbackLock.RLock()
	cb := s.callback
	s.callbackLock.RUnlock()
	if cb == nil {
		return
	}
	s.log.Infof("Speed pot moved to %d WPM", wpm)
	if err := cb(wpm); err != nil {
		s.log.Warnf("Speed change rejected: %v", err)
	}
}

func (s *SpeedPot) readRaw() (int, error) {
	path := fmt.Sprintf("/sys/bus/iio/devices/%s/in_voltage%d_raw", s.cfg.Device, s.cfg.Channel)
	data, err := os.ReadFile(path)
	if err != nil {
		return -1, fmt.Errorf("failed reading %s: %w", path, err)
	}

	var value int
	if _, err := fmt.Sscanf(string(data), "%d", &value); err != nil {
		return -1, fmt.Errorf("failed parsing ADC value: %w", err)
	}
	return value, nil
}

// mapToWPM spreads the raw ADC range linearly across the supported speeds.
func (s *SpeedPot) mapToWPM(raw int) int {
	if raw < 0 {
		raw = 0
	}
	if raw > s.cfg.RawMax {
		raw = s.cfg.RawMax
	}
	span := keyer.MaxWPM - keyer.MinWPM
	return keyer.MinWPM + (raw*span+s.cfg.RawMax/2)/s.cfg.RawMax
}

func (s *SpeedPot) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.started {
		return
	}
	close(s.stop)
	s.wg.Wait()
	s.started = false
	s.log.Infof("Speed pot stopped")
}
