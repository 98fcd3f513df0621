package hardware

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"

	"keyer-service/internal/keyer"
	"keyer-service/internal/logger"
	"keyer-service/internal/protocol"
)

// SerialInput reads newline-delimited key frames from an external paddle
// controller on a serial device. Lines that do not parse as frames (boot
// banners, debug output) are dropped.
type SerialInput struct {
	log    *logger.Logger
	device string

	handlerLock sync.RWMutex
	handler     protocol.Handler

	lock    sync.Mutex
	file    *os.File
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

func NewSerialInput(device string, log *logger.Logger) *SerialInput {
	return &SerialInput{
		log:    log.WithTag("serial"),
		device: device,
	}
}

// SetHandler registers the key transition callback. Must be called before
// Start.
func (s *SerialInput) SetHandler(h protocol.Handler) {
	s.handlerLock.Lock()
	defer s.handlerLock.Unlock()
	s.handler = h
}

func (s *SerialInput) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.started {
		return fmt.Errorf("serial input already started")
	}
	file, err := os.OpenFile(s.device, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open serial device %s: %w", s.device, err)
	}

	s.file = file
	s.stop = make(chan struct{})
	s.started = true
	s.wg.Add(1)
	go s.readLoop()
	s.log.Infof("Reading key frames from %s", s.device)
	return nil
}

func (s *SerialInput) readLoop() {
	defer s.wg.Done()

	scanner := bufio.NewScanner(s.file)
	for scanner.Scan() {
		select {
		case <-s.stop:
			return
		default:
		}

		line := scanner.Text()
		transition, err := protocol.ParseFrame(line)
		if err != nil {
			s.log.Debugf("Ignoring serial line %q: %v", line, err)
			continue
		}
		s.forward(transition)
	}

	select {
	case <-s.stop:
		return
	default:
	}

	if err := scanner.Err(); err != nil {
		s.log.Warnf("Serial read failed: %v", err)
	} else {
		s.log.Warnf("Serial device %s closed", s.device)
	}

	// The controller may have died mid-press. Release both channels so the
	// keyer cannot latch a held key forever.
	now := time.Now()
	s.forward(protocol.KeyTransition{Channel: keyer.Dit, Pressed: false, At: now})
	s.forward(protocol.KeyTransition{Channel: keyer.Dah, Pressed: false, At: now})
}

func (s *SerialInput) forward(transition protocol.KeyTransition) {
	s.handlerLock.RLock()
	handler := s.handler
	s.handlerLock.RUnlock()

	if handler == nil {
		return
	}
	if err := handler(transition); err != nil {
		s.log.Warnf("Key transition rejected: %v", err)
	}
}

func (s *SerialInput) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.started {
		return
	}
	close(s.stop)
	s.file.Close()
	s.wg.Wait()
	s.started = false
}
