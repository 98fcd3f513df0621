package hardware

import (
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"keyer-service/internal/keyer"
	"keyer-service/internal/logger"
	"keyer-service/internal/protocol"
)

type PaddleConfig struct {
	Chip     string
	DitLine  int
	DahLine  int
	LedLine  int // negative disables the keying LED
	Debounce time.Duration
}

// PaddleInput owns the paddle GPIO lines. The paddle contacts short to
// ground, so lines are requested pull-up and active-low; edge debouncing is
// left to the kernel. Decoded transitions are forwarded to the registered
// handler. A third line drives the keying LED.
type PaddleInput struct {
	log *logger.Logger
	cfg PaddleConfig

	mu      sync.RWMutex
	handler protocol.Handler
	chip    *gpiocdev.Chip
	ditLine *gpiocdev.Line
	dahLine *gpiocdev.Line
	ledLine *gpiocdev.Line
}

func NewPaddleInput(cfg PaddleConfig, log *logger.Logger) *PaddleInput {
	return &PaddleInput{
		log: log.WithTag("gpio"),
		cfg: cfg,
	}
}

// SetHandler must be called before Initialize.
func (p *PaddleInput) SetHandler(h protocol.Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *PaddleInput) Initialize() error {
	p.log.Infof("Opening GPIO chip %s", p.cfg.Chip)
	chip, err := gpiocdev.NewChip(p.cfg.Chip)
	if err != nil {
		return fmt.Errorf("failed to open GPIO chip %s: %w", p.cfg.Chip, err)
	}
	p.chip = chip

	p.ditLine, err = p.requestPaddleLine(keyer.Dit, p.cfg.DitLine)
	if err != nil {
		return err
	}
	p.dahLine, err = p.requestPaddleLine(keyer.Dah, p.cfg.DahLine)
	if err != nil {
		return err
	}

	if p.cfg.LedLine >= 0 {
		p.ledLine, err = chip.RequestLine(p.cfg.LedLine,
			gpiocdev.AsOutput(0),
			gpiocdev.WithConsumer(consumerName))
		if err != nil {
			return fmt.Errorf("failed to request LED line %d: %w", p.cfg.LedLine, err)
		}
		p.log.Infof("Configured keying LED on line %d", p.cfg.LedLine)
	}

	p.forwardInitialState(keyer.Dit, p.ditLine)
	p.forwardInitialState(keyer.Dah, p.dahLine)

	return nil
}

func (p *PaddleInput) requestPaddleLine(ch keyer.Channel, offset int) (*gpiocdev.Line, error) {
	line, err := p.chip.RequestLine(offset,
		gpiocdev.WithPullUp,
		gpiocdev.AsActiveLow,
		gpiocdev.WithBothEdges,
		gpiocdev.WithDebounce(p.cfg.Debounce),
		gpiocdev.WithConsumer(consumerName),
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			p.handleEdge(ch, evt)
		}))
	if err != nil {
		return nil, fmt.Errorf("failed to request %s line %d: %w", ch, offset, err)
	}
	p.log.Infof("Configured %s paddle: line=%d debounce=%s", ch, offset, p.cfg.Debounce)
	return line, nil
}

// handleEdge runs on the gpiocdev event goroutine. Active-low is applied by
// the kernel, so a rising edge is a press.
func (p *PaddleInput) handleEdge(ch keyer.Channel, evt gpiocdev.LineEvent) {
	pressed := evt.Type == gpiocdev.LineEventRisingEdge
	p.log.Debugf("Paddle edge: %s pressed=%v seq=%d", ch, pressed, evt.Seqno)
	p.forward(protocol.KeyTransition{Channel: ch, Pressed: pressed, At: time.Now()})
}

// forwardInitialState reports a paddle already held at startup.
func (p *PaddleInput) forwardInitialState(ch keyer.Channel, line *gpiocdev.Line) {
	v, err := line.Value()
	if err != nil {
		p.log.Warnf("Failed to read initial %s state: %v", ch, err)
		return
	}
	if v != 0 {
		p.log.Infof("Initial state: %s paddle is pressed", ch)
		p.forward(protocol.KeyTransition{Channel: ch, Pressed: true, At: time.Now()})
	}
}

func (p *PaddleInput) forward(t protocol.KeyTransition) {
	p.mu.RLock()
	handler := p.handler
	p.mu.RUnlock()
	if handler == nil {
		return
	}
	if err := handler(t); err != nil {
		p.log.Warnf("Error handling %s transition: %v", t.Channel, err)
	}
}

// SetKeyingLED mirrors tone-gate activity onto the LED line.
func (p *PaddleInput) SetKeyingLED(on bool) error {
	p.mu.RLock()
	line := p.ledLine
	p.mu.RUnlock()
	if line == nil {
		return nil
	}
	val := 0
	if on {
		val = 1
	}
	if err := line.SetValue(val); err != nil {
		return fmt.Errorf("failed to set keying LED: %w", err)
	}
	return nil
}

func (p *PaddleInput) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ledLine != nil {
		p.ledLine.SetValue(0)
		p.ledLine.Close()
		p.ledLine = nil
	}
	if p.ditLine != nil {
		p.ditLine.Close()
		p.ditLine = nil
	}
	if p.dahLine != nil {
		p.dahLine.Close()
		p.dahLine = nil
	}
	if p.chip != nil {
		p.chip.Close()
		p.chip = nil
	}
	p.log.Infof("Paddle GPIO released")
}
