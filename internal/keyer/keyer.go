package keyer

import (
	"fmt"
	"sync"
	"time"

	"keyer-service/internal/logger"
)

// Channel identifies one of the two paddle contacts.
type Channel int

const (
	Dit Channel = iota // left paddle, key 1
	Dah                // right paddle, key 2
)

func (c Channel) String() string {
	if c == Dah {
		return "dah"
	}
	return "dit"
}

// Element is one timed unit of keying output.
type Element int

const (
	ElementDit Element = iota
	ElementDah
)

// Channel returns the paddle channel that requests this element.
func (e Element) Channel() Channel {
	if e == ElementDah {
		return Dah
	}
	return Dit
}

func (e Element) String() string {
	if e == ElementDah {
		return "dah"
	}
	return "dit"
}

type Mode int

const (
	ModeStraight Mode = iota
	ModeIambicA
	ModeIambicB
)

func (m Mode) String() string {
	switch m {
	case ModeStraight:
		return "straight"
	case ModeIambicA:
		return "iambic-a"
	case ModeIambicB:
		return "iambic-b"
	}
	return "unknown"
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "straight":
		return ModeStraight, nil
	case "iambic-a":
		return ModeIambicA, nil
	case "iambic-b":
		return ModeIambicB, nil
	}
	return 0, fmt.Errorf("unknown keyer mode %q", s)
}

const (
	// DefaultDitDuration is one dit at 20 WPM. A dah is always three dits,
	// the gap between elements one dit.
	DefaultDitDuration = 60 * time.Millisecond

	dahDitRatio = 3

	MinWPM     = 5
	MaxWPM     = 60
	DefaultWPM = 20
)

// DitDurationForWPM converts words-per-minute to a dit length using the
// 50-dit PARIS word convention.
func DitDurationForWPM(wpm int) time.Duration {
	return time.Minute / time.Duration(50*wpm)
}

// ToneGate is the sidetone gate the keyer drives. Implementations serialize
// fades internally; the keyer calls these fire-and-forget and never observes
// audio errors.
type ToneGate interface {
	GateOn()
	GateOff()
	PlayElement(d time.Duration)
}

// Callbacks receive keying activity. Both are optional and must not block:
// Element fires when an iambic element is committed, Key on straight-key
// level changes.
type Callbacks struct {
	Element func(el Element)
	Key     func(on bool, at time.Time)
}

// Keyer converts per-channel press/release transitions into gate calls. Key
// state and paddle memory are owned here and guarded by mu; the iambic run
// loop is cancelled cooperatively by bumping the run token, never by
// signalling the goroutine.
type Keyer struct {
	log  *logger.Logger
	gate ToneGate

	mu      sync.Mutex
	cb      Callbacks
	mode    Mode
	held    [2]bool
	memory  [2]bool
	run     uint64
	looping bool
	last    Element
	hasLast bool
	dit     time.Duration
	level   bool
}

func New(gate ToneGate, log *logger.Logger) (*Keyer, error) {
	if gate == nil {
		return nil, fmt.Errorf("keyer requires a tone gate")
	}
	return &Keyer{
		log:  log.WithTag("keyer"),
		gate: gate,
		mode: ModeIambicB,
		dit:  DefaultDitDuration,
	}, nil
}

// SetCallbacks must be called before transitions are fed in.
func (k *Keyer) SetCallbacks(cb Callbacks) {
	k.mu.Lock()
	k.cb = cb
	k.mu.Unlock()
}

func (k *Keyer) Mode() Mode {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.mode
}

func (k *Keyer) DitDuration() time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.dit
}

// Active reports whether a key is held or an iambic run is still sounding.
func (k *Keyer) Active() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.held[Dit] || k.held[Dah] || k.looping
}

// SetSpeed adjusts the dit length. Elements already chosen keep the duration
// captured when they were committed.
func (k *Keyer) SetSpeed(wpm int) error {
	if wpm < MinWPM || wpm > MaxWPM {
		return fmt.Errorf("speed %d wpm out of range %d..%d", wpm, MinWPM, MaxWPM)
	}
	k.mu.Lock()
	k.dit = DitDurationForWPM(wpm)
	k.mu.Unlock()
	k.log.Infof("Speed set to %d wpm", wpm)
	return nil
}

// HandleTransition ingests one decoded key event. It only mutates flags and
// enqueues gate calls; it never waits on audio.
func (k *Keyer) HandleTransition(ch Channel, pressed bool, at time.Time) error {
	if ch != Dit && ch != Dah {
		return fmt.Errorf("invalid key channel %d", ch)
	}

	k.mu.Lock()
	k.held[ch] = pressed

	if k.mode == ModeStraight {
		level := k.held[Dit] || k.held[Dah]
		changed := level != k.level
		k.level = level
		if level {
			k.gate.GateOn()
		} else {
			k.gate.GateOff()
		}
		cb := k.cb.Key
		k.mu.Unlock()
		if changed && cb != nil {
			cb(level, at)
		}
		return nil
	}

	if pressed {
		k.memory[ch] = true
		if !k.looping {
			k.startLoopLocked()
		}
	}
	k.mu.Unlock()
	return nil
}

// SetMode switches keyer behavior. Any change is a reset point: the current
// run is invalidated and memory cleared before the new behavior takes over.
func (k *Keyer) SetMode(m Mode) error {
	if m != ModeStraight && m != ModeIambicA && m != ModeIambicB {
		return fmt.Errorf("invalid keyer mode %d", m)
	}

	k.mu.Lock()
	if m == k.mode {
		k.mu.Unlock()
		return nil
	}
	old := k.mode
	k.mode = m
	k.run++
	k.looping = false
	k.memory[Dit] = false
	k.memory[Dah] = false
	held := k.held[Dit] || k.held[Dah]
	k.gate.GateOff()
	if m == ModeStraight {
		k.level = held
		if held {
			k.gate.GateOn()
		}
	} else if held {
		k.startLoopLocked()
	}
	k.mu.Unlock()

	k.log.Infof("Mode changed: %s -> %s", old, m)
	return nil
}

// Reset clears key state, paddle memory and the current run, and forces the
// gate off. Afterwards the keyer behaves like a freshly constructed one.
func (k *Keyer) Reset() {
	k.mu.Lock()
	k.held[Dit] = false
	k.held[Dah] = false
	k.memory[Dit] = false
	k.memory[Dah] = false
	k.run++
	k.looping = false
	k.hasLast = false
	k.level = false
	k.gate.GateOff()
	k.mu.Unlock()
	k.log.Debugf("Keyer reset")
}

// startLoopLocked begins a fresh iambic run. Caller holds k.mu.
func (k *Keyer) startLoopLocked() {
	k.run++
	k.looping = true
	k.hasLast = false
	go k.runLoop(k.run)
}

// runLoop sounds one element at a time until nothing is requested or the
// captured token goes stale. The token is re-checked after every suspension
// point; a stale run terminates without touching gate or memory.
func (k *Keyer) runLoop(token uint64) {
	for {
		k.mu.Lock()
		if k.run != token {
			k.mu.Unlock()
			return
		}

		ditReq := k.held[Dit] || k.memory[Dit]
		dahReq := k.held[Dah] || k.memory[Dah]

		var el Element
		switch {
		case ditReq && dahReq:
			if k.hasLast && k.last == ElementDit {
				el = ElementDah
			} else {
				el = ElementDit
			}
		case ditReq:
			el = ElementDit
		case dahReq:
			el = ElementDah
		default:
			k.looping = false
			k.gate.GateOff()
			k.mu.Unlock()
			return
		}

		k.memory[el.Channel()] = false
		k.last = el
		k.hasLast = true
		dur := k.dit
		if el == ElementDah {
			dur = dahDitRatio * k.dit
		}
		gap := k.dit
		cb := k.cb.Element
		k.mu.Unlock()

		if cb != nil {
			cb(el)
		}
		k.gate.PlayElement(dur)

		k.mu.Lock()
		if k.run != token {
			k.mu.Unlock()
			return
		}
		if k.mode == ModeIambicA && !k.held[Dit] && !k.held[Dah] {
			k.memory[Dit] = false
			k.memory[Dah] = false
		}
		k.mu.Unlock()

		time.Sleep(gap)
	}
}
