package decode

import (
	"sync"
	"time"

	"keyer-service/internal/keyer"
	"keyer-service/internal/logger"
)

// codeTree is the ITU Morse lookup tree. Walking left (dit) from index i
// lands on 2i, right (dah) on 2i+1; index 1 is the empty prefix. Unassigned
// prefixes hold zero.
var codeTree = [64]rune{
	// depth 1-2
	0, 0, 'E', 'T',
	// depth 3: . prefixes then - prefixes
	'I', 'A', 'N', 'M',
	// depth 4
	'S', 'U', 'R', 'W', 'D', 'K', 'G', 'O',
	// depth 5
	'H', 'V', 'F', 0, 'L', 0, 'P', 'J',
	'B', 'X', 'C', 'Y', 'Z', 'Q', 0, 0,
	// depth 6: digits and the common procedural signs
	'5', '4', 0, '3', 0, 0, 0, '2',
	0, 0, 0, 0, 0, 0, 0, '1',
	'6', '=', '/', 0, 0, 0, 0, 0,
	'7', 0, 0, 0, '8', 0, '9', '0',
}

const (
	// dahThreshold classifies a straight-key press longer than this many
	// dits as a dah (midpoint of the 1:3 element ratio).
	dahThreshold = 2

	// charGapDits of silence after an element closes the character;
	// wordGapDits more make it a word boundary (3 and 7 dit units per the
	// ITU spacing rules).
	charGapDits = 3
	wordGapDits = 4
)

// Output is one decoded unit: a character, or a word space.
type Output struct {
	Text      string
	WordSpace bool
	WPM       int
}

// Callback receives decoded output. It runs on the flush timer goroutine
// with no decoder lock held.
type Callback func(out Output)

// Decoder folds the keyer's own element stream back into text. Iambic
// elements arrive pre-classified; straight-key presses are classified by
// duration against the dah threshold. Character and word boundaries are
// found with flush timers so the tail of a transmission decodes without
// waiting for the next tone. Timer wakeups are validated against a
// generation counter, never cancelled preemptively.
type Decoder struct {
	log *logger.Logger

	mu        sync.Mutex
	cb        Callback
	dit       time.Duration
	enabled   bool
	treeIndex int
	inChar    bool
	downAt    time.Time
	isDown    bool
	flushGen  uint64
	charTimer *time.Timer
	wordTimer *time.Timer
}

func New(log *logger.Logger) *Decoder {
	return &Decoder{
		log:       log.WithTag("decode"),
		dit:       keyer.DefaultDitDuration,
		enabled:   true,
		treeIndex: 1,
	}
}

// SetCallback must be called before events are fed in.
func (d *Decoder) SetCallback(cb Callback) {
	d.mu.Lock()
	d.cb = cb
	d.mu.Unlock()
}

// SetDitDuration mirrors the keyer's dit length so classification and
// boundary timing track the sending speed.
func (d *Decoder) SetDitDuration(dit time.Duration) {
	if dit <= 0 {
		return
	}
	d.mu.Lock()
	d.dit = dit
	d.mu.Unlock()
}

// SetEnabled turns decoding on or off. Disabling drops any partial
// character.
func (d *Decoder) SetEnabled(on bool) {
	d.mu.Lock()
	d.enabled = on
	d.stopTimersLocked()
	d.treeIndex = 1
	d.inChar = false
	d.isDown = false
	d.mu.Unlock()
}

// Element ingests one committed iambic element.
func (d *Decoder) Element(el keyer.Element) {
	d.mu.Lock()
	if !d.enabled {
		d.mu.Unlock()
		return
	}
	d.stopTimersLocked()
	d.pushLocked(el == keyer.ElementDah)
	dur := d.dit
	if el == keyer.ElementDah {
		dur = 3 * d.dit
	}
	d.armCharLocked(dur + charGapDits*d.dit)
	d.mu.Unlock()
}

// Key ingests straight-key level edges. The element is classified on
// release from the press duration.
func (d *Decoder) Key(on bool, at time.Time) {
	d.mu.Lock()
	if !d.enabled {
		d.mu.Unlock()
		return
	}
	if on {
		d.stopTimersLocked()
		d.downAt = at
		d.isDown = true
		d.mu.Unlock()
		return
	}
	if !d.isDown {
		d.mu.Unlock()
		return
	}
	d.isDown = false
	held := at.Sub(d.downAt)
	d.pushLocked(held > dahThreshold*d.dit)
	d.armCharLocked(charGapDits * d.dit)
	d.mu.Unlock()
}

// Reset drops any partial character and pending flushes.
func (d *Decoder) Reset() {
	d.mu.Lock()
	d.stopTimersLocked()
	d.treeIndex = 1
	d.inChar = false
	d.isDown = false
	d.mu.Unlock()
}

// pushLocked walks the code tree one element. Overflowing the tree resets
// the walk; the garbage prefix is dropped.
func (d *Decoder) pushLocked(isDah bool) {
	if !d.inChar {
		d.treeIndex = 1
		d.inChar = true
	}
	if isDah {
		d.treeIndex = d.treeIndex*2 + 1
	} else {
		d.treeIndex = d.treeIndex * 2
	}
	if d.treeIndex >= len(codeTree) {
		d.log.Debugf("Code tree overflow, dropping prefix")
		d.treeIndex = 1
		d.inChar = false
	}
}

// stopTimersLocked invalidates pending flushes. The generation bump is the
// real cancellation; Stop just trims wakeups.
func (d *Decoder) stopTimersLocked() {
	d.flushGen++
	if d.charTimer != nil {
		d.charTimer.Stop()
	}
	if d.wordTimer != nil {
		d.wordTimer.Stop()
	}
}

func (d *Decoder) armCharLocked(delay time.Duration) {
	gen := d.flushGen
	d.charTimer = time.AfterFunc(delay, func() { d.flushChar(gen) })
}

func (d *Decoder) flushChar(gen uint64) {
	d.mu.Lock()
	if gen != d.flushGen || !d.inChar {
		d.mu.Unlock()
		return
	}
	var out *Output
	if d.treeIndex > 1 && d.treeIndex < len(codeTree) {
		if r := codeTree[d.treeIndex]; r != 0 {
			out = &Output{Text: string(r), WPM: d.wpmLocked()}
		} else {
			d.log.Debugf("No character at code tree index %d", d.treeIndex)
		}
	}
	d.treeIndex = 1
	d.inChar = false
	cb := d.cb
	if out != nil {
		d.wordTimer = time.AfterFunc(wordGapDits*d.dit, func() { d.flushWord(gen) })
	}
	d.mu.Unlock()

	if out != nil && cb != nil {
		cb(*out)
	}
}

func (d *Decoder) flushWord(gen uint64) {
	d.mu.Lock()
	if gen != d.flushGen {
		d.mu.Unlock()
		return
	}
	cb := d.cb
	wpm := d.wpmLocked()
	d.mu.Unlock()

	if cb != nil {
		cb(Output{Text: " ", WordSpace: true, WPM: wpm})
	}
}

func (d *Decoder) wpmLocked() int {
	if d.dit <= 0 {
		return 0
	}
	return int(time.Minute / (50 * d.dit))
}
