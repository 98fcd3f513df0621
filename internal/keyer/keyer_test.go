package keyer

import (
	"sync"
	"testing"
	"time"

	"keyer-service/internal/logger"
)

// fakeGate records gate calls. PlayElement blocks for the element duration
// like the real tone gate, so run loops keep their wall-clock rhythm.
type fakeGate struct {
	mu     sync.Mutex
	ons    int
	offs   int
	played []time.Duration
}

func (g *fakeGate) GateOn() {
	g.mu.Lock()
	g.ons++
	g.mu.Unlock()
}

func (g *fakeGate) GateOff() {
	g.mu.Lock()
	g.offs++
	g.mu.Unlock()
}

func (g *fakeGate) PlayElement(d time.Duration) {
	g.mu.Lock()
	g.played = append(g.played, d)
	g.mu.Unlock()
	time.Sleep(d)
}

func (g *fakeGate) counts() (ons, offs int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ons, g.offs
}

func (g *fakeGate) durations() []time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]time.Duration(nil), g.played...)
}

// elementRecorder collects committed elements across goroutines
type elementRecorder struct {
	mu  sync.Mutex
	els []Element
}

func (r *elementRecorder) record(el Element) {
	r.mu.Lock()
	r.els = append(r.els, el)
	r.mu.Unlock()
}

func (r *elementRecorder) snapshot() []Element {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Element(nil), r.els...)
}

func newTestKeyer(t *testing.T) (*Keyer, *fakeGate, *elementRecorder) {
	t.Helper()
	gate := &fakeGate{}
	k, err := New(gate, logger.NewLogger(nil, logger.LogLevelNone))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rec := &elementRecorder{}
	k.SetCallbacks(Callbacks{Element: rec.record})
	return k, gate, rec
}

func press(t *testing.T, k *Keyer, ch Channel) {
	t.Helper()
	if err := k.HandleTransition(ch, true, time.Now()); err != nil {
		t.Fatalf("press %s failed: %v", ch, err)
	}
}

func release(t *testing.T, k *Keyer, ch Channel) {
	t.Helper()
	if err := k.HandleTransition(ch, false, time.Now()); err != nil {
		t.Fatalf("release %s failed: %v", ch, err)
	}
}

// waitQuiescent polls until no key is held and no run is sounding
func waitQuiescent(t *testing.T, k *Keyer) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !k.Active() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("keyer did not go quiescent")
}

// ===== Construction Tests =====

func TestNewRequiresGate(t *testing.T) {
	if _, err := New(nil, logger.NewLogger(nil, logger.LogLevelNone)); err == nil {
		t.Error("Expected error without gate")
	}
}

func TestNewDefaults(t *testing.T) {
	k, _, _ := newTestKeyer(t)

	if k.Mode() != ModeIambicB {
		t.Errorf("Expected default mode iambic-b, got %v", k.Mode())
	}
	if k.DitDuration() != DefaultDitDuration {
		t.Errorf("Expected default dit %v, got %v", DefaultDitDuration, k.DitDuration())
	}
	if k.Active() {
		t.Error("Fresh keyer must be quiescent")
	}
}

func TestHandleTransitionInvalidChannel(t *testing.T) {
	k, _, _ := newTestKeyer(t)

	if err := k.HandleTransition(Channel(3), true, time.Now()); err == nil {
		t.Error("Expected error for invalid channel")
	}
}

// ===== Mode and Speed Tests =====

func TestParseMode(t *testing.T) {
	cases := []struct {
		in   string
		mode Mode
		ok   bool
	}{
		{"straight", ModeStraight, true},
		{"iambic-a", ModeIambicA, true},
		{"iambic-b", ModeIambicB, true},
		{"iambic", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		mode, err := ParseMode(c.in)
		if c.ok && (err != nil || mode != c.mode) {
			t.Errorf("ParseMode(%q) = %v, %v; want %v", c.in, mode, err, c.mode)
		}
		if !c.ok && err == nil {
			t.Errorf("ParseMode(%q) expected error", c.in)
		}
	}
}

func TestSetModeInvalid(t *testing.T) {
	k, _, _ := newTestKeyer(t)

	if err := k.SetMode(Mode(5)); err == nil {
		t.Error("Expected error for invalid mode")
	}
}

func TestSetModeSameIsNoop(t *testing.T) {
	k, gate, _ := newTestKeyer(t)

	if err := k.SetMode(ModeIambicB); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	if _, offs := gate.counts(); offs != 0 {
		t.Errorf("Unchanged mode must not touch the gate, got %d gate-off calls", offs)
	}
}

func TestSetSpeedRange(t *testing.T) {
	k, _, _ := newTestKeyer(t)

	if err := k.SetSpeed(MinWPM - 1); err == nil {
		t.Error("Expected error below minimum speed")
	}
	if err := k.SetSpeed(MaxWPM + 1); err == nil {
		t.Error("Expected error above maximum speed")
	}
	if err := k.SetSpeed(MinWPM); err != nil {
		t.Errorf("SetSpeed(%d) failed: %v", MinWPM, err)
	}
	if err := k.SetSpeed(MaxWPM); err != nil {
		t.Errorf("SetSpeed(%d) failed: %v", MaxWPM, err)
	}
}

func TestSetSpeedChangesElementTiming(t *testing.T) {
	k, gate, rec := newTestKeyer(t)
	if err := k.SetSpeed(60); err != nil {
		t.Fatalf("SetSpeed failed: %v", err)
	}
	dit := DitDurationForWPM(60)

	press(t, k, Dit)
	release(t, k, Dit)
	waitQuiescent(t, k)

	els := rec.snapshot()
	if len(els) != 1 || els[0] != ElementDit {
		t.Fatalf("Expected [dit], got %v", els)
	}
	durs := gate.durations()
	if len(durs) != 1 || durs[0] != dit {
		t.Errorf("Expected element duration %v, got %v", dit, durs)
	}
}

// ===== Straight Mode Tests =====

func TestStraightKeyFollowsLevel(t *testing.T) {
	k, gate, rec := newTestKeyer(t)
	if err := k.SetMode(ModeStraight); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	_, offsBefore := gate.counts()

	press(t, k, Dit)
	ons, _ := gate.counts()
	if ons != 1 {
		t.Errorf("Expected gate on after press, got %d", ons)
	}

	release(t, k, Dit)
	_, offs := gate.counts()
	if offs != offsBefore+1 {
		t.Errorf("Expected gate off after release, got %d", offs)
	}
	if k.Active() {
		t.Error("Expected quiescent after release")
	}
	if els := rec.snapshot(); len(els) != 0 {
		t.Errorf("Straight mode must not produce elements, got %v", els)
	}
}

func TestStraightEitherKeyHoldsTone(t *testing.T) {
	k, gate, _ := newTestKeyer(t)
	if err := k.SetMode(ModeStraight); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	_, offsBefore := gate.counts()

	press(t, k, Dit)
	press(t, k, Dah)
	release(t, k, Dit)

	if _, offs := gate.counts(); offs != offsBefore {
		t.Errorf("Tone dropped while dah still held, %d gate-off calls", offs)
	}

	release(t, k, Dah)
	if _, offs := gate.counts(); offs != offsBefore+1 {
		t.Errorf("Expected gate off after last release, got %d", offs)
	}
}

func TestStraightKeyCallbackOnLevelChanges(t *testing.T) {
	k, _, _ := newTestKeyer(t)

	var mu sync.Mutex
	var levels []bool
	var stamps []time.Time
	k.SetCallbacks(Callbacks{Key: func(on bool, at time.Time) {
		mu.Lock()
		levels = append(levels, on)
		stamps = append(stamps, at)
		mu.Unlock()
	}})

	if err := k.SetMode(ModeStraight); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}

	pressAt := time.Now()
	if err := k.HandleTransition(Dit, true, pressAt); err != nil {
		t.Fatalf("press failed: %v", err)
	}
	press(t, k, Dah)   // level unchanged, no callback
	release(t, k, Dit) // still held, no callback
	release(t, k, Dah)

	mu.Lock()
	defer mu.Unlock()
	if len(levels) != 2 || !levels[0] || levels[1] {
		t.Fatalf("Expected levels [true false], got %v", levels)
	}
	if !stamps[0].Equal(pressAt) {
		t.Errorf("Expected press timestamp passed through, got %v", stamps[0])
	}
}

func TestStraightModeEntryKeysHeldTone(t *testing.T) {
	k, gate, _ := newTestKeyer(t)

	press(t, k, Dit) // iambic run starts
	if err := k.SetMode(ModeStraight); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}

	// The held key must key the tone in the new mode
	if ons, _ := gate.counts(); ons != 1 {
		t.Errorf("Expected gate on after mode change with key held, got %d", ons)
	}

	release(t, k, Dit)
	waitQuiescent(t, k)
}

// ===== Iambic Mode Tests =====

func TestIambicSingleDit(t *testing.T) {
	k, gate, rec := newTestKeyer(t)

	press(t, k, Dit)
	release(t, k, Dit)
	waitQuiescent(t, k)

	els := rec.snapshot()
	if len(els) != 1 || els[0] != ElementDit {
		t.Fatalf("Expected [dit], got %v", els)
	}
	durs := gate.durations()
	if len(durs) != 1 || durs[0] != DefaultDitDuration {
		t.Errorf("Expected one dit of %v, got %v", DefaultDitDuration, durs)
	}
}

func TestIambicDahDuration(t *testing.T) {
	k, gate, rec := newTestKeyer(t)

	press(t, k, Dah)
	release(t, k, Dah)
	waitQuiescent(t, k)

	els := rec.snapshot()
	if len(els) != 1 || els[0] != ElementDah {
		t.Fatalf("Expected [dah], got %v", els)
	}
	durs := gate.durations()
	if len(durs) != 1 || durs[0] != 3*DefaultDitDuration {
		t.Errorf("Expected one dah of %v, got %v", 3*DefaultDitDuration, durs)
	}
}

func TestIambicHeldKeyRepeats(t *testing.T) {
	k, _, rec := newTestKeyer(t)

	press(t, k, Dit)
	// Three dits plus gaps fit comfortably in 400ms at 20 WPM
	time.Sleep(400 * time.Millisecond)
	release(t, k, Dit)
	waitQuiescent(t, k)

	els := rec.snapshot()
	if len(els) < 3 {
		t.Fatalf("Expected at least 3 repeated dits, got %v", els)
	}
	for i, el := range els {
		if el != ElementDit {
			t.Errorf("Element %d: expected dit, got %v", i, el)
		}
	}
}

func TestIambicSqueezeAlternates(t *testing.T) {
	k, _, rec := newTestKeyer(t)

	press(t, k, Dit)
	press(t, k, Dah)
	// Long enough for dit, dah, dit, dah at 20 WPM
	time.Sleep(700 * time.Millisecond)
	release(t, k, Dit)
	release(t, k, Dah)
	waitQuiescent(t, k)

	els := rec.snapshot()
	if len(els) < 4 {
		t.Fatalf("Expected at least 4 elements while squeezed, got %v", els)
	}
	if els[0] != ElementDit {
		t.Errorf("Expected squeeze to start with dit, got %v", els[0])
	}
	for i := 1; i < len(els); i++ {
		if els[i] == els[i-1] {
			t.Errorf("Elements %d and %d did not alternate: %v", i-1, i, els)
		}
	}
}

func TestIambicTieBreakPrefersDit(t *testing.T) {
	k, _, rec := newTestKeyer(t)
	if err := k.SetMode(ModeStraight); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}

	// Hold both keys with no run in flight, then enter an iambic mode: the
	// first element of the fresh run has no predecessor and must be a dit
	press(t, k, Dah)
	press(t, k, Dit)
	if err := k.SetMode(ModeIambicB); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	release(t, k, Dit)
	release(t, k, Dah)
	waitQuiescent(t, k)

	els := rec.snapshot()
	if len(els) == 0 || els[0] != ElementDit {
		t.Errorf("Expected first element dit, got %v", els)
	}
}

// The canonical two-mode scenario: tap dah during a dit, release everything
// before the dit completes. Mode B remembers the dah, mode A forgets it.

func TestIambicBPlaysRememberedElement(t *testing.T) {
	k, _, rec := newTestKeyer(t)

	press(t, k, Dit)
	time.Sleep(20 * time.Millisecond)
	press(t, k, Dah)
	time.Sleep(10 * time.Millisecond)
	release(t, k, Dit)
	release(t, k, Dah)
	waitQuiescent(t, k)

	els := rec.snapshot()
	if len(els) != 2 || els[0] != ElementDit || els[1] != ElementDah {
		t.Errorf("Expected [dit dah], got %v", els)
	}
}

func TestIambicADropsRememberedElement(t *testing.T) {
	k, _, rec := newTestKeyer(t)
	if err := k.SetMode(ModeIambicA); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}

	press(t, k, Dit)
	time.Sleep(20 * time.Millisecond)
	press(t, k, Dah)
	time.Sleep(10 * time.Millisecond)
	release(t, k, Dit)
	release(t, k, Dah)
	waitQuiescent(t, k)

	els := rec.snapshot()
	if len(els) != 1 || els[0] != ElementDit {
		t.Errorf("Expected [dit], got %v", els)
	}
}

func TestIambicAKeepsMemoryWhileHeld(t *testing.T) {
	k, _, rec := newTestKeyer(t)
	if err := k.SetMode(ModeIambicA); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}

	// Memory is only dropped when both keys are up after an element. With
	// dit still held, the remembered dah must play.
	press(t, k, Dit)
	time.Sleep(20 * time.Millisecond)
	press(t, k, Dah)
	time.Sleep(10 * time.Millisecond)
	release(t, k, Dah)
	// Hold dit through the end of the first element
	time.Sleep(100 * time.Millisecond)
	release(t, k, Dit)
	waitQuiescent(t, k)

	els := rec.snapshot()
	if len(els) < 2 || els[0] != ElementDit || els[1] != ElementDah {
		t.Errorf("Expected dit then remembered dah, got %v", els)
	}
}

// ===== Reset and Cancellation Tests =====

func TestResetStopsRun(t *testing.T) {
	k, gate, rec := newTestKeyer(t)

	press(t, k, Dit)
	press(t, k, Dah)
	time.Sleep(30 * time.Millisecond)
	_, offsBefore := gate.counts()

	k.Reset()

	if k.Active() {
		t.Error("Expected quiescent immediately after reset")
	}
	if _, offs := gate.counts(); offs != offsBefore+1 {
		t.Errorf("Expected gate forced off on reset, got %d gate-off calls", offs)
	}

	// The cancelled run must not commit further elements
	before := len(rec.snapshot())
	time.Sleep(300 * time.Millisecond)
	if after := len(rec.snapshot()); after != before {
		t.Errorf("Stale run still committing: %d -> %d elements", before, after)
	}
}

func TestModeChangeCancelsRun(t *testing.T) {
	k, _, rec := newTestKeyer(t)

	press(t, k, Dit)
	press(t, k, Dah)
	time.Sleep(150 * time.Millisecond)

	// Switching modes restarts the run; the held keys drive the new one
	if err := k.SetMode(ModeIambicA); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	release(t, k, Dit)
	release(t, k, Dah)
	waitQuiescent(t, k)

	if len(rec.snapshot()) < 2 {
		t.Errorf("Expected elements from both runs, got %v", rec.snapshot())
	}
	if k.Mode() != ModeIambicA {
		t.Errorf("Expected mode iambic-a, got %v", k.Mode())
	}
}

func TestResetClearsHeldKeys(t *testing.T) {
	k, _, rec := newTestKeyer(t)

	press(t, k, Dit)
	// Reset mid-element, away from any commit boundary
	time.Sleep(30 * time.Millisecond)
	k.Reset()
	waitQuiescent(t, k)

	// A fresh press after reset starts a clean run
	before := len(rec.snapshot())
	press(t, k, Dit)
	release(t, k, Dit)
	waitQuiescent(t, k)

	els := rec.snapshot()
	if len(els) != before+1 {
		t.Errorf("Expected exactly one new element after reset, got %v", els)
	}
}
