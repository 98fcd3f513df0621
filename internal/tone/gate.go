package tone

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"keyer-service/internal/logger"
)

// Sink is the audio output behind the gate: initialization may fail and is
// retryable, SetGain may fail once the device is torn down, Start/Stop
// control looped playback.
type Sink interface {
	Init() error
	Start() error
	Stop() error
	SetGain(gain float64) error
	Close() error
}

const (
	rampDuration = 12 * time.Millisecond
	rampSteps    = 6
	queueDepth   = 64
)

type fadeOp struct {
	target float64
	done   chan struct{}
}

// Gate drives the sidetone gain between silence and full volume. Every gain
// change is a linear ramp executed by a single worker goroutine draining a
// FIFO queue, so fades are totally ordered and never run concurrently. The
// gain value itself is touched only by the worker; there is no lock around
// it.
type Gate struct {
	log  *logger.Logger
	sink Sink

	ops  chan fadeOp
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	ready  atomic.Bool
	volume atomic.Uint64 // Float64bits, fade-up target

	cbMu     sync.RWMutex
	onFault  func(error)
	onActive func(on bool)

	// worker-owned
	gain    float64
	started bool
	active  bool
}

func New(sink Sink, log *logger.Logger) (*Gate, error) {
	if sink == nil {
		return nil, fmt.Errorf("tone gate requires a sink")
	}
	g := &Gate{
		log:  log.WithTag("tone"),
		sink: sink,
		ops:  make(chan fadeOp, queueDepth),
		stop: make(chan struct{}),
	}
	g.volume.Store(math.Float64bits(1.0))
	g.wg.Add(1)
	go g.worker()
	return g, nil
}

// Init brings the sink up. On failure the gate stays not-ready and every
// gate operation is a no-op until Retry succeeds.
func (g *Gate) Init() error {
	if err := g.sink.Init(); err != nil {
		g.ready.Store(false)
		return fmt.Errorf("audio sink init: %w", err)
	}
	g.ready.Store(true)
	g.log.Infof("Audio sink ready")
	return nil
}

// Retry re-initializes a not-ready sink.
func (g *Gate) Retry() error {
	return g.Init()
}

func (g *Gate) Ready() bool {
	return g.ready.Load()
}

// SetFaultCallback registers fn, invoked from the fade worker once per
// ready to not-ready transition.
func (g *Gate) SetFaultCallback(fn func(error)) {
	g.cbMu.Lock()
	g.onFault = fn
	g.cbMu.Unlock()
}

// SetActivityCallback registers fn, invoked on silent/audible edges.
func (g *Gate) SetActivityCallback(fn func(on bool)) {
	g.cbMu.Lock()
	g.onActive = fn
	g.cbMu.Unlock()
}

// SetVolume sets the fade-up target, clamped to [0,1]. Applies from the next
// gate-on ramp.
func (g *Gate) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	g.volume.Store(math.Float64bits(v))
}

// GateOn enqueues a fade to full volume. Idempotent: a ramp enqueued while
// another is in flight simply runs after it.
func (g *Gate) GateOn() {
	g.enqueue(g.targetVolume())
}

// GateOff enqueues a fade to silence. Safe to call when already off.
func (g *Gate) GateOff() {
	g.enqueue(0)
}

// Stop is an alias for GateOff.
func (g *Gate) Stop() {
	g.GateOff()
}

// PlayElement sounds exactly one element: fade up, hold for d, fade down.
// The hold is an unconditional sleep so element timing is preserved even
// when the sink is not ready and the fades are no-ops.
func (g *Gate) PlayElement(d time.Duration) {
	<-g.enqueue(g.targetVolume())
	time.Sleep(d)
	<-g.enqueue(0)
}

// Close fades out, stops the worker and releases the sink.
func (g *Gate) Close() {
	<-g.enqueue(0)
	g.once.Do(func() { close(g.stop) })
	g.wg.Wait()
	g.drain()
	if err := g.sink.Close(); err != nil {
		g.log.Warnf("Audio sink close: %v", err)
	}
}

func (g *Gate) targetVolume() float64 {
	return math.Float64frombits(g.volume.Load())
}

// enqueue appends a fade to the queue. The returned channel closes when the
// ramp has run (or been skipped). After Close the op is resolved immediately
// so a caller blocked in PlayElement cannot strand.
func (g *Gate) enqueue(target float64) <-chan struct{} {
	op := fadeOp{target: target, done: make(chan struct{})}
	select {
	case <-g.stop:
		close(op.done)
		return op.done
	default:
	}
	select {
	case g.ops <- op:
	case <-g.stop:
		close(op.done)
	}
	return op.done
}

func (g *Gate) worker() {
	defer g.wg.Done()
	for {
		select {
		case op := <-g.ops:
			g.ramp(op.target)
			close(op.done)
		case <-g.stop:
			g.drain()
			return
		}
	}
}

// drain resolves ops that raced the stop signal into the queue.
func (g *Gate) drain() {
	for {
		select {
		case op := <-g.ops:
			close(op.done)
		default:
			return
		}
	}
}

// ramp fades gain linearly to target over rampDuration in rampSteps steps.
// A sink error aborts the remaining steps silently and latches not-ready.
func (g *Gate) ramp(target float64) {
	if !g.ready.Load() {
		return
	}
	if target > 0 {
		if !g.started {
			if err := g.sink.Start(); err != nil {
				g.fault(err)
				return
			}
			g.started = true
		}
		g.setActive(true)
	}
	from := g.gain
	if from != target {
		step := (target - from) / rampSteps
		for i := 1; i <= rampSteps; i++ {
			next := from + step*float64(i)
			if i == rampSteps {
				next = target
			}
			if err := g.sink.SetGain(next); err != nil {
				g.fault(err)
				return
			}
			g.gain = next
			if i < rampSteps {
				time.Sleep(rampDuration / rampSteps)
			}
		}
	}
	if target == 0 {
		g.setActive(false)
	}
}

// fault latches not-ready after a sink error. Runs on the worker goroutine
// only. The device is silent once torn down, so the worker's gain baseline
// resets to zero for the eventual recovery.
func (g *Gate) fault(err error) {
	g.ready.Store(false)
	g.gain = 0
	g.started = false
	g.setActive(false)
	g.log.Warnf("Audio sink fault: %v", err)
	g.cbMu.RLock()
	cb := g.onFault
	g.cbMu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

func (g *Gate) setActive(on bool) {
	if on == g.active {
		return
	}
	g.active = on
	g.cbMu.RLock()
	cb := g.onActive
	g.cbMu.RUnlock()
	if cb != nil {
		cb(on)
	}
}
