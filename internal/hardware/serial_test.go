package hardware

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"keyer-service/internal/keyer"
	"keyer-service/internal/logger"
	"keyer-service/internal/protocol"
)

type transitionRecorder struct {
	mu          sync.Mutex
	transitions []protocol.KeyTransition
	rejectFirst bool
}

func (r *transitionRecorder) handle(t protocol.KeyTransition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
	if r.rejectFirst && len(r.transitions) == 1 {
		return errors.New("not ready")
	}
	return nil
}

func (r *transitionRecorder) snapshot() []protocol.KeyTransition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.KeyTransition(nil), r.transitions...)
}

func writeFrameFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ttyKEYER")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write frame file: %v", err)
	}
	return path
}

func waitTransitions(t *testing.T, rec *transitionRecorder, n int) []protocol.KeyTransition {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := rec.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d transitions, got %d", n, len(rec.snapshot()))
	return nil
}

func newTestSerial(t *testing.T, content string) (*SerialInput, *transitionRecorder) {
	t.Helper()
	s := NewSerialInput(writeFrameFile(t, content), logger.NewLogger(nil, logger.LogLevelNone))
	rec := &transitionRecorder{}
	s.SetHandler(rec.handle)
	return s, rec
}

// ===== Serial Input Tests =====

func TestSerialStartMissingDevice(t *testing.T) {
	s := NewSerialInput("/nonexistent/ttyKEYER", logger.NewLogger(nil, logger.LogLevelNone))
	if err := s.Start(); err == nil {
		t.Error("Expected error for missing device")
	}
}

func TestSerialDoubleStart(t *testing.T) {
	s, _ := newTestSerial(t, "")
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	if err := s.Start(); err == nil {
		t.Error("Expected error on second Start")
	}
}

func TestSerialDeliversFrames(t *testing.T) {
	s, rec := newTestSerial(t, "KEYER v1.0 ready\nK1:1\n7351 DIT_UP\nK2:1\n")
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	// 3 frames from the device, then both channels released at EOF
	got := waitTransitions(t, rec, 5)

	want := []struct {
		channel keyer.Channel
		pressed bool
	}{
		{keyer.Dit, true},
		{keyer.Dit, false},
		{keyer.Dah, true},
		{keyer.Dit, false},
		{keyer.Dah, false},
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d transitions, got %d: %v", len(want), len(got), got)
	}
	for i, w := range want {
		if got[i].Channel != w.channel || got[i].Pressed != w.pressed {
			t.Errorf("Transition %d: expected %v/%v, got %v/%v",
				i, w.channel, w.pressed, got[i].Channel, got[i].Pressed)
		}
		if got[i].At.IsZero() {
			t.Errorf("Transition %d has no timestamp", i)
		}
	}
}

func TestSerialReleasesChannelsAtEOF(t *testing.T) {
	s, rec := newTestSerial(t, "")
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	got := waitTransitions(t, rec, 2)
	if got[0].Channel != keyer.Dit || got[0].Pressed {
		t.Errorf("Expected dit release first, got %v", got[0])
	}
	if got[1].Channel != keyer.Dah || got[1].Pressed {
		t.Errorf("Expected dah release second, got %v", got[1])
	}
}

func TestSerialSurvivesRejectedTransition(t *testing.T) {
	s, rec := newTestSerial(t, "K1:1\nK1:0\n")
	rec.rejectFirst = true
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	// Rejection must not stop the loop: 2 frames + 2 EOF releases
	waitTransitions(t, rec, 4)
}

func TestSerialStop(t *testing.T) {
	s, _ := newTestSerial(t, "K1:1\n")
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	s.Stop()
	s.Stop() // idempotent

	if err := s.Start(); err != nil {
		t.Errorf("Restart after Stop failed: %v", err)
	}
	s.Stop()
}
