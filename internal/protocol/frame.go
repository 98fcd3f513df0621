package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"keyer-service/internal/keyer"
)

// KeyTransition is the normalized key event every transport decodes into
// before it reaches the keyer. At is the receipt time on the service clock;
// device-side millisecond counters in token frames are validated but not
// used for scheduling.
type KeyTransition struct {
	Channel keyer.Channel
	Pressed bool
	At      time.Time
}

// Handler consumes decoded transitions. Transports log and drop events whose
// handler returns an error.
type Handler func(t KeyTransition) error

// ParseFrame decodes one text frame. Two syntaxes are accepted:
//
//	K1:1 K1:0 K2:1 K2:0                      key-index frames
//	DIT_DOWN DIT_UP DAH_DOWN DAH_UP          paddle firmware tokens,
//	                                         optionally prefixed by a
//	                                         millisecond counter
//	                                         ("7351 DIT_DOWN")
//
// Anything else is an error; callers drop such lines without involving the
// keyer.
func ParseFrame(line string) (KeyTransition, error) {
	t := KeyTransition{At: time.Now()}

	s := strings.TrimSpace(line)
	if s == "" {
		return t, fmt.Errorf("empty frame")
	}

	if len(s) == 4 && s[0] == 'K' && s[2] == ':' {
		switch s[1] {
		case '1':
			t.Channel = keyer.Dit
		case '2':
			t.Channel = keyer.Dah
		default:
			return t, fmt.Errorf("bad key index in frame %q", line)
		}
		switch s[3] {
		case '1':
			t.Pressed = true
		case '0':
			t.Pressed = false
		default:
			return t, fmt.Errorf("bad key state in frame %q", line)
		}
		return t, nil
	}

	token := s
	if i := strings.IndexByte(s, ' '); i >= 0 {
		prefix := s[:i]
		if _, err := strconv.ParseUint(prefix, 10, 64); err != nil {
			return t, fmt.Errorf("bad timestamp prefix in frame %q", line)
		}
		token = strings.TrimSpace(s[i+1:])
	}

	switch token {
	case "DIT_DOWN":
		t.Channel, t.Pressed = keyer.Dit, true
	case "DIT_UP":
		t.Channel, t.Pressed = keyer.Dit, false
	case "DAH_DOWN":
		t.Channel, t.Pressed = keyer.Dah, true
	case "DAH_UP":
		t.Channel, t.Pressed = keyer.Dah, false
	default:
		return t, fmt.Errorf("unknown frame %q", line)
	}
	return t, nil
}
