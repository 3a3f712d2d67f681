// File: internal/action/codec.go
package action

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUnknownType is returned when a record's type field is not recognized.
var ErrUnknownType = errors.New("unknown action type")

// wire is the flat record format shared with scripts and the reasoning
// service: {type, ...fields, delay?, reason?}. Delays and waits are seconds.
type wire struct {
	Type        string   `json:"type"`
	X           *int     `json:"x,omitempty"`
	Y           *int     `json:"y,omitempty"`
	TargetText  string   `json:"target_text,omitempty"`
	Text        string   `json:"text,omitempty"`
	Name        string   `json:"name,omitempty"`
	Nth         int      `json:"nth,omitempty"`
	X1          int      `json:"x1,omitempty"`
	Y1          int      `json:"y1,omitempty"`
	X2          int      `json:"x2,omitempty"`
	Y2          int      `json:"y2,omitempty"`
	DurationMS  int      `json:"duration_ms,omitempty"`
	Seconds     float64  `json:"seconds,omitempty"`
	Condition   string   `json:"condition,omitempty"`
	Timeout     float64  `json:"timeout,omitempty"`
	Keycode     *int     `json:"keycode,omitempty"`
	Building    string   `json:"building_name,omitempty"`
	Scroll      *bool    `json:"scroll,omitempty"`
	MaxAttempts int      `json:"max_attempts,omitempty"`
	Target      string   `json:"target,omitempty"`
	Delay       *float64 `json:"delay,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

func seconds(d time.Duration) float64 { return d.Seconds() }

func fromSeconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

func intPtr(v int) *int { return &v }

// Marshal encodes a into its flat wire form.
func Marshal(a Action) ([]byte, error) {
	w, err := toWire(a)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// MarshalList encodes a batch as a JSON array.
func MarshalList(actions []Action) ([]byte, error) {
	out := make([]wire, 0, len(actions))
	for _, a := range actions {
		w, err := toWire(a)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return json.Marshal(out)
}

func toWire(a Action) (wire, error) {
	m := a.Base()
	w := wire{Type: string(a.Kind()), Reason: m.Reason}
	if m.DelaySet {
		d := seconds(m.Delay)
		w.Delay = &d
	}
	switch v := a.(type) {
	case Tap:
		w.X, w.Y = intPtr(v.X), intPtr(v.Y)
	case TapText:
		w.Text, w.Nth = v.Text, v.Nth
	case TapLandmark:
		w.Name, w.Nth = v.Name, v.Nth
	case Swipe:
		w.X1, w.Y1, w.X2, w.Y2 = v.X1, v.Y1, v.X2, v.Y2
		w.DurationMS = int(v.Duration.Milliseconds())
	case WaitSeconds:
		w.Seconds = seconds(v.Duration)
	case WaitForText:
		w.Text = v.Text
		w.Timeout = seconds(v.Timeout)
	case KeyEvent:
		w.Keycode = intPtr(v.Code)
	case FindAndTap:
		scroll := v.ScrollAllowed
		w.Building, w.Scroll, w.MaxAttempts = v.Name, &scroll, v.MaxAttempts
	case Navigate:
		w.Target = v.Target
	default:
		return wire{}, fmt.Errorf("%w: %T", ErrUnknownType, a)
	}
	return w, nil
}

// Unmarshal decodes one flat record.
func Unmarshal(data []byte) (Action, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode action: %w", err)
	}
	return fromWire(w)
}

// UnmarshalList decodes a JSON array of records. Records that fail to decode
// are reported in the error but do not discard the others.
func UnmarshalList(data []byte) ([]Action, error) {
	var raw []wire
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode action list: %w", err)
	}
	var (
		out  []Action
		errs []error
	)
	for i, w := range raw {
		a, err := fromWire(w)
		if err != nil {
			errs = append(errs, fmt.Errorf("action %d: %w", i, err))
			continue
		}
		out = append(out, a)
	}
	return out, errors.Join(errs...)
}

func fromWire(w wire) (Action, error) {
	meta := Meta{Reason: w.Reason}
	if w.Delay != nil {
		meta.Delay = fromSeconds(*w.Delay)
		meta.DelaySet = true
	}

	switch Kind(w.Type) {
	case KindTap:
		if w.X != nil && w.Y != nil {
			return Tap{Meta: meta, X: *w.X, Y: *w.Y}, nil
		}
		// Reasoning output addresses buttons by label.
		if w.TargetText != "" {
			return TapText{Meta: meta, Text: w.TargetText, Nth: nthOrFirst(w.Nth)}, nil
		}
		return nil, errors.New("tap requires x/y or target_text")
	case KindTapText:
		text := firstNonEmpty(w.Text, w.TargetText)
		if text == "" {
			return nil, errors.New("tap_text requires text")
		}
		return TapText{Meta: meta, Text: text, Nth: nthOrFirst(w.Nth)}, nil
	case KindTapLandmark, "tap_icon":
		if w.Name == "" {
			return nil, errors.New("tap_landmark requires name")
		}
		return TapLandmark{Meta: meta, Name: w.Name, Nth: nthOrFirst(w.Nth)}, nil
	case KindSwipe:
		ms := w.DurationMS
		if ms <= 0 {
			ms = 300
		}
		return Swipe{Meta: meta, X1: w.X1, Y1: w.Y1, X2: w.X2, Y2: w.Y2, Duration: time.Duration(ms) * time.Millisecond}, nil
	case KindWait:
		if target, ok := strings.CutPrefix(w.Condition, "element:"); ok && target != "" {
			return WaitForText{Meta: meta, Text: target, Timeout: fromSeconds(orDefault(w.Seconds, 10))}, nil
		}
		return WaitSeconds{Meta: meta, Duration: fromSeconds(orDefault(w.Seconds, 1))}, nil
	case KindWaitText:
		text := firstNonEmpty(w.Text, w.TargetText)
		if text == "" {
			return nil, errors.New("wait_text requires text")
		}
		return WaitForText{Meta: meta, Text: text, Timeout: fromSeconds(orDefault(w.Timeout, 10))}, nil
	case KindKeyEvent:
		code := 4
		if w.Keycode != nil {
			code = *w.Keycode
		}
		return KeyEvent{Meta: meta, Code: code}, nil
	case KindFindBuilding:
		name := firstNonEmpty(w.Building, w.Name)
		if name == "" {
			return nil, errors.New("find_building requires building_name")
		}
		scroll := true
		if w.Scroll != nil {
			scroll = *w.Scroll
		}
		return FindAndTap{Meta: meta, Name: name, ScrollAllowed: scroll, MaxAttempts: w.MaxAttempts}, nil
	case KindNavigate:
		if w.Target == "" {
			return nil, errors.New("navigate requires target")
		}
		return Navigate{Meta: meta, Target: w.Target}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
}

func nthOrFirst(n int) int {
	if n == 0 {
		return 1
	}
	return n
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
