// File: internal/action/action.go
package action

import (
	"fmt"
	"time"
)

// Kind identifies an action variant on the wire.
type Kind string

const (
	KindTap          Kind = "tap"           // Tap at explicit coordinates.
	KindTapText      Kind = "tap_text"      // Tap the nth span containing the text.
	KindTapLandmark  Kind = "tap_landmark"  // Tap the nth template match.
	KindSwipe        Kind = "swipe"         // Straight-line drag.
	KindWait         Kind = "wait"          // Sleep.
	KindWaitText     Kind = "wait_text"     // Poll until text appears.
	KindKeyEvent     Kind = "key_event"     // Hardware/system key.
	KindFindBuilding Kind = "find_building" // Locate a map landmark, scrolling if needed.
	KindNavigate     Kind = "navigate"      // Follow a configured navigation path.
)

// Action is an immutable device instruction. The concrete types below are
// the only implementations.
type Action interface {
	Kind() Kind
	Base() Meta
}

// Meta carries the fields every variant shares.
type Meta struct {
	// Delay overrides the executor's post-action delay when DelaySet is true.
	Delay    time.Duration
	DelaySet bool
	Reason   string
}

func (m Meta) Base() Meta { return m }

// Delayed returns a Meta with an explicit delay.
func Delayed(d time.Duration, reason string) Meta {
	return Meta{Delay: d, DelaySet: true, Reason: reason}
}

// Because returns a Meta carrying only a reason.
func Because(reason string) Meta {
	return Meta{Reason: reason}
}

type Tap struct {
	Meta
	X, Y int
}

type TapText struct {
	Meta
	Text string
	// Nth is 1-based; -1 selects the last match in reading order.
	Nth int
}

type TapLandmark struct {
	Meta
	Name string
	Nth  int
}

type Swipe struct {
	Meta
	X1, Y1, X2, Y2 int
	Duration       time.Duration
}

type WaitSeconds struct {
	Meta
	Duration time.Duration
}

type WaitForText struct {
	Meta
	Text    string
	Timeout time.Duration
}

type KeyEvent struct {
	Meta
	Code int
}

type FindAndTap struct {
	Meta
	Name          string
	ScrollAllowed bool
	MaxAttempts   int
}

type Navigate struct {
	Meta
	Target string
}

func (Tap) Kind() Kind         { return KindTap }
func (TapText) Kind() Kind     { return KindTapText }
func (TapLandmark) Kind() Kind { return KindTapLandmark }
func (Swipe) Kind() Kind       { return KindSwipe }
func (WaitSeconds) Kind() Kind { return KindWait }
func (WaitForText) Kind() Kind { return KindWaitText }
func (KeyEvent) Kind() Kind    { return KindKeyEvent }
func (FindAndTap) Kind() Kind  { return KindFindBuilding }
func (Navigate) Kind() Kind    { return KindNavigate }

// IsWait reports whether a has no post-action delay of its own.
func IsWait(a Action) bool {
	switch a.(type) {
	case WaitSeconds, WaitForText:
		return true
	}
	return false
}

// Describe renders a short human-readable form for logs.
func Describe(a Action) string {
	switch v := a.(type) {
	case Tap:
		return fmt.Sprintf("tap(%d,%d)", v.X, v.Y)
	case TapText:
		return fmt.Sprintf("tap_text(%q#%d)", v.Text, v.Nth)
	case TapLandmark:
		return fmt.Sprintf("tap_landmark(%s#%d)", v.Name, v.Nth)
	case Swipe:
		return fmt.Sprintf("swipe(%d,%d->%d,%d %s)", v.X1, v.Y1, v.X2, v.Y2, v.Duration)
	case WaitSeconds:
		return fmt.Sprintf("wait(%s)", v.Duration)
	case WaitForText:
		return fmt.Sprintf("wait_text(%q)", v.Text)
	case KeyEvent:
		return fmt.Sprintf("key(%d)", v.Code)
	case FindAndTap:
		return fmt.Sprintf("find_building(%q)", v.Name)
	case Navigate:
		return fmt.Sprintf("navigate(%s)", v.Target)
	}
	return string(a.Kind())
}
