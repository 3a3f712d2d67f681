// File: internal/action/codec_test.go
package action

import (
	"errors"
	"testing"
	"time"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalReasoningOutput(t *testing.T) {
	// Shape produced by the reasoning prompts.
	payload := []byte(`[
		{"type": "tap", "target_text": "升级", "reason": "upgrade the castle"},
		{"type": "wait", "seconds": 1},
		{"type": "key_event"},
		{"type": "tap", "x": 950, "y": 120, "delay": 0.3},
		{"type": "swipe", "x1": 540, "y1": 960, "x2": 140, "y2": 960},
		{"type": "wait", "condition": "element:确定", "seconds": 4},
		{"type": "find_building", "building_name": "兵营", "max_attempts": 3},
		{"type": "navigate", "target": "world_view"},
		{"type": "tap_icon", "name": "buttons/close_x"}
	]`)

	actions, err := UnmarshalList(payload)
	require.NoError(t, err)

	want := []Action{
		TapText{Meta: Because("upgrade the castle"), Text: "升级", Nth: 1},
		WaitSeconds{Duration: time.Second},
		KeyEvent{Code: 4},
		Tap{Meta: Delayed(300*time.Millisecond, ""), X: 950, Y: 120},
		Swipe{X1: 540, Y1: 960, X2: 140, Y2: 960, Duration: 300 * time.Millisecond},
		WaitForText{Text: "确定", Timeout: 4 * time.Second},
		FindAndTap{Name: "兵营", ScrollAllowed: true, MaxAttempts: 3},
		Navigate{Target: "world_view"},
		TapLandmark{Name: "buttons/close_x", Nth: 1},
	}
	if diff := cmp.Diff(want, actions); diff != "" {
		t.Errorf("decoded actions mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalListKeepsValidRecords(t *testing.T) {
	actions, err := UnmarshalList([]byte(`[{"type":"teleport"},{"type":"key_event","keycode":3},{"type":"tap"}]`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))
	assert.Contains(t, err.Error(), "tap requires x/y or target_text")
	require.Len(t, actions, 1)
	assert.Equal(t, KeyEvent{Code: 3}, actions[0])
}

func TestMarshalFlatRecord(t *testing.T) {
	data, err := Marshal(Tap{Meta: Delayed(1500*time.Millisecond, "claim"), X: 10, Y: 20})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tap","x":10,"y":20,"delay":1.5,"reason":"claim"}`, string(data))

	data, err = Marshal(FindAndTap{Name: "兵营", ScrollAllowed: false, MaxAttempts: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"find_building","building_name":"兵营","scroll":false,"max_attempts":2}`, string(data))
}

func TestIsWait(t *testing.T) {
	assert.True(t, IsWait(WaitSeconds{}))
	assert.True(t, IsWait(WaitForText{}))
	assert.False(t, IsWait(Tap{}))
}

// FuzzUnmarshal feeds structured records through the decoder and checks that
// anything accepted can be encoded again.
func FuzzUnmarshal(f *testing.F) {
	f.Add([]byte(`{"type":"tap","x":1,"y":2}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		var w wire
		if err := fuzz.NewConsumer(data).GenerateStruct(&w); err != nil {
			return
		}
		raw, err := json.Marshal(w)
		if err != nil {
			return
		}
		a, err := Unmarshal(raw)
		if err != nil {
			return
		}
		if _, err := Marshal(a); err != nil {
			t.Fatalf("decoded action %#v failed to encode: %v", a, err)
		}
	})
}
