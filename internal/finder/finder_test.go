package finder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/questpilot/internal/config"
	"github.com/xkilldash9x/questpilot/internal/device"
	"github.com/xkilldash9x/questpilot/internal/mocks"
)

// heldDevice keeps the finger down for the length of a swipe and notes any
// tap that arrives while it is.
type heldDevice struct {
	*mocks.RecordingDevice
	hold    time.Duration
	release chan struct{}

	mu           sync.Mutex
	held         bool
	tapWhileHeld bool
}

func (d *heldDevice) setHeld(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.held = v
}

func (d *heldDevice) Swipe(ctx context.Context, x1, y1, x2, y2 int, dur time.Duration) error {
	d.setHeld(true)
	defer d.setHeld(false)
	err := d.RecordingDevice.Swipe(ctx, x1, y1, x2, y2, dur)
	if d.release != nil {
		<-d.release
	} else {
		time.Sleep(d.hold)
	}
	return err
}

func (d *heldDevice) Tap(ctx context.Context, x, y int) error {
	d.mu.Lock()
	if d.held {
		d.tapWhileHeld = true
	}
	d.mu.Unlock()
	return d.RecordingDevice.Tap(ctx, x, y)
}

func testConfig() config.FinderConfig {
	return config.FinderConfig{
		ReferenceBuilding: "TownHall",
		PixelsPerUnit:     400,
		HoldX:             540,
		HoldY:             960,
		HoldDuration:      3 * time.Second,
		CaptureDelay:      1400 * time.Millisecond,
		DragOffset:        150,
		TapOffsetX:        150,
		TapOffsetY:        150,
		SafeZone:          []int{100, 200, 900, 1500},
		ScrollBounds:      []int{100, 300, 980, 1600},
		ScrollStep:        400,
		ScrollDuration:    400 * time.Millisecond,
		JoinTimeout:       time.Second,
		MaxAttempts:       5,
		ArrivalTolerance:  50,
		ScreenCenterX:     540,
		ScreenCenterY:     960,
	}
}

const cityTable = `
# City

|   | 0 | 1 | 2 |
|---|---|---|---|
| 0 | TownHall | Barracks | |
| 1 | | Farm | Academy |
`

func mustLayout(t *testing.T, table, reference string) *Layout {
	t.Helper()
	l, err := ParseLayout(strings.NewReader(table), reference, 400)
	require.NoError(t, err)
	return l
}

type harness struct {
	f      *Finder
	dev    *heldDevice
	svc    *mocks.StaticVision
	sleeps []time.Duration
}

func newHarness(t *testing.T, layout *Layout, cfg config.FinderConfig) *harness {
	t.Helper()
	h := &harness{
		dev: &heldDevice{RecordingDevice: mocks.NewRecordingDevice(mocks.Frame(1080, 1920)), hold: 10 * time.Millisecond},
		svc: mocks.NewStaticVision(),
	}
	h.f = New(h.dev, h.svc, layout, cfg, zaptest.NewLogger(t))
	h.f.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	return h
}

func TestDrift(t *testing.T) {
	assert.Equal(t, 80, Drift(150, 1400*time.Millisecond, 3000*time.Millisecond))
	assert.Equal(t, 0, Drift(150, time.Second, 0))
	assert.Equal(t, 150, Drift(150, 0, time.Second))
}

func TestParseLayout(t *testing.T) {
	l := mustLayout(t, cityTable, "TownHall")
	assert.Equal(t, 4, l.Len())
	assert.Equal(t, "TownHall", l.Reference())

	// Column 0 holds the row labels, so TownHall sits in column 1.
	for name, want := range map[string]Offset{
		"TownHall": {0, 0},
		"Barracks": {400, 0},
		"Farm":     {400, 400},
		"Academy":  {800, 400},
	} {
		got, ok := l.Offset(name)
		require.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	_, ok := l.Offset("0")
	assert.False(t, ok, "numeric cells are axis labels")

	t.Run("missing reference falls back to first building", func(t *testing.T) {
		l := mustLayout(t, cityTable, "Castle")
		assert.Equal(t, "TownHall", l.Reference())
		off, _ := l.Offset("Academy")
		assert.Equal(t, Offset{800, 400}, off)
	})

	t.Run("no table", func(t *testing.T) {
		l := mustLayout(t, "just prose", "TownHall")
		assert.Zero(t, l.Len())
	})
}

func TestLayoutMatch(t *testing.T) {
	l := mustLayout(t, "| 士兵营地 | 城堡 |\n| 农田 | |", "城堡")
	assert.Equal(t, "城堡", l.Match(" 城堡 "))
	assert.Equal(t, "城堡", l.Match("城堡Lv.12"))
	assert.Equal(t, "士兵营地", l.Match("兵营地"), "truncated recognition")
	assert.Empty(t, l.Match("营"), "single runes are too ambiguous")
	assert.Empty(t, l.Match("商店"))
}

func TestFindAndTapVisible(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, mustLayout(t, cityTable, "TownHall"), testConfig())
	h.svc.AddText("Barracks", 400, 800)

	found, err := h.f.FindAndTap(context.Background(), "barracks", true, 3)
	require.NoError(t, err)
	assert.True(t, found)

	// bbox top-left (280,780) + tap offset 150 + drift 80.
	assert.Equal(t, []string{"swipe 540 960 690 1110 3000", "tap 510 1010"}, h.dev.Events())
	assert.False(t, h.dev.tapWhileHeld, "tap must follow the gesture join")
	assert.Equal(t, []time.Duration{1400 * time.Millisecond, tapPause}, h.sleeps)
}

func TestFindAndTapIgnoresSpansOutsideSafeZone(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil, testConfig())
	h.svc.AddText("Barracks", 540, 100)

	found, err := h.f.FindAndTap(context.Background(), "Barracks", false, 3)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, []string{"swipe 540 960 690 1110 3000"}, h.dev.Events(), "one reveal without scrolling")
}

func TestFindAndTapFuzzy(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, mustLayout(t, "| 士兵营地 | 城堡 |", "城堡"), testConfig())
	h.svc.AddText("兵营地", 500, 600)

	found, err := h.f.FindAndTap(context.Background(), "士兵营地", true, 1)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "tap 685 810", h.dev.Events()[1])
}

func TestFindAndTapScrollsTowardTarget(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, mustLayout(t, cityTable, "TownHall"), testConfig())
	h.svc.AddText("TownHall", 540, 960)

	spans, err := h.svc.FindAllText(context.Background(), mocks.Frame(1080, 1920))
	require.NoError(t, err)
	ex, ey := h.f.EstimateViewport(spans)
	assert.Equal(t, 0.0, ex)
	assert.Equal(t, 0.0, ey)

	found, err := h.f.FindAndTap(context.Background(), "Barracks", true, 1)
	require.NoError(t, err)
	assert.False(t, found)

	// Barracks is 400 px right of the estimate, so the map is dragged left.
	assert.Equal(t, []string{
		"swipe 540 960 690 1110 3000",
		"swipe 540 960 140 960 400",
	}, h.dev.Events())
}

func TestScrollIsSplitAndClamped(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	require.NoError(t, h.f.scrollBy(context.Background(), -1000, 900))
	assert.Equal(t, []string{
		"swipe 540 960 140 1360 400",
		"swipe 540 960 140 1360 400",
		"swipe 540 960 340 1060 400",
	}, h.dev.Events())

	h = newHarness(t, nil, testConfig())
	require.NoError(t, h.f.scrollBy(context.Background(), 15, -10))
	assert.Empty(t, h.dev.Events(), "remainders under the epsilon are ignored")

	h = newHarness(t, nil, testConfig())
	require.NoError(t, h.f.scrollBy(context.Background(), 0, -800))
	assert.Equal(t, []string{
		"swipe 540 960 540 560 400",
		"swipe 540 960 540 560 400",
	}, h.dev.Events())
}

func TestFindAndTapStopsWhenTargetShouldBeVisible(t *testing.T) {
	h := newHarness(t, mustLayout(t, cityTable, "TownHall"), testConfig())
	// Farm at (900,1340) puts the viewport at (40,20), within tolerance of
	// TownHall.
	h.svc.AddText("Farm", 900, 1340)

	found, err := h.f.FindAndTap(context.Background(), "TownHall", true, 5)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Len(t, h.dev.Events(), 1, "no scroll once the estimate is on target")
}

func TestFindAndTapUnknownBuilding(t *testing.T) {
	h := newHarness(t, mustLayout(t, cityTable, "TownHall"), testConfig())
	found, err := h.f.FindAndTap(context.Background(), "Harbor", true, 5)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Len(t, h.dev.Events(), 1)
}

func TestJoinTimeoutWithholdsTapUntilExpiry(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.JoinTimeout = 20 * time.Millisecond
	h := newHarness(t, nil, cfg)
	h.dev.release = make(chan struct{})
	defer close(h.dev.release)
	h.svc.AddText("Barracks", 400, 800)

	start := time.Now()
	found, err := h.f.FindAndTap(context.Background(), "Barracks", false, 1)
	require.NoError(t, err)
	assert.True(t, found)
	assert.GreaterOrEqual(t, time.Since(start), cfg.JoinTimeout)
	assert.True(t, h.dev.tapWhileHeld, "a stuck gesture only delays the tap up to the timeout")
}

func TestRevealPropagatesDisconnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil, testConfig())
	h.dev.Err = fmt.Errorf("%w: device offline", device.ErrDisconnected)

	_, err := h.f.FindAndTap(context.Background(), "Barracks", true, 3)
	require.ErrorIs(t, err, device.ErrDisconnected)
}

func TestReadAll(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, mustLayout(t, cityTable, "TownHall"), testConfig())
	h.svc.AddText("Farm Lv.3", 300, 500).AddText("Event", 700, 400)

	labels, err := h.f.ReadAll(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []Label{
		{Name: "Farm", X: 300, Y: 500},
		{Name: "Event", X: 700, Y: 400},
	}, labels)
}
