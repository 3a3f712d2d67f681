// File: internal/device/adb_test.go
package device

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/questpilot/internal/config"
	"go.uber.org/zap/zaptest"
)

// fakeADB routes adb invocations to TestHelperProcess and records the args.
func fakeADB(t *testing.T, mode string) *[]string {
	t.Helper()
	var captured []string
	execCommandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		captured = append([]string{}, args...)
		cs := append([]string{"-test.run=TestHelperProcess", "--"}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HELPER_MODE="+mode)
		return cmd
	}
	t.Cleanup(func() { execCommandContext = exec.CommandContext })
	return &captured
}

func newTestADB(t *testing.T) *ADB {
	return NewADB(config.DeviceConfig{Serial: "emulator-5554", CommandTimeout: 5 * time.Second}, zaptest.NewLogger(t))
}

func TestADBCommands(t *testing.T) {
	ctx := context.Background()

	t.Run("TapBuildsInputCommand", func(t *testing.T) {
		args := fakeADB(t, "ok")
		require.NoError(t, newTestADB(t).Tap(ctx, 950, 120))
		assert.Equal(t, []string{"-s", "emulator-5554", "shell", "input", "tap", "950", "120"}, *args)
	})

	t.Run("SwipeUsesMilliseconds", func(t *testing.T) {
		args := fakeADB(t, "ok")
		require.NoError(t, newTestADB(t).Swipe(ctx, 540, 960, 690, 1110, 3*time.Second))
		assert.Equal(t, []string{"-s", "emulator-5554", "shell", "input", "swipe", "540", "960", "690", "1110", "3000"}, *args)
	})

	t.Run("KeyEvent", func(t *testing.T) {
		args := fakeADB(t, "ok")
		require.NoError(t, newTestADB(t).KeyEvent(ctx, KeyBack))
		assert.Equal(t, []string{"-s", "emulator-5554", "shell", "input", "keyevent", "4"}, *args)
	})

	t.Run("RestartEndsWithLauncher", func(t *testing.T) {
		args := fakeADB(t, "ok")
		require.NoError(t, newTestADB(t).Restart(ctx, "com.example.game"))
		assert.Equal(t, []string{"-s", "emulator-5554", "shell", "monkey", "-p", "com.example.game", "-c", "android.intent.category.LAUNCHER", "1"}, *args)
	})

	t.Run("CaptureDecodesPNG", func(t *testing.T) {
		fakeADB(t, "png")
		capture, err := newTestADB(t).Capture(ctx)
		require.NoError(t, err)
		assert.Equal(t, 8, capture.Width())
		assert.Equal(t, 4, capture.Height())
		assert.False(t, capture.TakenAt.IsZero())
	})

	t.Run("OfflineDeviceMapsToErrDisconnected", func(t *testing.T) {
		fakeADB(t, "offline")
		err := newTestADB(t).Tap(ctx, 1, 1)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDisconnected))
	})

	t.Run("OtherFailuresAreNotDisconnects", func(t *testing.T) {
		fakeADB(t, "fail")
		err := newTestADB(t).Tap(ctx, 1, 1)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrDisconnected))
		assert.Contains(t, err.Error(), "adb -s emulator-5554 shell input tap")
	})
}

func TestCaptureGeometry(t *testing.T) {
	c := NewCapture(image.NewRGBA(image.Rect(0, 0, 1080, 1920)))
	x, y := c.Center()
	assert.Equal(t, 540, x)
	assert.Equal(t, 960, y)
	assert.True(t, c.Contains(0, 0))
	assert.False(t, c.Contains(1080, 10))
	assert.False(t, c.Contains(-1, 10))

	cropped := c.Crop(image.Rect(840, 1632, 1200, 2000))
	assert.Equal(t, 240, cropped.Bounds().Dx())
	assert.Equal(t, 288, cropped.Bounds().Dy())
}

// TestHelperProcess stands in for the adb binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	switch os.Getenv("HELPER_MODE") {
	case "png":
		img := image.NewRGBA(image.Rect(0, 0, 8, 4))
		img.Set(1, 1, color.White)
		_ = png.Encode(os.Stdout, img)
	case "offline":
		fmt.Fprintln(os.Stderr, "error: device offline")
		os.Exit(1)
	case "fail":
		fmt.Fprintln(os.Stderr, strings.Repeat("x", 3))
		os.Exit(2)
	}
	os.Exit(0)
}
