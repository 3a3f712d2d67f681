// File: internal/device/adb.go
package device

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/xkilldash9x/questpilot/internal/config"
	"go.uber.org/zap"
)

// execCommandContext is swapped in tests.
var execCommandContext = exec.CommandContext

// disconnectMarkers are adb stderr fragments that mean the transport is gone.
var disconnectMarkers = []string{
	"device offline",
	"no devices/emulators found",
	"device unauthorized",
	"not found",
	"closed",
}

// ADB drives an Android device through the adb binary.
type ADB struct {
	adbPath string
	serial  string
	timeout time.Duration
	logger  *zap.Logger
}

var _ Device = (*ADB)(nil)

// NewADB builds a device from configuration.
func NewADB(cfg config.DeviceConfig, logger *zap.Logger) *ADB {
	path := cfg.ADBPath
	if path == "" {
		path = "adb"
	}
	return &ADB{
		adbPath: path,
		serial:  cfg.Serial,
		timeout: cfg.CommandTimeout,
		logger:  logger.Named("adb"),
	}
}

func (a *ADB) run(ctx context.Context, args ...string) ([]byte, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	if a.serial != "" {
		args = append([]string{"-s", a.serial}, args...)
	}

	cmd := execCommandContext(ctx, a.adbPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		for _, marker := range disconnectMarkers {
			if strings.Contains(msg, marker) {
				return nil, fmt.Errorf("%w: %s", ErrDisconnected, msg)
			}
		}
		return nil, fmt.Errorf("adb %s failed: %w (%s)", strings.Join(args, " "), err, msg)
	}
	return stdout.Bytes(), nil
}

func (a *ADB) shell(ctx context.Context, args ...string) error {
	_, err := a.run(ctx, append([]string{"shell"}, args...)...)
	return err
}

// Capture grabs the screen as PNG over exec-out.
func (a *ADB) Capture(ctx context.Context) (*Capture, error) {
	out, err := a.run(ctx, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("failed to decode screencap: %w", err)
	}
	return NewCapture(img), nil
}

func (a *ADB) Tap(ctx context.Context, x, y int) error {
	a.logger.Debug("tap", zap.Int("x", x), zap.Int("y", y))
	return a.shell(ctx, "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
}

func (a *ADB) Swipe(ctx context.Context, x1, y1, x2, y2 int, duration time.Duration) error {
	a.logger.Debug("swipe",
		zap.Int("x1", x1), zap.Int("y1", y1),
		zap.Int("x2", x2), zap.Int("y2", y2),
		zap.Duration("duration", duration))
	return a.shell(ctx, "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.FormatInt(duration.Milliseconds(), 10))
}

func (a *ADB) KeyEvent(ctx context.Context, code int) error {
	a.logger.Debug("keyevent", zap.Int("code", code))
	return a.shell(ctx, "input", "keyevent", strconv.Itoa(code))
}

// Restart force-stops the package and relaunches its launcher activity.
func (a *ADB) Restart(ctx context.Context, pkg string) error {
	a.logger.Info("restarting application", zap.String("package", pkg))
	if err := a.shell(ctx, "am", "force-stop", pkg); err != nil {
		return err
	}
	return a.shell(ctx, "monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")
}
