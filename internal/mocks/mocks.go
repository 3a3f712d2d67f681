// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"image"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/questpilot/internal/action"
	"github.com/xkilldash9x/questpilot/internal/config"
	"github.com/xkilldash9x/questpilot/internal/device"
	"github.com/xkilldash9x/questpilot/internal/tasks"
	"github.com/xkilldash9x/questpilot/internal/vision"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Device() config.DeviceConfig {
	args := m.Called()
	return args.Get(0).(config.DeviceConfig)
}

func (m *MockConfig) Vision() config.VisionConfig {
	args := m.Called()
	return args.Get(0).(config.VisionConfig)
}

func (m *MockConfig) Loop() config.LoopConfig {
	args := m.Called()
	return args.Get(0).(config.LoopConfig)
}

func (m *MockConfig) Executor() config.ExecutorConfig {
	args := m.Called()
	return args.Get(0).(config.ExecutorConfig)
}

func (m *MockConfig) Quest() config.QuestConfig {
	args := m.Called()
	return args.Get(0).(config.QuestConfig)
}

func (m *MockConfig) Finder() config.FinderConfig {
	args := m.Called()
	return args.Get(0).(config.FinderConfig)
}

func (m *MockConfig) Recovery() config.RecoveryConfig {
	args := m.Called()
	return args.Get(0).(config.RecoveryConfig)
}

func (m *MockConfig) Reasoning() config.ReasoningConfig {
	args := m.Called()
	return args.Get(0).(config.ReasoningConfig)
}

func (m *MockConfig) State() config.StateConfig {
	args := m.Called()
	return args.Get(0).(config.StateConfig)
}

func (m *MockConfig) Store() config.StoreConfig {
	args := m.Called()
	return args.Get(0).(config.StoreConfig)
}

func (m *MockConfig) Profile() config.ProfileConfig {
	args := m.Called()
	return args.Get(0).(config.ProfileConfig)
}

// --- Setters ---

func (m *MockConfig) SetDeviceSerial(s string) {
	m.Called(s)
}

func (m *MockConfig) SetLoopMaxIterations(n int) {
	m.Called(n)
}

func (m *MockConfig) SetReasoningEnabled(b bool) {
	m.Called(b)
}

// -- Device Mock --

// MockDevice mocks device.Device.
type MockDevice struct {
	mock.Mock
}

var _ device.Device = (*MockDevice)(nil)

func (m *MockDevice) Capture(ctx context.Context) (*device.Capture, error) {
	args := m.Called(ctx)
	c, _ := args.Get(0).(*device.Capture)
	return c, args.Error(1)
}

func (m *MockDevice) Tap(ctx context.Context, x, y int) error {
	args := m.Called(ctx, x, y)
	return args.Error(0)
}

func (m *MockDevice) Swipe(ctx context.Context, x1, y1, x2, y2 int, duration time.Duration) error {
	args := m.Called(ctx, x1, y1, x2, y2, duration)
	return args.Error(0)
}

func (m *MockDevice) KeyEvent(ctx context.Context, code int) error {
	args := m.Called(ctx, code)
	return args.Error(0)
}

func (m *MockDevice) Restart(ctx context.Context, pkg string) error {
	args := m.Called(ctx, pkg)
	return args.Error(0)
}

// -- Vision Mock --

// MockVision mocks vision.Service.
type MockVision struct {
	mock.Mock
}

var _ vision.Service = (*MockVision)(nil)

func (m *MockVision) MatchLandmark(ctx context.Context, img image.Image, name string) (*vision.LandmarkMatch, error) {
	args := m.Called(ctx, img, name)
	lm, _ := args.Get(0).(*vision.LandmarkMatch)
	return lm, args.Error(1)
}

func (m *MockVision) MatchAllLandmarks(ctx context.Context, img image.Image, category string) ([]vision.LandmarkMatch, error) {
	args := m.Called(ctx, img, category)
	lms, _ := args.Get(0).([]vision.LandmarkMatch)
	return lms, args.Error(1)
}

func (m *MockVision) FindText(ctx context.Context, img image.Image, text string) (*vision.TextMatch, error) {
	args := m.Called(ctx, img, text)
	tm, _ := args.Get(0).(*vision.TextMatch)
	return tm, args.Error(1)
}

func (m *MockVision) FindAllText(ctx context.Context, img image.Image) ([]vision.TextMatch, error) {
	args := m.Called(ctx, img)
	tms, _ := args.Get(0).([]vision.TextMatch)
	return tms, args.Error(1)
}

// -- Reasoning Mock --

// MockReasoner mocks the reasoning service surface used by the agent and
// the quest workflow.
type MockReasoner struct {
	mock.Mock
}

func (m *MockReasoner) Consult(ctx context.Context, img image.Image, summary string) ([]tasks.Task, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	args := m.Called(ctx, img, summary)
	ts, _ := args.Get(0).([]tasks.Task)
	return ts, args.Error(1)
}

func (m *MockReasoner) AnalyzeQuestExecution(ctx context.Context, img image.Image, label string) ([]action.Action, error) {
	args := m.Called(ctx, img, label)
	as, _ := args.Get(0).([]action.Action)
	return as, args.Error(1)
}

func (m *MockReasoner) AnalyzeUnknownScene(ctx context.Context, img image.Image) ([]action.Action, error) {
	args := m.Called(ctx, img)
	as, _ := args.Get(0).([]action.Action)
	return as, args.Error(1)
}
