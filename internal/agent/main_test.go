// File: internal/agent/main_test.go
package agent_test

import (
	"os"
	"testing"

	"github.com/xkilldash9x/questpilot/internal/config"
	"github.com/xkilldash9x/questpilot/internal/observability"
	"go.uber.org/zap/zapcore"
)

// TestMain gives the agent tests a debug console logger and no log file,
// so loop runs never leave questpilot.log behind.
func TestMain(m *testing.M) {
	logCfg := config.NewDefaultConfig().Logger()
	logCfg.Level = "debug"
	logCfg.ServiceName = "agent-test"
	logCfg.LogFile = ""
	observability.Initialize(logCfg, zapcore.Lock(os.Stdout))

	code := m.Run()

	observability.Sync()
	observability.ResetForTest()
	os.Exit(code)
}
