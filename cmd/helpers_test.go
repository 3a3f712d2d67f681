// File: cmd/helpers_test.go
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/questpilot/internal/mocks"
	"github.com/xkilldash9x/questpilot/internal/observability"
	"github.com/xkilldash9x/questpilot/internal/service"
)

// testEnv is a temp directory holding a config file whose every path points
// inside it.
type testEnv struct {
	dir       string
	config    string
	statePath string
	tasksPath string
	logPath   string
}

const testConfigTemplate = `
logger:
  level: error
  log_file: %[1]s/questpilot.log
profile:
  path: ""
state:
  path: %[1]s/state.json
  tasks_path: %[1]s/tasks.json
loop:
  interval: 1ms
finder:
  hold_duration: 20ms
  capture_delay: 10ms
  layout_file: ""
`

// resetForTest clears the global logger so PersistentPreRunE can initialize
// it again with the test config.
func resetForTest(t *testing.T) *testEnv {
	t.Helper()
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)

	dir := t.TempDir()
	env := &testEnv{
		dir:       dir,
		config:    filepath.Join(dir, "config.yaml"),
		statePath: filepath.Join(dir, "state.json"),
		tasksPath: filepath.Join(dir, "tasks.json"),
		logPath:   filepath.Join(dir, "questpilot.log"),
	}
	if err := os.WriteFile(env.config, []byte(fmt.Sprintf(testConfigTemplate, dir)), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return env
}

// newTestRoot wires the command tree to in-memory doubles.
func newTestRoot(dev *mocks.RecordingDevice, svc *mocks.StaticVision) *cobra.Command {
	return newRootCommand(service.NewComponentFactory(
		service.WithDevice(dev),
		service.WithVision(svc)))
}

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}
