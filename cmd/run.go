// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/questpilot/internal/config"
	"github.com/xkilldash9x/questpilot/internal/observability"
	"github.com/xkilldash9x/questpilot/internal/service"
)

func newRunCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		maxIterations int
		serial        string
		reasoning     bool
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the automation loop against the connected device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			// Flags win over file and environment only when given.
			flags := cmd.Flags()
			if flags.Changed("max-iterations") {
				cfg.SetLoopMaxIterations(maxIterations)
			}
			if flags.Changed("serial") {
				cfg.SetDeviceSerial(serial)
			}
			if flags.Changed("reasoning") {
				cfg.SetReasoningEnabled(reasoning)
			}

			return runAgent(ctx, cfg, factory, cmd.OutOrStdout(), observability.GetLogger())
		},
	}

	runCmd.Flags().IntVarP(&maxIterations, "max-iterations", "n", 0, "stop after this many iterations (0 runs until interrupted)")
	runCmd.Flags().StringVarP(&serial, "serial", "s", "", "adb device serial")
	runCmd.Flags().BoolVar(&reasoning, "reasoning", false, "enable the LLM reasoning layer")
	return runCmd
}

func runAgent(ctx context.Context, cfg config.Interface, factory service.ComponentFactory, out io.Writer, logger *zap.Logger) error {
	comps, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer comps.Shutdown()

	a, err := comps.NewAgent()
	if err != nil {
		return err
	}

	logger.Info("Starting run",
		zap.String("run_id", a.RunID()),
		zap.String("profile", comps.Profile.Name),
		zap.String("device", cfg.Device().Serial))

	if err := a.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("Run interrupted, state saved", zap.String("run_id", a.RunID()))
			return nil
		}
		return fmt.Errorf("run %s stopped: %w", a.RunID(), err)
	}

	fmt.Fprintf(out, "Run %s finished after %d iterations.\n", a.RunID(), comps.Snapshot.LoopCount())
	return nil
}
