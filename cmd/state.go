// File: cmd/state.go
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/questpilot/internal/state"
	"github.com/xkilldash9x/questpilot/internal/tasks"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newStateCmd() *cobra.Command {
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or reset the persisted game state",
	}
	stateCmd.AddCommand(newStateShowCmd(), newStateTasksCmd(), newStateResetCmd())
	return stateCmd
}

func newStateShowCmd() *cobra.Command {
	var summary bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the persisted snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			snap, err := state.Load(cfg.State().Path, nil)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if summary {
				q := tasks.NewQueue()
				if err := q.Load(cfg.State().TasksPath); err != nil {
					return err
				}
				var pending []string
				for _, t := range q.Snapshot() {
					if t.Status == tasks.StatusPending {
						pending = append(pending, t.Name)
					}
				}
				fmt.Fprint(out, snap.Summary(pending))
				return nil
			}

			b, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode state: %w", err)
			}
			fmt.Fprintln(out, string(b))
			return nil
		},
	}
	showCmd.Flags().BoolVar(&summary, "summary", false, "print the text summary sent to the reasoning layer")
	return showCmd
}

func newStateTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the persisted task queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			q := tasks.NewQueue()
			if err := q.Load(cfg.State().TasksPath); err != nil {
				return err
			}

			list := q.Snapshot()
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPRIORITY\tSTATUS\tRETRIES")
			for _, t := range list {
				fmt.Fprintf(w, "%s\t%d\t%s\t%d/%d\n", t.Name, t.Priority, t.Status, t.RetryCount, t.MaxRetries)
			}
			return w.Flush()
		},
	}
}

func newStateResetCmd() *cobra.Command {
	var withTasks bool
	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the persisted snapshot so the next run starts idle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			paths := []string{cfg.State().Path}
			if withTasks {
				paths = append(paths, cfg.State().TasksPath)
			}
			for _, p := range paths {
				if p == "" {
					continue
				}
				if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("failed to remove %s: %w", p, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", p)
			}
			return nil
		},
	}
	resetCmd.Flags().BoolVar(&withTasks, "tasks", false, "also clear the task queue")
	return resetCmd
}
