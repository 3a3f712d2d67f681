// File: cmd/find.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/questpilot/internal/service"
)

func newFindCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		noScroll bool
		attempts int
	)

	findCmd := &cobra.Command{
		Use:   "find <building>",
		Short: "Locate a building in the city view and tap it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withComponents(cmd, factory, func(comps *service.Components) error {
				found, err := comps.Finder.FindAndTap(cmd.Context(), name, !noScroll, attempts)
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("building %q not found", name)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Tapped %s\n", name)
				return nil
			})
		},
	}

	findCmd.Flags().BoolVar(&noScroll, "no-scroll", false, "only look at the current viewport")
	findCmd.Flags().IntVar(&attempts, "attempts", 0, "maximum reveal attempts (0 uses finder.max_attempts)")
	return findCmd
}
