// File: cmd/classify.go
package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/questpilot/internal/scene"
	"github.com/xkilldash9x/questpilot/internal/service"
)

func newClassifyCmd(factory service.ComponentFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "classify",
		Short: "Capture the screen once and print the detected scene",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(comps *service.Components) error {
				ctx := cmd.Context()
				capture, err := comps.Device.Capture(ctx)
				if err != nil {
					return err
				}
				res := comps.Classifier.Classify(ctx, capture.Image)

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Scene: %s\n", res.Scene)
				tags := make([]scene.Tag, 0, len(res.Confidence))
				for t := range res.Confidence {
					tags = append(tags, t)
				}
				sort.Slice(tags, func(i, j int) bool {
					if res.Confidence[tags[i]] != res.Confidence[tags[j]] {
						return res.Confidence[tags[i]] > res.Confidence[tags[j]]
					}
					return tags[i] < tags[j]
				})
				for _, t := range tags {
					fmt.Fprintf(out, "  %-12s %.2f\n", t, res.Confidence[t])
				}

				if res.Scene != scene.MainHub {
					return nil
				}
				bar := comps.Bars.Detect(ctx, capture.Image)
				if !bar.Visible {
					fmt.Fprintln(out, "Quest bar: not visible")
					return nil
				}
				fmt.Fprintf(out, "Quest bar: %q completable=%t reward=%t pointer=%t\n",
					bar.Label, bar.Completable, bar.HasPendingReward, bar.PointerVisible)
				return nil
			})
		},
	}
}
