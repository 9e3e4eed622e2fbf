package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/skyeye-pipeline/internal/mission"
	"github.com/dj-oyu/skyeye-pipeline/internal/plan"
)

func newPlanCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plan <mission.plan>",
		Short: "Parse a mission plan and print the items that would be uploaded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			waypoints, err := plan.Load(args[0])
			if err != nil {
				return err
			}
			p, err := mission.Translate(waypoints)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"waypoints":   waypoints,
					"items":       p.Items,
					"auto_return": p.AutoReturn,
				})
			}

			fmt.Fprintf(out, "%d waypoints, %d plan items, auto-return %v\n", len(waypoints), len(p.Items), p.AutoReturn)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tACTION\tLAT\tLON\tALT\tSPEED")
			for i, it := range p.Items {
				fmt.Fprintf(tw, "%d\t%s\t%.6f\t%.6f\t%.1f\t%.1f\n", i, it.Action, it.Latitude, it.Longitude, it.Altitude, it.Speed)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
