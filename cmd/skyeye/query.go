package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/skyeye-pipeline/internal/evidence"
	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

type queryFlags struct {
	box      string
	near     string
	radiusKm float64
	label    string
	asJSON   bool
	limit    int
}

func newQueryCmd() *cobra.Command {
	f := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "query <run-dir|detections.jsonl>",
		Short: "Search recorded detections by area",
		Long: `Build a spatial index over a run's detection log and search it by
bounding box (--box lat1,lon1,lat2,lon2) or by distance (--near lat,lon --radius-km r).
Without either, every record is listed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, args[0], f)
		},
	}
	cmd.Flags().StringVar(&f.box, "box", "", "Bounding box lat1,lon1,lat2,lon2")
	cmd.Flags().StringVar(&f.near, "near", "", "Center point lat,lon")
	cmd.Flags().Float64VarP(&f.radiusKm, "radius-km", "r", 0.1, "Search radius in km (with --near)")
	cmd.Flags().StringVarP(&f.label, "label", "l", "", "Only records with this label")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "Output results as JSON")
	cmd.Flags().IntVar(&f.limit, "limit", 100, "Maximum number of results to display (0 = all)")
	cmd.MarkFlagsMutuallyExclusive("box", "near")
	return cmd
}

func runQuery(cmd *cobra.Command, target string, f *queryFlags) error {
	path := target
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		path = filepath.Join(target, evidence.LogName)
	}
	records, err := evidence.ReadLog(path)
	if err != nil {
		return err
	}
	index := evidence.BuildIndex(records)

	var results []types.Detection
	switch {
	case f.box != "":
		v, err := parseFloats(f.box, 4)
		if err != nil {
			return fmt.Errorf("--box: %w", err)
		}
		results, err = index.SearchBox(v[0], v[1], v[2], v[3])
		if err != nil {
			return err
		}
	case f.near != "":
		v, err := parseFloats(f.near, 2)
		if err != nil {
			return fmt.Errorf("--near: %w", err)
		}
		results, err = index.SearchRadius(v[0], v[1], f.radiusKm)
		if err != nil {
			return err
		}
	default:
		results = records
	}

	if f.label != "" {
		filtered := results[:0:0]
		for _, d := range results {
			if d.Label == f.label {
				filtered = append(filtered, d)
			}
		}
		results = filtered
	}
	total := len(results)
	if f.limit > 0 && len(results) > f.limit {
		results = results[:f.limit]
	}

	out := cmd.OutOrStdout()
	if f.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	fmt.Fprintf(out, "%d of %d records match (index size %d)\n", total, len(records), index.Size())
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FRAME\tLABEL\tCONF\tLAT\tLON\tTIME\tIMAGE")
	for _, d := range results {
		fmt.Fprintf(tw, "%d\t%s\t%.2f\t%.6f\t%.6f\t%s\t%s\n",
			d.FrameIndex, d.Label, d.Confidence, d.Position.Latitude, d.Position.Longitude,
			d.Timestamp.Format("2006-01-02 15:04:05"), d.Image)
	}
	return tw.Flush()
}

// parseFloats parses exactly n comma-separated numbers.
func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("want %d comma-separated numbers, got %d", n, len(parts))
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, errors.New("invalid number " + strconv.Quote(p))
		}
		out[i] = v
	}
	return out, nil
}
