package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/nadag/internal/export"
	"github.com/ppiankov/nadag/internal/model"
	"github.com/ppiankov/nadag/internal/pipeline"
)

var (
	rockBBox        string
	rockThreshold   int
	rockNoRockDepth float64
	rockOut         string
	rockSQLite      string
	rockTimeout     time.Duration
)

// rockdepthCmd represents the rockdepth command
var rockdepthCmd = &cobra.Command{
	Use:   "rockdepth",
	Short: "Derive depth-to-bedrock points inside a bounding box",
	Long: `Rockdepth builds a bedrock dataset from the investigations in a bounding box.

Boreholes with a recorded rock depth contribute it with its quality
(0 unknown, 1 assumed, 2 proven). Boreholes without one that were drilled
at least --no-rock-depth metres contribute their drilled length with
quality 0. Points below the quality threshold or at 500 m and deeper
are dropped.

Example:
  nadag rockdepth --bbox 261000,6650000,263000,6652000
  nadag rockdepth --bbox 261000,6650000,263000,6652000 --threshold 2 --out rock.geojson`,
	Args: cobra.NoArgs,
	RunE: runRockDepth,
}

func init() {
	rootCmd.AddCommand(rockdepthCmd)

	rockdepthCmd.Flags().StringVar(&rockBBox, "bbox", "", "bounding box minx,miny,maxx,maxy (required)")
	_ = rockdepthCmd.MarkFlagRequired("bbox")
	rockdepthCmd.Flags().IntVar(&rockThreshold, "threshold", 0, "minimum rock depth quality, 0 to 2")
	rockdepthCmd.Flags().Float64Var(&rockNoRockDepth, "no-rock-depth", pipeline.DefaultNoRockDepth, "drilled length taken as bedrock when no rock depth is recorded")
	rockdepthCmd.Flags().StringVar(&rockOut, "out", "rock_depth.geojson", "GeoJSON output path")
	rockdepthCmd.Flags().StringVar(&rockSQLite, "sqlite", "", "also store the dataset in this SQLite database")
	rockdepthCmd.Flags().DurationVar(&rockTimeout, "timeout", 30*time.Minute, "overall query timeout")
}

func runRockDepth(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	bounds, err := model.ParseBounds(rockBBox)
	if err != nil {
		return err
	}
	// reject a bad threshold before querying
	if _, err := pipeline.RockDepthDataset(nil, rockThreshold, rockNoRockDepth); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, rockTimeout)
	defer cancel()

	p := newPipeline(ctx, cfg, logger)
	result, err := p.Assemble(ctx, bounds, cfg.Grid.MaxQueryExtent, model.SampleOptions{})
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}

	rows, err := pipeline.RockDepthDataset(result.Investigations, rockThreshold, rockNoRockDepth)
	if err != nil {
		return err
	}
	rock := 0
	for _, r := range rows {
		if r.Source == pipeline.SourceRock {
			rock++
		}
	}
	logger.Info("rock depth dataset",
		"query_id", result.QueryID,
		"investigations", len(result.Investigations),
		"rock", rock,
		"no_rock", len(rows)-rock,
		"threshold", rockThreshold,
	)

	if err := export.WriteRockDepthFile(rockOut, result.CRS, rows); err != nil {
		return err
	}
	if rockSQLite != "" {
		db, err := export.NewSQLite(rockSQLite)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		if err := db.WriteRockDepth(ctx, result.QueryID, rows); err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "✓ %d rock depth points (%d recorded, %d from drilled length) written to %s\n",
		len(rows), rock, len(rows)-rock, rockOut)
	return nil
}
