package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/nadag/internal/export"
	"github.com/ppiankov/nadag/internal/model"
	"github.com/ppiankov/nadag/internal/pipeline"
)

var (
	fetchBBox      string
	fetchSamples   bool
	fetchMaxExtent float64
	fetchGeoJSON   string
	fetchSQLite    string
	fetchKafka     bool
	fetchTimeout   time.Duration
)

// fetchCmd represents the fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Assemble boreholes, soundings and samples inside a bounding box",
	Long: `Fetch queries every geotechnical investigation intersecting a bounding box:
- Boxes larger than grid.max_query_extent are split into cells
- Each borehole's location, soundings and measured series are resolved
- Sounding rows get hammering, increased rotation and flushing intervals
- Lab samples are joined, classified and aggregated per series part
- Results are written to the selected outputs

Coordinates are in the configured CRS (api.crs, EPSG:25833 by default).

Example:
  nadag fetch --bbox 261000,6650000,263000,6652000
  nadag fetch --bbox 261000,6650000,263000,6652000 --samples=false --sqlite nadag.db
  nadag fetch --bbox 261000,6650000,265000,6654000 --max-extent 1000 --kafka`,
	Args: cobra.NoArgs,
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringVar(&fetchBBox, "bbox", "", "bounding box minx,miny,maxx,maxy (required)")
	_ = fetchCmd.MarkFlagRequired("bbox")
	fetchCmd.Flags().BoolVar(&fetchSamples, "samples", true, "include lab samples (default: samples.include)")
	fetchCmd.Flags().Float64Var(&fetchMaxExtent, "max-extent", 0, "split boxes wider or taller than this (default: grid.max_query_extent)")

	// Output flags
	fetchCmd.Flags().StringVar(&fetchGeoJSON, "geojson", "", "GeoJSON output path, empty disables (default: output.geojson_path)")
	fetchCmd.Flags().StringVar(&fetchSQLite, "sqlite", "", "SQLite database path (default: output.sqlite_path)")
	fetchCmd.Flags().BoolVar(&fetchKafka, "kafka", false, "publish soundings and samples to kafka.topic (default: output.kafka)")

	fetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", 30*time.Minute, "overall query timeout")
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	bounds, err := model.ParseBounds(fetchBBox)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("samples") {
		cfg.Samples.Include = fetchSamples
	}
	if flags.Changed("max-extent") {
		cfg.Grid.MaxQueryExtent = fetchMaxExtent
	}
	if flags.Changed("geojson") {
		cfg.Output.GeoJSONPath = fetchGeoJSON
	}
	if flags.Changed("sqlite") {
		cfg.Output.SQLitePath = fetchSQLite
	}
	if flags.Changed("kafka") {
		cfg.Output.Kafka = fetchKafka
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sinks, err := buildSinks(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			logger.Warn("closing outputs", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	p := newPipeline(ctx, cfg, logger)

	result, err := p.Assemble(ctx, bounds, cfg.Grid.MaxQueryExtent, cfg.Samples.Options())
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	if err := sinks.Write(ctx, result); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}

	printSummary(cmd.ErrOrStderr(), result, outputNames(cfg))
	return nil
}

// newPipeline builds a pipeline and refreshes the collection list and CRS
// table from the live API, keeping the configured ones when it is down.
func newPipeline(ctx context.Context, cfg *model.Config, logger *slog.Logger) *pipeline.Pipeline {
	p := pipeline.NewPipeline(cfg, logger, newMetrics())
	caps := p.Client().Capabilities(ctx)
	if !caps.Live {
		logger.Warn("api capabilities unavailable, using configured collections", "url", cfg.API.BaseURL)
	}
	caps.Apply(cfg)
	return p
}

// buildSinks opens every configured output.
func buildSinks(cfg *model.Config, logger *slog.Logger) (export.Multi, error) {
	var sinks export.Multi
	if cfg.Output.GeoJSONPath != "" {
		sinks = append(sinks, export.NewGeoJSONFile(cfg.Output.GeoJSONPath))
	}
	if cfg.Output.SQLitePath != "" {
		db, err := export.NewSQLite(cfg.Output.SQLitePath)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, db)
	}
	if cfg.Output.Kafka {
		if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
			_ = sinks.Close()
			return nil, &model.ValidationError{Field: "kafka.brokers", Reason: "brokers and topic are required when publishing to kafka"}
		}
		sinks = append(sinks, export.NewKafka(cfg.Kafka, logger))
	}
	if len(sinks) == 0 {
		return nil, &model.ValidationError{Field: "output", Reason: "no output selected"}
	}
	return sinks, nil
}

func outputNames(cfg *model.Config) []string {
	var names []string
	if cfg.Output.GeoJSONPath != "" {
		names = append(names, cfg.Output.GeoJSONPath)
	}
	if cfg.Output.SQLitePath != "" {
		names = append(names, cfg.Output.SQLitePath)
	}
	if cfg.Output.Kafka {
		names = append(names, "kafka:"+cfg.Kafka.Topic)
	}
	return names
}

func printSummary(w io.Writer, result *model.Result, outputs []string) {
	s := result.Stats
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(w, "  Query Complete\n")
	fmt.Fprintf(w, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "  Query ID:        %s\n", result.QueryID)
	fmt.Fprintf(w, "  Bounds:          %s\n", result.Bounds.String())
	fmt.Fprintf(w, "  Cells:           %d (%d failed)\n", s.Cells, s.CellsFailed)
	fmt.Fprintf(w, "  Investigations:  %d (%d duplicates dropped)\n", s.Investigations, s.Duplicates)
	fmt.Fprintf(w, "  Soundings:       %d\n", s.Soundings)
	fmt.Fprintf(w, "  Samples:         %d\n", s.Samples)
	fmt.Fprintf(w, "  Documents:       %d resolved, %d failed, %d timed out\n", s.DocumentsResolved, s.DocumentsFailed, s.DocumentsTimedOut)
	if len(outputs) > 0 {
		fmt.Fprintf(w, "  Output:          %s\n", strings.Join(outputs, ", "))
	}
	if s.Partial() {
		fmt.Fprintf(w, "\n")
		fmt.Fprintf(w, "  ⚠️  Partial result: %d methods, %d sample lookups and %d normalizations failed\n",
			s.MethodsFailed, s.SampleFailures, s.NormalizeErrors)
	}
	fmt.Fprintf(w, "\n")
}
