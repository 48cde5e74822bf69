package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ppiankov/nadag/internal/pipeline"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the feature API and list its collections and reference systems",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		client := pipeline.NewPipeline(cfg, logger, newMetrics()).Client()
		caps := client.Capabilities(cmd.Context())

		out := cmd.OutOrStdout()
		state := "unreachable (showing configured defaults)"
		if caps.Live {
			state = "ok"
		}
		fmt.Fprintf(out, "API:          %s\n", cfg.API.BaseURL)
		fmt.Fprintf(out, "Status:       %s\n", state)
		fmt.Fprintf(out, "\nCollections (%d):\n", len(caps.Collections))
		for _, c := range caps.Collections {
			fmt.Fprintf(out, "  %s\n", c)
		}

		codes := make([]string, 0, len(caps.CRS))
		for code := range caps.CRS {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		fmt.Fprintf(out, "\nReference systems (%d):\n", len(codes))
		for _, code := range codes {
			marker := " "
			if code == fmt.Sprint(cfg.API.CRS) {
				marker = "*"
			}
			fmt.Fprintf(out, " %s EPSG:%-6s %s\n", marker, code, caps.CRS[code])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
