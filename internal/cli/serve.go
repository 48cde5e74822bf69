package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/nadag/internal/server"
)

var serveAddr string

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve borehole and rock depth queries over HTTP",
	Long: `Serve starts an HTTP server with:
  GET /v1/boreholes?bbox=minx,miny,maxx,maxy[&samples=true][&aggregate=false][&map_layer_composition=false]
  GET /v1/rockdepth?bbox=minx,miny,maxx,maxy[&threshold=0..2][&max_depth=25]
  GET /healthz, /readyz, /metrics

Readiness reflects whether the feature API answers its landing page.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default: server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := newPipeline(ctx, cfg, logger)
	client := p.Client()
	ready := server.ReadinessFunc(func(ctx context.Context) error {
		if !client.Status(ctx) {
			return fmt.Errorf("feature api unreachable: %s", cfg.API.BaseURL)
		}
		return nil
	})
	srv := server.NewServer(cfg.Server, cfg.Grid.MaxQueryExtent, cfg.Samples.Options(), p, ready, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
