package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/envopt/internal/config"
	"github.com/cwbudde/envopt/internal/server"
)

var (
	serveAddr    string
	serveDataDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job server",
	Long: `Starts an HTTP server that runs optimization jobs in the background.

  POST /api/v1/jobs                 submit a problem file (YAML or JSON)
  GET  /api/v1/jobs                 list jobs
  GET  /api/v1/jobs/{id}/status     job status
  GET  /api/v1/jobs/{id}/stream     progress as server-sent events
  GET  /api/v1/jobs/{id}/trace      per-round records
  GET  /api/v1/jobs/{id}/best.svg   best layout of a finished job
  POST /api/v1/jobs/{id}/cancel     stop a job, keeping its best result
  DELETE /api/v1/jobs/{id}          remove a finished job and its run directory
  GET  /api/v1/checkpoints          runs in the data directory
  GET  /metrics                     Prometheus metrics`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", config.DefaultDataDir, "Base directory for run output")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	srv, err := server.NewServer(serveAddr, serveDataDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
