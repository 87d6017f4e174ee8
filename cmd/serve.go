package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/capture"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/embedclient"
	"github.com/kozaktomas/face-attendance/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recognition API server",
	Long: `Start the Face Attendance web server.

The server exposes the recognition pipeline over HTTP: camera clients open a
session, post frames or precomputed embeddings and receive decisions. The kiosk
page at / streams the outcomes of a session live.

Environment:
  WEB_PORT, WEB_HOST     override the listen address
  WEB_API_TOKEN          bearer token required by /api/v1 when set
  AUDIT_DB_PATH          journal every decision to this SQLite file

Examples:
  # Serve on the default port
  face-attendance serve

  # Bind to localhost only
  face-attendance serve --host 127.0.0.1 --port 9000`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "Port to listen on (env WEB_PORT)")
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to (env WEB_HOST)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, logger, err := loadEnvironment()
	if err != nil {
		return err
	}

	port := mustGetInt(cmd, "port")
	host := mustGetString(cmd, "host")
	if !cmd.Flags().Changed("port") {
		if p, err := strconv.Atoi(os.Getenv("WEB_PORT")); err == nil && p > 0 {
			port = p
		}
	}
	if h := os.Getenv("WEB_HOST"); h != "" && !cmd.Flags().Changed("host") {
		host = h
	}

	// the dataset can be fixed and reloaded over the API while serving
	svc, err := loadService(ctx, cfg, logger)
	if err != nil {
		fmt.Printf("Warning: %v\n", err)
	}
	fmt.Printf("Loaded %d profiles from %s\n", svc.Store().Snapshot().Len(), cfg.Dataset.Root)

	deps := web.Deps{Service: svc, Logger: logger}

	journal, err := openJournal(cfg, svc)
	if err != nil {
		return err
	}
	if journal != nil {
		defer journal.Close()
		deps.Journal = journal
		fmt.Printf("Journaling decisions to %s\n", journal.Path())
	}

	client := embedclient.NewClient(cfg.Embedding.URL)
	deps.Recognizer = capture.NewRecognizer(client, svc, constants.MaxImageSize)
	fmt.Printf("Using embedding server at %s\n", client.BaseURL())

	server := web.NewServer(cfg, deps, host, port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting Face Attendance on http://%s\n", server.Addr())
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
