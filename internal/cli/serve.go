package cli

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/codechat/internal/config"
	"github.com/nickcecere/codechat/internal/ingest"
	"github.com/nickcecere/codechat/internal/server"
)

// serveCmd runs the HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API used by browser clients.

Ingestion progress is streamed as server-sent events from /ingest/stream.
The server shuts down gracefully on SIGINT or SIGTERM, canceling running
ingestions.

Examples:
  # Listen on the configured address (default 127.0.0.1:8000)
  codechat serve

  # Listen on all interfaces
  codechat serve --host 0.0.0.0 --port 9000`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.BindServerFlags(cmd.Flags()); err != nil {
			return fmt.Errorf("failed to bind flags: %w", err)
		}
		return config.Refresh()
	},
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("host", config.DefaultHost, "address to listen on")
	serveCmd.Flags().Int("port", config.DefaultPort, "port to listen on")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := newServices(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer svc.Close()

	log.Info("Starting codechat",
		"version", version,
		"database", cfg.Database.Path,
		"embeddings", string(svc.embedder.Service().Provider())+"/"+svc.embedder.Service().ModelName(),
		"llm", string(svc.model.Provider())+"/"+svc.model.ModelName(),
	)

	ingestOpts := ingest.OptionsFromConfig(cfg)
	srv := server.New(cfg.Server, server.Deps{
		Index:       svc.store,
		History:     svc.store,
		Coordinator: svc.coordinator,
		Chat:        svc.chat,
		Walk:        ingestOpts.Walk,
		Chunker:     svc.chunker,
		Version:     version,
	})
	return srv.ListenAndServe(ctx)
}
