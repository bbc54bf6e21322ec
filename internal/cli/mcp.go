package cli

import (
	"context"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/codechat/internal/config"
	"github.com/nickcecere/codechat/internal/mcp"
	"github.com/nickcecere/codechat/internal/search"
)

var mcpNoWatch bool

// mcpCmd represents the MCP server command.
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for AI agent integration",
	Long: `Start a Model Context Protocol (MCP) server for integration with AI coding agents.

The server communicates via stdin/stdout using JSON-RPC 2.0 and provides tools for:
  - search_code: find code in an ingested project
  - ask_codebase: ask a question and get an answer citing its sources
  - list_projects: list ingested projects

When the working directory is an ingested project, a background watcher keeps
it up to date. Use --no-watch to disable this.

This command is typically invoked by an AI agent and not run directly by users.`,
	Args: cobra.NoArgs,
	RunE: runMcpCmd,
}

func init() {
	mcpCmd.Flags().BoolVar(&mcpNoWatch, "no-watch", false, "disable background file watching")
}

func runMcpCmd(cmd *cobra.Command, args []string) error {
	// stdout carries the protocol
	log.SetOutput(os.Stderr)

	cfg := config.Get()

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := newServices(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer svc.Close()

	if !mcpNoWatch {
		go startBackgroundWatcher(ctx, svc)
	}

	server := mcp.NewServer(mcp.Deps{
		Index:     svc.store,
		Retriever: svc.retriever,
		Chat:      svc.chat,
		Version:   version,
	}, os.Stdin, os.Stdout)
	return server.Run(ctx)
}

// startBackgroundWatcher watches the working directory if it has been ingested.
func startBackgroundWatcher(ctx context.Context, svc *services) {
	// Let the client finish initializing first
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
	}

	cwd, err := os.Getwd()
	if err != nil {
		log.Error("Failed to get working directory", "error", err)
		return
	}
	project, err := search.ProjectForPath(ctx, svc.store, cwd)
	if err != nil {
		log.Debug("Working directory is not an ingested project, not watching", "path", cwd)
		return
	}

	w, err := newWatcher(svc, project.RootPath, 2*time.Second, func(event, path string) {
		log.Debug("Background watcher event", "event", event, "path", path)
	})
	if err != nil {
		log.Error("Failed to create watcher", "error", err)
		return
	}

	log.Info("Starting background file watcher", "path", project.RootPath)
	if err := w.Start(ctx); err != nil && ctx.Err() == nil {
		log.Error("Watcher error", "error", err)
	}
}
