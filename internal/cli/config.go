package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nickcecere/codechat/internal/config"
	"github.com/nickcecere/codechat/internal/ui"
)

var configShowPath bool

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Display current configuration settings and config file locations.

Examples:
  # Show current configuration
  codechat config

  # Show config file paths
  codechat config --path`,
	RunE: runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&configShowPath, "path", false, "show config file paths")
}

func runConfig(cmd *cobra.Command, args []string) error {
	if configShowPath {
		fmt.Println(ui.SectionTitle.Render("Configuration Paths"))
		fmt.Println()
		fmt.Printf("Global config: %s\n", config.GlobalConfigPath())
		fmt.Printf("Local config:  .codechatrc.yaml (searched from cwd upward)\n")
		fmt.Printf("Active config: %s\n", config.ConfigFilePath())
		fmt.Printf("Database:      %s\n", config.Get().Database.Path)
		return nil
	}

	// Show current configuration
	cfg := config.Get()

	fmt.Println(ui.SectionTitle.Render("Current Configuration"))
	fmt.Println()

	fmt.Println(ui.Bold.Render("Server:"))
	fmt.Printf("  Address: %s\n", cfg.Server.Addr())
	fmt.Printf("  CORS Origins: %s\n", strings.Join(cfg.Server.CORSOrigins, ", "))
	fmt.Println()

	fmt.Println(ui.Bold.Render("Embeddings:"))
	fmt.Printf("  Provider: %s\n", cfg.Embeddings.Provider)
	fmt.Printf("  Ollama URL: %s\n", cfg.Embeddings.Ollama.URL)
	fmt.Printf("  Ollama Model: %s\n", cfg.Embeddings.Ollama.Model)
	fmt.Printf("  OpenAI Model: %s\n", cfg.Embeddings.OpenAI.Model)
	if cfg.Embeddings.OpenAI.BaseURL != "" {
		fmt.Printf("  OpenAI Base URL: %s\n", cfg.Embeddings.OpenAI.BaseURL)
	}
	fmt.Printf("  Batch Size: %d, Workers: %d, Timeout: %s\n", cfg.Embeddings.BatchSize, cfg.Embeddings.Workers, cfg.Embeddings.Timeout)
	fmt.Printf("  Retries: %d attempts, %s to %s backoff\n", cfg.Embeddings.Retry.MaxAttempts, cfg.Embeddings.Retry.BaseDelay, cfg.Embeddings.Retry.MaxDelay)
	fmt.Println()

	fmt.Println(ui.Bold.Render("LLM:"))
	fmt.Printf("  Provider: %s\n", cfg.LLM.Provider)
	fmt.Printf("  Ollama URL: %s\n", cfg.LLM.Ollama.URL)
	fmt.Printf("  Ollama Model: %s\n", cfg.LLM.Ollama.Model)
	fmt.Printf("  OpenAI Model: %s\n", cfg.LLM.OpenAI.Model)
	fmt.Printf("  Anthropic Model: %s\n", cfg.LLM.Anthropic.Model)
	fmt.Println()

	fmt.Println(ui.Bold.Render("Indexing:"))
	fmt.Printf("  Max File Size: %d bytes\n", cfg.Indexing.MaxFileSize)
	fmt.Printf("  Max File Count: %d\n", cfg.Indexing.MaxFileCount)
	fmt.Printf("  Chunk Size: %d\n", cfg.Indexing.ChunkSize)
	fmt.Printf("  Chunk Overlap: %d\n", cfg.Indexing.ChunkOverlap)
	fmt.Printf("  Git History: %t (%d commits)\n", cfg.Indexing.GitHistory, cfg.Indexing.GitHistoryDepth)
	fmt.Printf("  Ingest Workers: %d\n", cfg.Ingest.Workers)
	fmt.Println()

	fmt.Println(ui.Bold.Render("Retrieval:"))
	fmt.Printf("  Top K: %d (x%d candidates)\n", cfg.Retrieval.TopK, cfg.Retrieval.CandidateFactor)
	fmt.Printf("  Dependencies: %t (max %d)\n", cfg.Retrieval.ExpandDependencies, cfg.Retrieval.MaxDependencies)
	fmt.Println()

	fmt.Println(ui.Bold.Render("Chat:"))
	fmt.Printf("  History Window: %d messages\n", cfg.Chat.HistoryWindow)
	fmt.Printf("  Temperature: %.2f, Max Tokens: %d, Timeout: %s\n", cfg.Chat.Temperature, cfg.Chat.MaxTokens, cfg.Chat.Timeout)
	if cfg.Chat.DefaultProject != "" {
		fmt.Printf("  Default Project: %s\n", cfg.Chat.DefaultProject)
	}
	fmt.Println()

	fmt.Println(ui.Bold.Render("Database:"))
	fmt.Printf("  Path: %s\n", cfg.Database.Path)
	fmt.Println()

	fmt.Println(ui.Bold.Render("Ignore Patterns:"))
	fmt.Printf("  %d patterns configured\n", len(cfg.Ignore))

	return nil
}
