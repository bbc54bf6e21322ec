package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/codechat/internal/config"
	"github.com/nickcecere/codechat/internal/gitrepo"
	"github.com/nickcecere/codechat/internal/store"
	"github.com/nickcecere/codechat/internal/ui"
)

var statusAll bool

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [path]",
	Short: "Show index status and statistics",
	Long: `Display information about ingested projects including:
- Ingestion status and last error
- Number of indexed files and chunks
- Embedding provider and model used
- Last ingestion time

Examples:
  # Show status for the project containing the current directory
  codechat status

  # Show status for a specific project
  codechat status ~/src/api

  # Show all projects
  codechat status --all`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "show all projects")
}

func runStatus(cmd *cobra.Command, args []string) error {
	log.Debug("Showing status", "args", args, "all", statusAll)

	cfg := config.Get()
	ctx := cmd.Context()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	projects, err := st.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}

	if len(projects) == 0 {
		fmt.Println("No ingested projects found.")
		fmt.Println()
		fmt.Println("Run 'codechat ingest [path]' to create one.")
		return nil
	}

	var display []store.Project
	switch {
	case statusAll:
		display = projects
	case len(args) > 0:
		p, err := findProject(cmd, st, args[0])
		if err != nil {
			return err
		}
		display = []store.Project{*p}
	default:
		// The project containing the working directory, otherwise all of them
		if p, err := findProject(cmd, st, "."); err == nil {
			display = []store.Project{*p}
		} else {
			display = projects
		}
	}

	fmt.Println(ui.Header.Render("Index Status"))
	fmt.Println()

	for i, p := range display {
		fmt.Printf("%s %s\n", ui.Highlight.Render("Project:"), ui.Bold.Render(p.Name))
		fmt.Printf("  %s %s\n", ui.Dim.Render("Path:"), p.RootPath)

		if !gitrepo.IsRemoteURL(p.RootPath) {
			if _, err := os.Stat(p.RootPath); os.IsNotExist(err) {
				fmt.Printf("  %s\n", ui.Warning.Render("(path no longer exists)"))
			}
		}

		fmt.Printf("  %s %s\n", ui.Dim.Render("Status:"), ui.Status(string(p.Status)))
		if p.LastError != "" {
			fmt.Printf("  %s %s\n", ui.Dim.Render("Last error:"), ui.Error.Render(p.LastError))
		}

		stats, err := st.Stats(ctx, p.ID)
		if err != nil {
			log.Debug("No stats for project", "project", p.RootPath, "error", err)
			fmt.Printf("  %s %s\n", ui.Dim.Render("Health:"), ui.Warning.Render("not searchable (no completed ingestion)"))
		} else {
			fmt.Printf("  %s %d files, %d chunks (generation %d)\n",
				ui.Dim.Render("Indexed:"),
				stats.FileCount,
				stats.ChunkCount,
				stats.GenerationID,
			)
			fmt.Printf("  %s %s\n", ui.Dim.Render("Size:"), formatBytes(stats.TotalSize))
			fmt.Printf("  %s %s\n", ui.Dim.Render("Health:"), getHealthStatus(stats))
		}

		fmt.Printf("  %s %s\n", ui.Dim.Render("Created:"), formatTime(p.CreatedAt))
		if p.LastIngestedAt != nil {
			fmt.Printf("  %s %s\n", ui.Dim.Render("Ingested:"), formatTime(*p.LastIngestedAt))
		}

		if i < len(display)-1 {
			fmt.Println()
		}
	}

	if len(display) > 1 {
		fmt.Println()
		fmt.Println(ui.Dim.Render(fmt.Sprintf("Total: %d projects", len(display))))
	}

	fmt.Println()
	fmt.Println(ui.Dim.Render("Configuration:"))
	fmt.Printf("  Database: %s\n", cfg.Database.Path)
	if info, err := st.EmbeddingInfo(ctx); err == nil && info != nil {
		fmt.Printf("  Index model: %s/%s (%d dimensions)\n", info.Provider, info.Model, info.Dimensions)
	}
	fmt.Printf("  Embedding Provider: %s\n", cfg.Embeddings.Provider)
	fmt.Printf("  LLM Provider: %s\n", cfg.LLM.Provider)

	return nil
}

// formatTime formats a time for display.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}

	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return "today at " + t.Format("15:04")
	}
	if t.Year() == now.Year() {
		return t.Format("Jan 2 at 15:04")
	}
	return t.Format("Jan 2, 2006 at 15:04")
}

// getHealthStatus returns a health indicator based on stats.
func getHealthStatus(stats *store.Stats) string {
	if stats.FileCount == 0 {
		return ui.Warning.Render("empty (no files ingested)")
	}
	if stats.ChunkCount == 0 {
		return ui.Warning.Render("no chunks (re-ingest may be needed)")
	}

	avgChunks := float64(stats.ChunkCount) / float64(stats.FileCount)
	if avgChunks < 0.5 {
		return ui.Warning.Render("low chunk count (check file filters)")
	}

	return ui.Success.Render("healthy")
}
