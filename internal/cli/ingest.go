package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/codechat/internal/config"
	"github.com/nickcecere/codechat/internal/errs"
	"github.com/nickcecere/codechat/internal/fs"
	"github.com/nickcecere/codechat/internal/gitrepo"
	"github.com/nickcecere/codechat/internal/ingest"
	"github.com/nickcecere/codechat/internal/search"
	"github.com/nickcecere/codechat/internal/store"
	"github.com/nickcecere/codechat/internal/ui"
)

const progressWidth = 30

var (
	ingestDryRun     bool
	ingestExtensions []string
	ingestIgnore     []string
	ingestNoHistory  bool
)

// ingestCmd represents the ingest command
var ingestCmd = &cobra.Command{
	Use:   "ingest [path|url]",
	Short: "Ingest a repository for chat and search",
	Long: `Ingest a local directory or a remote git repository.

This command will:
1. Discover source files, honoring .gitignore and the ignore patterns
2. Split files into chunks along code boundaries
3. Generate embeddings for each chunk
4. Replace the project's previous index in one atomic swap

Queries keep seeing the previous index until the new one is complete.

Examples:
  # Ingest current directory
  codechat ingest

  # Ingest a remote repository
  codechat ingest https://github.com/spf13/cobra

  # Ingest only specific extensions
  codechat ingest --ext .go --ext .ts

  # Preview what would be ingested
  codechat ingest --dry-run`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().BoolVarP(&ingestDryRun, "dry-run", "d", false, "preview without ingesting")
	ingestCmd.Flags().StringSliceVarP(&ingestExtensions, "ext", "e", nil, "file extensions to include (e.g., .go, .ts)")
	ingestCmd.Flags().StringSliceVarP(&ingestIgnore, "ignore", "i", nil, "additional patterns to ignore")
	ingestCmd.Flags().BoolVar(&ingestNoHistory, "no-history", false, "do not add recent commit messages")
}

func runIngest(cmd *cobra.Command, args []string) error {
	path := "."
	if len(args) > 0 {
		path = args[0]
	}

	key, err := ingest.NormalizePath(path)
	if err != nil {
		return err
	}

	cfg := config.Get()
	applyIngestFlags(cfg)

	log.Debug("Starting ingestion", "path", key, "dry-run", ingestDryRun)

	if ingestDryRun {
		if gitrepo.IsRemoteURL(key) {
			return fmt.Errorf("--dry-run needs a local directory")
		}
		return runDryRun(key, ingest.OptionsFromConfig(cfg).Walk)
	}

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := newServices(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	fmt.Println(ui.Header.Render("Ingesting " + key))
	fmt.Printf("Provider: %s (%s)\n", svc.embedder.Service().Provider(), svc.embedder.Service().ModelName())
	fmt.Println()

	job, err := svc.coordinator.Start(key)
	if err != nil {
		return err
	}
	snap, err := followJob(ctx, job)
	if err != nil {
		if errors.Is(err, ingest.ErrCanceled) || ctx.Err() != nil {
			fmt.Println(ui.Warning.Render("Ingestion cancelled, the previous index is unchanged"))
			return nil
		}
		return fmt.Errorf("ingestion failed (%s): %w", errs.Kind(err), err)
	}

	fmt.Println(ui.Success.Render("Ingestion complete!"))
	fmt.Println()
	fmt.Printf("  Files:    %d (%d skipped)\n", snap.ProcessedFiles, snap.SkippedFiles)
	fmt.Printf("  Chunks:   %d\n", snap.Chunks)
	if snap.FinishedAt != nil {
		fmt.Printf("  Duration: %s\n", snap.FinishedAt.Sub(snap.StartedAt).Round(time.Millisecond))
	}
	stats := svc.embedder.Stats()
	fmt.Printf("  Requests: %d (%d retries, %d cache hits)\n", stats.Requests, stats.Retries, stats.CacheHits)
	return nil
}

func applyIngestFlags(cfg *config.Config) {
	cfg.Ignore = append(cfg.Ignore, ingestIgnore...)
	if len(ingestExtensions) > 0 {
		cfg.Indexing.Extensions = ingestExtensions
	}
	if ingestNoHistory {
		cfg.Indexing.GitHistory = false
	}
}

// followJob renders a job's progress events until it ends. Interrupting ctx cancels the job.
func followJob(ctx context.Context, job *ingest.Job) (ingest.Snapshot, error) {
	events, unsubscribe := job.Subscribe()
	defer unsubscribe()

	lastUpdate := time.Time{}
	for {
		select {
		case <-ctx.Done():
			job.Cancel()
			<-job.Done()
			fmt.Printf("\r\033[K")
			return job.Snapshot(), ingest.ErrCanceled
		case e, ok := <-events:
			if !ok || e.Terminal() {
				fmt.Printf("\r\033[K")
				<-job.Done()
				return job.Snapshot(), job.Err()
			}
			// Throttle redraws
			if time.Since(lastUpdate) < 100*time.Millisecond && e.Status == ingest.StatusProcessingFile {
				continue
			}
			lastUpdate = time.Now()

			label := e.Message
			if e.File != "" {
				label = truncatePath(e.File, 40)
			}
			fmt.Printf("\r\033[K%s %s", ui.ProgressBar(e.Progress, progressWidth), label)
		}
	}
}

// runDryRun shows what would be ingested without ingesting.
func runDryRun(path string, walk fs.WalkOptions) error {
	fmt.Println(ui.Header.Render("Dry Run - Preview"))
	fmt.Printf("Path: %s\n\n", path)

	walk.Root = path
	walker, err := fs.NewFileWalker(walk)
	if err != nil {
		return fmt.Errorf("failed to create file walker: %w", err)
	}

	var files []fs.FileInfo
	err = walker.Walk(func(fi fs.FileInfo) error {
		files = append(files, fi)
		return nil
	})
	if errors.Is(err, errs.ErrLimitExceeded) {
		fmt.Println(ui.Warning.Render(err.Error()))
		fmt.Println()
	} else if err != nil {
		return fmt.Errorf("failed to walk directory: %w", err)
	}

	stats := walker.Stats()

	byLang := make(map[string]int)
	var totalSize int64
	for _, f := range files {
		lang := f.Language
		if lang == "" {
			lang = "other"
		}
		byLang[lang]++
		totalSize += f.Size
	}
	langs := make([]string, 0, len(byLang))
	for lang := range byLang {
		langs = append(langs, lang)
	}
	sort.Slice(langs, func(i, j int) bool {
		if byLang[langs[i]] != byLang[langs[j]] {
			return byLang[langs[i]] > byLang[langs[j]]
		}
		return langs[i] < langs[j]
	})

	fmt.Println("Files to ingest:")
	for _, lang := range langs {
		fmt.Printf("  %-15s %d\n", lang+":", byLang[lang])
	}
	fmt.Println()
	fmt.Printf("Total files:   %d\n", len(files))
	fmt.Printf("Total size:    %s\n", formatBytes(totalSize))
	fmt.Printf("Skipped:       %d files, %d directories\n", stats.FilesSkipped, stats.DirsSkipped)

	if len(files) > 0 {
		fmt.Println("\nFirst 10 files:")
		for i, f := range files {
			if i >= 10 {
				fmt.Printf("  ... and %d more\n", len(files)-10)
				break
			}
			fmt.Printf("  %s (%s)\n", f.RelPath, formatBytes(f.Size))
		}
	}

	return nil
}

// truncatePath shortens a path for display.
func truncatePath(path string, maxLen int) string {
	if len(path) <= maxLen {
		return path
	}
	return "..." + path[len(path)-maxLen+3:]
}

// formatBytes formats bytes as human-readable string.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// listCmd lists ingested projects
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingested projects",
	Long:  `List all ingested projects with their statistics.`,
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func runList(cmd *cobra.Command, args []string) error {
	st, err := openStore(config.Get())
	if err != nil {
		return err
	}
	defer st.Close()

	projects, err := st.ListProjects(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}

	if len(projects) == 0 {
		fmt.Println("No ingested projects found.")
		fmt.Println("\nRun 'codechat ingest [path]' to create one.")
		return nil
	}

	fmt.Println(ui.Header.Render("Ingested Projects"))
	fmt.Println()

	for _, p := range projects {
		fmt.Printf("%s %s\n", ui.Highlight.Render(p.Name), ui.Status(string(p.Status)))
		fmt.Printf("  Path:     %s\n", p.RootPath)
		if stats, err := st.Stats(cmd.Context(), p.ID); err == nil {
			fmt.Printf("  Files:    %d\n", stats.FileCount)
			fmt.Printf("  Chunks:   %d\n", stats.ChunkCount)
			fmt.Printf("  Size:     %s\n", formatBytes(stats.TotalSize))
		}
		if p.LastIngestedAt != nil {
			fmt.Printf("  Ingested: %s\n", formatTime(*p.LastIngestedAt))
		}
		fmt.Println()
	}

	return nil
}

var deleteYes bool

// deleteCmd removes a project from the index
var deleteCmd = &cobra.Command{
	Use:   "delete <path|url>",
	Short: "Delete an ingested project",
	Long:  `Delete an ingested project and all its indexed data. Chat history is kept.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "do not ask for confirmation")
}

func runDelete(cmd *cobra.Command, args []string) error {
	st, err := openStore(config.Get())
	if err != nil {
		return err
	}
	defer st.Close()

	project, err := findProject(cmd, st, args[0])
	if err != nil {
		return err
	}

	if !deleteYes {
		fmt.Printf("Delete project '%s'? This will remove all indexed data. [y/N]: ", project.RootPath)
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := st.Delete(cmd.Context(), project.ID); err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}

	fmt.Println(ui.Success.Render(fmt.Sprintf("Project '%s' deleted.", project.RootPath)))
	return nil
}

// findProject resolves a path, URL or project name to a project.
func findProject(cmd *cobra.Command, st store.Index, arg string) (*store.Project, error) {
	if p, err := search.ProjectForPath(cmd.Context(), st, arg); err == nil {
		return p, nil
	}
	projects, err := st.ListProjects(cmd.Context())
	if err != nil {
		return nil, err
	}
	for i := range projects {
		if projects[i].Name == arg {
			return &projects[i], nil
		}
	}
	if _, statErr := os.Stat(arg); statErr == nil || gitrepo.IsRemoteURL(arg) {
		return nil, fmt.Errorf("%s has not been ingested", arg)
	}
	return nil, fmt.Errorf("project not found: %s", arg)
}
