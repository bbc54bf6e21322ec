package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/codechat/internal/config"
	"github.com/nickcecere/codechat/internal/ingest"
	"github.com/nickcecere/codechat/internal/ui"
	"github.com/nickcecere/codechat/internal/watcher"
)

var (
	watchNoInitial bool
	watchDebounce  time.Duration
)

// watchCmd represents the watch command.
var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Watch for file changes and re-ingest",
	Long: `Watch a directory and re-ingest it after files change.

This command first ingests the directory (unless --no-initial is specified),
then re-ingests it once changes have settled. Queries keep using the previous
index until each re-ingestion completes.

Examples:
  # Watch current directory
  codechat watch

  # Watch a specific directory
  codechat watch ./src

  # Skip initial ingestion (assumes already ingested)
  codechat watch --no-initial`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatchCmd,
}

func init() {
	watchCmd.Flags().BoolVar(&watchNoInitial, "no-initial", false, "skip initial ingestion")
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", time.Second, "quiet period before re-ingesting")
}

func runWatchCmd(cmd *cobra.Command, args []string) error {
	path := "."
	if len(args) > 0 {
		path = args[0]
	}

	cfg := config.Get()

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := newServices(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	w, err := newWatcher(svc, path, watchDebounce, func(event, p string) {
		if event == "ingest" {
			fmt.Println(ui.Dim.Render(time.Now().Format("15:04:05")) + " changes detected, re-ingesting")
		}
		log.Debug("Watch event", "event", event, "path", p)
	})
	if err != nil {
		return err
	}

	if !watchNoInitial {
		fmt.Println(ui.Header.Render("Initial Ingestion"))
		fmt.Printf("Path: %s\n\n", w.Root())

		job, err := svc.coordinator.Start(w.Root())
		if err != nil {
			return err
		}
		snap, err := followJob(ctx, job)
		if err != nil {
			if errors.Is(err, ingest.ErrCanceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("initial ingestion failed: %w", err)
		}
		fmt.Printf("Initial ingestion complete: %d files, %d chunks\n\n", snap.ProcessedFiles, snap.Chunks)
	}

	fmt.Println(ui.Header.Render("Watching for Changes"))
	fmt.Printf("Directory: %s\n", w.Root())
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()

	if err := w.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// newWatcher creates a watcher that re-ingests path through the services' coordinator.
func newWatcher(svc *services, path string, debounce time.Duration, onEvent func(event, path string)) (*watcher.Watcher, error) {
	w, err := watcher.New(
		path,
		watcher.CoordinatorTrigger(svc.coordinator),
		watcher.WithDebounceTime(debounce),
		watcher.WithMaxFileSize(int64(svc.cfg.Indexing.MaxFileSize)),
		watcher.WithEventCallback(onEvent),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return w, nil
}
