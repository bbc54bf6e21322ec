package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/codechat/internal/config"
	"github.com/nickcecere/codechat/internal/errs"
	"github.com/nickcecere/codechat/internal/gitrepo"
	"github.com/nickcecere/codechat/internal/search"
	"github.com/nickcecere/codechat/internal/store"
	"github.com/nickcecere/codechat/internal/ui"
)

var (
	searchContent bool
	searchLimit   int
	searchContext int
	searchJSON    bool
	searchNoSync  bool
	searchNoDeps  bool
)

// searchCmd represents the search command
var searchCmd = &cobra.Command{
	Use:   "search <query> [path]",
	Short: "Search an ingested project without generating an answer",
	Long: `Search for code using natural language queries.

Results are ranked by vector similarity with a lexical rerank. Files imported
by the top results are listed after them as dependencies.

If path is a directory or file inside an ingested project, only results from
it are returned.

Examples:
  # Basic search
  codechat search "how does authentication work"

  # Search with content preview
  codechat search "database connection" -c

  # Search only under internal/store
  codechat search "transactions" ./internal/store

  # Limit results
  codechat search "api endpoints" -m 5`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSearchCmd,
}

func init() {
	searchCmd.Flags().BoolVarP(&searchContent, "content", "c", false, "show content snippets in results")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "m", config.DefaultTopK, "maximum number of results")
	searchCmd.Flags().IntVar(&searchContext, "context", 0, "lines of surrounding context to read from disk")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	searchCmd.Flags().BoolVar(&searchNoSync, "no-sync", false, "do not ingest the path if it has not been ingested")
	searchCmd.Flags().BoolVar(&searchNoDeps, "no-deps", false, "do not list imported dependencies")
}

func runSearchCmd(cmd *cobra.Command, args []string) error {
	query := args[0]
	path := "."
	if len(args) > 1 {
		path = args[1]
	}

	log.Debug("Starting search", "query", query, "path", path, "limit", searchLimit)

	cfg := config.Get()

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := newServices(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	project, err := projectOrIngest(ctx, svc, path, searchNoSync)
	if err != nil {
		return err
	}

	opts := search.OptionsFromConfig(cfg.Retrieval)
	opts.ContextLines = searchContext
	if searchNoDeps {
		opts.ExpandDependencies = false
	}
	retriever := search.New(svc.store, svc.embedder, opts)

	q := search.Query{ProjectID: project.ID, Text: query, K: searchLimit}
	if abs, err := filepath.Abs(path); err == nil && !gitrepo.IsRemoteURL(path) && abs != project.RootPath {
		q.PathFilter = abs
	}

	results, err := retriever.Retrieve(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON {
		return outputJSON(results)
	}
	if len(results) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	displayResults(results, searchContent)
	return nil
}

// projectOrIngest finds the project containing path, ingesting path first when
// it has not been ingested and noSync is false.
func projectOrIngest(ctx context.Context, svc *services, path string, noSync bool) (*store.Project, error) {
	project, err := search.ProjectForPath(ctx, svc.store, path)
	if err == nil && project.ActiveGeneration != 0 {
		return project, nil
	}
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	if noSync {
		return nil, fmt.Errorf("%s has not been ingested. Run 'codechat ingest' first or remove --no-sync", path)
	}

	root := path
	if project != nil {
		root = project.RootPath
	} else if info, statErr := os.Stat(path); statErr == nil && !info.IsDir() {
		root = filepath.Dir(path)
	}

	fmt.Printf("%s has not been ingested. Ingesting...\n\n", root)
	job, err := svc.coordinator.Start(root)
	if err != nil {
		return nil, err
	}

	stopSpinner := make(chan struct{})
	spinnerDone := make(chan struct{})
	go showSpinner("Ingesting files", stopSpinner, spinnerDone)
	err = job.Wait(ctx)
	close(stopSpinner)
	<-spinnerDone
	if err != nil {
		return nil, fmt.Errorf("ingestion failed: %w", err)
	}

	snap := job.Snapshot()
	fmt.Printf("Ingested %d files, %d chunks\n\n", snap.ProcessedFiles, snap.Chunks)
	return svc.store.GetProject(ctx, snap.ProjectID)
}

// displayResults formats and displays search results.
func displayResults(results []search.Result, showContent bool) {
	fmt.Printf("Found %d results:\n\n", len(results))

	for i, r := range results {
		label := ui.ResultScore.Render(r.Match())
		if r.Linked {
			label = ui.Dim.Render("dependency")
		}
		fmt.Printf("%s %s %s\n",
			ui.Highlight.Render(fmt.Sprintf("[%d]", i+1)),
			ui.FilePath.Render(r.Path),
			label,
		)

		info := "Lines " + r.Lines
		if r.Symbol != "" {
			info += " " + ui.Bold.Render(r.Symbol)
		}
		fmt.Printf("    %s\n", ui.LineNum.Render(info))

		if showContent && r.Code != "" {
			fmt.Println()
			start := max(r.StartLine, 1)
			content := r.Code
			if r.ContextBefore != "" {
				content = r.ContextBefore + "\n" + content
				start -= strings.Count(r.ContextBefore, "\n") + 1
			}
			if r.ContextAfter != "" {
				content += "\n" + r.ContextAfter
			}
			displayContentHighlighted(content, max(start, 1), r.Path)
		}

		fmt.Println()
	}
}

// displayContentHighlighted formats and displays code content with syntax highlighting.
func displayContentHighlighted(content string, startLine int, filename string) {
	lexer := lexers.Match(filename)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := styles.Get("dracula")
	if style == nil {
		style = styles.Fallback
	}

	formatter := formatters.Get("terminal16m")
	if formatter == nil {
		formatter = formatters.Get("terminal256")
	}
	if formatter == nil {
		formatter = formatters.Fallback
	}

	lines := strings.Split(content, "\n")
	maxLines := 15

	if len(lines) > maxLines {
		showLines := maxLines / 2

		firstContent := strings.Join(lines[:showLines], "\n")
		displayHighlightedLines(firstContent, startLine, lexer, style, formatter)

		fmt.Printf("    %s\n", ui.Dim.Render(fmt.Sprintf("    ... (%d lines omitted)", len(lines)-2*showLines)))

		lastContent := strings.Join(lines[len(lines)-showLines:], "\n")
		displayHighlightedLines(lastContent, startLine+len(lines)-showLines, lexer, style, formatter)
	} else {
		displayHighlightedLines(content, startLine, lexer, style, formatter)
	}
}

// displayHighlightedLines highlights and displays code with line numbers.
func displayHighlightedLines(content string, startLine int, lexer chroma.Lexer, style *chroma.Style, formatter chroma.Formatter) {
	iterator, err := lexer.Tokenise(nil, content)
	if err != nil {
		displayPlainLines(content, startLine)
		return
	}

	var buf bytes.Buffer
	if err := formatter.Format(&buf, style, iterator); err != nil {
		displayPlainLines(content, startLine)
		return
	}

	highlighted := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	for i, line := range highlighted {
		fmt.Printf("    %s %s\n",
			ui.LineNum.Render(fmt.Sprintf("%4d│", startLine+i)),
			line,
		)
	}
}

// displayPlainLines displays content without highlighting (fallback).
func displayPlainLines(content string, startLine int) {
	for i, line := range strings.Split(content, "\n") {
		fmt.Printf("    %s %s\n",
			ui.LineNum.Render(fmt.Sprintf("%4d│", startLine+i)),
			truncateLine(line, 80),
		)
	}
}

// truncateLine shortens a line for display.
func truncateLine(line string, maxLen int) string {
	line = strings.ReplaceAll(line, "\t", "    ")
	if len(line) <= maxLen {
		return line
	}
	return line[:maxLen-3] + "..."
}

// outputJSON writes results as a JSON array.
func outputJSON(results []search.Result) error {
	if results == nil {
		results = []search.Result{}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// showSpinner displays an animated spinner until stopCh is closed.
func showSpinner(message string, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()
	defer close(doneCh)

	i := 0
	for {
		select {
		case <-stopCh:
			fmt.Print("\r\033[2K")
			return
		case <-ticker.C:
			fmt.Printf("\r%s %s", ui.Highlight.Render(frames[i]), message)
			i = (i + 1) % len(frames)
		}
	}
}

// renderMarkdown renders markdown content using glamour.
func renderMarkdown(content string) (string, error) {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return "", err
	}
	return renderer.Render(content)
}
