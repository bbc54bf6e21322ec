package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/nickcecere/codechat/internal/chat"
	"github.com/nickcecere/codechat/internal/config"
	"github.com/nickcecere/codechat/internal/errs"
	"github.com/nickcecere/codechat/internal/ui"
)

// askCmd answers one question about an ingested project.
var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about an ingested project",
	Long: `Ask a question and get an answer grounded in the project's code.

Each answer starts or continues a chat session. Pass --session with the id
printed after an answer to ask a follow-up question.

Examples:
  # Ask about the most recently ingested project
  codechat ask "how are errors handled?"

  # Ask about a specific project
  codechat ask "where is the HTTP router set up?" --project ~/src/api

  # Restrict the context to one directory
  codechat ask "what does the store do?" --filter internal/store

  # Follow up in the same session
  codechat ask "and how is it tested?" --session 3f2c...

  # Print the answer as it is generated
  codechat ask "what does main do?" --stream`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	addAskFlags(askCmd)
}

func addAskFlags(cmd *cobra.Command) {
	cmd.Flags().String("session", "", "continue an existing chat session")
	cmd.Flags().String("project", "", "project root or repository URL (default: session or most recent project)")
	cmd.Flags().String("filter", "", "restrict context to a file or directory")
	cmd.Flags().String("user", "", "user id owning new sessions")
	cmd.Flags().Bool("raw", false, "print the answer without markdown rendering")
	cmd.Flags().Bool("context", false, "print the retrieved code after the answer")
	cmd.Flags().Bool("stream", false, "print the answer as it is generated (implies --raw)")
}

func runAsk(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	sessionID, _ := flags.GetString("session")
	project, _ := flags.GetString("project")
	filter, _ := flags.GetString("filter")
	user, _ := flags.GetString("user")
	raw, _ := flags.GetBool("raw")
	showContext, _ := flags.GetBool("context")
	stream, _ := flags.GetBool("stream")

	if user == "" {
		user = os.Getenv("USER")
	}

	cfg := config.Get()

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := newServices(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer svc.Close()

	stopSpinner := make(chan struct{})
	spinnerDone := make(chan struct{})
	go showSpinner("Generating answer", stopSpinner, spinnerDone)

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			close(stopSpinner)
			<-spinnerDone
		})
	}

	req := chat.Request{
		SessionID:  sessionID,
		UserID:     user,
		Message:    strings.Join(args, " "),
		FilterPath: filter,
		Project:    project,
	}

	var resp *chat.Response
	streamed := false
	if stream {
		resp, err = svc.chat.RespondStream(ctx, req, func(delta string) {
			if !streamed {
				stop()
				fmt.Println(ui.Header.Render("Answer"))
				fmt.Println()
				streamed = true
			}
			fmt.Print(delta)
		})
		if streamed {
			fmt.Println()
			fmt.Println()
		}
	} else {
		resp, err = svc.chat.Respond(ctx, req)
	}

	stop()

	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if resp != nil && resp.SessionID != "" {
			fmt.Println(ui.Dim.Render("Session: " + resp.SessionID))
		}
		if errors.Is(err, errs.ErrGenerationUnavailable) {
			return fmt.Errorf("the language model is unavailable, your question was saved: %w", err)
		}
		return err
	}

	if !streamed {
		fmt.Println(ui.Header.Render("Answer"))
		fmt.Println()

		if raw || stream {
			fmt.Println(resp.Answer)
		} else if rendered, err := renderMarkdown(resp.Answer); err != nil {
			fmt.Println(resp.Answer)
		} else {
			fmt.Print(rendered)
		}
	}

	if len(resp.Context) > 0 {
		fmt.Println(ui.Dim.Render("Sources:"))
		for i, item := range resp.Context {
			fmt.Printf("  [%d] %s %s\n", i+1, ui.FormatSource(item.Path, item.Lines), ui.SourceRef.Render(item.Score))
			if showContext {
				displayContentHighlighted(item.Code, firstLine(item.Lines), item.Path)
			}
		}
		fmt.Println()
	}

	if resp.Project != "" {
		fmt.Println(ui.Dim.Render("Project: " + resp.Project))
	}
	fmt.Println(ui.Dim.Render("Session: " + resp.SessionID))
	return nil
}

// firstLine parses the start of a "start-end" range, defaulting to 1.
func firstLine(lines string) int {
	var start int
	if _, err := fmt.Sscanf(lines, "%d-", &start); err != nil || start < 1 {
		return 1
	}
	return start
}
