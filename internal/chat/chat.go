// Package chat answers questions about an ingested project and keeps the conversation log.
package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/codechat/internal/config"
	"github.com/nickcecere/codechat/internal/errs"
	"github.com/nickcecere/codechat/internal/llm"
	"github.com/nickcecere/codechat/internal/search"
	"github.com/nickcecere/codechat/internal/store"
)

// AnonymousUser owns sessions created without a user id.
const AnonymousUser = "anonymous"

// Request is one question from a user.
type Request struct {
	SessionID  string `json:"session_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	Message    string `json:"message"`
	FilterPath string `json:"filter_path,omitempty"`
	// Project is the root path or URL of the project to ask about.
	Project string `json:"project,omitempty"`
}

// ContextItem is a retrieved chunk as shown next to an answer.
type ContextItem struct {
	File  string `json:"file"`
	Path  string `json:"path"`
	Lines string `json:"lines"`
	Score string `json:"score"`
	Code  string `json:"code"`
}

// Response is the answer to a Request.
type Response struct {
	Answer    string        `json:"answer"`
	Sources   []string      `json:"sources"`
	Context   []ContextItem `json:"context"`
	SessionID string        `json:"session_id"`
	Project   string        `json:"project,omitempty"`
}

// Options configures an Orchestrator.
type Options struct {
	HistoryWindow  int
	TitleLength    int
	DefaultProject string
	Completion     llm.CompletionOptions
	Timeout        time.Duration
}

// DefaultOptions returns the default chat options.
func DefaultOptions() Options {
	return Options{
		HistoryWindow: config.DefaultHistoryWindow,
		TitleLength:   config.DefaultSessionTitleLen,
		Completion:    llm.DefaultCompletionOptions(),
		Timeout:       config.DefaultLLMTimeout,
	}
}

// OptionsFromConfig builds Options from the chat section.
func OptionsFromConfig(cfg config.ChatConfig) Options {
	opts := DefaultOptions()
	if cfg.HistoryWindow > 0 {
		opts.HistoryWindow = cfg.HistoryWindow
	}
	if cfg.TitleLength > 0 {
		opts.TitleLength = cfg.TitleLength
	}
	if cfg.Timeout > 0 {
		opts.Timeout = cfg.Timeout
	}
	opts.DefaultProject = cfg.DefaultProject
	opts.Completion = llm.CompletionOptionsFromConfig(cfg)
	return opts
}

// Orchestrator ties retrieval, the language model and the chat log together.
type Orchestrator struct {
	index     store.Index
	history   store.History
	retriever *search.Retriever
	model     llm.Service
	opts      Options
}

// New creates an Orchestrator.
func New(idx store.Index, history store.History, retriever *search.Retriever, model llm.Service, opts Options) *Orchestrator {
	if opts.TitleLength <= 0 {
		opts.TitleLength = config.DefaultSessionTitleLen
	}
	if opts.Timeout <= 0 {
		opts.Timeout = config.DefaultLLMTimeout
	}
	return &Orchestrator{
		index:     idx,
		history:   history,
		retriever: retriever,
		model:     model,
		opts:      opts,
	}
}

// Respond answers req.
//
// The user's message is persisted before anything can fail, so a failed turn stays
// in the log. Whenever a session exists the returned Response carries its id, even
// alongside an error. A model failure is reported as errs.ErrGenerationUnavailable.
func (o *Orchestrator) Respond(ctx context.Context, req Request) (*Response, error) {
	return o.respond(ctx, req, nil)
}

// RespondStream is Respond with the answer also passed to onDelta piece by piece
// while it is generated. The returned Response holds the whole answer.
func (o *Orchestrator) RespondStream(ctx context.Context, req Request, onDelta llm.DeltaFunc) (*Response, error) {
	if onDelta == nil {
		onDelta = func(string) {}
	}
	return o.respond(ctx, req, onDelta)
}

func (o *Orchestrator) respond(ctx context.Context, req Request, onDelta llm.DeltaFunc) (*Response, error) {
	question := strings.TrimSpace(req.Message)
	if question == "" {
		return nil, fmt.Errorf("message cannot be empty")
	}
	userID := req.UserID
	if userID == "" {
		userID = AnonymousUser
	}

	sess, err := o.session(ctx, req.SessionID, userID, question)
	if err != nil {
		return nil, err
	}
	resp := &Response{SessionID: sess.ID, Sources: []string{}, Context: []ContextItem{}}

	// Read the window before appending so the question is not sent twice.
	var history []store.Message
	if o.opts.HistoryWindow > 0 {
		history, err = o.history.RecentMessages(ctx, sess.ID, o.opts.HistoryWindow)
		if err != nil {
			return resp, fmt.Errorf("failed to load history: %w", err)
		}
	}

	if _, err := o.history.AppendMessage(ctx, store.Message{
		SessionID: sess.ID,
		Role:      store.RoleUser,
		Content:   question,
	}); err != nil {
		return resp, fmt.Errorf("failed to save message: %w", err)
	}

	project, err := o.resolveProject(ctx, req, sess)
	if errors.Is(err, errs.ErrNotFound) {
		return o.guide(ctx, resp, notIngestedAnswer(req.Project), onDelta)
	}
	if err != nil {
		return resp, err
	}
	resp.Project = project.RootPath
	if project.ID != sess.ProjectID {
		if err := o.history.SetSessionProject(ctx, sess.ID, project.ID); err != nil {
			log.Warn("Failed to link session to project", "session", sess.ID, "error", err)
		}
	}

	results, err := o.retriever.Retrieve(ctx, search.Query{
		ProjectID:  project.ID,
		Text:       question,
		PathFilter: req.FilterPath,
	})
	if errors.Is(err, errs.ErrNotFound) {
		return o.guide(ctx, resp, notIngestedAnswer(project.RootPath), onDelta)
	}
	if err != nil {
		return resp, err
	}

	messages := llm.BuildMessages(question, results, history)

	genCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	log.Debug("Generating answer", "session", sess.ID, "provider", o.model.Provider(), "contexts", len(results), "stream", onDelta != nil)
	var answer string
	if onDelta != nil {
		answer, err = o.model.Stream(genCtx, messages, o.opts.Completion, onDelta)
	} else {
		answer, err = o.model.Complete(genCtx, messages, o.opts.Completion)
	}
	if err != nil {
		log.Error("Answer generation failed", "session", sess.ID, "error", err)
		return resp, fmt.Errorf("%w: %v", errs.ErrGenerationUnavailable, err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return resp, fmt.Errorf("%w: empty answer from %s", errs.ErrGenerationUnavailable, o.model.ModelName())
	}

	resp.Answer = answer
	resp.Sources = Sources(results)
	resp.Context = Items(results)

	if _, err := o.history.AppendMessage(ctx, store.Message{
		SessionID: sess.ID,
		Role:      store.RoleAssistant,
		Content:   answer,
		Sources:   resp.Sources,
	}); err != nil {
		return resp, fmt.Errorf("failed to save answer: %w", err)
	}
	return resp, nil
}

func (o *Orchestrator) session(ctx context.Context, id, userID, question string) (*store.Session, error) {
	if id != "" {
		return o.history.GetSession(ctx, id)
	}
	sess, err := o.history.CreateSession(ctx, store.Session{
		UserID: userID,
		Title:  Title(question, o.opts.TitleLength),
	})
	if err != nil {
		return nil, err
	}
	log.Debug("Created chat session", "session", sess.ID, "user", userID)
	return sess, nil
}

// resolveProject picks the project to search: the request's project, the project
// containing an absolute filter path, the session's project, the configured default,
// and finally the most recently ingested one.
func (o *Orchestrator) resolveProject(ctx context.Context, req Request, sess *store.Session) (*store.Project, error) {
	if req.Project != "" {
		return search.ProjectForPath(ctx, o.index, req.Project)
	}
	if filepath.IsAbs(req.FilterPath) {
		if p, err := search.ProjectForPath(ctx, o.index, req.FilterPath); err == nil {
			return p, nil
		}
	}
	if sess.ProjectID != 0 {
		p, err := o.index.GetProject(ctx, sess.ProjectID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
	}
	if o.opts.DefaultProject != "" {
		return search.ProjectForPath(ctx, o.index, o.opts.DefaultProject)
	}
	return o.index.LatestReadyProject(ctx)
}

// guide answers without the model when there is nothing to retrieve from.
func (o *Orchestrator) guide(ctx context.Context, resp *Response, answer string, onDelta llm.DeltaFunc) (*Response, error) {
	resp.Answer = answer
	if onDelta != nil {
		onDelta(answer)
	}
	if _, err := o.history.AppendMessage(ctx, store.Message{
		SessionID: resp.SessionID,
		Role:      store.RoleAssistant,
		Content:   answer,
	}); err != nil {
		return resp, fmt.Errorf("failed to save answer: %w", err)
	}
	return resp, nil
}

func notIngestedAnswer(project string) string {
	if project == "" {
		return "No repository has been ingested yet. Ingest a repository first, then ask your question again."
	}
	return fmt.Sprintf("`%s` has not been ingested yet. Ingest it first, then ask your question again.", project)
}

// Title derives a session title from the first question.
func Title(question string, limit int) string {
	title := strings.Join(strings.Fields(question), " ")
	if limit <= 0 || utf8.RuneCountInString(title) <= limit {
		return title
	}
	return string([]rune(title)[:limit]) + ".."
}

// Sources lists the distinct paths of results in order.
func Sources(results []search.Result) []string {
	seen := make(map[string]bool, len(results))
	sources := []string{}
	for _, r := range results {
		if seen[r.Path] {
			continue
		}
		seen[r.Path] = true
		sources = append(sources, r.Path)
	}
	return sources
}

// Items converts results to their display form.
func Items(results []search.Result) []ContextItem {
	items := make([]ContextItem, len(results))
	for i, r := range results {
		items[i] = ContextItem{
			File:  r.File,
			Path:  r.Path,
			Lines: r.Lines,
			Score: r.Match(),
			Code:  r.Code,
		}
	}
	return items
}
