package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/codechat/internal/chat"
	"github.com/nickcecere/codechat/internal/errs"
	"github.com/nickcecere/codechat/internal/search"
	"github.com/nickcecere/codechat/internal/store"
)

const (
	// MCPVersion is the protocol version we support.
	MCPVersion = "2024-11-05"

	// ServerName is the name of this MCP server.
	ServerName = "codechat"

	// UserID owns the chat sessions created by MCP clients.
	UserID = "mcp"

	defaultLimit   = 10
	maxSnippetSize = 500
)

// Deps are the services the tools call.
type Deps struct {
	Index     store.Index
	Retriever *search.Retriever
	Chat      *chat.Orchestrator
	Version   string
}

// Server is a stdio MCP server.
type Server struct {
	deps Deps

	reader *bufio.Reader
	writer io.Writer
	mu     sync.Mutex

	initialized bool
}

// NewServer creates a server that reads requests from in and writes responses to out.
func NewServer(deps Deps, in io.Reader, out io.Writer) *Server {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &Server{
		deps:   deps,
		reader: bufio.NewReader(in),
		writer: out,
	}
}

// Run processes requests until the input ends or ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	log.Info("MCP server starting")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := s.reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read request: %w", err)
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			s.handleLine(ctx, trimmed)
		}
		if errors.Is(err, io.EOF) {
			log.Info("MCP server received EOF, shutting down")
			return nil
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line string) {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		s.sendError(nil, ErrorCodeParse, "Parse error", err.Error())
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendError(req.ID, ErrorCodeInvalidRequest, "Invalid request", "jsonrpc must be \"2.0\"")
		return
	}
	s.handleRequest(ctx, req)
}

func (s *Server) handleRequest(ctx context.Context, req Request) {
	log.Debug("Received request", "method", req.Method, "id", req.ID)

	var (
		result any
		err    error
	)

	switch req.Method {
	case "initialize":
		result, err = s.handleInitialize(req.Params)
	case "initialized", "notifications/initialized":
		s.initialized = true
		log.Info("MCP client initialized")
		return
	case "tools/list":
		result = s.handleListTools()
	case "tools/call":
		result, err = s.handleCallTool(ctx, req.Params)
	case "ping":
		result = map[string]any{}
	default:
		if req.ID == nil {
			// Unknown notifications are ignored.
			return
		}
		s.sendError(req.ID, ErrorCodeMethodNotFound, "Method not found", req.Method)
		return
	}

	if err != nil {
		s.sendError(req.ID, ErrorCodeInvalidParams, "Invalid params", err.Error())
		return
	}
	s.sendResult(req.ID, result)
}

func (s *Server) handleInitialize(params json.RawMessage) (*InitializeResult, error) {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}

	log.Info("Initializing MCP server",
		"clientName", p.ClientInfo.Name,
		"clientVersion", p.ClientInfo.Version,
		"protocolVersion", p.ProtocolVersion,
	)

	return &InitializeResult{
		ProtocolVersion: MCPVersion,
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{},
		},
		ServerInfo: ServerInfo{
			Name:    ServerName,
			Version: s.deps.Version,
		},
	}, nil
}

func (s *Server) handleListTools() *ListToolsResult {
	return &ListToolsResult{Tools: []Tool{
		{
			Name:        "search_code",
			Description: "Find code in an ingested project using a natural language query.",
			InputSchema: JSONSchema{
				Type: "object",
				Properties: map[string]Property{
					"query": {Type: "string", Description: "What to look for, in natural language"},
					"path": {
						Type:        "string",
						Description: "Project root, or a directory or file inside it to restrict the search to",
						Default:     ".",
					},
					"limit": {Type: "number", Description: "Maximum number of results", Default: defaultLimit},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        "ask_codebase",
			Description: "Ask a question about an ingested project. Answers cite the files they are based on.",
			InputSchema: JSONSchema{
				Type: "object",
				Properties: map[string]Property{
					"question":   {Type: "string", Description: "The question"},
					"path":       {Type: "string", Description: "Project root (default: most recently ingested project)"},
					"session_id": {Type: "string", Description: "Continue an earlier conversation"},
				},
				Required: []string{"question"},
			},
		},
		{
			Name:        "list_projects",
			Description: "List ingested projects and their status.",
			InputSchema: JSONSchema{Type: "object"},
		},
	}}
}

func (s *Server) handleCallTool(ctx context.Context, params json.RawMessage) (*CallToolResult, error) {
	var p CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	log.Debug("Calling tool", "name", p.Name)

	switch p.Name {
	case "search_code":
		var args SearchArgs
		if err := unmarshalArgs(p.Arguments, &args); err != nil {
			return textResult("Error: "+err.Error(), true), nil
		}
		return s.toolSearch(ctx, args), nil
	case "ask_codebase":
		var args AskArgs
		if err := unmarshalArgs(p.Arguments, &args); err != nil {
			return textResult("Error: "+err.Error(), true), nil
		}
		return s.toolAsk(ctx, args), nil
	case "list_projects":
		return s.toolListProjects(ctx), nil
	default:
		return textResult(fmt.Sprintf("Unknown tool: %s", p.Name), true), nil
	}
}

func unmarshalArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func (s *Server) toolSearch(ctx context.Context, args SearchArgs) *CallToolResult {
	query := strings.TrimSpace(args.Query)
	if query == "" {
		return textResult("Error: query is required", true)
	}
	path := args.Path
	if path == "" {
		path = "."
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	project, err := search.ProjectForPath(ctx, s.deps.Index, path)
	if errors.Is(err, errs.ErrNotFound) {
		return textResult(fmt.Sprintf("No ingested project contains %s. Ingest it first with `codechat ingest`.", path), true)
	}
	if err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true)
	}

	q := search.Query{ProjectID: project.ID, Text: query, K: limit}
	if abs, err := filepath.Abs(path); err == nil && abs != project.RootPath {
		q.PathFilter = abs
	}

	results, err := s.deps.Retriever.Retrieve(ctx, q)
	if errors.Is(err, errs.ErrNotFound) {
		return textResult(fmt.Sprintf("%s has no searchable content yet.", project.RootPath), true)
	}
	if err != nil {
		return textResult(fmt.Sprintf("Error: search failed: %v", err), true)
	}
	if len(results) == 0 {
		return textResult("No results found.", false)
	}
	return textResult(FormatResults(results), false)
}

// FormatResults renders results as plain text for a tool response.
func FormatResults(results []search.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d results:\n\n", len(results))
	for i, r := range results {
		label := r.Match() + " match"
		if r.Linked {
			label = "dependency"
		}
		fmt.Fprintf(&sb, "[%d] %s (lines %s) - %s\n", i+1, r.Path, r.Lines, label)
		if r.Code != "" {
			code := r.Code
			if len(code) > maxSnippetSize {
				code = code[:maxSnippetSize] + "..."
			}
			sb.WriteString(code)
			sb.WriteString("\n\n")
		}
	}
	return sb.String()
}

func (s *Server) toolAsk(ctx context.Context, args AskArgs) *CallToolResult {
	if strings.TrimSpace(args.Question) == "" {
		return textResult("Error: question is required", true)
	}

	resp, err := s.deps.Chat.Respond(ctx, chat.Request{
		SessionID: args.SessionID,
		UserID:    UserID,
		Message:   args.Question,
		Project:   args.Path,
	})
	if err != nil {
		msg := fmt.Sprintf("Error (%s): %v", errs.Kind(err), err)
		if resp != nil && resp.SessionID != "" {
			msg += "\nsession_id: " + resp.SessionID
		}
		return textResult(msg, true)
	}

	var sb strings.Builder
	sb.WriteString(resp.Answer)
	if len(resp.Sources) > 0 {
		sb.WriteString("\n\nSources:\n")
		for _, src := range resp.Sources {
			sb.WriteString("- " + src + "\n")
		}
	}
	sb.WriteString("\nsession_id: " + resp.SessionID)
	return textResult(sb.String(), false)
}

func (s *Server) toolListProjects(ctx context.Context) *CallToolResult {
	projects, err := s.deps.Index.ListProjects(ctx)
	if err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true)
	}
	if len(projects) == 0 {
		return textResult("No projects have been ingested.", false)
	}

	var sb strings.Builder
	for _, p := range projects {
		fmt.Fprintf(&sb, "%s [%s]", p.RootPath, p.Status)
		if p.LastIngestedAt != nil {
			fmt.Fprintf(&sb, " ingested %s", p.LastIngestedAt.Format("2006-01-02 15:04"))
		}
		if stats, err := s.deps.Index.Stats(ctx, p.ID); err == nil {
			fmt.Fprintf(&sb, ", %d files, %d chunks", stats.FileCount, stats.ChunkCount)
		}
		sb.WriteString("\n")
	}
	return textResult(sb.String(), false)
}

func (s *Server) sendResult(id any, result any) {
	s.send(Response{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

func (s *Server) sendError(id any, code int, message, data string) {
	s.send(Response{
		JSONRPC: "2.0",
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
	})
}

// send writes one response per line.
func (s *Server) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("Failed to marshal response", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.writer, string(data))
}
