package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/store"
)

// Resumer refreshes a build from the backend's durable record.
type Resumer interface {
	Resume(ctx context.Context, buildID string) (*models.BuildSession, error)
}

// Server exposes cached build sessions as MCP tools.
type Server struct {
	store   store.Store
	resumer Resumer
	version string
}

// NewServer creates the MCP server wrapper. resumer may be nil when no
// backend is configured; apex_reconcile_build then reports an error.
func NewServer(s store.Store, resumer Resumer, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{store: s, resumer: resumer, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("apex", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listBuildsTool())
	srv.AddTool(s.buildStatusTool())
	srv.AddTool(s.buildTranscriptTool())
	srv.AddTool(s.buildThoughtsTool())
	srv.AddTool(s.buildFilesTool())
	srv.AddTool(s.reconcileBuildTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

type buildOut struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Progress    int       `json:"progress"`
	Live        bool      `json:"live"`
	Resumable   bool      `json:"resumable"`
	Files       int       `json:"files"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toBuildOut(b *models.BuildSession) buildOut {
	return buildOut{
		ID:          b.ID,
		Description: b.Description,
		Status:      string(b.Status),
		Progress:    b.Progress,
		Live:        b.Live,
		Resumable:   b.Resumable,
		Files:       len(b.Files),
		UpdatedAt:   b.UpdatedAt,
	}
}

func jsonResult(v any, what string) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal %s: %v", what, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) getBuild(ctx context.Context, request mcp.CallToolRequest) (*models.BuildSession, *mcp.CallToolResult) {
	id, err := request.RequireString("build_id")
	if err != nil {
		return nil, mcp.NewToolResultError("missing required parameter: build_id")
	}
	b, err := s.store.GetBuild(ctx, id)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("build not found: %s", id))
	}
	return b, nil
}

// apex_list_builds
func (s *Server) listBuildsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_list_builds",
		mcp.WithDescription("List builds cached on this machine, most recently updated first. Returns id, description, status, progress, live, resumable and file count."),
		mcp.WithString("status", mcp.Description("Filter by build status (e.g. in_progress, completed, failed)")),
		mcp.WithBoolean("live_only", mcp.Description("Only builds that are still running")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of builds to return")),
	)
	return tool, s.handleListBuilds
}

func (s *Server) handleListBuilds(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.BuildListFilter{
		Status:   models.BuildStatus(request.GetString("status", "")),
		LiveOnly: request.GetBool("live_only", false),
		Limit:    request.GetInt("limit", 0),
	}
	builds, err := s.store.ListBuilds(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list builds: %v", err)), nil
	}

	out := make([]buildOut, len(builds))
	for i, b := range builds {
		out[i] = toBuildOut(b)
	}
	return jsonResult(out, "builds")
}

// apex_build_status
func (s *Server) buildStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_build_status",
		mcp.WithDescription("Get the status of one build: progress, agents, checkpoints, preview URL and error."),
		mcp.WithString("build_id", mcp.Required(), mcp.Description("Build ID")),
	)
	return tool, s.handleBuildStatus
}

func (s *Server) handleBuildStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b, errResult := s.getBuild(ctx, request)
	if errResult != nil {
		return errResult, nil
	}

	ids := make([]string, 0, len(b.Agents))
	for id := range b.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	agents := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		a := b.Agents[id]
		agent := map[string]any{
			"id":       a.ID,
			"role":     a.Role,
			"provider": a.Provider,
			"status":   a.Status,
			"progress": a.Progress,
		}
		if a.CurrentTask != nil {
			agent["task"] = a.CurrentTask.Description
		}
		if a.Error != "" {
			agent["error"] = a.Error
		}
		agents = append(agents, agent)
	}

	checkpoints := make([]map[string]any, len(b.Checkpoints))
	for i, cp := range b.Checkpoints {
		checkpoints[i] = map[string]any{
			"id":       cp.ID,
			"number":   cp.Number,
			"name":     cp.Name,
			"progress": cp.Progress,
		}
	}

	result := map[string]any{
		"build":          toBuildOut(b),
		"mode":           b.Mode,
		"power_mode":     b.PowerMode,
		"agents":         agents,
		"checkpoints":    checkpoints,
		"preview_url":    b.PreviewURL,
		"error":          b.Error,
		"chat_messages":  b.Chat.Len(),
		"thoughts_total": b.Thoughts.Total(),
	}
	return jsonResult(result, "status")
}

// apex_build_transcript
func (s *Server) buildTranscriptTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_build_transcript",
		mcp.WithDescription("Get the chat transcript of a build, oldest first."),
		mcp.WithString("build_id", mcp.Required(), mcp.Description("Build ID")),
		mcp.WithNumber("limit", mcp.Description("Only the most recent N messages")),
	)
	return tool, s.handleBuildTranscript
}

func (s *Server) handleBuildTranscript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b, errResult := s.getBuild(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	msgs := b.Chat.Items()
	if n := request.GetInt("limit", 0); n > 0 {
		msgs = b.Chat.Last(n)
	}
	return jsonResult(msgs, "transcript")
}

// apex_build_thoughts
func (s *Server) buildThoughtsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_build_thoughts",
		mcp.WithDescription("Get the most recent agent thoughts of a build (at most 100 are kept)."),
		mcp.WithString("build_id", mcp.Required(), mcp.Description("Build ID")),
		mcp.WithNumber("limit", mcp.Description("Only the most recent N thoughts")),
		mcp.WithString("agent_role", mcp.Description("Only thoughts from this agent role")),
	)
	return tool, s.handleBuildThoughts
}

func (s *Server) handleBuildThoughts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b, errResult := s.getBuild(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	role := models.AgentRole(request.GetString("agent_role", ""))
	thoughts := make([]models.AIThought, 0, b.Thoughts.Len())
	for _, th := range b.Thoughts.Items() {
		if role == "" || th.AgentRole == role {
			thoughts = append(thoughts, th)
		}
	}
	if n := request.GetInt("limit", 0); n > 0 && n < len(thoughts) {
		thoughts = thoughts[len(thoughts)-n:]
	}
	return jsonResult(thoughts, "thoughts")
}

// apex_build_files
func (s *Server) buildFilesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_build_files",
		mcp.WithDescription("List files generated by a build. Set include_content to also return file contents."),
		mcp.WithString("build_id", mcp.Required(), mcp.Description("Build ID")),
		mcp.WithBoolean("include_content", mcp.Description("Include file contents")),
	)
	return tool, s.handleBuildFiles
}

func (s *Server) handleBuildFiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b, errResult := s.getBuild(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	withContent := request.GetBool("include_content", false)
	out := make([]models.GeneratedFile, len(b.Files))
	for i, f := range b.Files {
		out[i] = f
		if !withContent {
			out[i].Content = ""
		}
	}
	return jsonResult(out, "files")
}

// apex_reconcile_build
func (s *Server) reconcileBuildTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("apex_reconcile_build",
		mcp.WithDescription("Refresh a build from the backend's durable record. A build the backend reports as finished is marked terminal locally."),
		mcp.WithString("build_id", mcp.Required(), mcp.Description("Build ID")),
	)
	return tool, s.handleReconcileBuild
}

func (s *Server) handleReconcileBuild(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("build_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: build_id"), nil
	}
	if s.resumer == nil {
		return mcp.NewToolResultError("no backend configured; set api.url"), nil
	}
	b, err := s.resumer.Resume(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to reconcile build: %v", err)), nil
	}
	return jsonResult(toBuildOut(b), "build")
}
