// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the file index to LLM clients via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/fileservice"
)

// Server wraps the MCP server with the index tools.
type Server struct {
	mcp *server.MCPServer
	svc *fileservice.Service
}

// New creates a new MCP server with all tools registered.
func New(svc *fileservice.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"ansuz",
		version,
		server.WithToolCapabilities(false),
	)

	s.mcp.AddTool(mcp.NewTool("list_directory",
		mcp.WithDescription("List the indexed children of a directory with size, modification time "+
			"and SHA-256 checksum (\"pending\" until computed)."),
		mcp.WithString("path", mcp.Description("Directory relative to the index root (empty for the root)")),
	), s.listDirectory)

	s.mcp.AddTool(mcp.NewTool("get_entry",
		mcp.WithDescription("Return the index record of one file or directory."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path relative to the index root")),
	), s.getEntry)

	s.mcp.AddTool(mcp.NewTool("index_progress",
		mcp.WithDescription("Report checksum progress: totals per status, percentage and active workers."),
	), s.indexProgress)

	s.mcp.AddTool(mcp.NewTool("rescan",
		mcp.WithDescription("Walk the whole root again and reconcile the index with disk. "+
			"Returns counts of directories, files, queued checksums and removed entries."),
	), s.rescan)

	s.mcp.AddTool(mcp.NewTool("upload_file",
		mcp.WithDescription("Store a file from a base64 data URI or an http(s) URL. "+
			"The file is indexed and hashed once the write completes."),
		mcp.WithString("url", mcp.Required(), mcp.Description("data:...;base64,... URI or http(s) URL")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Target path; a trailing slash keeps the source file name")),
	), s.uploadFile)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func toolError(path string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", path))
	case errors.Is(err, apperr.ErrOutsideRoot):
		return mcp.NewToolResultError(fmt.Sprintf("outside index root: %s", path))
	case errors.Is(err, apperr.ErrConflict):
		return mcp.NewToolResultError(fmt.Sprintf("conflict: %s", path))
	}
	return mcp.NewToolResultError(err.Error())
}

func (s *Server) listDirectory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("path", "")
	items, err := s.svc.List(ctx, path)
	if err != nil {
		return toolError(path, err), nil
	}
	return jsonResult(items)
}

func (s *Server) getEntry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	detail, err := s.svc.Entry(ctx, path)
	if err != nil {
		return toolError(path, err), nil
	}
	return jsonResult(detail)
}

func (s *Server) indexProgress(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := s.svc.Progress(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(p)
}

func (s *Server) rescan(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.svc.Rescan(ctx)
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return mcp.NewToolResultError("a rescan is already running"), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}
