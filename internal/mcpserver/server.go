// Package mcpserver exposes the tool surface over the Model Context
// Protocol with an SSE transport, so LLM clients can drive sandboxes with
// the same operations the REST API offers.
package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"

	"github.com/akshayaggarwal99/sandboxd/internal/identity"
	"github.com/akshayaggarwal99/sandboxd/internal/store"
	"github.com/akshayaggarwal99/sandboxd/internal/tools"
)

// Endpoints of the SSE transport.
const (
	SSEPath     = "/sse"
	MessagePath = "/messages"
)

type userCtxKey struct{}

// Server bridges MCP tool calls onto the tool surface.
type Server struct {
	identity *identity.Service
	surface  *tools.Surface
	sse      *server.SSEServer
}

// New builds the MCP server and registers every tool.
func New(id *identity.Service, surface *tools.Surface, baseURL string) *Server {
	s := &Server{identity: id, surface: surface}

	srv := server.NewMCPServer(
		"sandboxd",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	for _, t := range surface.Tools() {
		srv.AddTool(toolDefinition(t), s.loggingMiddleware(s.toolHandler(t.Name)))
	}

	s.sse = server.NewSSEServer(srv,
		server.WithBaseURL(baseURL),
		server.WithSSEEndpoint(SSEPath),
		server.WithMessageEndpoint(MessagePath),
		server.WithSSEContextFunc(s.authContext),
	)
	return s
}

// SSEHandler serves the event stream. Requests without a resolvable API key
// are rejected before the stream is established.
func (s *Server) SSEHandler() http.Handler {
	return s.requireAuth(s.sse.SSEHandler())
}

// MessageHandler serves client-to-server messages for open sessions.
func (s *Server) MessageHandler() http.Handler {
	return s.sse.MessageHandler()
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.resolveUser(r); err != nil {
			http.Error(w, `{"error":{"code":"invalid_credentials","message":"valid API key required"}}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authContext binds the authenticated user to the SSE session context. All
// tool calls on the session run as that user.
func (s *Server) authContext(ctx context.Context, r *http.Request) context.Context {
	user, err := s.resolveUser(r)
	if err != nil {
		return ctx
	}
	return context.WithValue(ctx, userCtxKey{}, user)
}

// resolveUser accepts the API key from the X-API-Key header or, for SSE
// clients that cannot set headers, the api_key query parameter.
func (s *Server) resolveUser(r *http.Request) (*store.User, error) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.URL.Query().Get("api_key")
	}
	return s.identity.ResolveAPIKey(key)
}

func userFromContext(ctx context.Context) *store.User {
	user, _ := ctx.Value(userCtxKey{}).(*store.User)
	return user
}

// toolHandler adapts one named tool to the MCP calling convention. Domain
// failures become tool results, not protocol errors, so the model can read
// and react to them.
func (s *Server) toolHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		user := userFromContext(ctx)
		if user == nil {
			return mcp.NewToolResultError("authentication required: connect with a valid API key"), nil
		}

		args, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError("malformed arguments: " + err.Error()), nil
		}

		out, err := s.surface.Dispatch(ctx, user, name, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		body, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

func (s *Server) loggingMiddleware(next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID := "unknown"
		if user := userFromContext(ctx); user != nil {
			userID = user.ID
		}
		log.Debug().Str("tool", req.Params.Name).Str("user_id", userID).Msg("MCP tool call")

		result, err := next(ctx, req)
		if err != nil {
			log.Warn().Err(err).Str("tool", req.Params.Name).Str("user_id", userID).Msg("MCP tool call failed")
		}
		return result, err
	}
}

// toolDefinition declares the MCP schema for one tool. The schemas mirror
// the argument structs the surface decodes.
func toolDefinition(t tools.Tool) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(t.Description)}

	switch t.Name {
	case tools.ToolCreateSandbox:
		opts = append(opts,
			mcp.WithString("name", mcp.Description("Optional display name for the sandbox.")),
		)
	case tools.ToolListSandboxes:
		// No parameters.
	case tools.ToolDeleteSandbox:
		opts = append(opts,
			mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("ID of the sandbox to delete.")),
		)
	case tools.ToolExecutePythonCode:
		opts = append(opts,
			mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("ID of the sandbox to run in.")),
			mcp.WithString("code", mcp.Required(), mcp.Description("Python source to execute. Write output files under /app/results to get download links.")),
		)
	case tools.ToolInstallPackage:
		opts = append(opts,
			mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("ID of the sandbox to install into.")),
			mcp.WithString("package_name", mcp.Required(), mcp.Description("Package spec, e.g. numpy or numpy==2.1.0.")),
		)
	case tools.ToolCheckPackageStatus:
		opts = append(opts,
			mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("ID of the sandbox.")),
			mcp.WithString("package_name", mcp.Required(), mcp.Description("Package spec previously passed to install.")),
		)
	case tools.ToolExecuteTerminal:
		opts = append(opts,
			mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("ID of the sandbox to run in.")),
			mcp.WithString("command", mcp.Required(), mcp.Description("Shell command line, run with sh -c.")),
		)
	case tools.ToolUploadFile:
		opts = append(opts,
			mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("ID of the sandbox to upload into.")),
			mcp.WithString("local_file_path", mcp.Required(), mcp.Description("Path of the file on the server host.")),
			mcp.WithString("dest_path", mcp.Description("Destination directory inside the container, default /app/results.")),
		)
	}

	return mcp.NewTool(t.Name, opts...)
}
