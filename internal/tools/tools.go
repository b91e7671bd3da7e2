// Package tools defines the broker's outward contract: named operations
// with typed, strictly-validated arguments. The same surface is mounted
// under the authenticated REST API and the MCP transport.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/akshayaggarwal99/sandboxd/internal/errdefs"
	"github.com/akshayaggarwal99/sandboxd/internal/sandbox"
	"github.com/akshayaggarwal99/sandboxd/internal/store"
)

// Tool names.
const (
	ToolCreateSandbox      = "create_sandbox"
	ToolListSandboxes      = "list_sandboxes"
	ToolDeleteSandbox      = "delete_sandbox"
	ToolExecutePythonCode  = "execute_python_code"
	ToolInstallPackage     = "install_package_in_sandbox"
	ToolCheckPackageStatus = "check_package_installation_status"
	ToolExecuteTerminal    = "execute_terminal_command"
	ToolUploadFile         = "upload_file_to_sandbox"
)

// Handler executes one tool call for an authenticated user.
type Handler func(ctx context.Context, user *store.User, args json.RawMessage) (any, error)

// Tool couples a name and description with its handler. Descriptions are
// what LLM clients see, so they spell out the parameters.
type Tool struct {
	Name        string
	Description string
	Handler     Handler
}

// Surface is the registry of all tools, bound to one coordinator.
type Surface struct {
	coord *sandbox.Coordinator
	tools map[string]Tool
	order []string
}

// New builds the tool surface.
func New(coord *sandbox.Coordinator) *Surface {
	s := &Surface{coord: coord, tools: make(map[string]Tool)}

	s.register(Tool{
		Name: ToolCreateSandbox,
		Description: "Creates a new Python sandbox and returns its ID for subsequent operations. " +
			"Parameters: name (string, optional display name).",
		Handler: s.createSandbox,
	})
	s.register(Tool{
		Name: ToolListSandboxes,
		Description: "Lists your existing Python sandboxes with their creation and last-used times. " +
			"No parameters required.",
		Handler: s.listSandboxes,
	})
	s.register(Tool{
		Name:        ToolDeleteSandbox,
		Description: "Deletes a sandbox, its container and all of its published files. Parameters: sandbox_id (string).",
		Handler:     s.deleteSandbox,
	})
	s.register(Tool{
		Name: ToolExecutePythonCode,
		Description: "Executes Python code in a sandbox and returns stdout, stderr and links to any files the " +
			"code wrote under /app/results. Parameters: sandbox_id (string), code (string).",
		Handler: s.executePythonCode,
	})
	s.register(Tool{
		Name: ToolInstallPackage,
		Description: "Starts installing a Python package in a sandbox. Installation is asynchronous; poll " +
			"check_package_installation_status for the outcome. Parameters: sandbox_id (string), package_name (string).",
		Handler: s.installPackage,
	})
	s.register(Tool{
		Name: ToolCheckPackageStatus,
		Description: "Checks the status of a package installation (installing, success or failed). " +
			"Parameters: sandbox_id (string), package_name (string).",
		Handler: s.checkPackageStatus,
	})
	s.register(Tool{
		Name: ToolExecuteTerminal,
		Description: "Executes a shell command in a sandbox and returns stdout, stderr and the exit code. " +
			"Parameters: sandbox_id (string), command (string).",
		Handler: s.executeTerminal,
	})
	s.register(Tool{
		Name: ToolUploadFile,
		Description: "Uploads a server-local file into a sandbox. Parameters: sandbox_id (string), " +
			"local_file_path (string), dest_path (string, optional, default /app/results).",
		Handler: s.uploadFile,
	})

	return s
}

func (s *Surface) register(t Tool) {
	s.tools[t.Name] = t
	s.order = append(s.order, t.Name)
}

// Tools returns every tool in registration order.
func (s *Surface) Tools() []Tool {
	out := make([]Tool, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name])
	}
	return out
}

// Dispatch routes one call by name. Unknown tools are not_found.
func (s *Surface) Dispatch(ctx context.Context, user *store.User, name string, args json.RawMessage) (any, error) {
	tool, ok := s.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q: %w", name, errdefs.ErrNotFound)
	}
	return tool.Handler(ctx, user, args)
}

// decodeArgs strictly decodes args into dst, rejecting unknown fields. A
// missing body counts as an empty argument object.
func decodeArgs(args json.RawMessage, dst any) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("malformed arguments: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	return nil
}

type createSandboxArgs struct {
	Name string `json:"name,omitempty"`
}

type sandboxIDArgs struct {
	SandboxID string `json:"sandbox_id"`
}

type executeCodeArgs struct {
	SandboxID string `json:"sandbox_id"`
	Code      string `json:"code"`
}

type packageArgs struct {
	SandboxID   string `json:"sandbox_id"`
	PackageName string `json:"package_name"`
}

type terminalArgs struct {
	SandboxID string `json:"sandbox_id"`
	Command   string `json:"command"`
}

type uploadArgs struct {
	SandboxID     string `json:"sandbox_id"`
	LocalFilePath string `json:"local_file_path"`
	DestPath      string `json:"dest_path,omitempty"`
}

// SandboxSummary is the listing shape shared by REST and MCP.
type SandboxSummary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

func (s *Surface) createSandbox(ctx context.Context, user *store.User, args json.RawMessage) (any, error) {
	var a createSandboxArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	sb, err := s.coord.CreateSandbox(ctx, user, a.Name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": sb.ID, "name": sb.Name, "created_at": sb.CreatedAt}, nil
}

func (s *Surface) listSandboxes(ctx context.Context, user *store.User, args json.RawMessage) (any, error) {
	var a struct{}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	rows, err := s.coord.ListSandboxes(ctx, user)
	if err != nil {
		return nil, err
	}
	summaries := make([]SandboxSummary, 0, len(rows))
	for _, sb := range rows {
		summaries = append(summaries, SandboxSummary{
			ID:         sb.ID,
			Name:       sb.Name,
			CreatedAt:  sb.CreatedAt,
			LastUsedAt: sb.LastUsedAt,
		})
	}
	return map[string]any{"sandboxes": summaries}, nil
}

func (s *Surface) deleteSandbox(ctx context.Context, user *store.User, args json.RawMessage) (any, error) {
	var a sandboxIDArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.SandboxID == "" {
		return nil, fmt.Errorf("sandbox_id is required: %w", errdefs.ErrInvalidArgument)
	}
	if err := s.coord.DeleteSandbox(ctx, user, a.SandboxID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Surface) executePythonCode(ctx context.Context, user *store.User, args json.RawMessage) (any, error) {
	var a executeCodeArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.SandboxID == "" {
		return nil, fmt.Errorf("sandbox_id is required: %w", errdefs.ErrInvalidArgument)
	}
	return s.coord.ExecuteCode(ctx, user, a.SandboxID, a.Code)
}

func (s *Surface) installPackage(ctx context.Context, user *store.User, args json.RawMessage) (any, error) {
	var a packageArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.SandboxID == "" || a.PackageName == "" {
		return nil, fmt.Errorf("sandbox_id and package_name are required: %w", errdefs.ErrInvalidArgument)
	}
	rec, err := s.coord.InstallPackage(ctx, user, a.SandboxID, a.PackageName)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": rec.Status, "record_id": rec.ID}, nil
}

func (s *Surface) checkPackageStatus(ctx context.Context, user *store.User, args json.RawMessage) (any, error) {
	var a packageArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.SandboxID == "" || a.PackageName == "" {
		return nil, fmt.Errorf("sandbox_id and package_name are required: %w", errdefs.ErrInvalidArgument)
	}
	rec, err := s.coord.CheckPackageStatus(ctx, user, a.SandboxID, a.PackageName)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":      rec.Status,
		"record_id":   rec.ID,
		"stdout_tail": rec.StdoutTail,
		"stderr_tail": rec.StderrTail,
	}, nil
}

func (s *Surface) executeTerminal(ctx context.Context, user *store.User, args json.RawMessage) (any, error) {
	var a terminalArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.SandboxID == "" {
		return nil, fmt.Errorf("sandbox_id is required: %w", errdefs.ErrInvalidArgument)
	}
	return s.coord.ExecuteTerminal(ctx, user, a.SandboxID, a.Command)
}

func (s *Surface) uploadFile(ctx context.Context, user *store.User, args json.RawMessage) (any, error) {
	var a uploadArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.SandboxID == "" || a.LocalFilePath == "" {
		return nil, fmt.Errorf("sandbox_id and local_file_path are required: %w", errdefs.ErrInvalidArgument)
	}
	target, err := s.coord.UploadFile(ctx, user, a.SandboxID, a.LocalFilePath, a.DestPath)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path_in_container": target}, nil
}
