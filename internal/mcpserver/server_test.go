package mcpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akshayaggarwal99/sandboxd/internal/config"
	"github.com/akshayaggarwal99/sandboxd/internal/driver"
	"github.com/akshayaggarwal99/sandboxd/internal/identity"
	"github.com/akshayaggarwal99/sandboxd/internal/publisher"
	"github.com/akshayaggarwal99/sandboxd/internal/sandbox"
	"github.com/akshayaggarwal99/sandboxd/internal/store"
	"github.com/akshayaggarwal99/sandboxd/internal/tools"
)

type nopDriver struct{}

func (nopDriver) CreateAndStart(ctx context.Context, spec driver.CreateSpec) (string, error) {
	return "ctr-1", nil
}

func (nopDriver) Exec(ctx context.Context, id string, argv []string) (*driver.ExecResult, error) {
	return &driver.ExecResult{Stdout: "ok\n"}, nil
}

func (nopDriver) CopyInto(ctx context.Context, id string, data []byte, containerPath string) error {
	return nil
}

func (nopDriver) CopyOut(ctx context.Context, id, containerPath string) ([]byte, error) {
	return nil, driver.ErrNotFound
}

func (nopDriver) ListDir(ctx context.Context, id, containerPath string) ([]driver.DirEntry, error) {
	return nil, nil
}

func (nopDriver) Exists(ctx context.Context, id string) (bool, error) { return true, nil }
func (nopDriver) Remove(ctx context.Context, id string) error         { return nil }
func (nopDriver) ListManaged(ctx context.Context) ([]string, error)   { return nil, nil }
func (nopDriver) Healthy(ctx context.Context) error                   { return nil }
func (nopDriver) Close() error                                        { return nil }

func newTestServer(t *testing.T) (*Server, *store.User) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ident, err := identity.New(st, "test-signing-key", time.Hour)
	require.NoError(t, err)
	user, err := ident.Register("alice", "alice@example.com", "correct-horse")
	require.NoError(t, err)

	pub, err := publisher.New(t.TempDir(), time.Hour)
	require.NoError(t, err)

	cfg := config.Config{
		BaseImage:      "python:3.12-slim",
		ExecTimeout:    5 * time.Second,
		InstallTimeout: 5 * time.Second,
		SandboxLimit:   5,
	}
	coord := sandbox.New(nopDriver{}, st, pub, cfg)
	surface := tools.New(coord)

	return New(ident, surface, "http://localhost:8000"), user
}

func callToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func TestToolHandlerRequiresAuthenticatedContext(t *testing.T) {
	s, _ := newTestServer(t)

	handler := s.toolHandler(tools.ToolListSandboxes)
	result, err := handler(context.Background(), callToolRequest(tools.ToolListSandboxes, nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestToolHandlerRunsAsSessionUser(t *testing.T) {
	s, user := newTestServer(t)
	ctx := context.WithValue(context.Background(), userCtxKey{}, user)

	handler := s.toolHandler(tools.ToolCreateSandbox)
	result, err := handler(ctx, callToolRequest(tools.ToolCreateSandbox, map[string]any{"name": "scratch"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	assert.Contains(t, text.Text, "scratch")
}

func TestToolHandlerReportsDomainErrorsAsToolResults(t *testing.T) {
	s, user := newTestServer(t)
	ctx := context.WithValue(context.Background(), userCtxKey{}, user)

	handler := s.toolHandler(tools.ToolDeleteSandbox)
	result, err := handler(ctx, callToolRequest(tools.ToolDeleteSandbox, map[string]any{"sandbox_id": "ghost"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestAuthContextBindsAPIKeyUser(t *testing.T) {
	s, user := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/sse?api_key="+user.APIKey, nil)
	ctx := s.authContext(context.Background(), req)
	bound := userFromContext(ctx)
	require.NotNil(t, bound)
	assert.Equal(t, user.ID, bound.ID)

	req = httptest.NewRequest(http.MethodGet, "/sse?api_key=bogus", nil)
	ctx = s.authContext(context.Background(), req)
	assert.Nil(t, userFromContext(ctx))
}

func TestSSEHandlerRejectsMissingKey(t *testing.T) {
	s, user := newTestServer(t)

	rec := httptest.NewRecorder()
	s.SSEHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sse", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A valid key passes the gate; the stream starts and is cut off by the
	// request context expiring.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/sse?api_key="+user.APIKey, nil).WithContext(ctx)
	rec = httptest.NewRecorder()
	s.SSEHandler().ServeHTTP(rec, req)
	assert.NotEqual(t, http.StatusUnauthorized, rec.Code)
}
