// Package api exposes the broker over HTTP: account endpoints, the tool
// surface and the published-file capability URLs.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/akshayaggarwal99/sandboxd/internal/errdefs"
	"github.com/akshayaggarwal99/sandboxd/internal/identity"
	"github.com/akshayaggarwal99/sandboxd/internal/publisher"
	"github.com/akshayaggarwal99/sandboxd/internal/sandbox"
	"github.com/akshayaggarwal99/sandboxd/internal/store"
	"github.com/akshayaggarwal99/sandboxd/internal/tools"
)

// userKey is the echo context key holding the authenticated user.
const userKey = "sandboxd.user"

type Handler struct {
	identity *identity.Service
	coord    *sandbox.Coordinator
	surface  *tools.Surface
	pub      *publisher.Publisher
}

func NewHandler(id *identity.Service, coord *sandbox.Coordinator, surface *tools.Surface, pub *publisher.Publisher) *Handler {
	return &Handler{
		identity: id,
		coord:    coord,
		surface:  surface,
		pub:      pub,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.healthz)

	// Published-file URLs are unauthenticated capabilities: the random
	// sandbox id in the path is the secret.
	e.GET(publisher.URLPrefix+"/:sandbox_id/*", h.fetchFile)

	api := e.Group("/api")
	api.POST("/register", h.register)
	api.POST("/token", h.token)

	authed := api.Group("", h.authMiddleware)
	authed.GET("/users/me", h.me)
	authed.GET("/users/me/api-key", h.apiKey)
	authed.POST("/users/me/api-key/regenerate", h.regenerateAPIKey)
	authed.GET("/users/me/sandboxes", h.listSandboxes)
	authed.POST("/users/me/sandboxes", h.createSandbox)
	authed.DELETE("/users/me/sandboxes/:id", h.deleteSandbox)
	authed.GET("/users/me/sandboxes/:id/packages", h.listPackages)
	authed.POST("/tools/:name", h.callTool)
}

// authMiddleware accepts either a bearer session token or an API key. The
// key may arrive in X-API-Key or, for clients that cannot set headers, the
// api_key query parameter.
func (h *Handler) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		var (
			user *store.User
			err  error
		)

		switch {
		case strings.HasPrefix(c.Request().Header.Get("Authorization"), "Bearer "):
			bearer := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
			user, err = h.identity.ResolveToken(bearer)
		case c.Request().Header.Get("X-API-Key") != "":
			user, err = h.identity.ResolveAPIKey(c.Request().Header.Get("X-API-Key"))
		case c.QueryParam("api_key") != "":
			user, err = h.identity.ResolveAPIKey(c.QueryParam("api_key"))
		default:
			err = errdefs.ErrInvalidCredentials
		}
		if err != nil {
			return httpError(err)
		}

		c.Set(userKey, user)
		return next(c)
	}
}

func currentUser(c echo.Context) *store.User {
	user, _ := c.Get(userKey).(*store.User)
	return user
}

// httpError maps taxonomy errors onto HTTP statuses with a stable
// {"error": {"code", "message"}} body.
func httpError(err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errdefs.ErrInvalidArgument), errors.Is(err, errdefs.ErrBadPath):
		status = http.StatusBadRequest
	case errors.Is(err, errdefs.ErrInvalidCredentials), errors.Is(err, errdefs.ErrNotAuthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, errdefs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errdefs.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, errdefs.ErrExecTimeout):
		status = http.StatusRequestTimeout
	case errors.Is(err, errdefs.ErrRuntimeUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, errdefs.ErrInstallFailed), errors.Is(err, errdefs.ErrIO):
		status = http.StatusBadGateway
	}
	return echo.NewHTTPError(status, map[string]any{
		"error": map[string]string{
			"code":    errdefs.Code(err),
			"message": err.Error(),
		},
	})
}

func (h *Handler) healthz(c echo.Context) error {
	if err := h.coord.Healthy(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	IsActive bool   `json:"is_active"`
}

func (h *Handler) register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request").SetInternal(err)
	}
	user, err := h.identity.Register(req.Username, req.Email, req.Password)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, userResponse{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		IsActive: user.IsActive,
	})
}

// token implements the password grant: form-encoded username/password in,
// bearer token out.
func (h *Handler) token(c echo.Context) error {
	username := c.FormValue("username")
	password := c.FormValue("password")
	user, err := h.identity.VerifyPassword(username, password)
	if err != nil {
		return httpError(err)
	}
	signed, err := h.identity.Token(user)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"access_token": signed,
		"token_type":   "bearer",
	})
}

func (h *Handler) me(c echo.Context) error {
	user := currentUser(c)
	return c.JSON(http.StatusOK, userResponse{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		IsActive: user.IsActive,
	})
}

func (h *Handler) apiKey(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"api_key": currentUser(c).APIKey})
}

func (h *Handler) regenerateAPIKey(c echo.Context) error {
	key, err := h.identity.RegenerateAPIKey(currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"api_key": key})
}

func (h *Handler) listSandboxes(c echo.Context) error {
	out, err := h.surface.Dispatch(c.Request().Context(), currentUser(c), tools.ToolListSandboxes, nil)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) createSandbox(c echo.Context) error {
	args, err := readArgs(c)
	if err != nil {
		return httpError(err)
	}
	out, err := h.surface.Dispatch(c.Request().Context(), currentUser(c), tools.ToolCreateSandbox, args)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) deleteSandbox(c echo.Context) error {
	if err := h.coord.DeleteSandbox(c.Request().Context(), currentUser(c), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) listPackages(c echo.Context) error {
	pkgs, err := h.coord.ListInstalledPackages(c.Request().Context(), currentUser(c), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"packages": pkgs})
}

// callTool runs one named tool with the request body as its arguments.
func (h *Handler) callTool(c echo.Context) error {
	args, err := readArgs(c)
	if err != nil {
		return httpError(err)
	}
	out, err := h.surface.Dispatch(c.Request().Context(), currentUser(c), c.Param("name"), args)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func readArgs(c echo.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, errdefs.ErrIO
	}
	return json.RawMessage(body), nil
}

func (h *Handler) fetchFile(c echo.Context) error {
	sandboxID := c.Param("sandbox_id")
	rel := c.Param("*")

	data, contentType, err := h.pub.Fetch(sandboxID, rel)
	if err != nil {
		// Missing and forbidden paths are indistinguishable to callers.
		log.Debug().Err(err).Str("sandbox_id", sandboxID).Str("path", rel).Msg("File fetch rejected")
		return httpError(errdefs.ErrNotFound)
	}
	return c.Blob(http.StatusOK, contentType, data)
}
