// Package errdefs defines the error taxonomy shared by every surface of the
// broker. Lower layers wrap these sentinels with %w; the HTTP and MCP
// boundaries map them to wire codes via Code. No runtime-specific error
// strings may leak past the coordinator.
package errdefs

import "errors"

var (
	// ErrInvalidArgument indicates failed schema or path validation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotAuthorized indicates the caller does not own the target.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrNotFound indicates a sandbox, record, file or user is absent.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a duplicate username, email or name collision.
	ErrConflict = errors.New("conflict")

	// ErrRuntimeUnavailable indicates the container runtime is unreachable.
	ErrRuntimeUnavailable = errors.New("runtime unavailable")

	// ErrExecTimeout indicates an exec exceeded its wall-clock deadline.
	ErrExecTimeout = errors.New("exec timeout")

	// ErrInstallFailed indicates the package manager exited non-zero.
	ErrInstallFailed = errors.New("install failed")

	// ErrBadPath indicates a path that escapes its sandbox subtree.
	ErrBadPath = errors.New("bad path")

	// ErrIO indicates a host-side filesystem failure.
	ErrIO = errors.New("io error")

	// ErrInvalidCredentials indicates a failed password or token check.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInternal is the catch-all; callers log it with a correlation id.
	ErrInternal = errors.New("internal error")
)

// Code returns the stable wire identifier for err. Unknown errors map to
// "internal".
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrRuntimeUnavailable):
		return "runtime_unavailable"
	case errors.Is(err, ErrExecTimeout):
		return "exec_timeout"
	case errors.Is(err, ErrInstallFailed):
		return "install_failed"
	case errors.Is(err, ErrBadPath):
		return "bad_path"
	case errors.Is(err, ErrIO):
		return "io_error"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	default:
		return "internal"
	}
}
