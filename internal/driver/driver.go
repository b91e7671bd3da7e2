// Package driver defines the capability surface over the host container
// runtime. It is the only layer allowed to name the runtime; everything
// above speaks in sandbox containers, execs and file copies.
package driver

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by Driver implementations. The coordinator maps
// these onto the public error taxonomy.
var (
	// ErrImageMissing indicates the configured base image does not exist
	// and could not be pulled.
	ErrImageMissing = errors.New("base image missing")

	// ErrRuntimeUnavailable indicates the container runtime is unreachable.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")

	// ErrNoSuchContainer indicates the container id is unknown to the runtime.
	ErrNoSuchContainer = errors.New("no such container")

	// ErrExecTimeout indicates an exec exceeded its wall-clock deadline.
	// The exec process is killed; the container stays alive.
	ErrExecTimeout = errors.New("exec timed out")

	// ErrNotFound indicates a requested in-container path does not exist.
	ErrNotFound = errors.New("path not found in container")

	// ErrIO indicates a stream or archive failure while copying data.
	ErrIO = errors.New("container io error")
)

// MaxStreamBytes caps each captured exec stream. Output beyond the cap is
// dropped and marked with TruncationSentinel.
const MaxStreamBytes = 1 << 20

// TruncationSentinel is appended to a stream that hit MaxStreamBytes.
const TruncationSentinel = "\n[output truncated]"

// CreateSpec describes the container to create and start.
type CreateSpec struct {
	// Image is the base image tag.
	Image string

	// Name is an optional runtime-side container name.
	Name string

	// Labels are attached to the container so orphans can be found after a
	// crash.
	Labels map[string]string

	// WorkDir is the working directory for every exec.
	WorkDir string

	// MemoryBytes limits container memory. Zero means runtime default.
	MemoryBytes int64

	// User is the uid[:gid] the container runs as. Never root.
	User string
}

// ExecResult captures a finished exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// DirEntry describes a regular file inside a container directory.
type DirEntry struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Driver is the abstraction over the container runtime. Implementations
// must be safe for concurrent use; every method honors ctx deadlines.
//
// Exec treats the ctx deadline as the command's wall clock: on expiry the
// process inside the container receives SIGKILL and Exec returns
// ErrExecTimeout while the container keeps running.
type Driver interface {
	// CreateAndStart provisions a container from spec, starts it with a
	// no-op foreground command and returns the runtime's container id.
	// On return the WorkDir exists and is owned by the execution user.
	CreateAndStart(ctx context.Context, spec CreateSpec) (string, error)

	// Exec runs argv inside the container and captures both streams, each
	// capped at MaxStreamBytes. A non-zero exit code is not an error.
	Exec(ctx context.Context, id string, argv []string) (*ExecResult, error)

	// CopyInto writes data to containerPath inside the container.
	CopyInto(ctx context.Context, id string, data []byte, containerPath string) error

	// CopyOut reads the file at containerPath. Returns ErrNotFound when the
	// path does not exist.
	CopyOut(ctx context.Context, id, containerPath string) ([]byte, error)

	// ListDir enumerates the regular files directly under containerPath.
	// A missing directory yields an empty listing, not an error.
	ListDir(ctx context.Context, id, containerPath string) ([]DirEntry, error)

	// Exists reports whether the runtime still knows the container.
	Exists(ctx context.Context, id string) (bool, error)

	// Remove force-removes the container. Removing an already-gone
	// container returns ErrNoSuchContainer.
	Remove(ctx context.Context, id string) error

	// ListManaged returns the ids of every container carrying this
	// driver's managed label, running or not.
	ListManaged(ctx context.Context) ([]string, error)

	// Healthy pings the runtime.
	Healthy(ctx context.Context) error

	// Close releases the driver's own resources.
	Close() error
}
