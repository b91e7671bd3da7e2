// Package sandbox implements the execution coordinator: the component that
// owns per-sandbox serialization, install state, artifact publication and
// last-used accounting on top of the container driver and the registry.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/akshayaggarwal99/sandboxd/internal/config"
	"github.com/akshayaggarwal99/sandboxd/internal/driver"
	"github.com/akshayaggarwal99/sandboxd/internal/errdefs"
	"github.com/akshayaggarwal99/sandboxd/internal/publisher"
	"github.com/akshayaggarwal99/sandboxd/internal/store"
)

const (
	// resultsDir is the in-container directory watched for artifacts.
	resultsDir = "/app/results"

	// scriptPath is where execute_code stages the user's source.
	scriptPath = "/app/script.py"

	// tailBytes is how much of each install stream is kept in the record.
	tailBytes = 4 << 10

	// sandboxMemoryBytes limits each container. Matches the 1 GiB the
	// Python images are sized for.
	sandboxMemoryBytes = 1 << 30
)

// packageNameRe accepts pip requirement specifiers (name, extras, version
// pin) and nothing that needs shell quoting.
var packageNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\[\],=<>!~*+-]*$`)

// ExecOutput is the result of execute_code.
type ExecOutput struct {
	Stdout    string   `json:"stdout"`
	Stderr    string   `json:"stderr"`
	FileLinks []string `json:"file_links"`
}

// TerminalOutput is the result of execute_terminal.
type TerminalOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// InstalledPackage is one row of a pip listing.
type InstalledPackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Coordinator provides the high-level sandbox operations. All state tables
// hang off the Coordinator's lifetime; tests substitute the driver through
// the constructor.
type Coordinator struct {
	drv      driver.Driver
	store    *store.Store
	pub      *publisher.Publisher
	cfg      config.Config
	locks    *lockTable
	installs *installTable
}

// New wires a Coordinator.
func New(drv driver.Driver, st *store.Store, pub *publisher.Publisher, cfg config.Config) *Coordinator {
	return &Coordinator{
		drv:      drv,
		store:    st,
		pub:      pub,
		cfg:      cfg,
		locks:    newLockTable(),
		installs: newInstallTable(),
	}
}

// CreateSandbox provisions a container and registers it under a fresh
// sandbox id. If persistence fails the container is removed before
// returning, so the registry never references more containers than exist.
func (c *Coordinator) CreateSandbox(ctx context.Context, user *store.User, name string) (*store.Sandbox, error) {
	existing, err := c.store.ListSandboxesByUser(user.ID)
	if err != nil {
		return nil, err
	}
	if c.cfg.SandboxLimit > 0 && len(existing) >= c.cfg.SandboxLimit {
		return nil, fmt.Errorf("sandbox limit of %d reached: %w", c.cfg.SandboxLimit, errdefs.ErrConflict)
	}

	id := uuid.NewString()
	if name == "" {
		name = fmt.Sprintf("Sandbox %d", len(existing)+1)
	}

	containerID, err := c.drv.CreateAndStart(ctx, driver.CreateSpec{
		Image:       c.cfg.BaseImage,
		Name:        "sandbox-" + id[:8],
		Labels:      map[string]string{"dev.sandboxd.sandbox-id": id},
		WorkDir:     resultsDir,
		MemoryBytes: sandboxMemoryBytes,
	})
	if err != nil {
		return nil, mapDriverErr(err)
	}

	now := time.Now().UTC()
	sb := &store.Sandbox{
		ID:          id,
		UserID:      user.ID,
		Name:        name,
		ContainerID: containerID,
		CreatedAt:   now,
		LastUsedAt:  now,
	}
	if err := c.store.CreateSandbox(sb); err != nil {
		if rmErr := c.drv.Remove(context.Background(), containerID); rmErr != nil {
			log.Error().Err(rmErr).Str("container_id", containerID).Msg("Failed to remove container after persist failure")
		}
		return nil, err
	}

	log.Info().Str("sandbox_id", id).Str("user_id", user.ID).Msg("Created sandbox")
	return sb, nil
}

// ListSandboxes returns the caller's registry rows.
func (c *Coordinator) ListSandboxes(ctx context.Context, user *store.User) ([]*store.Sandbox, error) {
	return c.store.ListSandboxesByUser(user.ID)
}

// DeleteSandbox tears down the container, registry row, install records and
// published files of a sandbox the caller owns.
func (c *Coordinator) DeleteSandbox(ctx context.Context, user *store.User, sandboxID string) error {
	if _, err := c.authorize(user, sandboxID); err != nil {
		return err
	}

	release := c.locks.acquire(sandboxID)
	defer release()

	// Re-read under the lock; a concurrent delete may have won.
	sb, err := c.store.GetSandbox(sandboxID)
	if err != nil {
		return err
	}
	return c.teardownLocked(ctx, sb)
}

// teardownLocked removes everything belonging to sb. Caller holds the
// per-sandbox lock. A container the runtime has already lost counts as
// removed.
func (c *Coordinator) teardownLocked(ctx context.Context, sb *store.Sandbox) error {
	if err := c.drv.Remove(ctx, sb.ContainerID); err != nil && !errors.Is(err, driver.ErrNoSuchContainer) {
		return mapDriverErr(err)
	}
	if err := c.store.DeleteSandbox(sb.ID); err != nil {
		return err
	}
	c.installs.dropSandbox(sb.ID)
	if err := c.pub.Forget(sb.ID); err != nil {
		log.Warn().Err(err).Str("sandbox_id", sb.ID).Msg("Failed to remove published files")
	}
	log.Info().Str("sandbox_id", sb.ID).Msg("Deleted sandbox")
	return nil
}

// ExecuteCode runs Python source in the sandbox and publishes every file the
// run produced or modified under /app/results. A raising script is still a
// successful execution; the traceback lives in stderr.
func (c *Coordinator) ExecuteCode(ctx context.Context, user *store.User, sandboxID, code string) (*ExecOutput, error) {
	if code == "" {
		return nil, fmt.Errorf("code is required: %w", errdefs.ErrInvalidArgument)
	}

	release := c.locks.acquire(sandboxID)
	defer release()

	sb, err := c.authorize(user, sandboxID)
	if err != nil {
		return nil, err
	}

	// A dropped client must not kill the run; only the wall clock ends it.
	ctx = context.WithoutCancel(ctx)

	baseline, err := c.drv.ListDir(ctx, sb.ContainerID, resultsDir)
	if err != nil {
		return nil, mapDriverErr(err)
	}

	if err := c.drv.CopyInto(ctx, sb.ContainerID, []byte(code), scriptPath); err != nil {
		return nil, mapDriverErr(err)
	}

	execCtx, cancel := context.WithTimeout(ctx, c.cfg.ExecTimeout)
	defer cancel()
	res, err := c.drv.Exec(execCtx, sb.ContainerID, []string{"python", scriptPath})
	if err != nil {
		return nil, mapDriverErr(err)
	}

	after, err := c.drv.ListDir(ctx, sb.ContainerID, resultsDir)
	if err != nil {
		return nil, mapDriverErr(err)
	}

	links := c.publishArtifacts(ctx, sb, diffEntries(baseline, after))

	if err := c.store.TouchSandbox(sandboxID); err != nil {
		log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("Failed to touch sandbox")
	}

	return &ExecOutput{
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		FileLinks: links,
	}, nil
}

// diffEntries returns the names in after that are new or whose (mtime, size)
// changed relative to baseline. This is what lets the broker detect produced
// files without the executed code announcing them.
func diffEntries(baseline, after []driver.DirEntry) []string {
	type fp struct {
		size  int64
		mtime time.Time
	}
	seen := make(map[string]fp, len(baseline))
	for _, e := range baseline {
		seen[e.Name] = fp{size: e.Size, mtime: e.ModTime}
	}

	var produced []string
	for _, e := range after {
		prev, ok := seen[e.Name]
		if !ok || prev.size != e.Size || !prev.mtime.Equal(e.ModTime) {
			produced = append(produced, e.Name)
		}
	}
	return produced
}

// publishArtifacts copies produced files to the host and registers them.
// An artifact with a hostile name is skipped, never fails the run.
func (c *Coordinator) publishArtifacts(ctx context.Context, sb *store.Sandbox, names []string) []string {
	links := make([]string, 0, len(names))
	for _, name := range names {
		data, err := c.drv.CopyOut(ctx, sb.ContainerID, resultsDir+"/"+name)
		if err != nil {
			log.Warn().Err(err).Str("sandbox_id", sb.ID).Str("file", name).Msg("Failed to copy artifact out")
			continue
		}
		url, err := c.pub.Publish(sb.ID, name, data)
		if err != nil {
			if errors.Is(err, errdefs.ErrBadPath) {
				log.Warn().Str("sandbox_id", sb.ID).Str("file", name).Msg("Refused artifact with unsafe name")
			} else {
				log.Error().Err(err).Str("sandbox_id", sb.ID).Str("file", name).Msg("Failed to publish artifact")
			}
			continue
		}
		links = append(links, url)
	}
	return links
}

// ExecuteTerminal runs a shell command in the sandbox. A non-zero exit code
// is reported in the result, not as an error.
func (c *Coordinator) ExecuteTerminal(ctx context.Context, user *store.User, sandboxID, command string) (*TerminalOutput, error) {
	if command == "" {
		return nil, fmt.Errorf("command is required: %w", errdefs.ErrInvalidArgument)
	}

	release := c.locks.acquire(sandboxID)
	defer release()

	sb, err := c.authorize(user, sandboxID)
	if err != nil {
		return nil, err
	}

	// Same cancellation policy as ExecuteCode.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ExecTimeout)
	defer cancel()
	res, err := c.drv.Exec(execCtx, sb.ContainerID, []string{"sh", "-c", command})
	if err != nil {
		return nil, mapDriverErr(err)
	}

	if err := c.store.TouchSandbox(sandboxID); err != nil {
		log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("Failed to touch sandbox")
	}

	return &TerminalOutput{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
	}, nil
}

// InstallPackage starts (or joins) an asynchronous pip install. The
// synchronous prologue holds the per-sandbox lock; the install itself runs
// in the background without it.
func (c *Coordinator) InstallPackage(ctx context.Context, user *store.User, sandboxID, pkg string) (*InstallRecord, error) {
	if !packageNameRe.MatchString(pkg) {
		return nil, fmt.Errorf("invalid package name %q: %w", pkg, errdefs.ErrInvalidArgument)
	}

	release := c.locks.acquire(sandboxID)
	defer release()

	sb, err := c.authorize(user, sandboxID)
	if err != nil {
		return nil, err
	}

	rec, started := c.installs.begin(sandboxID, pkg)
	if started {
		go c.runInstall(sb.ContainerID, sandboxID, pkg)
		log.Info().Str("sandbox_id", sandboxID).Str("package", pkg).Str("record_id", rec.ID).Msg("Started package install")
	}

	if err := c.store.TouchSandbox(sandboxID); err != nil {
		log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("Failed to touch sandbox")
	}

	return &rec, nil
}

// runInstall is the background half of InstallPackage. It must never crash
// the process: any failure, panic included, lands in the record as failed.
func (c *Coordinator) runInstall(containerID, sandboxID, pkg string) {
	defer func() {
		if r := recover(); r != nil {
			c.installs.complete(sandboxID, pkg, InstallStatusFailed, "", fmt.Sprintf("installer panic: %v", r))
			log.Error().Str("sandbox_id", sandboxID).Str("package", pkg).Interface("panic", r).Msg("Package install panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.InstallTimeout)
	defer cancel()

	res, err := c.drv.Exec(ctx, containerID, []string{"pip", "install", "--no-cache-dir", pkg})
	if err != nil {
		c.installs.complete(sandboxID, pkg, InstallStatusFailed, "", err.Error())
		log.Warn().Err(err).Str("sandbox_id", sandboxID).Str("package", pkg).Msg("Package install errored")
		return
	}

	status := InstallStatusSuccess
	if res.ExitCode != 0 {
		status = InstallStatusFailed
	}
	c.installs.complete(sandboxID, pkg, status, tail(res.Stdout), tail(res.Stderr))
	log.Info().Str("sandbox_id", sandboxID).Str("package", pkg).Str("status", status).Msg("Package install finished")
}

// CheckPackageStatus is a lock-free read of the install record; it may
// observe an installation mid-flight.
func (c *Coordinator) CheckPackageStatus(ctx context.Context, user *store.User, sandboxID, pkg string) (*InstallRecord, error) {
	if _, err := c.authorize(user, sandboxID); err != nil {
		return nil, err
	}
	rec, ok := c.installs.get(sandboxID, pkg)
	if !ok {
		return nil, fmt.Errorf("no install record for %s: %w", pkg, errdefs.ErrNotFound)
	}
	return &rec, nil
}

// UploadFile copies a host-side file into the sandbox. Dest defaults to the
// results directory.
func (c *Coordinator) UploadFile(ctx context.Context, user *store.User, sandboxID, hostPath, destPath string) (string, error) {
	if destPath == "" {
		destPath = resultsDir
	}
	if hostPath == "" {
		return "", fmt.Errorf("local file path is required: %w", errdefs.ErrInvalidArgument)
	}

	release := c.locks.acquire(sandboxID)
	defer release()

	sb, err := c.authorize(user, sandboxID)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("local file %s: %w", hostPath, errdefs.ErrNotFound)
		}
		return "", fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}

	target := destPath + "/" + filepath.Base(hostPath)
	if err := c.drv.CopyInto(ctx, sb.ContainerID, data, target); err != nil {
		return "", mapDriverErr(err)
	}

	if err := c.store.TouchSandbox(sandboxID); err != nil {
		log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("Failed to touch sandbox")
	}

	return target, nil
}

// ListInstalledPackages asks pip for the sandbox's package listing. Used by
// the sandbox listing tools; best effort.
func (c *Coordinator) ListInstalledPackages(ctx context.Context, user *store.User, sandboxID string) ([]InstalledPackage, error) {
	sb, err := c.authorize(user, sandboxID)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ExecTimeout)
	defer cancel()
	res, err := c.drv.Exec(execCtx, sb.ContainerID, []string{"pip", "list", "--format=json"})
	if err != nil {
		return nil, mapDriverErr(err)
	}

	var pkgs []InstalledPackage
	if err := json.Unmarshal([]byte(res.Stdout), &pkgs); err != nil {
		return nil, fmt.Errorf("unparseable pip listing: %w", errdefs.ErrInternal)
	}
	return pkgs, nil
}

// CleanOrphans removes managed containers the registry does not know about,
// typically left behind by a crash between container creation and persist.
func (c *Coordinator) CleanOrphans(ctx context.Context) {
	managed, err := c.drv.ListManaged(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list managed containers")
		return
	}
	rows, err := c.store.ListSandboxes()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list registry rows")
		return
	}

	known := make(map[string]bool, len(rows))
	for _, sb := range rows {
		known[sb.ContainerID] = true
	}

	removed := 0
	for _, id := range managed {
		if known[id] {
			continue
		}
		if err := c.drv.Remove(ctx, id); err != nil {
			log.Warn().Err(err).Str("container_id", id).Msg("Failed to remove orphaned container")
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("count", removed).Msg("Removed orphaned containers")
	}
}

// Healthy reports whether the container runtime is reachable.
func (c *Coordinator) Healthy(ctx context.Context) error {
	if err := c.drv.Healthy(ctx); err != nil {
		return mapDriverErr(err)
	}
	return nil
}

// authorize loads the sandbox and checks ownership. Cross-user access
// reports not_found so other users' sandbox ids cannot be enumerated.
func (c *Coordinator) authorize(user *store.User, sandboxID string) (*store.Sandbox, error) {
	sb, err := c.store.GetSandbox(sandboxID)
	if err != nil {
		return nil, err
	}
	if sb.UserID != user.ID {
		return nil, fmt.Errorf("sandbox %s: %w", sandboxID, errdefs.ErrNotFound)
	}
	return sb, nil
}

// mapDriverErr folds the driver taxonomy into the public one. A container
// the runtime has lost surfaces as runtime_unavailable until the reaper
// collects the row.
func mapDriverErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, driver.ErrExecTimeout):
		return fmt.Errorf("%v: %w", err, errdefs.ErrExecTimeout)
	case errors.Is(err, driver.ErrNoSuchContainer),
		errors.Is(err, driver.ErrRuntimeUnavailable),
		errors.Is(err, driver.ErrImageMissing):
		return fmt.Errorf("%v: %w", err, errdefs.ErrRuntimeUnavailable)
	case errors.Is(err, driver.ErrNotFound):
		return fmt.Errorf("%v: %w", err, errdefs.ErrNotFound)
	default:
		return fmt.Errorf("%v: %w", err, errdefs.ErrInternal)
	}
}

func tail(s string) string {
	if len(s) <= tailBytes {
		return s
	}
	return s[len(s)-tailBytes:]
}
