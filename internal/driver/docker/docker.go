// Package docker implements driver.Driver against the Docker engine.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/akshayaggarwal99/sandboxd/internal/driver"
)

const (
	// ManagedLabel marks every container this broker owns, so orphans can
	// be found after a crash.
	ManagedLabel = "dev.sandboxd.managed"

	// keepaliveBin anchors the no-op foreground command that keeps the
	// container alive between execs. The base image must ship tail.
	keepaliveBin = "tail"
)

// Docker is the Docker-engine implementation of driver.Driver.
type Docker struct {
	cli *client.Client
}

// New connects to the Docker daemon using the standard environment
// (DOCKER_HOST et al).
func New() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Docker{cli: cli}, nil
}

// Healthy implements driver.Driver.
func (d *Docker) Healthy(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", driver.ErrRuntimeUnavailable, err)
	}
	return nil
}

// Close implements driver.Driver.
func (d *Docker) Close() error {
	return d.cli.Close()
}

// CreateAndStart implements driver.Driver.
func (d *Docker) CreateAndStart(ctx context.Context, spec driver.CreateSpec) (string, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[ManagedLabel] = "true"

	user := spec.User
	if user == "" {
		user = "1000:1000"
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes,
		},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        []string{keepaliveBin, "-f", "/dev/null"},
		Labels:     labels,
		WorkingDir: spec.WorkDir,
		User:       user,
	}
	if spec.WorkDir != "" {
		// pip falls back to a user install when site-packages is not
		// writable, which needs a writable HOME.
		cfg.Env = []string{"HOME=" + homeDir(spec.WorkDir)}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", mapErr(err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		// Never leave a created-but-dead container behind.
		_ = d.cli.ContainerRemove(context.Background(), resp.ID, types.ContainerRemoveOptions{Force: true})
		return "", mapErr(err)
	}

	if spec.WorkDir != "" {
		code, err := d.execAsRoot(ctx, resp.ID, provisionArgv(spec.WorkDir, user))
		if err == nil && code != 0 {
			err = fmt.Errorf("%w: provisioning exited %d", driver.ErrIO, code)
		}
		if err != nil {
			_ = d.cli.ContainerRemove(context.Background(), resp.ID, types.ContainerRemoveOptions{Force: true})
			return "", err
		}
	}

	log.Debug().Str("container_id", resp.ID).Str("image", spec.Image).Msg("Container started")
	return resp.ID, nil
}

// provisionArgv builds the root exec that prepares the sandbox tree. The
// engine auto-creates a missing WorkingDir owned by root, so the directory
// and the execution user's HOME must be handed over before the first exec.
func provisionArgv(workDir, user string) []string {
	return []string{"sh", "-c", fmt.Sprintf("mkdir -p %s && chown -R %s %s", workDir, user, homeDir(workDir))}
}

// homeDir is the parent of the workdir, which doubles as the execution
// user's HOME.
func homeDir(workDir string) string {
	dir := path.Dir(workDir)
	if dir == "/" || dir == "." {
		return workDir
	}
	return dir
}

// execAsRoot runs argv as uid 0 and waits for its exit code. Only used for
// container provisioning; user workloads never get this path.
func (d *Docker) execAsRoot(ctx context.Context, id string, argv []string) (int, error) {
	resp, err := d.cli.ContainerExecCreate(ctx, id, types.ExecConfig{Cmd: argv, User: "0"})
	if err != nil {
		return 0, mapErr(err)
	}
	if err := d.cli.ContainerExecStart(ctx, resp.ID, types.ExecStartCheck{}); err != nil {
		return 0, mapErr(err)
	}
	return d.waitExit(resp.ID)
}

func (d *Docker) ensureImage(ctx context.Context, image string) error {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return mapErr(err)
	}

	log.Info().Str("image", image).Msg("Base image not found locally, pulling")
	reader, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull %s failed: %v", driver.ErrImageMissing, image, err)
	}
	defer reader.Close()
	// Drain so the pull actually completes.
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// Exec implements driver.Driver. The ctx deadline is the command's wall
// clock: the payload records its PID so the deadline path can SIGKILL it
// inside the container without touching the container itself.
func (d *Docker) Exec(ctx context.Context, id string, argv []string) (*driver.ExecResult, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty argv", driver.ErrIO)
	}

	pidFile := "/tmp/.sandboxd-exec-" + uuid.NewString()
	wrapped := append([]string{"sh", "-c", `echo $$ >` + pidFile + ` && exec "$@"`, "sandboxd-exec"}, argv...)

	execResp, err := d.cli.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          wrapped,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, mapErr(err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, mapErr(err)
	}
	defer attach.Close()

	var stdout, stderr cappedBuffer
	done := make(chan error, 1)
	go func() {
		done <- demux(attach.Reader, &stdout, &stderr)
	}()

	select {
	case <-ctx.Done():
		d.killExec(id, pidFile)
		<-done
		return nil, fmt.Errorf("%w after deadline", driver.ErrExecTimeout)
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("%w: exec stream: %v", driver.ErrIO, err)
		}
	}

	exitCode, err := d.waitExit(execResp.ID)
	if err != nil {
		return nil, err
	}

	// Best effort, the file is tiny and /tmp is container-local anyway.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.fireAndForget(cleanupCtx, id, []string{"rm", "-f", pidFile})

	return &driver.ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// killExec delivers SIGKILL to the exec payload recorded in pidFile. Runs on
// a fresh context because the caller's one has already expired.
func (d *Docker) killExec(id, pidFile string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d.fireAndForget(ctx, id, []string{"sh", "-c", "kill -9 $(cat " + pidFile + ") 2>/dev/null; rm -f " + pidFile})
	log.Debug().Str("container_id", id).Msg("Killed timed-out exec")
}

// fireAndForget runs argv without capturing output.
func (d *Docker) fireAndForget(ctx context.Context, id string, argv []string) {
	resp, err := d.cli.ContainerExecCreate(ctx, id, types.ExecConfig{Cmd: argv})
	if err != nil {
		return
	}
	_ = d.cli.ContainerExecStart(ctx, resp.ID, types.ExecStartCheck{})
}

// waitExit polls exec inspect until the process is reaped. The attach stream
// closing usually precedes the exit code being recorded by a few ms.
func (d *Docker) waitExit(execID string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		inspect, err := d.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, mapErr(err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: exec did not settle", driver.ErrIO)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Exists implements driver.Driver.
func (d *Docker) Exists(ctx context.Context, id string) (bool, error) {
	_, err := d.cli.ContainerInspect(ctx, id)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, mapErr(err)
}

// Remove implements driver.Driver.
func (d *Docker) Remove(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		return mapErr(err)
	}
	return nil
}

// ListManaged implements driver.Driver.
func (d *Docker) ListManaged(ctx context.Context) ([]string, error) {
	list, err := d.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		return nil, mapErr(err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// mapErr folds Docker SDK errors into the driver taxonomy.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrNotFound(err):
		return fmt.Errorf("%w: %v", driver.ErrNoSuchContainer, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %v", driver.ErrRuntimeUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", driver.ErrExecTimeout, err)
	default:
		return fmt.Errorf("%w: %v", driver.ErrIO, err)
	}
}

// cappedBuffer collects at most driver.MaxStreamBytes and appends the
// truncation sentinel once the cap is hit.
type cappedBuffer struct {
	buf       strings.Builder
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.truncated {
		return n, nil
	}
	room := driver.MaxStreamBytes - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		b.buf.WriteString(driver.TruncationSentinel)
		return n, nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		b.buf.WriteString(driver.TruncationSentinel)
		return n, nil
	}
	b.buf.Write(p)
	return n, nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }

// demux splits the attach stream into stdout and stderr. With Tty=false the
// engine frames output with an 8-byte header: stream type, 3 zero bytes,
// then a big-endian payload size.
func demux(r io.Reader, stdout, stderr io.Writer) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		size := int64(header[4])<<24 | int64(header[5])<<16 | int64(header[6])<<8 | int64(header[7])
		if size < 0 {
			return nil
		}
		var dst io.Writer
		switch header[0] {
		case 1:
			dst = stdout
		case 2:
			dst = stderr
		default:
			dst = io.Discard
		}
		if _, err := io.CopyN(dst, r, size); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
