package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"

	"github.com/akshayaggarwal99/sandboxd/internal/driver"
)

// CopyInto implements driver.Driver. Docker only accepts tar streams, so
// the payload is wrapped in a single-entry archive addressed at the parent
// directory.
func (d *Docker) CopyInto(ctx context.Context, id string, data []byte, containerPath string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	header := &tar.Header{
		Name:    path.Base(containerPath),
		Size:    int64(len(data)),
		Mode:    0o644,
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("%w: tar header: %v", driver.ErrIO, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("%w: tar body: %v", driver.ErrIO, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("%w: tar close: %v", driver.ErrIO, err)
	}

	dir := path.Dir(containerPath)
	if err := d.cli.CopyToContainer(ctx, id, dir, &buf, types.CopyToContainerOptions{}); err != nil {
		return mapErr(err)
	}
	return nil
}

// CopyOut implements driver.Driver. The engine hands back a tar stream with
// exactly one file entry.
func (d *Docker) CopyOut(ctx context.Context, id, containerPath string) ([]byte, error) {
	reader, _, err := d.cli.CopyFromContainer(ctx, id, containerPath)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%s: %w", containerPath, driver.ErrNotFound)
		}
		return nil, mapErr(err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%s: %w", containerPath, driver.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: tar read: %v", driver.ErrIO, err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("%w: tar body: %v", driver.ErrIO, err)
		}
		return data, nil
	}
}

// ListDir implements driver.Driver. CopyFromContainer on a directory yields
// a tar of the whole subtree; only direct regular-file children are kept,
// which is all the artifact diff needs.
func (d *Docker) ListDir(ctx context.Context, id, containerPath string) ([]driver.DirEntry, error) {
	reader, _, err := d.cli.CopyFromContainer(ctx, id, containerPath)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, mapErr(err)
	}
	defer reader.Close()

	base := path.Base(strings.TrimSuffix(containerPath, "/"))
	var entries []driver.DirEntry

	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: tar read: %v", driver.ErrIO, err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		// Entries come through as "results/name"; nested files stay nested.
		rel := strings.TrimPrefix(header.Name, base+"/")
		if rel == header.Name || strings.Contains(rel, "/") {
			continue
		}
		entries = append(entries, driver.DirEntry{
			Name:    rel,
			Size:    header.Size,
			ModTime: header.ModTime,
		})
	}
	return entries, nil
}
