// Package publisher maps sandbox artifacts to stable HTTP URLs. Every file
// lives under {root}/{sandbox_id}/{relative_path}; the directory tree is the
// index, creation time is the file's mtime.
package publisher

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/akshayaggarwal99/sandboxd/internal/errdefs"
)

// URLPrefix is the route published files are served under.
const URLPrefix = "/sandbox/file"

// Publisher owns the on-host staging tree for published files.
type Publisher struct {
	root string
	ttl  time.Duration
}

// New creates a Publisher rooted at root. The directory is created if
// missing.
func New(root string, ttl time.Duration) (*Publisher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve results root: %v", errdefs.ErrIO, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create results root: %v", errdefs.ErrIO, err)
	}
	// Fetch compares resolved paths against the root, so the root itself
	// must be symlink-free or every containment check would fail.
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve results root: %v", errdefs.ErrIO, err)
	}
	return &Publisher{root: abs, ttl: ttl}, nil
}

// Publish atomically writes data under the sandbox's subtree and returns
// the stable URL it will be served at.
func (p *Publisher) Publish(sandboxID, relativePath string, data []byte) (string, error) {
	target, err := p.resolve(sandboxID, relativePath)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".publish-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}

	return URL(sandboxID, relativePath), nil
}

// URL returns the serving path for a published file, percent-encoded per
// segment.
func URL(sandboxID, relativePath string) string {
	segments := strings.Split(relativePath, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return URLPrefix + "/" + url.PathEscape(sandboxID) + "/" + strings.Join(segments, "/")
}

// Fetch returns the bytes and content type of a published file.
func (p *Publisher) Fetch(sandboxID, relativePath string) ([]byte, string, error) {
	target, err := p.resolve(sandboxID, relativePath)
	if err != nil {
		return nil, "", err
	}

	// A symlink smuggled into the tree must not escape it.
	real, err := filepath.EvalSymlinks(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("%s: %w", relativePath, errdefs.ErrNotFound)
		}
		return nil, "", fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}
	if !strings.HasPrefix(real, p.sandboxRoot(sandboxID)+string(filepath.Separator)) {
		return nil, "", fmt.Errorf("%s resolves outside its sandbox: %w", relativePath, errdefs.ErrBadPath)
	}

	data, err := os.ReadFile(real)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("%s: %w", relativePath, errdefs.ErrNotFound)
		}
		return nil, "", fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}

	ctype := mime.TypeByExtension(filepath.Ext(relativePath))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	return data, ctype, nil
}

// Forget removes the whole subtree of a sandbox.
func (p *Publisher) Forget(sandboxID string) error {
	if err := validateSegment(sandboxID); err != nil {
		return err
	}
	if err := os.RemoveAll(p.sandboxRoot(sandboxID)); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}
	return nil
}

// Prune deletes every published file whose mtime is older than the TTL,
// then drops empty sandbox directories.
func (p *Publisher) Prune(now time.Time) {
	cutoff := now.Add(-p.ttl)
	removed := 0

	_ = filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})

	dirs, _ := os.ReadDir(p.root)
	for _, d := range dirs {
		if d.IsDir() {
			// Fails when non-empty, which is exactly what we want.
			_ = os.Remove(filepath.Join(p.root, d.Name()))
		}
	}

	if removed > 0 {
		log.Info().Int("count", removed).Msg("Pruned expired published files")
	}
}

// Root returns the absolute staging directory.
func (p *Publisher) Root() string {
	return p.root
}

func (p *Publisher) sandboxRoot(sandboxID string) string {
	return filepath.Join(p.root, sandboxID)
}

// resolve validates the pair and returns the absolute on-host path. Any
// input that would escape {root}/{sandbox_id}/ is a bad_path error.
func (p *Publisher) resolve(sandboxID, relativePath string) (string, error) {
	if err := validateSegment(sandboxID); err != nil {
		return "", err
	}
	if relativePath == "" {
		return "", fmt.Errorf("empty path: %w", errdefs.ErrBadPath)
	}
	if strings.HasPrefix(relativePath, "/") || strings.Contains(relativePath, "\\") {
		return "", fmt.Errorf("%q: %w", relativePath, errdefs.ErrBadPath)
	}
	for _, seg := range strings.Split(relativePath, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%q: %w", relativePath, errdefs.ErrBadPath)
		}
	}

	base := p.sandboxRoot(sandboxID)
	target := filepath.Join(base, filepath.FromSlash(relativePath))
	if !strings.HasPrefix(target, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", relativePath, errdefs.ErrBadPath)
	}
	return target, nil
}

func validateSegment(s string) error {
	if s == "" || strings.ContainsAny(s, "/\\") || s == "." || s == ".." {
		return fmt.Errorf("%q: %w", s, errdefs.ErrBadPath)
	}
	return nil
}
