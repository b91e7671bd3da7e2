package publisher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akshayaggarwal99/sandboxd/internal/errdefs"
)

func newTestPublisher(t *testing.T, ttl time.Duration) *Publisher {
	t.Helper()
	p, err := New(t.TempDir(), ttl)
	require.NoError(t, err)
	return p
}

func TestPublishAndFetch(t *testing.T) {
	p := newTestPublisher(t, time.Hour)

	link, err := p.Publish("sb1", "plots/chart.png", []byte("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "/sandbox/file/sb1/plots/chart.png", link)

	data, ctype, err := p.Fetch("sb1", "plots/chart.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
	assert.Equal(t, "image/png", ctype)
}

func TestFetchUnknownExtensionIsOctetStream(t *testing.T) {
	p := newTestPublisher(t, time.Hour)

	_, err := p.Publish("sb1", "data.xyzext", []byte("blob"))
	require.NoError(t, err)

	_, ctype, err := p.Fetch("sb1", "data.xyzext")
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", ctype)
}

func TestPublishRejectsEscapingPaths(t *testing.T) {
	p := newTestPublisher(t, time.Hour)

	for _, rel := range []string{
		"",
		"/etc/passwd",
		"../outside.txt",
		"a/../../outside.txt",
		"a//b.txt",
		"./a.txt",
		"a\\b.txt",
	} {
		_, err := p.Publish("sb1", rel, []byte("x"))
		assert.ErrorIs(t, err, errdefs.ErrBadPath, "path %q", rel)
	}
}

func TestPublishRejectsBadSandboxID(t *testing.T) {
	p := newTestPublisher(t, time.Hour)

	for _, id := range []string{"", "..", "a/b", "a\\b"} {
		_, err := p.Publish(id, "file.txt", []byte("x"))
		assert.ErrorIs(t, err, errdefs.ErrBadPath, "id %q", id)
	}
}

func TestFetchMissingFileIsNotFound(t *testing.T) {
	p := newTestPublisher(t, time.Hour)

	_, _, err := p.Fetch("sb1", "nope.txt")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestFetchRejectsSymlinkEscape(t *testing.T) {
	p := newTestPublisher(t, time.Hour)

	secret := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("top secret"), 0o644))

	require.NoError(t, os.MkdirAll(p.sandboxRoot("sb1"), 0o755))
	require.NoError(t, os.Symlink(secret, filepath.Join(p.sandboxRoot("sb1"), "link.txt")))

	_, _, err := p.Fetch("sb1", "link.txt")
	assert.ErrorIs(t, err, errdefs.ErrBadPath)
}

func TestFetchWorksWithSymlinkedRoot(t *testing.T) {
	// A results root that is itself a symlink (tmpfs relocations, macOS
	// /tmp) must not trip the containment check on legitimate files.
	real := filepath.Join(t.TempDir(), "real-root")
	require.NoError(t, os.MkdirAll(real, 0o755))
	link := filepath.Join(t.TempDir(), "linked-root")
	require.NoError(t, os.Symlink(real, link))

	p, err := New(link, time.Hour)
	require.NoError(t, err)

	_, err = p.Publish("sb1", "chart.png", []byte("png-bytes"))
	require.NoError(t, err)

	data, _, err := p.Fetch("sb1", "chart.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
}

func TestURLEscapesSegments(t *testing.T) {
	link := URL("sb1", "my plots/result 1.png")
	assert.Equal(t, "/sandbox/file/sb1/my%20plots/result%201.png", link)
}

func TestForgetDropsSubtree(t *testing.T) {
	p := newTestPublisher(t, time.Hour)

	_, err := p.Publish("sb1", "a.txt", []byte("x"))
	require.NoError(t, err)
	_, err = p.Publish("sb2", "b.txt", []byte("y"))
	require.NoError(t, err)

	require.NoError(t, p.Forget("sb1"))

	_, _, err = p.Fetch("sb1", "a.txt")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	_, _, err = p.Fetch("sb2", "b.txt")
	assert.NoError(t, err)
}

func TestPruneRemovesExpiredFiles(t *testing.T) {
	p := newTestPublisher(t, time.Hour)

	_, err := p.Publish("sb1", "old.txt", []byte("old"))
	require.NoError(t, err)
	_, err = p.Publish("sb1", "fresh.txt", []byte("fresh"))
	require.NoError(t, err)

	// Age one file past the TTL.
	old := filepath.Join(p.sandboxRoot("sb1"), "old.txt")
	stale := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, stale, stale))

	p.Prune(time.Now())

	_, _, err = p.Fetch("sb1", "old.txt")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	_, _, err = p.Fetch("sb1", "fresh.txt")
	assert.NoError(t, err)
}

func TestPruneDropsEmptySandboxDirs(t *testing.T) {
	p := newTestPublisher(t, time.Hour)

	_, err := p.Publish("sb1", "only.txt", []byte("x"))
	require.NoError(t, err)

	only := filepath.Join(p.sandboxRoot("sb1"), "only.txt")
	stale := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(only, stale, stale))

	p.Prune(time.Now())

	_, err = os.Stat(p.sandboxRoot("sb1"))
	assert.True(t, os.IsNotExist(err))
}
