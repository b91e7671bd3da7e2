package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akshayaggarwal99/sandboxd/internal/errdefs"
	"github.com/akshayaggarwal99/sandboxd/internal/publisher"
	"github.com/akshayaggarwal99/sandboxd/internal/store"
)

func seedSandbox(t *testing.T, st *store.Store, drv *fakeDriver, id, userID string, lastUsed time.Time) *store.Sandbox {
	t.Helper()
	sb := &store.Sandbox{
		ID:          id,
		UserID:      userID,
		Name:        "Sandbox " + id,
		ContainerID: "ctr-" + id,
		CreatedAt:   lastUsed,
		LastUsedAt:  lastUsed,
	}
	require.NoError(t, st.CreateSandbox(sb))
	drv.addContainer(sb.ContainerID)
	return sb
}

func TestReaperReapsIdleSandboxes(t *testing.T) {
	drv := newFakeDriver()
	coord, st, pub := newTestCoordinator(t, drv, testConfig())
	seedUser(t, st, "u1")

	idle := seedSandbox(t, st, drv, "idle", "u1", time.Now().Add(-2*time.Hour).UTC())
	fresh := seedSandbox(t, st, drv, "fresh", "u1", time.Now().UTC())

	_, err := pub.Publish(idle.ID, "chart.png", []byte("x"))
	require.NoError(t, err)

	reaper := NewReaper(coord, time.Minute, time.Hour)
	reaper.Tick(context.Background())

	_, err = st.GetSandbox(idle.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.False(t, drv.has(idle.ContainerID))
	_, _, err = pub.Fetch(idle.ID, "chart.png")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	_, err = st.GetSandbox(fresh.ID)
	assert.NoError(t, err)
	assert.True(t, drv.has(fresh.ContainerID))
}

func TestReaperCollectsVanishedContainers(t *testing.T) {
	drv := newFakeDriver()
	coord, st, _ := newTestCoordinator(t, drv, testConfig())
	seedUser(t, st, "u1")

	sb := seedSandbox(t, st, drv, "lost", "u1", time.Now().UTC())
	require.NoError(t, drv.Remove(context.Background(), sb.ContainerID))

	reaper := NewReaper(coord, time.Minute, time.Hour)
	reaper.Tick(context.Background())

	// The row is collected even though the sandbox was recently used.
	_, err := st.GetSandbox(sb.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestReaperPrunesExpiredFiles(t *testing.T) {
	drv := newFakeDriver()
	coord, st, pub := newTestCoordinator(t, drv, testConfig())
	seedUser(t, st, "u1")
	sb := seedSandbox(t, st, drv, "live", "u1", time.Now().UTC())

	_, err := pub.Publish(sb.ID, "old.txt", []byte("old"))
	require.NoError(t, err)
	ageFile(t, pub, sb.ID, "old.txt", 2*time.Hour)

	reaper := NewReaper(coord, time.Minute, time.Hour)
	reaper.Tick(context.Background())

	_, _, err = pub.Fetch(sb.ID, "old.txt")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	// The sandbox itself is untouched.
	_, err = st.GetSandbox(sb.ID)
	assert.NoError(t, err)
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	drv := newFakeDriver()
	coord, _, _ := newTestCoordinator(t, drv, testConfig())

	reaper := NewReaper(coord, 10*time.Millisecond, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		reaper.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after cancel")
	}
}

func ageFile(t *testing.T, pub *publisher.Publisher, sandboxID, rel string, age time.Duration) {
	t.Helper()
	stale := time.Now().Add(-age)
	path := filepath.Join(pub.Root(), sandboxID, rel)
	require.NoError(t, os.Chtimes(path, stale, stale))
}
