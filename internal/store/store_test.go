package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akshayaggarwal99/sandboxd/internal/errdefs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testUser(id, username, email string) *User {
	return &User{
		ID:           id,
		Username:     username,
		Email:        email,
		PasswordHash: "$argon2id$...",
		APIKey:       "key-" + id,
		CreatedAt:    time.Now().UTC(),
		IsActive:     true,
	}
}

func TestUserRoundtrip(t *testing.T) {
	st := newTestStore(t)

	u := testUser("u1", "alice", "alice@example.com")
	require.NoError(t, st.CreateUser(u))

	got, err := st.GetUser("u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "alice@example.com", got.Email)
	assert.True(t, got.IsActive)

	byName, err := st.GetUserByUsername("alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", byName.ID)

	byKey, err := st.GetUserByAPIKey("key-u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", byKey.ID)
}

func TestCreateUserRejectsDuplicates(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.CreateUser(testUser("u1", "alice", "alice@example.com")))

	err := st.CreateUser(testUser("u2", "alice", "other@example.com"))
	assert.ErrorIs(t, err, errdefs.ErrConflict)

	err = st.CreateUser(testUser("u3", "bob", "alice@example.com"))
	assert.ErrorIs(t, err, errdefs.ErrConflict)
}

func TestGetMissingUser(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetUser("nope")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	_, err = st.GetUserByUsername("nope")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	_, err = st.GetUserByAPIKey("nope")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestUpdateUser(t *testing.T) {
	st := newTestStore(t)

	u := testUser("u1", "alice", "alice@example.com")
	require.NoError(t, st.CreateUser(u))

	u.APIKey = "rotated"
	require.NoError(t, st.UpdateUser(u))

	got, err := st.GetUser("u1")
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.APIKey)

	err = st.UpdateUser(testUser("ghost", "g", "g@example.com"))
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func testSandbox(id, userID, containerID string) *Sandbox {
	now := time.Now().UTC()
	return &Sandbox{
		ID:          id,
		UserID:      userID,
		Name:        "Sandbox " + id,
		ContainerID: containerID,
		CreatedAt:   now,
		LastUsedAt:  now,
	}
}

func TestSandboxRoundtrip(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.CreateSandbox(testSandbox("s1", "u1", "c1")))

	got, err := st.GetSandbox("s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "c1", got.ContainerID)
}

func TestCreateSandboxRejectsDuplicateContainer(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.CreateSandbox(testSandbox("s1", "u1", "c1")))
	err := st.CreateSandbox(testSandbox("s2", "u1", "c1"))
	assert.ErrorIs(t, err, errdefs.ErrConflict)
}

func TestListSandboxesByUser(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.CreateSandbox(testSandbox("s1", "u1", "c1")))
	require.NoError(t, st.CreateSandbox(testSandbox("s2", "u2", "c2")))
	require.NoError(t, st.CreateSandbox(testSandbox("s3", "u1", "c3")))

	mine, err := st.ListSandboxesByUser("u1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	all, err := st.ListSandboxes()
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDeleteSandboxIsIdempotent(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.CreateSandbox(testSandbox("s1", "u1", "c1")))
	require.NoError(t, st.DeleteSandbox("s1"))
	require.NoError(t, st.DeleteSandbox("s1"))

	_, err := st.GetSandbox("s1")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestTouchSandbox(t *testing.T) {
	st := newTestStore(t)

	sb := testSandbox("s1", "u1", "c1")
	sb.LastUsedAt = time.Now().Add(-time.Hour).UTC()
	require.NoError(t, st.CreateSandbox(sb))

	require.NoError(t, st.TouchSandbox("s1"))

	got, err := st.GetSandbox("s1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), got.LastUsedAt, time.Minute)

	assert.ErrorIs(t, st.TouchSandbox("ghost"), errdefs.ErrNotFound)
}
