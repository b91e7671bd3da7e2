package identity

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akshayaggarwal99/sandboxd/internal/errdefs"
	"github.com/akshayaggarwal99/sandboxd/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc, err := New(st, "test-signing-key", time.Hour)
	require.NoError(t, err)
	return svc
}

func TestRegister(t *testing.T) {
	svc := newTestService(t)

	user, err := svc.Register("alice", "alice@example.com", "correct-horse")
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.True(t, user.IsActive)
	assert.Len(t, user.APIKey, 64) // 32 bytes hex-encoded
	assert.True(t, strings.HasPrefix(user.PasswordHash, "$argon2id$"))
	assert.NotContains(t, user.PasswordHash, "correct-horse")
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Register("", "a@example.com", "correct-horse")
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

	_, err = svc.Register("alice", "not-an-email", "correct-horse")
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

	_, err = svc.Register("alice", "a@example.com", "short")
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestRegisterDuplicateUsername(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Register("alice", "alice@example.com", "correct-horse")
	require.NoError(t, err)

	_, err = svc.Register("alice", "other@example.com", "correct-horse")
	assert.ErrorIs(t, err, errdefs.ErrConflict)
}

func TestVerifyPassword(t *testing.T) {
	svc := newTestService(t)

	registered, err := svc.Register("alice", "alice@example.com", "correct-horse")
	require.NoError(t, err)

	user, err := svc.VerifyPassword("alice", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, registered.ID, user.ID)

	_, err = svc.VerifyPassword("alice", "wrong-password")
	assert.ErrorIs(t, err, errdefs.ErrInvalidCredentials)

	// Unknown usernames fail identically to wrong passwords.
	_, err = svc.VerifyPassword("mallory", "correct-horse")
	assert.ErrorIs(t, err, errdefs.ErrInvalidCredentials)
}

func TestTokenRoundtrip(t *testing.T) {
	svc := newTestService(t)

	user, err := svc.Register("alice", "alice@example.com", "correct-horse")
	require.NoError(t, err)

	signed, err := svc.Token(user)
	require.NoError(t, err)

	resolved, err := svc.ResolveToken(signed)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.ID)
}

func TestResolveTokenRejectsGarbage(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.ResolveToken("not.a.token")
	assert.ErrorIs(t, err, errdefs.ErrInvalidCredentials)

	_, err = svc.ResolveToken("")
	assert.ErrorIs(t, err, errdefs.ErrInvalidCredentials)
}

func TestResolveTokenRejectsForeignSignature(t *testing.T) {
	svc := newTestService(t)
	other := newTestService(t)

	user, err := other.Register("alice", "alice@example.com", "correct-horse")
	require.NoError(t, err)
	foreign, err := other.Token(user)
	require.NoError(t, err)

	_, err = svc.ResolveToken(foreign)
	assert.ErrorIs(t, err, errdefs.ErrInvalidCredentials)
}

func TestResolveAPIKey(t *testing.T) {
	svc := newTestService(t)

	user, err := svc.Register("alice", "alice@example.com", "correct-horse")
	require.NoError(t, err)

	resolved, err := svc.ResolveAPIKey(user.APIKey)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.ID)

	_, err = svc.ResolveAPIKey("bogus")
	assert.ErrorIs(t, err, errdefs.ErrInvalidCredentials)

	_, err = svc.ResolveAPIKey("")
	assert.ErrorIs(t, err, errdefs.ErrInvalidCredentials)
}

func TestRegenerateAPIKey(t *testing.T) {
	svc := newTestService(t)

	user, err := svc.Register("alice", "alice@example.com", "correct-horse")
	require.NoError(t, err)
	oldKey := user.APIKey

	newKey, err := svc.RegenerateAPIKey(user)
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, newKey)

	// The old key stops resolving immediately.
	_, err = svc.ResolveAPIKey(oldKey)
	assert.ErrorIs(t, err, errdefs.ErrInvalidCredentials)

	resolved, err := svc.ResolveAPIKey(newKey)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.ID)
}

func TestPasswordHashRoundtrip(t *testing.T) {
	hash, err := hashPassword("correct-horse")
	require.NoError(t, err)

	ok, err := verifyPassword("correct-horse", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifyPassword("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPasswordHashesAreSalted(t *testing.T) {
	h1, err := hashPassword("correct-horse")
	require.NoError(t, err)
	h2, err := hashPassword("correct-horse")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
