package identity_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"breakline/internal/db"
	"breakline/internal/domain"
	"breakline/internal/identity"
	"breakline/internal/migrate"
)

func newProvider(t *testing.T) *identity.Provider {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	t.Cleanup(func() { conn.Close() })
	return identity.New(conn, "test-secret", time.Hour)
}

func TestCreateAndAuthenticate(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()

	id, err := p.CreateCredential(ctx, " Alice@Example.com ", "abc12!", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", id.Email)

	sess, err := p.Authenticate(ctx, "alice@example.com", "abc12!")
	require.NoError(t, err)
	assert.Equal(t, id.UID, sess.Identity.UID)
	assert.NotEmpty(t, sess.Token)

	verified, err := p.Verify(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, verified.ID)
	assert.Equal(t, "Alice", verified.Identity.DisplayName)
}

func TestDuplicateEmail(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()
	_, err := p.CreateCredential(ctx, "a@x.io", "abc12!", "")
	require.NoError(t, err)
	_, err = p.CreateCredential(ctx, "A@x.io", "zzz99#", "")
	var aerr domain.AuthError
	assert.ErrorAs(t, err, &aerr)
}

func TestWrongPassword(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()
	_, err := p.CreateCredential(ctx, "a@x.io", "abc12!", "")
	require.NoError(t, err)

	var aerr domain.AuthError
	_, err = p.Authenticate(ctx, "a@x.io", "wrong1!")
	assert.ErrorAs(t, err, &aerr)
	_, err = p.Authenticate(ctx, "nobody@x.io", "abc12!")
	assert.ErrorAs(t, err, &aerr)
}

func TestVerifyRejectsForeignToken(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()
	_, err := p.CreateCredential(ctx, "a@x.io", "abc12!", "")
	require.NoError(t, err)
	sess, err := p.Authenticate(ctx, "a@x.io", "abc12!")
	require.NoError(t, err)

	other := &identity.Provider{Repo: p.Repo, Secret: []byte("another-secret"), TTL: time.Hour}
	_, err = other.Verify(ctx, sess.Token)
	var aerr domain.AuthError
	assert.ErrorAs(t, err, &aerr)
}

func TestSignOutNotifiesWatchers(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()
	_, err := p.CreateCredential(ctx, "a@x.io", "abc12!", "A")
	require.NoError(t, err)
	sess, err := p.Authenticate(ctx, "a@x.io", "abc12!")
	require.NoError(t, err)

	var seen []*domain.Identity
	stop := p.OnSessionChange(ctx, sess.ID, func(id *domain.Identity) {
		seen = append(seen, id)
	})
	defer stop()
	require.Len(t, seen, 1)
	require.NotNil(t, seen[0])
	assert.Equal(t, "a@x.io", seen[0].Email)

	require.NoError(t, p.SignOut(ctx, sess.ID))
	require.Len(t, seen, 2)
	assert.Nil(t, seen[1])

	_, err = p.Verify(ctx, sess.Token)
	var aerr domain.AuthError
	assert.ErrorAs(t, err, &aerr)

	require.NoError(t, p.SignOut(ctx, sess.ID))
	assert.Len(t, seen, 2)
}

func TestWatchingClosedSession(t *testing.T) {
	p := newProvider(t)
	var got *domain.Identity
	called := false
	stop := p.OnSessionChange(context.Background(), "missing", func(id *domain.Identity) {
		called = true
		got = id
	})
	stop()
	assert.True(t, called)
	assert.Nil(t, got)
}
