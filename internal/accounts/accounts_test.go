package accounts_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"breakline/internal/accounts"
	"breakline/internal/db"
	"breakline/internal/domain"
	"breakline/internal/identity"
	"breakline/internal/migrate"
	"breakline/internal/store"
)

func newDirectory(t *testing.T) accounts.Directory {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	s := store.New(conn, nil)
	t.Cleanup(func() {
		s.Close()
		conn.Close()
	})
	return accounts.Directory{
		Store:    s,
		Identity: identity.New(conn, "secret", time.Hour),
		Now:      func() time.Time { return time.UnixMilli(1700000000000) },
	}
}

func TestValidatePassword(t *testing.T) {
	cases := map[string]bool{
		"abc12!":      true,
		"Passw0rd#":   true,
		"1!aaaa":      true,
		"abc1!":       false,
		"abcdef!":     false,
		"abcdef1":     false,
		"abc 12!":     false,
		"abc12!é":     false,
		"abc12?":      false,
		"":            false,
		"!!!!!1":      true,
		"123456&":     true,
		"aB3$aB3$aB3": true,
		"abc123":      false,
		"ab12!@":      true,
		"short1!":     true,
		".......":     false,
	}
	for pw, ok := range cases {
		err := accounts.ValidatePassword(pw)
		if ok {
			assert.NoError(t, err, pw)
			continue
		}
		var verr domain.ValidationError
		assert.ErrorAs(t, err, &verr, pw)
	}
}

func TestRegisterCreatesReporter(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()
	acct, err := d.Register(ctx, "Rita", "rita@example.com", "abc12!")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleReporter, acct.Role)
	assert.Zero(t, acct.CreatedAt)

	got, err := d.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "Rita", got.Name)
	assert.Equal(t, domain.RoleReporter, got.Role)
}

func TestRegisterRejectsWeakPassword(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()
	_, err := d.Register(ctx, "Rita", "rita@example.com", "abcdef")
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)

	all, err := d.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	_, err = d.Identity.Lookup(ctx, "rita@example.com")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()
	_, err := d.Register(ctx, "Rita", "rita@example.com", "abc12!")
	require.NoError(t, err)
	_, err = d.Register(ctx, "Rita2", "rita@example.com", "abc12!")
	var aerr domain.AuthError
	assert.ErrorAs(t, err, &aerr)
}

func TestRegisterFailedWriteFreesEmail(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	s := store.New(conn, nil)
	t.Cleanup(func() {
		s.Close()
		conn.Close()
	})
	d := accounts.Directory{Store: s, Identity: identity.New(conn, "secret", time.Hour)}
	ctx := context.Background()

	_, err = conn.Exec(`CREATE TRIGGER refuse_users BEFORE INSERT ON records WHEN NEW.collection = 'users' BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)
	_, err = d.Register(ctx, "Rita", "rita@example.com", "abc12!")
	require.Error(t, err)
	_, err = d.Identity.Lookup(ctx, "rita@example.com")
	assert.Error(t, err)

	_, err = conn.Exec(`DROP TRIGGER refuse_users`)
	require.NoError(t, err)
	acct, err := d.Register(ctx, "Rita", "rita@example.com", "abc12!")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleReporter, acct.Role)
}

func TestProvision(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()

	_, err := d.Provision(ctx, "", "t@example.com", "abc12!", domain.RoleTechnician)
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = d.Provision(ctx, "Tom", "t@example.com", "abc12!", domain.RoleReporter)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "role", verr.Field)

	tech, err := d.Provision(ctx, "Tom", "t@example.com", "abc12!", domain.RoleTechnician)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), tech.CreatedAt)

	_, err = d.Provision(ctx, "Mia", "m@example.com", "abc12!", domain.RoleManager)
	require.NoError(t, err)

	techs, err := d.Technicians(ctx)
	require.NoError(t, err)
	require.Len(t, techs, 1)
	assert.Equal(t, "Tom", techs[0].Name)

	byEmail, err := d.ByEmail(ctx, "T@Example.com")
	require.NoError(t, err)
	assert.Equal(t, tech.ID, byEmail.ID)
}

func TestResolveRole(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()
	_, err := d.Register(ctx, "Rita", "rita@example.com", "abc12!")
	require.NoError(t, err)
	_, err = d.Provision(ctx, "Tom", "tom@example.com", "abc12!", domain.RoleTechnician)
	require.NoError(t, err)

	_, acct, err := d.ResolveRole(ctx, accounts.EntryReporter, "rita@example.com", "abc12!")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleReporter, acct.Role)

	_, acct, err = d.ResolveRole(ctx, accounts.EntryStaff, "tom@example.com", "abc12!")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleTechnician, acct.Role)

	sess, _, err := d.ResolveRole(ctx, accounts.EntryStaff, "rita@example.com", "abc12!")
	var rerr domain.UnauthorizedRoleError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, domain.RoleReporter, rerr.Role)
	assert.NotEmpty(t, sess.ID, "provider session stays open")

	_, _, err = d.ResolveRole(ctx, accounts.EntryReporter, "rita@example.com", "wrong1!")
	var aerr domain.AuthError
	require.ErrorAs(t, err, &aerr)
}

func TestDeprovisionKeepsCredential(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()
	tech, err := d.Provision(ctx, "Tom", "tom@example.com", "abc12!", domain.RoleTechnician)
	require.NoError(t, err)

	require.NoError(t, d.Deprovision(ctx, tech.ID))
	require.NoError(t, d.Deprovision(ctx, tech.ID))
	_, err = d.Get(ctx, tech.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = d.ResolveRole(ctx, accounts.EntryStaff, "tom@example.com", "abc12!")
	var rerr domain.UnauthorizedRoleError
	require.ErrorAs(t, err, &rerr)
	assert.Empty(t, rerr.Role)
}

func TestWatchDirectory(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()
	got := make(chan []domain.Account, 8)
	stop, err := d.Watch(func(a []domain.Account) { got <- a })
	require.NoError(t, err)
	defer stop()

	select {
	case a := <-got:
		assert.Empty(t, a)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial delivery")
	}
	_, err = d.Register(ctx, "Rita", "rita@example.com", "abc12!")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		select {
		case a := <-got:
			return len(a) == 1
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEntryAdmits(t *testing.T) {
	assert.True(t, accounts.EntryReporter.Admits(domain.RoleReporter))
	assert.False(t, accounts.EntryReporter.Admits(domain.RoleManager))
	assert.True(t, accounts.EntryStaff.Admits(domain.RoleManager))
	assert.True(t, accounts.EntryStaff.Admits(domain.RoleTechnician))
	assert.False(t, accounts.EntryStaff.Admits(domain.RoleReporter))
}
