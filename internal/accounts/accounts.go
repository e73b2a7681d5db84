// Package accounts keeps the account directory: one record per user under
// users/{uid} holding the display name, email and role.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"breakline/internal/domain"
	"breakline/internal/identity"
	"breakline/internal/logger"
	"breakline/internal/repo"
	"breakline/internal/store"
)

const Collection = "users"

// Entry is the login form an account signs in through.
type Entry string

const (
	EntryReporter Entry = "reporter"
	EntryStaff    Entry = "staff"
)

func (e Entry) Valid() bool {
	return e == EntryReporter || e == EntryStaff
}

// Admits reports whether an account with role may sign in through e.
func (e Entry) Admits(role domain.Role) bool {
	switch e {
	case EntryReporter:
		return role == domain.RoleReporter
	case EntryStaff:
		return role == domain.RoleManager || role == domain.RoleTechnician
	}
	return false
}

var errFieldsRequired = domain.ValidationError{Reason: "all fields are required"}

type Directory struct {
	Store    *store.Store
	Identity *identity.Provider
	Now      func() time.Time
}

func (d Directory) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

func path(uid string) string { return Collection + "/" + uid }

// Register creates a reporter account.
func (d Directory) Register(ctx context.Context, name, email, password string) (domain.Account, error) {
	acct := domain.Account{Name: strings.TrimSpace(name), Email: repo.NormalizeEmail(email), Role: domain.RoleReporter}
	return d.create(ctx, acct, password)
}

// Provision creates a technician or manager account on behalf of a manager.
func (d Directory) Provision(ctx context.Context, name, email, password string, role domain.Role) (domain.Account, error) {
	if role != domain.RoleTechnician && role != domain.RoleManager {
		return domain.Account{}, domain.ValidationError{Field: "role", Reason: fmt.Sprintf("role must be technician or manager, got %q", role)}
	}
	acct := domain.Account{
		Name:      strings.TrimSpace(name),
		Email:     repo.NormalizeEmail(email),
		Role:      role,
		CreatedAt: d.now().UnixMilli(),
	}
	return d.create(ctx, acct, password)
}

func (d Directory) create(ctx context.Context, acct domain.Account, password string) (domain.Account, error) {
	if acct.Name == "" || acct.Email == "" || password == "" {
		return domain.Account{}, errFieldsRequired
	}
	if err := ValidatePassword(password); err != nil {
		return domain.Account{}, err
	}
	id, err := d.Identity.CreateCredential(ctx, acct.Email, password, acct.Name)
	if err != nil {
		return domain.Account{}, err
	}
	if err := d.Store.Set(ctx, path(id.UID), acct); err != nil {
		if derr := d.Identity.DeleteCredential(ctx, id.UID); derr != nil {
			logger.FromContext(ctx).WithError(derr).WithField("uid", id.UID).Error("credential left without account")
		}
		return domain.Account{}, fmt.Errorf("write account %s: %w", id.UID, err)
	}
	acct.ID = id.UID
	logger.FromContext(ctx).WithField("uid", acct.ID).WithField("role", acct.Role).Info("account created")
	return acct, nil
}

// ResolveRole signs in and checks the account may use entry. On an
// UnauthorizedRoleError the returned session is still open.
func (d Directory) ResolveRole(ctx context.Context, entry Entry, email, password string) (identity.Session, domain.Account, error) {
	if !entry.Valid() {
		return identity.Session{}, domain.Account{}, domain.ValidationError{Field: "entry", Reason: fmt.Sprintf("unknown entry %q", entry)}
	}
	sess, err := d.Identity.Authenticate(ctx, email, password)
	if err != nil {
		return identity.Session{}, domain.Account{}, err
	}
	acct, err := d.Get(ctx, sess.Identity.UID)
	if errors.Is(err, domain.ErrNotFound) {
		return sess, domain.Account{}, domain.UnauthorizedRoleError{Entry: string(entry)}
	}
	if err != nil {
		return sess, domain.Account{}, err
	}
	if !entry.Admits(acct.Role) {
		return sess, acct, domain.UnauthorizedRoleError{Role: acct.Role, Entry: string(entry)}
	}
	return sess, acct, nil
}

// Deprovision removes the account record. The credential and any report
// naming the account are left as they are.
func (d Directory) Deprovision(ctx context.Context, uid string) error {
	if strings.TrimSpace(uid) == "" {
		return domain.ValidationError{Field: "id", Reason: "required"}
	}
	return d.Store.Delete(ctx, path(uid))
}

func (d Directory) Get(ctx context.Context, uid string) (domain.Account, error) {
	snap, err := d.Store.ReadOnce(ctx, path(uid))
	if err != nil {
		return domain.Account{}, err
	}
	var acct domain.Account
	if err := snap.Decode(&acct); err != nil {
		return domain.Account{}, err
	}
	acct.ID = uid
	return acct, nil
}

func (d Directory) List(ctx context.Context) ([]domain.Account, error) {
	snap, err := d.Store.ReadOnce(ctx, Collection)
	if err != nil {
		return nil, err
	}
	return FromSnapshot(snap), nil
}

// ByEmail finds the account whose email matches, ignoring case.
func (d Directory) ByEmail(ctx context.Context, email string) (domain.Account, error) {
	all, err := d.List(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	if acct, ok := FindByEmail(all, email); ok {
		return acct, nil
	}
	return domain.Account{}, domain.ErrNotFound
}

// Technicians lists technician accounts sorted by name.
func (d Directory) Technicians(ctx context.Context) ([]domain.Account, error) {
	all, err := d.List(ctx)
	if err != nil {
		return nil, err
	}
	var res []domain.Account
	for _, a := range all {
		if a.Role == domain.RoleTechnician {
			res = append(res, a)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

// Watch calls fn with the whole directory now and after every change.
func (d Directory) Watch(fn func([]domain.Account)) (func(), error) {
	return d.Store.Subscribe(Collection, func(snap store.Snapshot) {
		fn(FromSnapshot(snap))
	})
}

// FromSnapshot decodes a users snapshot. Undecodable records are skipped.
func FromSnapshot(snap store.Snapshot) []domain.Account {
	res := make([]domain.Account, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		var a domain.Account
		if err := doc.Decode(&a); err != nil {
			logger.Default().WithError(err).WithField("uid", doc.Key).Warn("skipping account")
			continue
		}
		a.ID = doc.Key
		res = append(res, a)
	}
	return res
}

func FindByEmail(accts []domain.Account, email string) (domain.Account, bool) {
	email = repo.NormalizeEmail(email)
	for _, a := range accts {
		if repo.NormalizeEmail(a.Email) == email {
			return a, true
		}
	}
	return domain.Account{}, false
}
