package engine

import (
	"context"

	"breakline/internal/domain"
	"breakline/internal/engine/auth"
)

func (e Engine) ListUsers(ctx context.Context, p domain.Principal) ([]domain.Account, error) {
	if err := e.Policy.Require(p, auth.PermUserRead); err != nil {
		return nil, err
	}
	return e.Accounts.List(ctx)
}

// Technicians lists the accounts a report can be assigned to.
func (e Engine) Technicians(ctx context.Context, p domain.Principal) ([]domain.Account, error) {
	if err := e.Policy.Require(p, auth.PermUserRead); err != nil {
		return nil, err
	}
	return e.Accounts.Technicians(ctx)
}

// ProvisionUser creates a technician or manager account.
func (e Engine) ProvisionUser(ctx context.Context, p domain.Principal, name, email, password string, role domain.Role) (domain.Account, error) {
	if err := e.Policy.Require(p, auth.PermUserProvision); err != nil {
		return domain.Account{}, err
	}
	return e.Accounts.Provision(e.actorCtx(ctx, p), name, email, password, role)
}

// DeprovisionUser removes an account record. Reports assigned to it keep
// the technician's name and email.
func (e Engine) DeprovisionUser(ctx context.Context, p domain.Principal, id string) error {
	if err := e.Policy.Require(p, auth.PermUserDeprovision); err != nil {
		return err
	}
	return e.Accounts.Deprovision(e.actorCtx(ctx, p), id)
}

// WatchUsers streams the account directory to a manager.
func (e Engine) WatchUsers(p domain.Principal, fn func([]domain.Account)) (func(), error) {
	if err := e.Policy.Require(p, auth.PermUserRead); err != nil {
		return nil, err
	}
	return e.Accounts.Watch(fn)
}
