package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"breakline/internal/accounts"
	"breakline/internal/config"
	"breakline/internal/domain"
	"breakline/internal/engine/auth"
	"breakline/internal/events"
	"breakline/internal/identity"
	"breakline/internal/logger"
	"breakline/internal/reports"
	"breakline/internal/repo"
	"breakline/internal/store"
	"breakline/internal/views"
)

// Dashboard routes an account lands on after login.
const (
	RouteReporter   = "/dashboard"
	RouteManager    = "/manager"
	RouteTechnician = "/tech-dashboard"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Store    *store.Store
	Identity *identity.Provider
	Accounts accounts.Directory
	Reports  reports.Collection
	Policy   auth.Policy
	Config   *config.Config
	Now      func() time.Time
}

type Option func(*Engine)

// WithNow sets the clock used for timestamps and token expiry.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.Now = now }
}

// New wires every component over db. Call Close when done.
func New(db *sql.DB, cfg *config.Config, opts ...Option) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if len(cfg.RBAC.Roles) == 0 {
		cfg.RBAC.Roles = config.Default().RBAC.Roles
	}
	e := Engine{DB: db, Repo: repo.Repo{DB: db}, Config: cfg, Now: time.Now}
	for _, opt := range opts {
		opt(&e)
	}
	e.Store = store.New(db, e.Now)
	e.Identity = identity.New(db, cfg.Auth.JWTSecret, time.Duration(cfg.TokenTTLMinutes())*time.Minute)
	e.Identity.Now = e.Now
	e.Accounts = accounts.Directory{Store: e.Store, Identity: e.Identity, Now: e.Now}
	e.Reports = reports.Collection{Store: e.Store, Now: e.Now}
	e.Policy = auth.NewPolicy(cfg)
	return e
}

// Close tears down every live subscription.
func (e Engine) Close() {
	e.Store.Close()
}

// Session is a login routed to its dashboard.
type Session struct {
	identity.Session
	Account domain.Account `json:"account"`
	Route   string         `json:"route"`
}

func (s Session) Principal() domain.Principal {
	return domain.PrincipalFor(s.Account)
}

// RouteFor returns the dashboard route for role.
func RouteFor(role domain.Role) string {
	switch role {
	case domain.RoleManager:
		return RouteManager
	case domain.RoleTechnician:
		return RouteTechnician
	}
	return RouteReporter
}

// Register signs up a reporter.
func (e Engine) Register(ctx context.Context, name, email, password string) (domain.Account, error) {
	return e.Accounts.Register(ctx, name, email, password)
}

// Login authenticates through entry and routes to the account's dashboard.
// On UnauthorizedRoleError the provider session stays open but no route is
// given.
func (e Engine) Login(ctx context.Context, entry accounts.Entry, email, password string) (Session, error) {
	sess, acct, err := e.Accounts.ResolveRole(ctx, entry, email, password)
	if err != nil {
		var rerr domain.UnauthorizedRoleError
		if errors.As(err, &rerr) {
			logger.FromContext(ctx).WithField("uid", sess.Identity.UID).WithField("entry", entry).Warn("login refused for role")
			return Session{Session: sess, Account: acct}, err
		}
		return Session{}, err
	}
	return Session{Session: sess, Account: acct, Route: RouteFor(acct.Role)}, nil
}

// Logout ends the session. Subscriptions opened under it are torn down by
// their session watchers.
func (e Engine) Logout(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return domain.ErrAuthRequired
	}
	return e.Identity.SignOut(ctx, sessionID)
}

// Authenticate verifies a bearer token and loads the acting account.
func (e Engine) Authenticate(ctx context.Context, token string) (Session, error) {
	sess, err := e.Identity.Verify(ctx, token)
	if err != nil {
		return Session{}, err
	}
	acct, err := e.Accounts.Get(ctx, sess.Identity.UID)
	if errors.Is(err, domain.ErrNotFound) {
		return Session{}, domain.AuthError{Reason: "account no longer exists"}
	}
	if err != nil {
		return Session{}, err
	}
	return Session{Session: sess, Account: acct, Route: RouteFor(acct.Role)}, nil
}

// PrincipalByEmail loads the principal for a local command acting as email.
func (e Engine) PrincipalByEmail(ctx context.Context, email string) (domain.Principal, error) {
	acct, err := e.Accounts.ByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Principal{}, fmt.Errorf("no account for %s: %w", email, err)
		}
		return domain.Principal{}, err
	}
	return domain.PrincipalFor(acct), nil
}

func (e Engine) actorCtx(ctx context.Context, p domain.Principal) context.Context {
	return events.WithActor(ctx, p.UID)
}

// EnsureBootstrapManager creates the configured first manager if no account
// uses that email yet.
func (e Engine) EnsureBootstrapManager(ctx context.Context) (domain.Account, bool, error) {
	m := e.Config.Bootstrap.Manager
	if m == nil {
		return domain.Account{}, false, nil
	}
	if acct, err := e.Accounts.ByEmail(ctx, m.Email); err == nil {
		return acct, false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Account{}, false, err
	}
	acct, err := e.Accounts.Provision(events.WithActor(ctx, "bootstrap"), m.Name, m.Email, m.Password, domain.RoleManager)
	if err != nil {
		return domain.Account{}, false, fmt.Errorf("bootstrap manager: %w", err)
	}
	return acct, true, nil
}

// LatestEvents pages backwards through the change log.
func (e Engine) LatestEvents(ctx context.Context, p domain.Principal, limit int, cursor int64) ([]domain.Event, error) {
	if err := e.Policy.Require(p, auth.PermViewManager); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return e.Repo.LatestEventsFrom(ctx, limit, cursor, "", "", "")
}

// Permissions lists what p's role may do.
func (e Engine) Permissions(p domain.Principal) []string {
	return e.Config.Permissions(p.Role)
}

// technicianName resolves the display name a technician's reports are
// assigned under: the name of the account holding the principal's email.
func (e Engine) technicianName(ctx context.Context, p domain.Principal) (string, error) {
	acct, err := e.Accounts.ByEmail(ctx, p.Email)
	if errors.Is(err, domain.ErrNotFound) {
		return p.Name, nil
	}
	if err != nil {
		return "", err
	}
	return acct.Name, nil
}

// ViewFor builds the view definition kind for p.
func (e Engine) ViewFor(ctx context.Context, p domain.Principal, kind views.Kind, status string) (views.View, error) {
	var perm string
	var v views.View
	switch kind {
	case views.KindReporter:
		perm, v = auth.PermViewReporter, views.Reporter(p.UID)
	case views.KindManager:
		perm, v = auth.PermViewManager, views.Manager(status)
	case views.KindTechnician:
		perm = auth.PermViewTechnician
		name, err := e.technicianName(ctx, p)
		if err != nil {
			return views.View{}, err
		}
		v = views.Technician(name)
	default:
		return views.View{}, domain.ValidationError{Field: "view", Reason: fmt.Sprintf("unknown view %q", kind)}
	}
	if err := e.Policy.Require(p, perm); err != nil {
		return views.View{}, err
	}
	if err := v.Validate(); err != nil {
		return views.View{}, err
	}
	return v, nil
}

// View computes the current projection of kind for p.
func (e Engine) View(ctx context.Context, p domain.Principal, kind views.Kind, status string) (views.Projection, error) {
	v, err := e.ViewFor(ctx, p, kind, status)
	if err != nil {
		return views.Projection{}, err
	}
	all, err := e.Reports.List(ctx)
	if err != nil {
		return views.Projection{}, err
	}
	return views.Build(v, all), nil
}

// WatchView streams projections of kind for p until ctx ends or the
// returned func is called.
func (e Engine) WatchView(ctx context.Context, p domain.Principal, kind views.Kind, status string, fn func(views.Projection)) (func(), error) {
	v, err := e.ViewFor(ctx, p, kind, status)
	if err != nil {
		return nil, err
	}
	return views.Watch(ctx, e.Store, v, fn)
}
