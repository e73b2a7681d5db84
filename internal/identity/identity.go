// Package identity authenticates users by email and password and issues
// signed session tokens.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"breakline/internal/domain"
	"breakline/internal/logger"
	"breakline/internal/repo"
)

const DefaultTTL = 12 * time.Hour

var errInvalidCredentials = domain.AuthError{Reason: "invalid email or password"}

// Session is an established sign-in.
type Session struct {
	ID        string          `json:"id"`
	Identity  domain.Identity `json:"identity"`
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

type claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

type Provider struct {
	Repo   repo.Repo
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time

	mu       sync.Mutex
	watchers map[string]map[*watcher]struct{}
}

type watcher struct {
	fn func(*domain.Identity)
}

// New returns a provider signing tokens with secret.
func New(db *sql.DB, secret string, ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Provider{
		Repo:     repo.Repo{DB: db},
		Secret:   []byte(secret),
		TTL:      ttl,
		Now:      time.Now,
		watchers: map[string]map[*watcher]struct{}{},
	}
}

func (p *Provider) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// CreateCredential stores a bcrypt hash of password for email and returns the
// new identity.
func (p *Provider) CreateCredential(ctx context.Context, email, password, displayName string) (domain.Identity, error) {
	email = repo.NormalizeEmail(email)
	if email == "" || password == "" {
		return domain.Identity{}, domain.ValidationError{Reason: "email and password are required"}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("hash password: %w", err)
	}
	cred := repo.Credential{
		UID:          uuid.NewString(),
		Email:        email,
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: string(hash),
		CreatedAt:    p.now().UTC().Format(time.RFC3339),
	}
	if err := p.Repo.InsertCredential(ctx, cred); err != nil {
		if errors.Is(err, repo.ErrDuplicateEmail) {
			return domain.Identity{}, domain.AuthError{Reason: "email already in use"}
		}
		return domain.Identity{}, err
	}
	logger.FromContext(ctx).WithField("uid", cred.UID).Info("credential created")
	return identityOf(cred), nil
}

// DeleteCredential removes the credential for uid so its email can be used
// again.
func (p *Provider) DeleteCredential(ctx context.Context, uid string) error {
	return p.Repo.DeleteCredential(ctx, uid)
}

// Lookup returns the identity registered for email.
func (p *Provider) Lookup(ctx context.Context, email string) (domain.Identity, error) {
	cred, err := p.Repo.GetCredentialByEmail(ctx, email)
	if err != nil {
		return domain.Identity{}, err
	}
	return identityOf(cred), nil
}

// Authenticate checks the password and opens a session.
func (p *Provider) Authenticate(ctx context.Context, email, password string) (Session, error) {
	cred, err := p.Repo.GetCredentialByEmail(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return Session{}, errInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return Session{}, errInvalidCredentials
	}
	now := p.now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		Identity:  identityOf(cred),
		ExpiresAt: now.Add(p.TTL),
	}
	if err := p.Repo.InsertSession(ctx, repo.Session{
		ID:        sess.ID,
		UID:       cred.UID,
		CreatedAt: now.Format(time.RFC3339),
		ExpiresAt: sess.ExpiresAt.Format(time.RFC3339),
	}); err != nil {
		return Session{}, err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sess.ID,
			Subject:   cred.UID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
		Email: cred.Email,
		Name:  cred.DisplayName,
	})
	sess.Token, err = token.SignedString(p.Secret)
	if err != nil {
		return Session{}, fmt.Errorf("sign token: %w", err)
	}
	return sess, nil
}

// Verify parses a token and checks its session is still open.
func (p *Provider) Verify(ctx context.Context, token string) (Session, error) {
	if len(p.Secret) == 0 {
		return Session{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
	)
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(*jwt.Token) (any, error) {
		return p.Secret, nil
	})
	if err != nil || !parsed.Valid {
		return Session{}, domain.AuthError{Reason: "invalid token"}
	}
	if c.Subject == "" || c.ID == "" {
		return Session{}, domain.AuthError{Reason: "invalid token"}
	}
	stored, err := p.Repo.GetSession(ctx, c.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return Session{}, domain.AuthError{Reason: "session not found"}
	}
	if err != nil {
		return Session{}, err
	}
	if stored.RevokedAt != "" || stored.UID != c.Subject {
		return Session{}, domain.AuthError{Reason: "session ended"}
	}
	sess := Session{
		ID:       c.ID,
		Identity: domain.Identity{UID: c.Subject, Email: c.Email, DisplayName: c.Name},
		Token:    token,
	}
	if c.ExpiresAt != nil {
		sess.ExpiresAt = c.ExpiresAt.Time
	}
	return sess, nil
}

// SignOut ends a session and tells its watchers. Signing out twice is a no-op.
func (p *Provider) SignOut(ctx context.Context, sessionID string) error {
	if _, err := p.Repo.RevokeSession(ctx, sessionID, p.now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	p.mu.Lock()
	ws := p.watchers[sessionID]
	delete(p.watchers, sessionID)
	p.mu.Unlock()
	for w := range ws {
		w.fn(nil)
	}
	return nil
}

// OnSessionChange calls fn right away with the session's identity, or nil if
// the session is not open, and again with nil when it ends.
func (p *Provider) OnSessionChange(ctx context.Context, sessionID string, fn func(*domain.Identity)) func() {
	current := p.sessionIdentity(ctx, sessionID)
	if current == nil {
		fn(nil)
		return func() {}
	}
	w := &watcher{fn: fn}
	p.mu.Lock()
	if p.watchers == nil {
		p.watchers = map[string]map[*watcher]struct{}{}
	}
	if p.watchers[sessionID] == nil {
		p.watchers[sessionID] = map[*watcher]struct{}{}
	}
	p.watchers[sessionID][w] = struct{}{}
	p.mu.Unlock()
	fn(current)
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.watchers[sessionID], w)
		if len(p.watchers[sessionID]) == 0 {
			delete(p.watchers, sessionID)
		}
	}
}

func (p *Provider) sessionIdentity(ctx context.Context, sessionID string) *domain.Identity {
	stored, err := p.Repo.GetSession(ctx, sessionID)
	if err != nil || stored.RevokedAt != "" {
		return nil
	}
	if exp, err := time.Parse(time.RFC3339, stored.ExpiresAt); err == nil && !p.now().Before(exp) {
		return nil
	}
	cred, err := p.Repo.GetCredential(ctx, stored.UID)
	if err != nil {
		return nil
	}
	id := identityOf(cred)
	return &id
}

func identityOf(c repo.Credential) domain.Identity {
	return domain.Identity{UID: c.UID, Email: c.Email, DisplayName: c.DisplayName}
}
