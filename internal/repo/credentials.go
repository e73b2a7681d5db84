package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Credential is a stored login. PasswordHash must already be hashed.
type Credential struct {
	UID          string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    string
}

// Session is a server-side record of an issued token.
type Session struct {
	ID        string
	UID       string
	CreatedAt string
	ExpiresAt string
	RevokedAt string
}

// ErrDuplicateEmail is returned when a credential already exists for the email.
var ErrDuplicateEmail = errors.New("email already registered")

// NormalizeEmail lowercases and trims an email for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r Repo) InsertCredential(ctx context.Context, c Credential) error {
	if c.UID == "" {
		return errors.New("uid required")
	}
	if c.Email == "" {
		return errors.New("email required")
	}
	if c.PasswordHash == "" {
		return errors.New("password_hash required")
	}
	if c.CreatedAt == "" {
		c.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if _, err := r.GetCredentialByEmail(ctx, c.Email); err == nil {
		return ErrDuplicateEmail
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO credentials(uid,email,display_name,password_hash,created_at) VALUES (?,?,?,?,?)`,
		c.UID, NormalizeEmail(c.Email), nullable(c.DisplayName), c.PasswordHash, c.CreatedAt)
	return err
}

func (r Repo) DeleteCredential(ctx context.Context, uid string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM credentials WHERE uid=?`, uid)
	return err
}

func (r Repo) GetCredentialByEmail(ctx context.Context, email string) (Credential, error) {
	return r.scanCredential(r.DB.QueryRowContext(ctx, `SELECT uid,email,COALESCE(display_name,''),password_hash,created_at FROM credentials WHERE email=?`, NormalizeEmail(email)))
}

func (r Repo) GetCredential(ctx context.Context, uid string) (Credential, error) {
	return r.scanCredential(r.DB.QueryRowContext(ctx, `SELECT uid,email,COALESCE(display_name,''),password_hash,created_at FROM credentials WHERE uid=?`, uid))
}

func (r Repo) scanCredential(row *sql.Row) (Credential, error) {
	var c Credential
	err := row.Scan(&c.UID, &c.Email, &c.DisplayName, &c.PasswordHash, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertSession(ctx context.Context, s Session) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(id,uid,created_at,expires_at) VALUES (?,?,?,?)`, s.ID, s.UID, s.CreatedAt, s.ExpiresAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (Session, error) {
	var s Session
	err := r.DB.QueryRowContext(ctx, `SELECT id,uid,created_at,expires_at,COALESCE(revoked_at,'') FROM sessions WHERE id=?`, id).
		Scan(&s.ID, &s.UID, &s.CreatedAt, &s.ExpiresAt, &s.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return s, err
}

// RevokeSession marks a session as ended. Revoking twice is a no-op.
func (r Repo) RevokeSession(ctx context.Context, id, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE sessions SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, now, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
