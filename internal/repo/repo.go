package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"breakline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

// Record is a raw JSON document in one of the store collections.
type Record struct {
	Collection string
	ID         string
	Body       []byte
	CreatedAt  string
	UpdatedAt  string
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) GetRecord(ctx context.Context, tx *sql.Tx, collection, id string) (Record, error) {
	rec := Record{Collection: collection, ID: id}
	var body string
	err := r.q(tx).QueryRowContext(ctx, `SELECT body,created_at,updated_at FROM records WHERE collection=? AND id=?`, collection, id).
		Scan(&body, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Body = []byte(body)
	return rec, nil
}

// ListRecords returns every record of a collection in insertion order.
func (r Repo) ListRecords(ctx context.Context, tx *sql.Tx, collection string) ([]Record, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,body,created_at,updated_at FROM records WHERE collection=? ORDER BY rowid ASC`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec := Record{Collection: collection}
		var body string
		if err := rows.Scan(&rec.ID, &body, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Body = []byte(body)
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) InsertRecord(ctx context.Context, tx *sql.Tx, rec Record) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO records(collection,id,body,created_at,updated_at) VALUES (?,?,?,?,?)`,
		rec.Collection, rec.ID, string(rec.Body), rec.CreatedAt, rec.UpdatedAt)
	return err
}

// UpsertRecord replaces the body of a record, creating it if missing.
func (r Repo) UpsertRecord(ctx context.Context, tx *sql.Tx, rec Record) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO records(collection,id,body,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(collection,id) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`,
		rec.Collection, rec.ID, string(rec.Body), rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (r Repo) UpdateRecordBody(ctx context.Context, tx *sql.Tx, collection, id string, body []byte, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE records SET body=?, updated_at=? WHERE collection=? AND id=?`, string(body), now, collection, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRecord removes a record and reports whether it existed.
func (r Repo) DeleteRecord(ctx context.Context, tx *sql.Tx, collection, id string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM records WHERE collection=? AND id=?`, collection, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// LatestEvents returns the newest events first.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, entityKind, entityID)
}

// LatestEventsFrom pages backwards from cursor (exclusive) when cursor > 0.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
