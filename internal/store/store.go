// Package store is a path-addressed JSON document store on SQLite. Paths name
// a collection ("breakdowns") or a record in it ("breakdowns/{id}"). Every
// committed mutation is logged to the events table and pushed to live
// subscribers of the affected paths.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"breakline/internal/domain"
	"breakline/internal/events"
	"breakline/internal/logger"
	"breakline/internal/repo"
)

const (
	EventCreated = "record.created"
	EventSet     = "record.set"
	EventPatched = "record.patched"
	EventDeleted = "record.deleted"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("store closed")

// Document is one record of a snapshot.
type Document struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (d Document) Decode(v any) error {
	if err := json.Unmarshal(d.Value, v); err != nil {
		return fmt.Errorf("decode %s: %w", d.Key, err)
	}
	return nil
}

// Snapshot is the full value at a path at one point in time. A record path
// has at most one document; a collection path has one per record in
// insertion order. An absent value is an empty snapshot.
type Snapshot struct {
	Path string
	Docs []Document
}

func (s Snapshot) Exists() bool { return len(s.Docs) > 0 }

// Decode decodes the single document of a record snapshot.
func (s Snapshot) Decode(v any) error {
	if !s.Exists() {
		return domain.ErrNotFound
	}
	return s.Docs[0].Decode(v)
}

// UpdateFunc receives the current document and returns the fields to merge.
// Returning an error aborts the update with no mutation. It runs inside the
// write transaction and must not call back into the store.
type UpdateFunc func(current Document) (map[string]any, error)

type Store struct {
	repo   repo.Repo
	events events.Writer
	now    func() time.Time
	log    *logrus.Entry

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New returns a store over db. now defaults to time.Now.
func New(db *sql.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		repo:   repo.Repo{DB: db},
		events: events.Writer{Now: now},
		now:    now,
		log:    logger.Default().WithField("component", "store"),
		subs:   map[*subscription]struct{}{},
	}
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// Create stores value under a new generated key in collection.
func (s *Store) Create(ctx context.Context, collection string, value any) (string, error) {
	r, err := parsePath(collection)
	if err != nil {
		return "", err
	}
	if r.isRecord() {
		return "", domain.ValidationError{Field: "path", Reason: fmt.Sprintf("create needs a collection path, got %q", collection)}
	}
	r.id = uuid.NewString()
	body, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", r, err)
	}
	err = s.write(ctx, r, func(tx *sql.Tx) (string, events.EventPayload, error) {
		now := s.stamp()
		if err := s.repo.InsertRecord(ctx, tx, repo.Record{Collection: r.collection, ID: r.id, Body: body, CreatedAt: now, UpdatedAt: now}); err != nil {
			return "", nil, err
		}
		return EventCreated, events.EventPayload{"path": r.String(), "value": json.RawMessage(body)}, nil
	})
	if err != nil {
		return "", err
	}
	return r.id, nil
}

// Set replaces the record at path, creating it if needed.
func (s *Store) Set(ctx context.Context, path string, value any) error {
	r, err := parseRecordPath(path)
	if err != nil {
		return err
	}
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", r, err)
	}
	return s.write(ctx, r, func(tx *sql.Tx) (string, events.EventPayload, error) {
		now := s.stamp()
		if err := s.repo.UpsertRecord(ctx, tx, repo.Record{Collection: r.collection, ID: r.id, Body: body, CreatedAt: now, UpdatedAt: now}); err != nil {
			return "", nil, err
		}
		return EventSet, events.EventPayload{"path": r.String(), "value": json.RawMessage(body)}, nil
	})
}

// Patch merges partial into the existing record at path. Fields not named
// in partial are left untouched.
func (s *Store) Patch(ctx context.Context, path string, partial map[string]any) error {
	return s.Update(ctx, path, func(Document) (map[string]any, error) {
		return partial, nil
	})
}

// Update runs a read-modify-write of the record at path in one transaction.
// A missing record yields domain.ErrNotFound.
func (s *Store) Update(ctx context.Context, path string, fn UpdateFunc) error {
	r, err := parseRecordPath(path)
	if err != nil {
		return err
	}
	return s.write(ctx, r, func(tx *sql.Tx) (string, events.EventPayload, error) {
		rec, err := s.repo.GetRecord(ctx, tx, r.collection, r.id)
		if err != nil {
			return "", nil, err
		}
		patch, err := fn(Document{Key: r.id, Value: rec.Body})
		if err != nil {
			return "", nil, err
		}
		doc, err := decodeObject(rec.Body)
		if err != nil {
			return "", nil, err
		}
		applyPatch(doc, patch)
		body, err := json.Marshal(doc)
		if err != nil {
			return "", nil, fmt.Errorf("encode %s: %w", r, err)
		}
		if err := s.repo.UpdateRecordBody(ctx, tx, r.collection, r.id, body, s.stamp()); err != nil {
			return "", nil, err
		}
		return EventPatched, events.EventPayload{"path": r.String(), "patch": patch}, nil
	})
}

// Delete removes the record at path. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	r, err := parseRecordPath(path)
	if err != nil {
		return err
	}
	return s.write(ctx, r, func(tx *sql.Tx) (string, events.EventPayload, error) {
		existed, err := s.repo.DeleteRecord(ctx, tx, r.collection, r.id)
		if err != nil || !existed {
			return "", nil, err
		}
		return EventDeleted, events.EventPayload{"path": r.String()}, nil
	})
}

// ReadOnce returns the current value at path.
func (s *Store) ReadOnce(ctx context.Context, path string) (Snapshot, error) {
	r, err := parsePath(path)
	if err != nil {
		return Snapshot{}, err
	}
	return s.read(ctx, r)
}

func (s *Store) read(ctx context.Context, r ref) (Snapshot, error) {
	snap := Snapshot{Path: r.String()}
	if r.isRecord() {
		rec, err := s.repo.GetRecord(ctx, nil, r.collection, r.id)
		if errors.Is(err, repo.ErrNotFound) {
			return snap, nil
		}
		if err != nil {
			return snap, err
		}
		snap.Docs = []Document{{Key: rec.ID, Value: rec.Body}}
		return snap, nil
	}
	recs, err := s.repo.ListRecords(ctx, nil, r.collection)
	if err != nil {
		return snap, err
	}
	snap.Docs = make([]Document, 0, len(recs))
	for _, rec := range recs {
		snap.Docs = append(snap.Docs, Document{Key: rec.ID, Value: rec.Body})
	}
	return snap, nil
}

// write runs mutate in a transaction, logs the change event it reports and
// notifies subscribers once committed. An empty event type means nothing
// changed.
func (s *Store) write(ctx context.Context, r ref, mutate func(tx *sql.Tx) (string, events.EventPayload, error)) error {
	tx, err := s.repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	evtType, payload, err := mutate(tx)
	if err != nil {
		return err
	}
	if evtType == "" {
		return nil
	}
	if err := s.events.Append(ctx, tx, evtType, r.collection, r.id, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logger.FromContext(ctx).WithFields(logrus.Fields{"path": r.String(), "event": evtType}).Debug("store write")
	s.notify(r)
	return nil
}
