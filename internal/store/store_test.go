package store_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"breakline/internal/db"
	"breakline/internal/domain"
	"breakline/internal/migrate"
	"breakline/internal/repo"
	"breakline/internal/store"
)

func newTestStore(t *testing.T) (*store.Store, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	s := store.New(conn, nil)
	t.Cleanup(func() {
		s.Close()
		conn.Close()
	})
	return s, conn
}

type item struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	Meta  struct {
		Created int64 `json:"created"`
		Updated int64 `json:"updated"`
	} `json:"meta"`
}

// recorder collects snapshots delivered to a subscription.
type recorder struct {
	mu    sync.Mutex
	snaps []store.Snapshot
}

func (r *recorder) fn(s store.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) last() (store.Snapshot, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return store.Snapshot{}, 0
	}
	return r.snaps[len(r.snaps)-1], len(r.snaps)
}

func TestCreateReadPatch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	in := item{Name: "pump", Count: 1}
	in.Meta.Created = 1700000000000
	in.Meta.Updated = 1700000000000
	id, err := s.Create(ctx, "items", in)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, s.Patch(ctx, "items/"+id, map[string]any{"count": 2, "meta/updated": 1700000000500}))

	snap, err := s.ReadOnce(ctx, "items/"+id)
	require.NoError(t, err)
	var got item
	require.NoError(t, snap.Decode(&got))
	assert.Equal(t, "pump", got.Name)
	assert.Equal(t, 2, got.Count)
	assert.Equal(t, int64(1700000000000), got.Meta.Created)
	assert.Equal(t, int64(1700000000500), got.Meta.Updated)
}

func TestPatchNullRecord(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "items/x", nil))
	require.NoError(t, s.Patch(ctx, "items/x", map[string]any{"name": "hi"}))

	snap, err := s.ReadOnce(ctx, "items/x")
	require.NoError(t, err)
	var got item
	require.NoError(t, snap.Decode(&got))
	assert.Equal(t, "hi", got.Name)
}

func TestReadMissingIsEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	snap, err := s.ReadOnce(context.Background(), "items/nope")
	require.NoError(t, err)
	assert.False(t, snap.Exists())
	assert.ErrorIs(t, snap.Decode(&item{}), domain.ErrNotFound)

	snap, err = s.ReadOnce(context.Background(), "items")
	require.NoError(t, err)
	assert.Empty(t, snap.Docs)
}

func TestPathValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	var verr domain.ValidationError
	assert.ErrorAs(t, s.Set(ctx, "items", item{}), &verr)
	assert.ErrorAs(t, s.Delete(ctx, "a/b/c"), &verr)
	_, err := s.Create(ctx, "items/x", item{})
	assert.ErrorAs(t, err, &verr)
	_, err = s.ReadOnce(ctx, "//")
	assert.ErrorAs(t, err, &verr)
}

func TestUpdateAbortLeavesRecord(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()
	id, err := s.Create(ctx, "items", item{Name: "a"})
	require.NoError(t, err)
	before, err := repo.Repo{DB: conn}.LatestEventID(ctx)
	require.NoError(t, err)

	err = s.Update(ctx, "items/"+id, func(store.Document) (map[string]any, error) {
		return nil, domain.ValidationError{Field: "name", Reason: "nope"}
	})
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)

	snap, err := s.ReadOnce(ctx, "items/"+id)
	require.NoError(t, err)
	var got item
	require.NoError(t, snap.Decode(&got))
	assert.Equal(t, "a", got.Name)
	after, err := repo.Repo{DB: conn}.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUpdateMissingRecord(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Patch(context.Background(), "items/missing", map[string]any{"name": "x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteIdempotent(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()
	id, err := s.Create(ctx, "items", item{Name: "a"})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "items/"+id))
	require.NoError(t, s.Delete(ctx, "items/"+id))

	evts, err := repo.Repo{DB: conn}.LatestEvents(ctx, 10, store.EventDeleted, "items", id)
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestMutationsAreLogged(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()
	id, err := s.Create(ctx, "items", item{Name: "a"})
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "items/"+id, item{Name: "b"}))
	require.NoError(t, s.Patch(ctx, "items/"+id, map[string]any{"count": 3}))
	require.NoError(t, s.Delete(ctx, "items/"+id))

	evts, err := repo.Repo{DB: conn}.EventsAfter(ctx, 10, 0)
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
		assert.Equal(t, "items", e.EntityKind)
		assert.Equal(t, id, e.EntityID)
	}
	assert.Equal(t, []string{store.EventCreated, store.EventSet, store.EventPatched, store.EventDeleted}, types)
}

func TestSubscribeDeliversInitialAndChanges(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "items", item{Name: "first"})
	require.NoError(t, err)

	rec := &recorder{}
	unsubscribe, err := s.Subscribe("items", rec.fn)
	require.NoError(t, err)
	defer unsubscribe()

	require.Eventually(t, func() bool {
		snap, n := rec.last()
		return n >= 1 && len(snap.Docs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = s.Create(ctx, "items", item{Name: "second"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, _ := rec.last()
		return len(snap.Docs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	snap, _ := rec.last()
	var second item
	require.NoError(t, snap.Docs[1].Decode(&second))
	assert.Equal(t, "second", second.Name)
}

func TestRecordSubscriptionIgnoresSiblings(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id, err := s.Create(ctx, "items", item{Name: "watched"})
	require.NoError(t, err)

	rec := &recorder{}
	unsubscribe, err := s.Subscribe("items/"+id, rec.fn)
	require.NoError(t, err)
	defer unsubscribe()
	require.Eventually(t, func() bool { _, n := rec.last(); return n == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = s.Create(ctx, "items", item{Name: "other"})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "items/"+id))
	require.Eventually(t, func() bool {
		snap, _ := rec.last()
		return !snap.Exists()
	}, 2*time.Second, 10*time.Millisecond)
	_, n := rec.last()
	assert.Equal(t, 2, n)
}

func TestSlowSubscriberConverges(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id, err := s.Create(ctx, "items", item{Name: "c"})
	require.NoError(t, err)

	release := make(chan struct{})
	rec := &recorder{}
	unsubscribe, err := s.Subscribe("items/"+id, func(snap store.Snapshot) {
		<-release
		rec.fn(snap)
	})
	require.NoError(t, err)
	defer unsubscribe()

	for i := 1; i <= 20; i++ {
		require.NoError(t, s.Patch(ctx, "items/"+id, map[string]any{"count": i}))
	}
	close(release)

	require.Eventually(t, func() bool {
		snap, _ := rec.last()
		var got item
		return snap.Decode(&got) == nil && got.Count == 20
	}, 2*time.Second, 10*time.Millisecond)
	_, n := rec.last()
	assert.Less(t, n, 21)
}

func TestUnsubscribeAndClose(t *testing.T) {
	s, _ := newTestStore(t)
	rec := &recorder{}
	unsubscribe, err := s.Subscribe("items", rec.fn)
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, n := rec.last(); return n == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, s.Subscribers())
	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, s.Subscribers())

	_, err = s.Create(context.Background(), "items", item{Name: "x"})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, n := rec.last()
	assert.Equal(t, 1, n)

	s.Close()
	_, err = s.Subscribe("items", rec.fn)
	assert.ErrorIs(t, err, store.ErrClosed)
}
