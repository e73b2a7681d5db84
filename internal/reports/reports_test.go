package reports_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"breakline/internal/db"
	"breakline/internal/domain"
	"breakline/internal/migrate"
	"breakline/internal/reports"
	"breakline/internal/store"
)

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newCollection(t *testing.T) (reports.Collection, *clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	clk := &clock{t: time.UnixMilli(1700000000000)}
	s := store.New(conn, clk.Now)
	t.Cleanup(func() {
		s.Close()
		conn.Close()
	})
	return reports.Collection{Store: s, Now: clk.Now}, clk
}

var reporter = domain.Identity{UID: "u-rita", Email: "rita@example.com", DisplayName: "Rita"}

var tom = domain.TechnicianRef{Name: "Tom", Email: "tom@example.com"}

func TestCreateInvariant(t *testing.T) {
	c, _ := newCollection(t)
	ctx := context.Background()
	r, err := c.Create(ctx, reporter, "pump leaking")
	require.NoError(t, err)

	got, err := c.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Nil(t, got.AssignedTechnician)
	assert.Nil(t, got.FixDetails)
	assert.Equal(t, got.Timestamps.Created, got.Timestamps.Updated)
	assert.Equal(t, "Rita", got.ReporterName)
	assert.Equal(t, reporter.UID, got.ReporterUID)
}

func TestCreateValidation(t *testing.T) {
	c, _ := newCollection(t)
	ctx := context.Background()

	_, err := c.Create(ctx, domain.Identity{}, "pump leaking")
	assert.ErrorIs(t, err, domain.ErrAuthRequired)

	_, err = c.Create(ctx, reporter, "   ")
	var verr domain.ValidationError
	assert.ErrorAs(t, err, &verr)

	all, err := c.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDefaultReporterName(t *testing.T) {
	c, _ := newCollection(t)
	r, err := c.Create(context.Background(), domain.Identity{UID: "u1", Email: "x@example.com"}, "fan broken")
	require.NoError(t, err)
	assert.Equal(t, reports.DefaultReporterName, r.ReporterName)
}

func TestCreatedNeverChanges(t *testing.T) {
	c, clk := newCollection(t)
	ctx := context.Background()
	r, err := c.Create(ctx, reporter, "pump leaking")
	require.NoError(t, err)
	created := r.Timestamps.Created

	clk.Advance(time.Minute)
	_, err = c.EditMessage(ctx, r.ID, "pump leaking badly")
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = c.Assign(ctx, r.ID, tom)
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = c.StartWork(ctx, r.ID)
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = c.Resolve(ctx, r.ID, " replaced seal ")
	require.NoError(t, err)

	got, err := c.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got.Timestamps.Created)
	assert.Equal(t, created+4*time.Minute.Milliseconds(), got.Timestamps.Updated)
	assert.Equal(t, "pump leaking badly", got.Message)
	require.NotNil(t, got.FixDetails)
	assert.Equal(t, "replaced seal", *got.FixDetails)
	require.NotNil(t, got.AssignedTechnician)
	assert.Equal(t, tom, *got.AssignedTechnician)
}

func TestUpdatedStrictlyIncreasesWithStoppedClock(t *testing.T) {
	c, _ := newCollection(t)
	ctx := context.Background()
	r, err := c.Create(ctx, reporter, "a")
	require.NoError(t, err)

	prev := r.Timestamps.Updated
	for _, msg := range []string{"b", "c", "d"} {
		r, err = c.EditMessage(ctx, r.ID, msg)
		require.NoError(t, err)
		assert.Greater(t, r.Timestamps.Updated, prev)
		prev = r.Timestamps.Updated
	}
	stored, err := c.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r, stored)
}

func TestResolveRejectsBlankFixDetails(t *testing.T) {
	c, clk := newCollection(t)
	ctx := context.Background()
	r, err := c.Create(ctx, reporter, "pump leaking")
	require.NoError(t, err)
	r, err = c.Assign(ctx, r.ID, tom)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	for _, fix := range []string{"", "   ", "\t\n"} {
		_, err = c.Resolve(ctx, r.ID, fix)
		var verr domain.ValidationError
		require.ErrorAs(t, err, &verr)
	}
	got, err := c.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestAssignRules(t *testing.T) {
	c, _ := newCollection(t)
	ctx := context.Background()
	r, err := c.Create(ctx, reporter, "pump leaking")
	require.NoError(t, err)

	_, err = c.Assign(ctx, r.ID, domain.TechnicianRef{})
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = c.Assign(ctx, r.ID, tom)
	require.NoError(t, err)

	_, err = c.Assign(ctx, r.ID, domain.TechnicianRef{Name: "Ann", Email: "ann@example.com"})
	var terr domain.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.StatusAssigned, terr.From)

	got, err := c.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "Tom", got.AssignedTechnician.Name)
}

func TestConcurrentAssignOnlyOneWins(t *testing.T) {
	c, _ := newCollection(t)
	ctx := context.Background()
	r, err := c.Create(ctx, reporter, "pump leaking")
	require.NoError(t, err)

	techs := []domain.TechnicianRef{tom, {Name: "Ann", Email: "ann@example.com"}, {Name: "Bob", Email: "bob@example.com"}}
	errs := make([]error, len(techs))
	var wg sync.WaitGroup
	for i, tech := range techs {
		wg.Add(1)
		go func(i int, tech domain.TechnicianRef) {
			defer wg.Done()
			_, errs[i] = c.Assign(ctx, r.ID, tech)
		}(i, tech)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var terr domain.TransitionError
		assert.ErrorAs(t, err, &terr)
	}
	assert.Equal(t, 1, wins)
}

func TestTransitions(t *testing.T) {
	c, _ := newCollection(t)
	ctx := context.Background()
	r, err := c.Create(ctx, reporter, "pump leaking")
	require.NoError(t, err)

	var terr domain.TransitionError
	_, err = c.StartWork(ctx, r.ID)
	require.ErrorAs(t, err, &terr)
	_, err = c.Resolve(ctx, r.ID, "done")
	require.ErrorAs(t, err, &terr)

	_, err = c.Assign(ctx, r.ID, tom)
	require.NoError(t, err)
	_, err = c.Resolve(ctx, r.ID, "done")
	require.NoError(t, err)
	_, err = c.Resolve(ctx, r.ID, "again")
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.StatusResolved, terr.From)
}

func TestEditIgnoresStatus(t *testing.T) {
	c, _ := newCollection(t)
	ctx := context.Background()
	r, err := c.Create(ctx, reporter, "pump leaking")
	require.NoError(t, err)
	_, err = c.Assign(ctx, r.ID, tom)
	require.NoError(t, err)
	_, err = c.Resolve(ctx, r.ID, "seal")
	require.NoError(t, err)

	got, err := c.EditMessage(ctx, r.ID, "pump was leaking")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, got.Status)
	assert.Equal(t, "Tom", got.AssignedTechnician.Name)

	_, err = c.EditMessage(ctx, r.ID, "")
	var verr domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestMissingReport(t *testing.T) {
	c, _ := newCollection(t)
	ctx := context.Background()
	_, err := c.EditMessage(ctx, "nope", "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = c.Assign(ctx, "nope", tom)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = c.Get(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, c.Delete(ctx, "nope"))
}

func TestDeleteAndStats(t *testing.T) {
	c, _ := newCollection(t)
	ctx := context.Background()
	a, err := c.Create(ctx, reporter, "a")
	require.NoError(t, err)
	b, err := c.Create(ctx, reporter, "b")
	require.NoError(t, err)
	_, err = c.Create(ctx, reporter, "c")
	require.NoError(t, err)
	_, err = c.Assign(ctx, b.ID, tom)
	require.NoError(t, err)
	_, err = c.StartWork(ctx, b.ID)
	require.NoError(t, err)

	all, err := c.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, reports.Stats{Total: 3, Pending: 2, InProgress: 1}, reports.StatsOf(all))

	require.NoError(t, c.Delete(ctx, a.ID))
	require.NoError(t, c.Delete(ctx, a.ID))
	all, err = c.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID)
}
