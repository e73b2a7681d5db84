// Package views derives the role-scoped report lists shown on each dashboard.
// Every view runs the same steps over a full snapshot of the collection:
// filter by identity, filter by status, then sort.
package views

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"breakline/internal/domain"
	"breakline/internal/reports"
	"breakline/internal/store"
)

type Kind string

const (
	KindReporter   Kind = "reporter"
	KindManager    Kind = "manager"
	KindTechnician Kind = "technician"
)

// StatusAll disables the status filter.
const StatusAll = "all"

// View selects and orders the reports one dashboard shows.
type View struct {
	Kind Kind
	// ReporterUID scopes a reporter view.
	ReporterUID string
	// Technician scopes a technician view by the name copied at assignment.
	Technician string
	// Status filters a manager view; empty or "all" keeps everything.
	Status string
}

func Reporter(uid string) View { return View{Kind: KindReporter, ReporterUID: uid} }

func Manager(status string) View { return View{Kind: KindManager, Status: status} }

func Technician(name string) View { return View{Kind: KindTechnician, Technician: name} }

func (v View) Validate() error {
	switch v.Kind {
	case KindReporter:
		if v.ReporterUID == "" {
			return domain.ErrAuthRequired
		}
	case KindTechnician:
		if v.Technician == "" {
			return domain.ValidationError{Field: "technician", Reason: "technician name is required"}
		}
	case KindManager:
		if v.Status != "" && v.Status != StatusAll && !domain.Status(v.Status).Valid() {
			return domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", v.Status)}
		}
	default:
		return domain.ValidationError{Field: "view", Reason: fmt.Sprintf("unknown view %q", v.Kind)}
	}
	return nil
}

// scoped reports whether r belongs to the viewer at all.
func (v View) scoped(r domain.Report) bool {
	switch v.Kind {
	case KindReporter:
		return r.ReporterUID == v.ReporterUID
	case KindTechnician:
		return r.AssignedTechnician != nil && r.AssignedTechnician.Name == v.Technician
	}
	return true
}

func (v View) statusMatch(r domain.Report) bool {
	if v.Status == "" || v.Status == StatusAll {
		return true
	}
	return string(r.Status) == v.Status
}

func (v View) less(a, b domain.Report) bool {
	switch v.Kind {
	case KindTechnician:
		if a.Status.Active() != b.Status.Active() {
			return a.Status.Active()
		}
		return a.Timestamps.Created > b.Timestamps.Created
	case KindManager:
		if a.Timestamps.Created != b.Timestamps.Created {
			return a.Timestamps.Created < b.Timestamps.Created
		}
		return a.ID < b.ID
	}
	return a.Timestamps.Created > b.Timestamps.Created
}

// Projection is what a dashboard renders. Stats cover every report in the
// viewer's scope, ignoring the status filter.
type Projection struct {
	View  Kind            `json:"view"`
	Items []domain.Report `json:"items"`
	Stats reports.Stats   `json:"stats"`
}

// Build recomputes the projection from the full collection.
func Build(v View, all []domain.Report) Projection {
	var scope []domain.Report
	items := []domain.Report{}
	for _, r := range all {
		if !v.scoped(r) {
			continue
		}
		scope = append(scope, r)
		if v.statusMatch(r) {
			items = append(items, r)
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return v.less(items[i], items[j]) })
	return Projection{View: v.Kind, Items: items, Stats: reports.StatsOf(scope)}
}

// Watch calls fn with a fresh projection for every snapshot of the report
// collection until ctx is done or the returned func is called.
func Watch(ctx context.Context, s *store.Store, v View, fn func(Projection)) (func(), error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	unsubscribe, err := s.Subscribe(reports.Path, func(snap store.Snapshot) {
		fn(Build(v, reports.FromSnapshot(snap)))
	})
	if err != nil {
		return nil, err
	}
	var once sync.Once
	done := make(chan struct{})
	stop := func() {
		once.Do(func() {
			close(done)
			unsubscribe()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()
	return stop, nil
}
