// Package reports holds the breakdown report collection and the rules for
// moving a report through its lifecycle.
package reports

import (
	"context"
	"fmt"
	"strings"
	"time"

	"breakline/internal/domain"
	"breakline/internal/logger"
	"breakline/internal/store"
)

const (
	Path                = "breakdowns"
	DefaultReporterName = "Reporter"
)

type Collection struct {
	Store *store.Store
	Now   func() time.Time
}

func recordPath(id string) string { return Path + "/" + id }

func (c Collection) nowMillis() int64 {
	if c.Now == nil {
		return time.Now().UnixMilli()
	}
	return c.Now().UnixMilli()
}

// nextUpdated keeps timestamps.updated strictly increasing even when the
// clock has not moved since the last write.
func (c Collection) nextUpdated(prev int64) int64 {
	now := c.nowMillis()
	if now <= prev {
		return prev + 1
	}
	return now
}

// Create files a new pending report for reporter.
func (c Collection) Create(ctx context.Context, reporter domain.Identity, message string) (domain.Report, error) {
	if reporter.UID == "" {
		return domain.Report{}, domain.ErrAuthRequired
	}
	if strings.TrimSpace(message) == "" {
		return domain.Report{}, domain.ValidationError{Field: "message", Reason: "message is required"}
	}
	name := strings.TrimSpace(reporter.DisplayName)
	if name == "" {
		name = DefaultReporterName
	}
	now := c.nowMillis()
	r := domain.Report{
		ReporterUID:   reporter.UID,
		ReporterName:  name,
		ReporterEmail: reporter.Email,
		Message:       message,
		Status:        domain.StatusPending,
		Timestamps:    domain.Timestamps{Created: now, Updated: now},
	}
	id, err := c.Store.Create(ctx, Path, r)
	if err != nil {
		return domain.Report{}, err
	}
	r.ID = id
	logger.FromContext(ctx).WithField("report", id).Info("report created")
	return r, nil
}

// EditMessage replaces the message. Status is not checked.
func (c Collection) EditMessage(ctx context.Context, id, message string) (domain.Report, error) {
	if strings.TrimSpace(message) == "" {
		return domain.Report{}, domain.ValidationError{Field: "message", Reason: "message is required"}
	}
	return c.mutate(ctx, id, func(r *domain.Report) (map[string]any, error) {
		r.Message = message
		return map[string]any{"message": message}, nil
	})
}

// Assign hands a pending report to a technician. The technician's name and
// email are copied into the report.
func (c Collection) Assign(ctx context.Context, id string, tech domain.TechnicianRef) (domain.Report, error) {
	if strings.TrimSpace(tech.Name) == "" {
		return domain.Report{}, domain.ValidationError{Field: "technician", Reason: "select a technician"}
	}
	return c.mutate(ctx, id, func(r *domain.Report) (map[string]any, error) {
		if r.Status != domain.StatusPending {
			return nil, domain.TransitionError{From: r.Status, To: domain.StatusAssigned}
		}
		ref := tech
		r.Status = domain.StatusAssigned
		r.AssignedTechnician = &ref
		return map[string]any{"status": domain.StatusAssigned, "assignedTechnician": ref}, nil
	})
}

// StartWork marks an assigned report as being worked on.
func (c Collection) StartWork(ctx context.Context, id string) (domain.Report, error) {
	return c.mutate(ctx, id, func(r *domain.Report) (map[string]any, error) {
		if r.Status != domain.StatusAssigned {
			return nil, domain.TransitionError{From: r.Status, To: domain.StatusInProgress}
		}
		r.Status = domain.StatusInProgress
		return map[string]any{"status": domain.StatusInProgress}, nil
	})
}

// Resolve closes an assigned or in-progress report with the fix details.
func (c Collection) Resolve(ctx context.Context, id, fixDetails string) (domain.Report, error) {
	fix := strings.TrimSpace(fixDetails)
	if fix == "" {
		return domain.Report{}, domain.ValidationError{Field: "fixDetails", Reason: "fix details are required"}
	}
	return c.mutate(ctx, id, func(r *domain.Report) (map[string]any, error) {
		if !r.Status.Active() {
			return nil, domain.TransitionError{From: r.Status, To: domain.StatusResolved}
		}
		r.Status = domain.StatusResolved
		r.FixDetails = &fix
		return map[string]any{"status": domain.StatusResolved, "fixDetails": fix}, nil
	})
}

// Delete removes the report whatever its state. Missing reports are ignored.
func (c Collection) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return domain.ValidationError{Field: "id", Reason: "required"}
	}
	if err := c.Store.Delete(ctx, recordPath(id)); err != nil {
		return err
	}
	logger.FromContext(ctx).WithField("report", id).Info("report deleted")
	return nil
}

func (c Collection) Get(ctx context.Context, id string) (domain.Report, error) {
	snap, err := c.Store.ReadOnce(ctx, recordPath(id))
	if err != nil {
		return domain.Report{}, err
	}
	var r domain.Report
	if err := snap.Decode(&r); err != nil {
		return domain.Report{}, err
	}
	r.ID = id
	return r, nil
}

// List returns every report in store order.
func (c Collection) List(ctx context.Context) ([]domain.Report, error) {
	snap, err := c.Store.ReadOnce(ctx, Path)
	if err != nil {
		return nil, err
	}
	return FromSnapshot(snap), nil
}

// mutate applies change to the current report inside one store transaction
// and refreshes timestamps.updated. timestamps.created is never written.
func (c Collection) mutate(ctx context.Context, id string, change func(r *domain.Report) (map[string]any, error)) (domain.Report, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Report{}, domain.ValidationError{Field: "id", Reason: "required"}
	}
	var out domain.Report
	err := c.Store.Update(ctx, recordPath(id), func(doc store.Document) (map[string]any, error) {
		var r domain.Report
		if err := doc.Decode(&r); err != nil {
			return nil, err
		}
		r.ID = id
		patch, err := change(&r)
		if err != nil {
			return nil, err
		}
		r.Timestamps.Updated = c.nextUpdated(r.Timestamps.Updated)
		patch["timestamps/updated"] = r.Timestamps.Updated
		out = r
		return patch, nil
	})
	if err != nil {
		return domain.Report{}, fmt.Errorf("report %s: %w", id, err)
	}
	return out, nil
}

// FromSnapshot decodes a breakdowns snapshot in store order. Records that do
// not decode are skipped.
func FromSnapshot(snap store.Snapshot) []domain.Report {
	res := make([]domain.Report, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		var r domain.Report
		if err := doc.Decode(&r); err != nil {
			logger.Default().WithError(err).WithField("report", doc.Key).Warn("skipping report")
			continue
		}
		r.ID = doc.Key
		res = append(res, r)
	}
	return res
}

// Stats counts reports per status.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Assigned   int `json:"assigned"`
	InProgress int `json:"inProgress"`
	Resolved   int `json:"resolved"`
}

func StatsOf(rs []domain.Report) Stats {
	s := Stats{Total: len(rs)}
	for _, r := range rs {
		switch r.Status {
		case domain.StatusPending:
			s.Pending++
		case domain.StatusAssigned:
			s.Assigned++
		case domain.StatusInProgress:
			s.InProgress++
		case domain.StatusResolved:
			s.Resolved++
		}
	}
	return s
}
