package engine

import (
	"context"
	"errors"

	"breakline/internal/domain"
	"breakline/internal/engine/auth"
)

// CreateReport files a report as p.
func (e Engine) CreateReport(ctx context.Context, p domain.Principal, message string) (domain.Report, error) {
	if err := e.Policy.Require(p, auth.PermReportCreate); err != nil {
		return domain.Report{}, err
	}
	return e.Reports.Create(e.actorCtx(ctx, p), domain.Identity{UID: p.UID, Email: p.Email, DisplayName: p.Name}, message)
}

// GetReport returns a report p is allowed to see.
func (e Engine) GetReport(ctx context.Context, p domain.Principal, id string) (domain.Report, error) {
	if p.UID == "" {
		return domain.Report{}, domain.ErrAuthRequired
	}
	r, err := e.Reports.Get(ctx, id)
	if err != nil {
		return domain.Report{}, err
	}
	if err := e.checkScope(ctx, p, "report.read", r); err != nil {
		return domain.Report{}, err
	}
	return r, nil
}

// EditReport replaces a report's message. Reporters may only edit their own.
func (e Engine) EditReport(ctx context.Context, p domain.Principal, id, message string) (domain.Report, error) {
	if err := e.authorize(ctx, p, auth.PermReportEdit, id); err != nil {
		return domain.Report{}, err
	}
	return e.Reports.EditMessage(e.actorCtx(ctx, p), id, message)
}

// AssignReport assigns a pending report to the technician account techID.
func (e Engine) AssignReport(ctx context.Context, p domain.Principal, id, techID string) (domain.Report, error) {
	if err := e.Policy.Require(p, auth.PermReportAssign); err != nil {
		return domain.Report{}, err
	}
	if techID == "" {
		return domain.Report{}, domain.ValidationError{Field: "technician", Reason: "select a technician"}
	}
	tech, err := e.Accounts.Get(ctx, techID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Report{}, domain.ValidationError{Field: "technician", Reason: "unknown technician"}
	}
	if err != nil {
		return domain.Report{}, err
	}
	if tech.Role != domain.RoleTechnician {
		return domain.Report{}, domain.ValidationError{Field: "technician", Reason: "account is not a technician"}
	}
	return e.Reports.Assign(e.actorCtx(ctx, p), id, domain.TechnicianRef{Name: tech.Name, Email: tech.Email})
}

// StartReport moves an assigned report to in-progress.
func (e Engine) StartReport(ctx context.Context, p domain.Principal, id string) (domain.Report, error) {
	if err := e.authorize(ctx, p, auth.PermReportWork, id); err != nil {
		return domain.Report{}, err
	}
	return e.Reports.StartWork(e.actorCtx(ctx, p), id)
}

// ResolveReport closes a report with fix details.
func (e Engine) ResolveReport(ctx context.Context, p domain.Principal, id, fixDetails string) (domain.Report, error) {
	if err := e.authorize(ctx, p, auth.PermReportResolve, id); err != nil {
		return domain.Report{}, err
	}
	return e.Reports.Resolve(e.actorCtx(ctx, p), id, fixDetails)
}

// DeleteReport removes a report. Deleting a missing report succeeds.
func (e Engine) DeleteReport(ctx context.Context, p domain.Principal, id string) error {
	if err := e.Policy.Require(p, auth.PermReportDelete); err != nil {
		return err
	}
	r, err := e.Reports.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := e.checkScope(ctx, p, auth.PermReportDelete, r); err != nil {
		return err
	}
	return e.Reports.Delete(e.actorCtx(ctx, p), id)
}

// authorize checks perm and, for reporters and technicians, that the report
// is theirs.
func (e Engine) authorize(ctx context.Context, p domain.Principal, perm, id string) error {
	if err := e.Policy.Require(p, perm); err != nil {
		return err
	}
	if p.Role == domain.RoleManager {
		return nil
	}
	r, err := e.Reports.Get(ctx, id)
	if err != nil {
		return err
	}
	return e.checkScope(ctx, p, perm, r)
}

func (e Engine) checkScope(ctx context.Context, p domain.Principal, perm string, r domain.Report) error {
	switch p.Role {
	case domain.RoleManager:
		return nil
	case domain.RoleReporter:
		if r.ReporterUID == p.UID {
			return nil
		}
	case domain.RoleTechnician:
		name, err := e.technicianName(ctx, p)
		if err != nil {
			return err
		}
		if r.AssignedTechnician != nil && r.AssignedTechnician.Name == name {
			return nil
		}
	}
	return auth.ScopeError{Permission: perm, ReportID: r.ID}
}
