package auth

import (
	"fmt"

	"breakline/internal/config"
	"breakline/internal/domain"
)

const (
	PermReportCreate    = "report.create"
	PermReportEdit      = "report.edit"
	PermReportDelete    = "report.delete"
	PermReportAssign    = "report.assign"
	PermReportWork      = "report.work"
	PermReportResolve   = "report.resolve"
	PermViewReporter    = "view.reporter"
	PermViewManager     = "view.manager"
	PermViewTechnician  = "view.technician"
	PermUserRead        = "user.read"
	PermUserProvision   = "user.provision"
	PermUserDeprovision = "user.deprovision"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// ScopeError indicates the permission is held but the record belongs to
// someone else.
type ScopeError struct {
	Permission string
	ReportID   string
}

func (e ScopeError) Error() string {
	return fmt.Sprintf("%s not allowed on report %s", e.Permission, e.ReportID)
}

// Policy maps roles to the permissions configured in rbac.roles.
type Policy struct {
	roles map[domain.Role]map[string]struct{}
}

func NewPolicy(cfg *config.Config) Policy {
	p := Policy{roles: map[domain.Role]map[string]struct{}{}}
	if cfg == nil {
		return p
	}
	for roleID, role := range cfg.RBAC.Roles {
		set := make(map[string]struct{}, len(role.Permissions))
		for _, perm := range role.Permissions {
			set[perm] = struct{}{}
		}
		p.roles[domain.Role(roleID)] = set
	}
	return p
}

func (p Policy) Can(role domain.Role, perm string) bool {
	_, ok := p.roles[role][perm]
	return ok
}

// Require fails with ErrAuthRequired for an anonymous principal and
// ForbiddenError when the role lacks perm.
func (p Policy) Require(pr domain.Principal, perm string) error {
	if pr.UID == "" {
		return domain.ErrAuthRequired
	}
	if !p.Can(pr.Role, perm) {
		return ForbiddenError{Permission: perm}
	}
	return nil
}
