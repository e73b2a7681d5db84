package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"breakline/internal/config"
	"breakline/internal/domain"
	"breakline/internal/engine/auth"
)

func TestPolicyFromDefaultConfig(t *testing.T) {
	p := auth.NewPolicy(config.Default())
	assert.True(t, p.Can(domain.RoleReporter, auth.PermReportCreate))
	assert.False(t, p.Can(domain.RoleTechnician, auth.PermReportCreate))
	assert.True(t, p.Can(domain.RoleManager, auth.PermReportAssign))
	assert.False(t, p.Can("", auth.PermReportAssign))

	assert.ErrorIs(t, p.Require(domain.Principal{Role: domain.RoleManager}, auth.PermReportAssign), domain.ErrAuthRequired)
	err := p.Require(domain.Principal{UID: "u", Role: domain.RoleReporter}, auth.PermReportAssign)
	var fe auth.ForbiddenError
	assert.ErrorAs(t, err, &fe)
	assert.Equal(t, auth.PermReportAssign, fe.Permission)
	assert.NoError(t, p.Require(domain.Principal{UID: "u", Role: domain.RoleManager}, auth.PermReportAssign))
}

func TestEmptyPolicyDeniesAll(t *testing.T) {
	p := auth.NewPolicy(nil)
	assert.False(t, p.Can(domain.RoleManager, auth.PermUserRead))
}
