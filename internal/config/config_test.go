package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"breakline/internal/config"
	"breakline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/v0", cfg.BasePath())
	assert.Equal(t, config.DefaultAddr, cfg.Addr())
	assert.Contains(t, cfg.Permissions(domain.RoleManager), "report.assign")
	assert.NotContains(t, cfg.Permissions(domain.RoleReporter), "report.assign")
	assert.Contains(t, cfg.Permissions(domain.RoleTechnician), "report.resolve")
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("s3cret")))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, 720, cfg.TokenTTLMinutes())
	assert.Nil(t, cfg.Bootstrap.Manager)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"missing role": `
rbac:
  roles:
    reporter: {permissions: [report.create]}
    manager: {permissions: [report.assign]}
`,
		"unknown role": `
rbac:
  roles:
    reporter: {permissions: [report.create]}
    manager: {permissions: [report.assign]}
    technician: {permissions: [report.resolve]}
    admin: {permissions: [report.assign]}
`,
		"empty permission": `
rbac:
  roles:
    reporter: {permissions: [""]}
    manager: {permissions: [report.assign]}
    technician: {permissions: [report.resolve]}
`,
		"weak bootstrap password": `
bootstrap:
  manager: {name: M, email: m@example.com, password: weakpass}
`,
		"webhook without url": `
webhooks:
  - events: [record.created]
`,
		"negative login rate": `
auth:
  login_rate_per_minute: -1
`,
		"relative base path": `
server:
  base_path: v0
`,
	}
	for name, doc := range cases {
		_, err := config.FromYAML([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.RBAC.Roles)

	_, err = config.Load(dir)
	assert.Error(t, err)

	doc := `
server: {addr: ":9999"}
bootstrap:
  manager: {name: M, email: m@example.com, password: strong1!}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(doc), 0o644))
	cfg, err = config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr())
	require.NotNil(t, cfg.Bootstrap.Manager)
	assert.Equal(t, "m@example.com", cfg.Bootstrap.Manager.Email)
}

func TestLoginRatePerMinute(t *testing.T) {
	cfg, err := config.FromYAML([]byte("server: {addr: \":9999\"}\n"))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultLoginRatePerMinute, cfg.LoginRatePerMinute())

	cfg, err = config.FromYAML([]byte("auth:\n  login_rate_per_minute: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.LoginRatePerMinute())

	cfg, err = config.FromYAML([]byte("auth:\n  login_rate_per_minute: 3\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.LoginRatePerMinute())
}
