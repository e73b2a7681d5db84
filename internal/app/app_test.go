package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"breakline/internal/config"
)

func TestInitWorkspaceWritesConfigOnce(t *testing.T) {
	dir := t.TempDir()
	path, created, err := InitWorkspace(dir, "first-secret")
	require.NoError(t, err)
	assert.True(t, created)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, created, err = InitWorkspace(dir, "second-secret")
	require.NoError(t, err)
	assert.False(t, created)

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "first-secret", cfg.Auth.JWTSecret)
}

func TestOpenAppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	_, _, err := InitWorkspace(dir, "file-secret")
	require.NoError(t, err)

	rt, err := Open(context.Background(), Options{Workspace: dir, JWTSecret: "env-secret", LogLevel: "warn"})
	require.NoError(t, err)
	defer rt.Close()
	assert.Equal(t, "env-secret", rt.Config.Auth.JWTSecret)
	assert.Same(t, rt.Config, rt.Engine.Config)
}

func TestOpenWithoutConfigUsesDefaults(t *testing.T) {
	rt, err := Open(context.Background(), Options{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer rt.Close()
	assert.Equal(t, config.DefaultBasePath, rt.Config.BasePath())
	assert.NotEmpty(t, rt.Config.RBAC.Roles)
}

func TestOpenRejectsBadLogLevel(t *testing.T) {
	_, err := Open(context.Background(), Options{Workspace: t.TempDir(), LogLevel: "loud"})
	assert.Error(t, err)
}
