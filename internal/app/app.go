package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"breakline/internal/config"
	"breakline/internal/db"
	"breakline/internal/engine"
	"breakline/internal/logger"
	"breakline/internal/migrate"
)

// Options select the workspace and the secrets that override the file.
type Options struct {
	Workspace string
	JWTSecret string
	LogLevel  string
}

// Runtime is an opened workspace. Close releases the database and every
// subscription.
type Runtime struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

func (r *Runtime) Close() error {
	r.Engine.Close()
	return r.DB.Close()
}

// Open loads breakline.yml (or defaults), opens and migrates the workspace
// database and seeds the bootstrap manager.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if s := strings.TrimSpace(opts.JWTSecret); s != "" {
		cfg.Auth.JWTSecret = s
	}
	level := cfg.Log.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	if err := logger.Init(level); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	version, err := migrate.MigrateContext(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.FromContext(ctx).WithField("schema_version", version).Debug("workspace ready")
	eng := engine.New(conn, cfg)
	if acct, created, err := eng.EnsureBootstrapManager(ctx); err != nil {
		eng.Close()
		conn.Close()
		return nil, err
	} else if created {
		logger.FromContext(ctx).WithField("email", acct.Email).Info("bootstrap manager created")
	}
	return &Runtime{DB: conn, Config: cfg, Engine: eng}, nil
}

// InitWorkspace writes a default breakline.yml unless one exists and returns
// its path.
func InitWorkspace(workspace, jwtSecret string) (string, bool, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return "", false, err
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	} else if !os.IsNotExist(err) {
		return "", false, err
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault(jwtSecret)), 0o600); err != nil {
		return "", false, err
	}
	return path, true, nil
}
