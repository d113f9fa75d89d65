package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"stegops/internal/config"
	"stegops/internal/db"
	"stegops/internal/engine"
	"stegops/internal/migrate"
	"stegops/internal/repo"
)

// Workspace bundles what a command needs to operate on one repository
// checkout: its config, the optional journal and a ready engine.
type Workspace struct {
	Root   string
	Config *config.Config
	// DB is nil when the journal is disabled.
	DB     *sql.DB
	Engine engine.Engine
	Log    zerolog.Logger
}

// Open loads stegops.yml from root (defaults when absent), opens and migrates
// the journal when enabled and wires an engine around both.
func Open(ctx context.Context, root string, log zerolog.Logger) (*Workspace, error) {
	cfg, err := config.LoadOptional(root)
	if err != nil {
		return nil, err
	}
	return OpenWithConfig(ctx, root, cfg, log)
}

// OpenWithConfig is Open with an already loaded config.
func OpenWithConfig(ctx context.Context, root string, cfg *config.Config, log zerolog.Logger) (*Workspace, error) {
	ws := &Workspace{Root: root, Config: cfg, Log: log}
	if cfg.Journal.Enabled {
		conn, err := db.Open(db.Config{Workspace: root, Dir: cfg.Journal.Dir})
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		version, err := migrate.Migrate(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate journal: %w", err)
		}
		log.Debug().Int("schema_version", version).Str("path", db.Path(db.Config{Workspace: root, Dir: cfg.Journal.Dir})).Msg("journal_ready")
		ws.DB = conn
	}
	ws.Engine = engine.New(root, cfg, ws.DB, log)
	return ws, nil
}

// RequireJournal returns a repo or an error when the journal is disabled.
func (w *Workspace) RequireJournal() (repo.Repo, error) {
	if w.DB == nil {
		return repo.Repo{}, fmt.Errorf("journal disabled; set journal.enabled in %s", config.FileName)
	}
	return repo.Repo{DB: w.DB}, nil
}

func (w *Workspace) Close() error {
	if w.DB == nil {
		return nil
	}
	return w.DB.Close()
}
