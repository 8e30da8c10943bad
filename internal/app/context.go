package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"siteline/internal/catalog"
	"siteline/internal/config"
	"siteline/internal/db"
	"siteline/internal/engine"
	"siteline/internal/migrate"
	"siteline/internal/repo"
)

// Context is everything a command or server needs after bootstrap: the open
// workspace database and an engine wired with catalog and config.
type Context struct {
	DB     *sql.DB
	Repo   repo.Repo
	Engine *engine.Engine
}

func (c *Context) Close() error {
	return c.DB.Close()
}

// Open prepares the workspace: open the database, apply migrations, load the
// stored catalog (seeding the default on first use) and the workspace
// config. configPath may be empty; the workspace default location is tried.
func Open(ctx context.Context, workspace, configPath string) (*Context, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}

	cat, err := loadCatalog(ctx, r)
	if err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := loadConfig(ctx, workspace, configPath, cat)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Context{
		DB:     conn,
		Repo:   r,
		Engine: engine.New(conn, cat, cfg),
	}, nil
}

func loadCatalog(ctx context.Context, r repo.Repo) (*catalog.Catalog, error) {
	cat := catalog.Default()
	raw, err := r.GetCatalogYAML(ctx, cat.Kind)
	if errors.Is(err, repo.ErrNotFound) {
		if err := r.UpsertCatalog(ctx, cat.Kind, catalog.DefaultYAML()); err != nil {
			return nil, fmt.Errorf("seed catalog: %w", err)
		}
		return cat, nil
	}
	if err != nil {
		return nil, err
	}
	cat, err = catalog.FromYAML([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("stored catalog: %w", err)
	}
	return cat, nil
}

func loadConfig(ctx context.Context, workspace, configPath string, cat *catalog.Catalog) (*config.Config, error) {
	if configPath != "" {
		return config.FromFile(configPath)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("")
	}
	if cfg.Workflow.Kind == "" {
		cfg.Workflow.Kind = cat.Kind
	}
	return cfg, nil
}

// ResolveProject picks the project a command targets: the explicit override
// wins, then the config, then a single-project workspace.
func ResolveProject(ctx context.Context, r repo.Repo, override string, cfg *config.Config) (string, error) {
	if override != "" {
		return override, nil
	}
	if cfg != nil && cfg.Project.ID != "" {
		return cfg.Project.ID, nil
	}
	if p, err := r.SingleProject(ctx); err == nil {
		return p.ID, nil
	}
	return "", errors.New("project not specified; use --project")
}
