// Package app wires the workspace-level pieces (database, config, hub,
// producer) together for the CLI and tests.
package app

import (
	"database/sql"

	"podline/internal/config"
	"podline/internal/db"
	"podline/internal/hub"
	"podline/internal/migrate"
	"podline/internal/producer"
	"podline/internal/repo"
)

type App struct {
	DB       *sql.DB
	Repo     repo.Repo
	Hub      *hub.Hub
	Config   *config.Config
	Producer producer.Producer
}

// Open prepares the workspace: directory, database, migrations, config
// (defaults when no podline.yml exists), and the realtime plumbing.
func Open(workspace string) (*App, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	r := repo.Repo{DB: conn}
	h := hub.New()
	return &App{
		DB:       conn,
		Repo:     r,
		Hub:      h,
		Config:   cfg,
		Producer: producer.Producer{Repo: r, Hub: h},
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
