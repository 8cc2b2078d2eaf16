// Package app wires a workspace into a ready handle: open store, run
// migrations, load workflow packs, construct the engines.
package app

import (
	"context"
	"database/sql"

	"filigree/internal/config"
	"filigree/internal/db"
	"filigree/internal/engine"
	"filigree/internal/graph"
	"filigree/internal/migrate"
	"filigree/internal/workflow"
)

// App is the assembled handle every front-end works through.
type App struct {
	DB       *sql.DB
	Config   *config.Config
	Workflow *workflow.Registry
	Engine   *engine.Engine
	Graph    *graph.Engine

	workspace string
}

// Open assembles a workspace: configuration, store with migrations applied,
// workflow registry, and both engines sharing the connection.
func Open(ctx context.Context, workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Run(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	reg, err := workflow.Load(workspace, cfg.Workflows.Packs)
	if err != nil {
		conn.Close()
		return nil, err
	}

	eng := engine.New(conn, reg)
	eng.IDPrefix = cfg.Project.Prefix
	eng.ScanCooldown = cfg.ScanCooldown()

	return &App{
		DB:        conn,
		Config:    cfg,
		Workflow:  reg,
		Engine:    eng,
		Graph:     graph.New(conn, reg),
		workspace: workspace,
	}, nil
}

// ReloadWorkflows rebuilds the registry from the pack sources and swaps it
// into both engines.
func (a *App) ReloadWorkflows() error {
	reg, err := workflow.Load(a.workspace, a.Config.Workflows.Packs)
	if err != nil {
		return err
	}
	a.Workflow = reg
	a.Engine.SetWorkflow(reg)
	a.Graph.Workflow = reg
	return nil
}

// Close releases the store connection.
func (a *App) Close() error {
	return a.DB.Close()
}
