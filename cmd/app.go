package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/joescharf/forge/internal/agent"
	"github.com/joescharf/forge/internal/filesync"
	"github.com/joescharf/forge/internal/llm"
	"github.com/joescharf/forge/internal/runtime"
	"github.com/joescharf/forge/internal/store"
	"github.com/joescharf/forge/internal/templates"
	"github.com/joescharf/forge/internal/workspace"
)

// app holds the components shared by serve, mcp, agent and runtime commands.
type app struct {
	rt     *runtime.Runtime
	ws     *workspace.Workspace
	sync   *filesync.Engine
	runner *agent.Runner
	store  store.Store
	// gen is nil when no generation service is configured.
	gen    llm.Transport
	logger *slog.Logger
}

// projectRoot returns runtime.root, defaulting to the working directory.
func projectRoot() (string, error) {
	if root := viper.GetString("runtime.root"); root != "" {
		return root, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return cwd, nil
}

// bootRuntime boots a runtime on root with the configured commands. An
// empty root is seeded with runtime.template when one is set.
func bootRuntime(ctx context.Context, root string, logger *slog.Logger) (*runtime.Runtime, error) {
	var files map[string]string
	if id := viper.GetString("runtime.template"); id != "" {
		var err error
		if files, err = templates.Files(id); err != nil {
			return nil, err
		}
	}
	rt := runtime.New(runtime.Options{
		Root:           root,
		InstallCommand: strings.Fields(viper.GetString("runtime.install_command")),
		DevCommand:     strings.Fields(viper.GetString("runtime.dev_command")),
		Template:       files,
		Logger:         logger,
	})
	if err := rt.Boot(ctx); err != nil {
		return nil, fmt.Errorf("boot runtime: %w", err)
	}
	return rt, nil
}

// newApp boots the runtime on the project directory and wires the sync
// engine, the workspace and the agent runner on top of it. Runs left open by
// a previous process are closed as failed.
func newApp(ctx context.Context, logger *slog.Logger) (*app, error) {
	root, err := projectRoot()
	if err != nil {
		return nil, err
	}

	rt, err := bootRuntime(ctx, root, logger)
	if err != nil {
		return nil, err
	}

	ws := workspace.New(rt)
	if err := ws.Tree.Refresh(ctx); err != nil {
		logger.Warn("initial tree refresh failed", "error", err)
	}

	eng := filesync.New(rt, filesync.Options{
		Debounce: viper.GetDuration("sync.debounce"),
		AutoSave: viper.GetBool("sync.auto_save"),
		Buffers:  ws.Buffers,
		Tree:     ws.Tree,
		Logger:   logger,
	})

	s, err := getStore()
	if err != nil {
		eng.Close()
		_ = rt.Teardown()
		return nil, err
	}
	if open, err := s.ListAgentRuns(ctx, store.RunListFilter{Open: true}); err == nil {
		if n := agent.ReconcileRuns(ctx, s, open); n > 0 {
			logger.Info("closed interrupted agent runs", "count", n)
		}
	}

	gen := newTransport()
	clientTransport := gen
	if clientTransport == nil {
		clientTransport = unconfigured{}
	}
	runner := agent.NewRunner(llm.NewClient(clientTransport, logger), eng, agent.NewStore(logger), agent.Options{
		Reader:     rt,
		Project:    ws,
		History:    s,
		MaxRetries: viper.GetInt("agent.max_retries"),
		Logger:     logger,
	})

	return &app{
		rt:     rt,
		ws:     ws,
		sync:   eng,
		runner: runner,
		store:  s,
		gen:    gen,
		logger: logger,
	}, nil
}

// pruneHistory keeps the newest agent.history_keep runs.
func (a *app) pruneHistory(ctx context.Context) {
	keep := viper.GetInt("agent.history_keep")
	if keep <= 0 {
		return
	}
	n, err := a.store.PruneAgentRuns(ctx, keep)
	if err != nil {
		a.logger.Warn("prune agent history", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("pruned agent history", "removed", n)
	}
}

// close flushes pending changes and releases the runtime. The project
// directory itself is left in place.
func (a *app) close(ctx context.Context) {
	a.runner.Cancel()
	if err := a.sync.FlushPendingChanges(ctx); err != nil {
		a.logger.Warn("flush on shutdown", "error", err)
	}
	a.sync.Close()
	if err := a.rt.Teardown(); err != nil {
		a.logger.Warn("runtime teardown", "error", err)
	}
	if a.store != nil {
		_ = a.store.Close()
		dataStore = nil
	}
}
