package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/forge/internal/api"
	"github.com/joescharf/forge/internal/daemon"
	"github.com/joescharf/forge/internal/filesync"
	"github.com/joescharf/forge/internal/output"
)

const (
	shutdownTimeout = 10 * time.Second
	stopGrace       = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the IDE backend API in the foreground",
	Long: `Start the HTTP API for the current project: runtime, files, sync,
conflicts, agent runs, the dev server terminal socket and /metrics.

The sandbox directory is watched so changes made by build tools or a shell
are pulled into the sync engine. By default it listens on port 8080.
Use 'forge serve start' to run it in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun()
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the API server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background API server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.PersistentFlags().IntP("port", "p", 8080, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.PersistentFlags().Lookup("port"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "forge-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "forge-serve.log")
}

func serveRun() error {
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	logger := newLogger(os.Stderr)
	a, err := newApp(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.close(closeCtx)
	}()
	a.pruneHistory(ctx)

	if viper.GetBool("sync.watch") {
		w, err := filesync.NewWatcher(a.sync, a.rt.Root(), filesync.WatcherOptions{
			Debounce: viper.GetDuration("sync.debounce"),
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			_ = w.Stop()
			return fmt.Errorf("start watcher: %w", err)
		}
		defer w.Stop()
	}

	srv := api.NewServer(api.Deps{
		Runtime:    a.rt,
		Sync:       a.sync,
		Workspace:  a.ws,
		Runner:     a.runner,
		Store:      a.store,
		Generation: a.gen,
		Logger:     logger,
	})
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", viper.GetInt("port")),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ui.Info("Serving %s at http://localhost%s", output.Cyan(a.rt.Root()), httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		srv.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	ui.Info("Server stopped")
	return nil
}

func serveStartRun() error {
	pf := pidFile()
	if pid, ok := pf.IsRunning(); ok {
		return fmt.Errorf("server already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	args := []string{"serve", "--port", strconv.Itoa(viper.GetInt("port"))}
	if cfg := viper.ConfigFileUsed(); cfg != "" {
		args = append(args, "--config", cfg)
	}

	if dryRun {
		ui.DryRunMsg("Would start %s %v", exe, args)
		return nil
	}

	if err := os.MkdirAll(viper.GetString("state_dir"), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	detach(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	if err := pf.Acquire(child.Process.Pid); err != nil {
		_ = child.Process.Kill()
		return err
	}
	_ = child.Process.Release()

	ui.Success("Server started (PID %d) on port %d", child.Process.Pid, viper.GetInt("port"))
	ui.Info("Logs: %s", serveLogPath())
	return nil
}

func serveStopRun() error {
	term, kill := stopSignals()
	pid, err := pidFile().Stop(term, kill, stopGrace)
	if errors.Is(err, daemon.ErrNotRunning) {
		return errors.New("server not running")
	}
	if err != nil {
		return err
	}
	ui.Success("Server stopped (PID %d)", pid)
	return nil
}

func serveStatusRun() error {
	pid, ok := pidFile().IsRunning()
	if !ok {
		ui.Info("Server not running")
		return nil
	}
	ui.Success("Server running (PID %d)", pid)
	ui.Info("Logs: %s", serveLogPath())
	return nil
}
