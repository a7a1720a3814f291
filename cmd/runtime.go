package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joescharf/forge/internal/output"
	"github.com/joescharf/forge/internal/runtime"
	"github.com/joescharf/forge/internal/templates"
)

var runtimeCmd = &cobra.Command{
	Use:   "runtime",
	Short: "Run commands in the project sandbox",
	Long:  "Install dependencies, run the dev server or execute a command in the sandbox runtime.",
}

var runtimeInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install project dependencies",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runtimeInstallRun()
	},
}

var runtimeDevCmd = &cobra.Command{
	Use:   "dev",
	Short: "Run the dev server until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runtimeDevRun()
	},
}

var runtimeExecCmd = &cobra.Command{
	Use:   "exec -- <command> [args...]",
	Short: "Run a command in the sandbox and stream its output",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runtimeExecRun(args)
	},
}

var runtimeForce bool

var runtimeInitCmd = &cobra.Command{
	Use:   "init [template]",
	Short: "Mount a starter project into the sandbox",
	Long: `Mount one of the built-in starter projects into the sandbox.

The sandbox must be empty unless --force is given, in which case template
files replace existing files of the same name. Without an argument the
nextjs-app template is used. See 'forge runtime templates'.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := templates.Default
		if len(args) == 1 {
			id = args[0]
		}
		return runtimeInitRun(id)
	},
}

var runtimeTemplatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List the built-in starter projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runtimeTemplatesRun()
	},
}

func init() {
	runtimeInitCmd.Flags().BoolVar(&runtimeForce, "force", false, "Mount into a non-empty sandbox")
	runtimeCmd.AddCommand(runtimeInitCmd)
	runtimeCmd.AddCommand(runtimeTemplatesCmd)
	runtimeCmd.AddCommand(runtimeInstallCmd)
	runtimeCmd.AddCommand(runtimeDevCmd)
	runtimeCmd.AddCommand(runtimeExecCmd)
	rootCmd.AddCommand(runtimeCmd)
}

// withRuntime boots the project runtime, runs fn and tears the runtime down.
func withRuntime(fn func(ctx context.Context, rt *runtime.Runtime) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	root, err := projectRoot()
	if err != nil {
		return err
	}
	rt, err := bootRuntime(ctx, root, newLogger(os.Stderr))
	if err != nil {
		return err
	}
	defer func() { _ = rt.Teardown() }()
	return fn(ctx, rt)
}

func printLine(line string) {
	fmt.Fprintln(ui.Out, line)
}

func runtimeTemplatesRun() error {
	table := ui.Table([]string{"ID", "Name", "Description"})
	for _, t := range templates.List() {
		id := t.ID
		if id == templates.Default {
			id += " (default)"
		}
		table.Append([]string{id, t.Name, t.Description})
	}
	return table.Render()
}

func runtimeInitRun(id string) error {
	files, err := templates.Files(id)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would mount template %s (%d files)", id, len(files))
		return nil
	}
	return withRuntime(func(ctx context.Context, rt *runtime.Runtime) error {
		empty, err := rt.Empty(ctx)
		if err != nil {
			return err
		}
		if !empty && !runtimeForce {
			return fmt.Errorf("sandbox %s is not empty (use --force to mount anyway)", rt.Root())
		}
		if err := rt.Mount(ctx, files); err != nil {
			return fmt.Errorf("mount template: %w", err)
		}
		ui.Success("Mounted %s into %s (%d files)", output.Cyan(id), rt.Root(), len(files))
		ui.Info("Next: forge runtime install && forge runtime dev")
		return nil
	})
}

func runtimeInstallRun() error {
	if dryRun {
		ui.DryRunMsg("Would install dependencies")
		return nil
	}
	return withRuntime(func(ctx context.Context, rt *runtime.Runtime) error {
		ui.Info("Installing dependencies in %s", output.Cyan(rt.Root()))
		res, err := rt.InstallDependencies(ctx, printLine)
		if err != nil {
			return fmt.Errorf("install: %w", err)
		}
		if !res.Success {
			return fmt.Errorf("install failed with exit code %d", res.ExitCode)
		}
		ui.Success("Dependencies installed")
		return nil
	})
}

func runtimeDevRun() error {
	if dryRun {
		ui.DryRunMsg("Would start the dev server")
		return nil
	}
	return withRuntime(func(ctx context.Context, rt *runtime.Runtime) error {
		cancel := rt.Subscribe(func(ev runtime.Event) {
			if ev.Kind == runtime.EventServerReady {
				ui.Success("Server ready on port %d: %s", ev.Port, output.Cyan(ev.URL))
			}
		})
		defer cancel()

		dev, err := rt.StartDevServer(ctx, printLine)
		if err != nil {
			return fmt.Errorf("start dev server: %w", err)
		}
		select {
		case <-dev.Done():
			return errors.New("dev server exited")
		case <-ctx.Done():
			ui.Info("Stopping dev server")
			return dev.Kill()
		}
	})
}

func runtimeExecRun(args []string) error {
	if dryRun {
		ui.DryRunMsg("Would run %v", args)
		return nil
	}
	return withRuntime(func(ctx context.Context, rt *runtime.Runtime) error {
		code, err := rt.Exec(ctx, args[0], args[1:], printLine)
		if err != nil {
			return err
		}
		if code != 0 {
			return fmt.Errorf("%s exited with code %d", args[0], code)
		}
		return nil
	})
}
