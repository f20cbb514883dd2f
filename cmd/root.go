// Package cmd defines and implements the CLI commands for the jobwatch executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/jobwatch/internal/api"
	"github.com/JakeFAU/jobwatch/internal/config"
	"github.com/JakeFAU/jobwatch/internal/progress"
	"github.com/JakeFAU/jobwatch/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// annotationProgressLines marks commands that print a line per snapshot change.
const annotationProgressLines = "jobwatch/progress-lines"

// App defines the application interface that commands use. Tests inject a
// fake through newApp.
type App interface {
	StartJob(ctx context.Context, req api.StartRequest) (api.StartResponse, error)
	Status(ctx context.Context, jobID string) (progress.StatusResponse, error)
	Watch(ctx context.Context, jobID string) (progress.Snapshot, error)
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg *config.Config, out io.Writer) (App, error) {
	return server.Build(ctx, cfg, server.Options{Out: out})
}

// ExitError carries a process exit code through cobra.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile, logLevel string
	cmd := &cobra.Command{
		Use:   "jobwatch",
		Short: "Follow document analysis jobs from the command line.",
		Long: `jobwatch starts analysis jobs and follows their progress. It listens on
the job's WebSocket channel and falls back to polling the status endpoint
when the channel is unavailable.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the application once flags are parsed and stores it in the
		// command context for the subcommand.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if listen, err := cmd.Flags().GetString("listen"); err == nil && listen != "" {
				cfg.Server.Listen = listen
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			var out io.Writer
			if wantsProgressLines(cmd) {
				out = cmd.OutOrStdout()
			}
			appInstance, err := newApp(cmd.Context(), &cfg, out)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return closeApp(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); JOBWATCH_* env vars override it")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "stderr log level: debug, info, warn or error (overrides logging.level)")

	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

func wantsProgressLines(cmd *cobra.Command) bool {
	if watch, err := cmd.Flags().GetBool("watch"); err == nil && watch {
		return true
	}
	return cmd.Annotations[annotationProgressLines] == "true"
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// closeApp is also called by subcommands that fail, since cobra skips
// post-run hooks after a RunE error.
func closeApp(cmd *cobra.Command) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return nil
	}
	cmd.SetContext(context.WithValue(cmd.Context(), appKey, App(nil)))
	if err := appInstance.Close(context.WithoutCancel(cmd.Context())); err != nil {
		return fmt.Errorf("close application: %w", err)
	}
	return nil
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintln(stderr, "jobwatch:", exitErr.Err)
		}
		return exitErr.Code
	}
	fmt.Fprintln(stderr, "jobwatch:", err)
	return 1
}
