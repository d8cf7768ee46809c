// Package cli implements the fieldsync device command line: operator access
// to cycles, the debt ledger and the sync outbox, plus the sync daemon.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/config"
	"github.com/mmynk/fieldsync/pkg/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "text" | "json" | "yaml"
	DBPath     string
	BackendURL string

	// Config is loaded from the environment before any command runs and
	// then overridden by the flags above.
	Config config.Device
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command of the device CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "fieldsync",
		Short:         "fieldsync - local-first field operations",
		Long:          "Record settlements and expenses on a field device and sync them with the backend.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.Verbose {
				logging.SetupWithLevel(slog.LevelDebug)
			}

			cfg, err := config.LoadDevice()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load configuration", err)
			}
			if opts.DBPath != "" {
				cfg.DBPath = opts.DBPath
			}
			if opts.BackendURL != "" {
				cfg.BackendURL = opts.BackendURL
			}
			opts.Config = cfg
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "device database path (overrides FIELDSYNC_DB_PATH)")
	cmd.PersistentFlags().StringVar(&opts.BackendURL, "backend", "", "backend base URL (overrides FIELDSYNC_BACKEND_URL)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewRegisterCommand(opts))
	cmd.AddCommand(NewOutboxCommand(opts))
	cmd.AddCommand(NewCycleCommand(opts))
	cmd.AddCommand(NewClientCommand(opts))
	cmd.AddCommand(NewSettleCommand(opts))
	cmd.AddCommand(NewExpenseCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// action is a command body run against an open device. Its result is
// written with the command's formatter.
type action func(ctx context.Context, a *app, args []string) (any, error)

// run wraps fn into a cobra RunE that opens the device store, runs fn and
// renders the result or the error.
func (o *RootOptions) run(fn action) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		out := o.formatter(cmd)

		a, err := openApp(o.Config, slog.Default())
		if err != nil {
			_ = out.Error(err)
			return &ExitError{Code: ExitCommandError, Message: "failed to open device", Err: err, reported: true}
		}
		defer a.Close()

		result, err := fn(cmd.Context(), a, args)
		if err != nil {
			_ = out.Error(err)
			code := exitCodeFor(err)
			var exitErr *ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.Code
			}
			return &ExitError{Code: code, Message: "command failed", Err: err, reported: true}
		}
		if result == nil {
			return nil
		}
		return out.Success(result)
	}
}

// Execute runs the root command and returns the process exit code. Errors
// raised before a command body runs, such as unknown flags, are printed here.
func Execute(ctx context.Context) int {
	cmd := NewRootCommand()
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		return ExitCommandError
	}
	if !exitErr.reported {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
	}
	return exitErr.Code
}

// exitCodeFor maps rejected domain writes to ExitFailure and everything else
// to ExitCommandError.
func exitCodeFor(err error) int {
	switch apperr.CodeOf(err) {
	case apperr.CodeValidation, apperr.CodeNotFound, apperr.CodeConflict,
		apperr.CodeInvalidTransition, apperr.CodeImmutableCycle, apperr.CodeReconciliation:
		return ExitFailure
	}
	return ExitCommandError
}
