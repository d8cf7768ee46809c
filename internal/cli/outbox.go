package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmynk/fieldsync/internal/models"
)

// NewOutboxCommand creates the outbox inspection and repair commands.
func NewOutboxCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair the sync outbox",
	}

	cmd.AddCommand(newOutboxListCommand(opts))
	cmd.AddCommand(newOutboxRequeueCommand(opts))
	cmd.AddCommand(newOutboxGCCommand(opts))
	cmd.AddCommand(newOutboxSweepCommand(opts))
	return cmd
}

func parseStatus(s string) (models.OperationStatus, error) {
	status := models.OperationStatus(strings.ToUpper(s))
	switch status {
	case models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed:
		return status, nil
	}
	return "", NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q", s))
}

func newOutboxListCommand(opts *RootOptions) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operations by status",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, a *app, _ []string) (any, error) {
			st, err := parseStatus(status)
			if err != nil {
				return nil, err
			}
			ops, err := a.outbox.List(ctx, st, limit)
			if err != nil {
				return nil, err
			}
			list := make(operationList, 0, len(ops))
			for _, op := range ops {
				list = append(list, newOperationView(op))
			}
			return list, nil
		}),
	}

	cmd.Flags().StringVar(&status, "status", string(models.StatusPending), "PENDING, PROCESSING, COMPLETED or FAILED")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum operations to list (0 for all)")
	return cmd
}

func newOutboxRequeueCommand(opts *RootOptions) *cobra.Command {
	var (
		all   bool
		limit int
	)

	cmd := &cobra.Command{
		Use:   "requeue [operation-id]",
		Short: "Move FAILED operations back to PENDING",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: opts.run(func(ctx context.Context, a *app, args []string) (any, error) {
			if all {
				n, err := a.outbox.RequeueFailed(ctx, limit)
				if err != nil {
					return nil, err
				}
				return countView{Action: "requeued", Count: int64(n)}, nil
			}
			if err := a.outbox.Requeue(ctx, args[0]); err != nil {
				return nil, err
			}
			return countView{Action: "requeued", Count: 1}, nil
		}),
	}

	cmd.Flags().BoolVar(&all, "all", false, "requeue every FAILED operation")
	cmd.Flags().IntVar(&limit, "limit", 0, "with --all, maximum operations to requeue (0 for all)")
	return cmd
}

func newOutboxGCCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Purge COMPLETED operations older than the retention window",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, a *app, _ []string) (any, error) {
			n, err := a.outbox.Collect(ctx)
			if err != nil {
				return nil, err
			}
			return countView{Action: "purged", Count: n}, nil
		}),
	}
}

type sweepView map[string]int

func (v sweepView) String() string {
	var total int
	for _, n := range v {
		total += n
	}
	return fmt.Sprintf("re-enqueued: %d", total)
}

func newOutboxSweepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Re-enqueue recent writes that have no outbox operation",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, a *app, _ []string) (any, error) {
			counts, err := a.outbox.Sweep(ctx)
			if err != nil {
				return nil, err
			}
			return sweepView(counts), nil
		}),
	}
}
