package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mmynk/fieldsync/internal/models"
)

// NewCycleCommand creates the settlement cycle commands.
func NewCycleCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Manage settlement cycles",
	}

	cmd.AddCommand(newCycleCreateCommand(opts))
	cmd.AddCommand(newCycleTransitionCommand(opts, "start", "Open a PLANNED cycle", startCycle))
	cmd.AddCommand(newCycleTransitionCommand(opts, "finalize", "Close an IN_PROGRESS cycle and freeze its totals", finalizeCycle))
	cmd.AddCommand(newCycleActiveCommand(opts))
	cmd.AddCommand(newCycleListCommand(opts))
	return cmd
}

func newCycleCreateCommand(opts *RootOptions) *cobra.Command {
	var (
		routeID string
		year    int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Plan the next cycle of a route",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, a *app, _ []string) (any, error) {
			if year == 0 {
				year = a.clock.Now().Year()
			}
			c, err := a.cycles.Create(ctx, routeID, year, a.cfg.DeviceID)
			if err != nil {
				return nil, err
			}
			return newCycleView(c), nil
		}),
	}

	cmd.Flags().StringVar(&routeID, "route", "", "route id")
	cmd.Flags().IntVar(&year, "year", 0, "cycle year (defaults to the current year)")
	_ = cmd.MarkFlagRequired("route")
	return cmd
}

type transition func(ctx context.Context, a *app, cycleID string) (*models.SettlementCycle, error)

func startCycle(ctx context.Context, a *app, cycleID string) (*models.SettlementCycle, error) {
	return a.cycles.Start(ctx, cycleID)
}

func finalizeCycle(ctx context.Context, a *app, cycleID string) (*models.SettlementCycle, error) {
	return a.cycles.Finalize(ctx, cycleID)
}

func newCycleTransitionCommand(opts *RootOptions, use, short string, fn transition) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <cycle-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: opts.run(func(ctx context.Context, a *app, args []string) (any, error) {
			c, err := fn(ctx, a, args[0])
			if err != nil {
				return nil, err
			}
			return newCycleView(c), nil
		}),
	}
}

func newCycleActiveCommand(opts *RootOptions) *cobra.Command {
	var routeID string

	cmd := &cobra.Command{
		Use:   "active",
		Short: "Show the IN_PROGRESS cycle of a route",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, a *app, _ []string) (any, error) {
			c, err := a.cycles.QueryActive(ctx, routeID)
			if err != nil {
				return nil, err
			}
			return newCycleView(c), nil
		}),
	}

	cmd.Flags().StringVar(&routeID, "route", "", "route id")
	_ = cmd.MarkFlagRequired("route")
	return cmd
}

func newCycleListCommand(opts *RootOptions) *cobra.Command {
	var routeID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the cycles of a route",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, a *app, _ []string) (any, error) {
			cycles, err := a.cycles.ListByRoute(ctx, routeID)
			if err != nil {
				return nil, err
			}
			list := make(cycleList, 0, len(cycles))
			for _, c := range cycles {
				list = append(list, newCycleView(c))
			}
			return list, nil
		}),
	}

	cmd.Flags().StringVar(&routeID, "route", "", "route id")
	_ = cmd.MarkFlagRequired("route")
	return cmd
}
