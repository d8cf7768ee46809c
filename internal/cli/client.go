package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/clients"
	"github.com/mmynk/fieldsync/internal/ledger"
)

// NewClientCommand creates the client roster and debt commands.
func NewClientCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage route clients and their debt",
	}

	cmd.AddCommand(newClientAddCommand(opts))
	cmd.AddCommand(newClientListCommand(opts))
	cmd.AddCommand(newClientDebtCommand(opts))
	cmd.AddCommand(newClientActiveCommand(opts, "activate", true))
	cmd.AddCommand(newClientActiveCommand(opts, "deactivate", false))
	cmd.AddCommand(newClientVerifyCommand(opts))
	return cmd
}

func newClientAddCommand(opts *RootOptions) *cobra.Command {
	var in clients.Input

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a client to a route",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, a *app, _ []string) (any, error) {
			c, err := a.clients.Create(ctx, in)
			if err != nil {
				return nil, err
			}
			return newClientView(c), nil
		}),
	}

	cmd.Flags().StringVar(&in.ID, "id", "", "client id (generated when empty)")
	cmd.Flags().StringVar(&in.RouteID, "route", "", "route id")
	cmd.Flags().StringVar(&in.Name, "name", "", "client name")
	cmd.Flags().StringVar(&in.Document, "document", "", "tax document")
	cmd.Flags().StringVar(&in.Phone, "phone", "", "phone number")
	_ = cmd.MarkFlagRequired("route")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newClientListCommand(opts *RootOptions) *cobra.Command {
	var routeID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the clients of a route with their cached debt",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, a *app, _ []string) (any, error) {
			roster, err := a.clients.ListByRoute(ctx, routeID)
			if err != nil {
				return nil, err
			}
			list := make(clientList, 0, len(roster))
			for _, c := range roster {
				list = append(list, newClientView(c))
			}
			return list, nil
		}),
	}

	cmd.Flags().StringVar(&routeID, "route", "", "route id")
	_ = cmd.MarkFlagRequired("route")
	return cmd
}

func newClientDebtCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "debt <client-id>",
		Short: "Show a client's debt and settlement history",
		Args:  cobra.ExactArgs(1),
		RunE: opts.run(func(ctx context.Context, a *app, args []string) (any, error) {
			c, err := a.clients.Get(ctx, args[0])
			if err != nil {
				return nil, err
			}
			debt, err := a.ledger.CurrentDebt(ctx, c.ID)
			if err != nil {
				return nil, err
			}
			history, err := a.ledger.History(ctx, c.ID)
			if err != nil {
				return nil, err
			}
			v := debtView{
				Client:  newClientView(c),
				Debt:    money(debt),
				History: make([]settlementView, 0, len(history)),
			}
			for _, s := range history {
				v.History = append(v.History, newSettlementView(s))
			}
			return v, nil
		}),
	}
}

func newClientActiveCommand(opts *RootOptions, use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <client-id>",
		Short: fmt.Sprintf("Mark a client %sd", use),
		Args:  cobra.ExactArgs(1),
		RunE: opts.run(func(ctx context.Context, a *app, args []string) (any, error) {
			c, err := a.clients.SetActive(ctx, args[0], active)
			if err != nil {
				return nil, err
			}
			return newClientView(c), nil
		}),
	}
}

func newClientVerifyCommand(opts *RootOptions) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Compare cached debts with their settlement history",
		Long: `Recompute every client's debt from its settlement history and report
clients whose cached debt differs. With --refresh the caches are rewritten.`,
		Args: cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, a *app, _ []string) (any, error) {
			drift, err := a.ledger.Verify(ctx)
			if err != nil {
				return nil, err
			}
			if refresh {
				for _, d := range drift {
					if _, err := a.ledger.RefreshCachedDebt(ctx, d.ClientID); err != nil {
						return nil, err
					}
				}
			}
			return newVerifyView(drift, refresh && len(drift) > 0), nil
		}),
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "rewrite drifted caches from history")
	return cmd
}

// NewSettleCommand creates the settlement commands.
func NewSettleCommand(opts *RootOptions) *cobra.Command {
	var (
		in                        ledger.SettlementInput
		gross, discount, received string
		at                        string
		payments                  map[string]string
	)

	cmd := &cobra.Command{
		Use:   "settle <client-id>",
		Short: "Record a settlement for a client",
		Long: `Record a settlement in a cycle. The new debt is the previous debt plus
gross minus discount minus received.`,
		Args: cobra.ExactArgs(1),
		RunE: opts.run(func(ctx context.Context, a *app, args []string) (any, error) {
			in.ClientID = args[0]

			var err error
			if in.Gross, err = parseMoney("gross", gross); err != nil {
				return nil, err
			}
			if in.Discount, err = parseMoney("discount", discount); err != nil {
				return nil, err
			}
			if in.Received, err = parseMoney("received", received); err != nil {
				return nil, err
			}
			if len(payments) > 0 {
				in.PaymentBreakdown = make(map[string]decimal.Decimal, len(payments))
				for method, amount := range payments {
					if in.PaymentBreakdown[method], err = parseMoney("payment "+method, amount); err != nil {
						return nil, err
					}
				}
			}
			if at != "" {
				if in.Timestamp, err = time.Parse(time.RFC3339, at); err != nil {
					return nil, apperr.Validation("invalid timestamp %q", at)
				}
			}

			s, err := a.ledger.RecordSettlement(ctx, in)
			if err != nil {
				return nil, err
			}
			return newSettlementView(s), nil
		}),
	}

	cmd.Flags().StringVar(&in.CycleID, "cycle", "", "cycle id")
	cmd.Flags().StringVar(&gross, "gross", "0", "gross amount of the visit")
	cmd.Flags().StringVar(&discount, "discount", "0", "discount granted")
	cmd.Flags().StringVar(&received, "received", "0", "amount received")
	cmd.Flags().StringToStringVar(&payments, "payment", nil, "received amount per method, e.g. cash=30,pix=20")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "free text")
	cmd.Flags().StringVar(&at, "at", "", "settlement time (RFC 3339, defaults to now)")
	_ = cmd.MarkFlagRequired("cycle")

	cmd.AddCommand(newSettleUndoCommand(opts))
	return cmd
}

func newSettleUndoCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "undo <settlement-id>",
		Short: "Delete a client's most recent settlement",
		Args:  cobra.ExactArgs(1),
		RunE: opts.run(func(ctx context.Context, a *app, args []string) (any, error) {
			if err := a.ledger.DeleteLatestSettlement(ctx, args[0]); err != nil {
				return nil, err
			}
			return messageView{Message: "Settlement " + args[0] + " deleted"}, nil
		}),
	}
}

func parseMoney(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, apperr.Validation("invalid %s amount %q", field, s)
	}
	return d, nil
}
