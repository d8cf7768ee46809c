package cli

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/expense"
	"github.com/mmynk/fieldsync/internal/models"
)

// NewExpenseCommand creates the expense commands.
func NewExpenseCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expense",
		Short: "Record route expenses",
	}

	cmd.AddCommand(newExpenseAddCommand(opts))
	cmd.AddCommand(newExpenseListCommand(opts))
	cmd.AddCommand(newExpenseDeleteCommand(opts))
	return cmd
}

// readPhoto loads a receipt image. The content type is sniffed from the
// data.
func readPhoto(path string) (*expense.Photo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read photo", err)
	}
	return &expense.Photo{
		Name:        filepath.Base(path),
		ContentType: http.DetectContentType(data),
		Data:        data,
	}, nil
}

func newExpenseAddCommand(opts *RootOptions) *cobra.Command {
	var (
		in        expense.Input
		amount    string
		photoPath string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record an expense",
		Long: `Record an expense under a cycle or, without --cycle, under a route and
period. With --photo the receipt is uploaded first; if the upload fails the
expense is recorded without it.`,
		Args: cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, a *app, _ []string) (any, error) {
			var err error
			if in.Amount, err = parseMoney("expense", amount); err != nil {
				return nil, err
			}
			if photoPath != "" {
				if in.Photo, err = readPhoto(photoPath); err != nil {
					return nil, err
				}
			}
			e, err := a.expenses.Create(ctx, in)
			if err != nil {
				return nil, err
			}
			return newExpenseView(e), nil
		}),
	}

	cmd.Flags().StringVar(&in.CycleID, "cycle", "", "cycle id")
	cmd.Flags().StringVar(&in.RouteID, "route", "", "route id, when not attached to a cycle")
	cmd.Flags().IntVar(&in.Year, "year", 0, "period year, when not attached to a cycle")
	cmd.Flags().IntVar(&in.CycleNumber, "number", 0, "period cycle number, when not attached to a cycle")
	cmd.Flags().StringVar(&amount, "amount", "", "amount spent")
	cmd.Flags().StringVar(&in.Category, "category", "", "category, e.g. fuel")
	cmd.Flags().StringVar(&in.Type, "type", "", "expense type")
	cmd.Flags().StringVar(&in.Description, "description", "", "free text")
	cmd.Flags().StringVar(&photoPath, "photo", "", "receipt image to upload")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newExpenseListCommand(opts *RootOptions) *cobra.Command {
	var (
		cycleID      string
		year, number int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List expenses of a cycle or a period",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, a *app, _ []string) (any, error) {
			var (
				list expenseList
				err  error
			)
			switch {
			case cycleID != "":
				list, err = listExpenses(a.expenses.ListByCycle(ctx, cycleID))
			case year != 0:
				list, err = listExpenses(a.expenses.ListByPeriod(ctx, year, number))
			default:
				err = apperr.Validation("--cycle or --year is required")
			}
			if err != nil {
				return nil, err
			}
			return list, nil
		}),
	}

	cmd.Flags().StringVar(&cycleID, "cycle", "", "cycle id")
	cmd.Flags().IntVar(&year, "year", 0, "period year")
	cmd.Flags().IntVar(&number, "number", 0, "period cycle number")
	return cmd
}

func listExpenses(expenses []*models.Expense, err error) (expenseList, error) {
	if err != nil {
		return nil, err
	}
	list := make(expenseList, 0, len(expenses))
	for _, e := range expenses {
		list = append(list, newExpenseView(e))
	}
	return list, nil
}

func newExpenseDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <expense-id>",
		Short: "Delete an expense of an open cycle",
		Args:  cobra.ExactArgs(1),
		RunE: opts.run(func(ctx context.Context, a *app, args []string) (any, error) {
			if err := a.expenses.Delete(ctx, args[0]); err != nil {
				return nil, err
			}
			return messageView{Message: "Expense " + args[0] + " deleted"}, nil
		}),
	}
}
