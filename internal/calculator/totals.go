package calculator

import (
	"github.com/shopspring/decimal"

	"github.com/mmynk/fieldsync/internal/models"
)

// CycleTotals computes the aggregate frozen into a cycle when it is finalized.
//
// Algorithm:
//   - TotalClients: active clients on the route roster
//   - SettledClients: distinct clients with at least one settlement in the cycle
//   - TotalSettled: sum of AmountReceived over the cycle's settlements
//   - TotalExpenses: sum of the cycle's expenses
//   - NetProfit: TotalSettled - TotalExpenses
//   - TotalDebt: sum of the roster's balances at finalization
//
// balances maps a client id to the CurrentDebt of its latest settlement;
// clients without history owe nothing. Cached debts are not read.
func CycleTotals(roster []*models.Client, balances map[string]decimal.Decimal, settlements []*models.Settlement, expenses []*models.Expense) models.CycleTotals {
	totals := models.CycleTotals{
		TotalSettled:  decimal.Zero,
		TotalExpenses: decimal.Zero,
		TotalDebt:     decimal.Zero,
	}

	for _, c := range roster {
		if c.Active {
			totals.TotalClients++
		}
		if debt, ok := balances[c.ID]; ok {
			totals.TotalDebt = totals.TotalDebt.Add(debt)
		}
	}

	settled := make(map[string]struct{})
	for _, s := range settlements {
		settled[s.ClientID] = struct{}{}
		totals.TotalSettled = totals.TotalSettled.Add(s.AmountReceived)
	}
	totals.SettledClients = len(settled)

	for _, e := range expenses {
		totals.TotalExpenses = totals.TotalExpenses.Add(e.Amount)
	}

	totals.TotalSettled = totals.TotalSettled.Round(Places)
	totals.TotalExpenses = totals.TotalExpenses.Round(Places)
	totals.TotalDebt = totals.TotalDebt.Round(Places)
	totals.NetProfit = totals.TotalSettled.Sub(totals.TotalExpenses)
	return totals
}
