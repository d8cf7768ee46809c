// Package calculator holds the pure money arithmetic of the ledger: the debt
// recurrence and the totals frozen into a finalized cycle.
package calculator

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits every amount is rounded to.
const Places = 2

// SettlementAmounts represents the inputs of one settlement.
type SettlementAmounts struct {
	Gross    decimal.Decimal
	Discount decimal.Decimal
	Received decimal.Decimal
}

// Validate rejects negative amounts.
func (a SettlementAmounts) Validate() error {
	if a.Gross.IsNegative() {
		return fmt.Errorf("gross amount cannot be negative")
	}
	if a.Discount.IsNegative() {
		return fmt.Errorf("discount cannot be negative")
	}
	if a.Received.IsNegative() {
		return fmt.Errorf("amount received cannot be negative")
	}
	return nil
}

// NextDebt computes a client's balance after one settlement.
//
// Algorithm: current = previous + gross - discount - received, rounded
// half away from zero to two places. The result may be negative (credit).
func NextDebt(previous decimal.Decimal, a SettlementAmounts) decimal.Decimal {
	return previous.Add(a.Gross).Sub(a.Discount).Sub(a.Received).Round(Places)
}

// Entry is one settlement as seen by Replay.
type Entry struct {
	ID           string
	PreviousDebt decimal.Decimal
	CurrentDebt  decimal.Decimal
	Amounts      SettlementAmounts
}

// Break describes a settlement whose stored balances disagree with the
// recurrence applied to its predecessor.
type Break struct {
	ID       string
	Expected decimal.Decimal
	Stored   decimal.Decimal
}

// Replay walks a client's history in ledger order and returns the balance
// after the last entry together with every place the chain breaks.
//
// The stored CurrentDebt of the last entry is the ground truth, so the
// returned balance is that value, not the recomputed one.
func Replay(history []Entry) (decimal.Decimal, []Break) {
	var breaks []Break
	balance := decimal.Zero
	for i, e := range history {
		if i > 0 && !e.PreviousDebt.Equal(balance) {
			breaks = append(breaks, Break{ID: e.ID, Expected: balance, Stored: e.PreviousDebt})
		}
		expected := NextDebt(e.PreviousDebt, e.Amounts)
		if !expected.Equal(e.CurrentDebt) {
			breaks = append(breaks, Break{ID: e.ID, Expected: expected, Stored: e.CurrentDebt})
		}
		balance = e.CurrentDebt
	}
	return balance, breaks
}

// SumBreakdown adds up a payment breakdown.
func SumBreakdown(breakdown map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, amount := range breakdown {
		total = total.Add(amount)
	}
	return total.Round(Places)
}
