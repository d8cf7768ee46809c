package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mmynk/fieldsync/internal/calculator"
	"github.com/mmynk/fieldsync/internal/models"
)

// Drift reports a client whose cache or history is inconsistent.
type Drift struct {
	ClientID   string
	Cached     decimal.Decimal
	Recomputed decimal.Decimal

	// Breaks lists settlements whose stored balances do not follow from
	// their predecessor.
	Breaks []calculator.Break
}

// Verify replays every client's history and returns the clients whose cached
// balance differs from it or whose chain is broken.
func (l *Ledger) Verify(ctx context.Context) ([]Drift, error) {
	clients, err := l.store.ListClients(ctx)
	if err != nil {
		return nil, err
	}

	var drifts []Drift
	for _, c := range clients {
		history, err := l.store.ListSettlementsByClient(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		balance, breaks := calculator.Replay(entries(history))
		if balance.Equal(c.CachedDebt) && len(breaks) == 0 {
			continue
		}
		drifts = append(drifts, Drift{
			ClientID:   c.ID,
			Cached:     c.CachedDebt,
			Recomputed: balance,
			Breaks:     breaks,
		})
	}
	return drifts, nil
}

func entries(history []*models.Settlement) []calculator.Entry {
	out := make([]calculator.Entry, 0, len(history))
	for _, s := range history {
		out = append(out, calculator.Entry{
			ID:           s.ID,
			PreviousDebt: s.PreviousDebt,
			CurrentDebt:  s.CurrentDebt,
			Amounts: calculator.SettlementAmounts{
				Gross:    s.GrossAmount,
				Discount: s.Discount,
				Received: s.AmountReceived,
			},
		})
	}
	return out
}
