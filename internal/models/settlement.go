package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Settlement is one reconciliation between a route and a client, capturing
// the revenue collected and the resulting debt balance.
type Settlement struct {
	// ID is the unique identifier for the settlement (UUID format).
	ID string

	ClientID string
	CycleID  string
	RouteID  string

	// Timestamp is when the settlement happened in the field.
	Timestamp time.Time

	// PreviousDebt is the client's CurrentDebt before this settlement.
	PreviousDebt decimal.Decimal

	GrossAmount    decimal.Decimal
	Discount       decimal.Decimal
	AmountReceived decimal.Decimal

	// CurrentDebt = PreviousDebt + GrossAmount - Discount - AmountReceived.
	// It is the authoritative balance snapshot at Timestamp.
	CurrentDebt decimal.Decimal

	// PaymentBreakdown splits AmountReceived by method (cash, pix, card...).
	PaymentBreakdown map[string]decimal.Decimal

	Notes     string
	CreatedAt time.Time
}

// Expense is a route cost. It may belong to a cycle, and is also tagged with
// (Year, CycleNumber) so costs can be aggregated across routes.
type Expense struct {
	ID string

	// CycleID is empty for expenses not attached to a cycle.
	CycleID string

	RouteID     string
	Amount      decimal.Decimal
	Category    string
	Type        string
	Description string
	Timestamp   time.Time

	Year        int
	CycleNumber int

	// PhotoRef is the object storage URL of the receipt, if any.
	PhotoRef string

	CreatedAt time.Time
	UpdatedAt time.Time
}
