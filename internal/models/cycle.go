package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CycleStatus is the lifecycle state of a settlement cycle.
type CycleStatus string

const (
	CyclePlanned    CycleStatus = "PLANNED"
	CycleInProgress CycleStatus = "IN_PROGRESS"
	CycleFinalized  CycleStatus = "FINALIZED"
)

// Valid reports whether s is a known status.
func (s CycleStatus) Valid() bool {
	switch s {
	case CyclePlanned, CycleInProgress, CycleFinalized:
		return true
	}
	return false
}

// SettlementCycle is a bounded operating period for a route during which
// settlements and expenses may be recorded.
type SettlementCycle struct {
	// ID is the unique identifier for the cycle (UUID format).
	ID string

	RouteID string
	Year    int

	// SequenceNumber starts at 1 for each (route, year) and never skips.
	SequenceNumber int

	Status CycleStatus

	// StartedAt is zero until the cycle is started.
	StartedAt time.Time

	// FinishedAt is nil until the cycle is finalized.
	FinishedAt *time.Time

	// FrozenTotals is captured once, when the cycle is finalized.
	FrozenTotals *CycleTotals

	Notes     string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Title returns the operator-facing name, e.g. "3/2025".
func (c *SettlementCycle) Title() string {
	return fmt.Sprintf("%d/%d", c.SequenceNumber, c.Year)
}

// CycleTotals is the aggregate frozen into a cycle when it is finalized.
type CycleTotals struct {
	TotalClients   int             `json:"totalClients"`
	SettledClients int             `json:"settledClients"`
	TotalSettled   decimal.Decimal `json:"totalSettled"`
	TotalExpenses  decimal.Decimal `json:"totalExpenses"`
	NetProfit      decimal.Decimal `json:"netProfit"`
	TotalDebt      decimal.Decimal `json:"totalDebt"`
}

// CompletionPercent is the share of route clients settled in the cycle.
func (t CycleTotals) CompletionPercent() int {
	if t.TotalClients == 0 {
		return 0
	}
	return t.SettledClients * 100 / t.TotalClients
}
