package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Client represents a customer served on a route.
type Client struct {
	// ID is the unique identifier for the client (UUID format).
	ID string

	// RouteID is the route this client belongs to.
	RouteID string

	// Name is the display name. Together with RouteID it is the matching key
	// used when reconciling records created offline on different devices.
	Name string

	// Document is an optional tax or identity document number.
	Document string

	// Phone is an optional contact number.
	Phone string

	// Active is false for clients no longer visited.
	Active bool

	// CachedDebt mirrors the CurrentDebt of the latest settlement.
	// It is a read optimization, never a source of truth.
	CachedDebt decimal.Decimal

	// CachedDebtUpdatedAt is bumped on every cache write, even when the value
	// is unchanged, so observers always see the refresh.
	CachedDebtUpdatedAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Asset represents a piece of equipment placed at a client.
type Asset struct {
	ID       string
	ClientID string
	RouteID  string

	// Label is the operator-facing identifier (e.g. a table number).
	Label string

	CreatedAt time.Time
	UpdatedAt time.Time
}
