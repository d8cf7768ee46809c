package payload

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/fieldsync/internal/models"
)

// Client is the wire form of models.Client.
type Client struct {
	ID                  string          `json:"id"`
	RouteID             string          `json:"routeId"`
	Name                string          `json:"name"`
	Document            string          `json:"document,omitempty"`
	Phone               string          `json:"phone,omitempty"`
	Active              bool            `json:"active"`
	CachedDebt          decimal.Decimal `json:"cachedDebt"`
	CachedDebtUpdatedAt time.Time       `json:"cachedDebtUpdatedAt"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

func FromClient(c *models.Client) Client {
	return Client{
		ID:                  c.ID,
		RouteID:             c.RouteID,
		Name:                c.Name,
		Document:            c.Document,
		Phone:               c.Phone,
		Active:              c.Active,
		CachedDebt:          c.CachedDebt,
		CachedDebtUpdatedAt: c.CachedDebtUpdatedAt,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

func (c Client) Model() *models.Client {
	return &models.Client{
		ID:                  c.ID,
		RouteID:             c.RouteID,
		Name:                c.Name,
		Document:            c.Document,
		Phone:               c.Phone,
		Active:              c.Active,
		CachedDebt:          c.CachedDebt,
		CachedDebtUpdatedAt: c.CachedDebtUpdatedAt.UTC(),
		CreatedAt:           c.CreatedAt.UTC(),
		UpdatedAt:           c.UpdatedAt.UTC(),
	}
}

// Asset is the wire form of models.Asset.
type Asset struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"clientId"`
	RouteID   string    `json:"routeId"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func FromAsset(a *models.Asset) Asset {
	return Asset{
		ID:        a.ID,
		ClientID:  a.ClientID,
		RouteID:   a.RouteID,
		Label:     a.Label,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func (a Asset) Model() *models.Asset {
	return &models.Asset{
		ID:        a.ID,
		ClientID:  a.ClientID,
		RouteID:   a.RouteID,
		Label:     a.Label,
		CreatedAt: a.CreatedAt.UTC(),
		UpdatedAt: a.UpdatedAt.UTC(),
	}
}

// Cycle is the wire form of models.SettlementCycle.
type Cycle struct {
	ID             string              `json:"id"`
	RouteID        string              `json:"routeId"`
	Year           int                 `json:"year"`
	SequenceNumber int                 `json:"sequenceNumber"`
	Status         models.CycleStatus  `json:"status"`
	StartedAt      time.Time           `json:"startedAt,omitzero"`
	FinishedAt     *time.Time          `json:"finishedAt,omitempty"`
	FrozenTotals   *models.CycleTotals `json:"frozenTotals,omitempty"`
	Notes          string              `json:"notes,omitempty"`
	CreatedBy      string              `json:"createdBy,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

func FromCycle(c *models.SettlementCycle) Cycle {
	return Cycle{
		ID:             c.ID,
		RouteID:        c.RouteID,
		Year:           c.Year,
		SequenceNumber: c.SequenceNumber,
		Status:         c.Status,
		StartedAt:      c.StartedAt,
		FinishedAt:     c.FinishedAt,
		FrozenTotals:   c.FrozenTotals,
		Notes:          c.Notes,
		CreatedBy:      c.CreatedBy,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func (c Cycle) Model() *models.SettlementCycle {
	return &models.SettlementCycle{
		ID:             c.ID,
		RouteID:        c.RouteID,
		Year:           c.Year,
		SequenceNumber: c.SequenceNumber,
		Status:         c.Status,
		StartedAt:      c.StartedAt.UTC(),
		FinishedAt:     c.FinishedAt,
		FrozenTotals:   c.FrozenTotals,
		Notes:          c.Notes,
		CreatedBy:      c.CreatedBy,
		CreatedAt:      c.CreatedAt.UTC(),
		UpdatedAt:      c.UpdatedAt.UTC(),
	}
}

// Settlement is the wire form of models.Settlement.
type Settlement struct {
	ID               string                     `json:"id"`
	ClientID         string                     `json:"clientId"`
	CycleID          string                     `json:"cycleId"`
	RouteID          string                     `json:"routeId"`
	Timestamp        time.Time                  `json:"timestamp"`
	PreviousDebt     decimal.Decimal            `json:"previousDebt"`
	GrossAmount      decimal.Decimal            `json:"grossAmount"`
	Discount         decimal.Decimal            `json:"discount"`
	AmountReceived   decimal.Decimal            `json:"amountReceived"`
	CurrentDebt      decimal.Decimal            `json:"currentDebt"`
	PaymentBreakdown map[string]decimal.Decimal `json:"paymentBreakdown,omitempty"`
	Notes            string                     `json:"notes,omitempty"`
	CreatedAt        time.Time                  `json:"createdAt"`
}

func FromSettlement(s *models.Settlement) Settlement {
	return Settlement{
		ID:               s.ID,
		ClientID:         s.ClientID,
		CycleID:          s.CycleID,
		RouteID:          s.RouteID,
		Timestamp:        s.Timestamp,
		PreviousDebt:     s.PreviousDebt,
		GrossAmount:      s.GrossAmount,
		Discount:         s.Discount,
		AmountReceived:   s.AmountReceived,
		CurrentDebt:      s.CurrentDebt,
		PaymentBreakdown: s.PaymentBreakdown,
		Notes:            s.Notes,
		CreatedAt:        s.CreatedAt,
	}
}

func (s Settlement) Model() *models.Settlement {
	return &models.Settlement{
		ID:               s.ID,
		ClientID:         s.ClientID,
		CycleID:          s.CycleID,
		RouteID:          s.RouteID,
		Timestamp:        s.Timestamp.UTC(),
		PreviousDebt:     s.PreviousDebt,
		GrossAmount:      s.GrossAmount,
		Discount:         s.Discount,
		AmountReceived:   s.AmountReceived,
		CurrentDebt:      s.CurrentDebt,
		PaymentBreakdown: s.PaymentBreakdown,
		Notes:            s.Notes,
		CreatedAt:        s.CreatedAt.UTC(),
	}
}

// Expense is the wire form of models.Expense.
type Expense struct {
	ID          string          `json:"id"`
	CycleID     string          `json:"cycleId,omitempty"`
	RouteID     string          `json:"routeId"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category,omitempty"`
	Type        string          `json:"type,omitempty"`
	Description string          `json:"description,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Year        int             `json:"year"`
	CycleNumber int             `json:"cycleNumber"`
	PhotoRef    string          `json:"photoRef,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func FromExpense(e *models.Expense) Expense {
	return Expense{
		ID:          e.ID,
		CycleID:     e.CycleID,
		RouteID:     e.RouteID,
		Amount:      e.Amount,
		Category:    e.Category,
		Type:        e.Type,
		Description: e.Description,
		Timestamp:   e.Timestamp,
		Year:        e.Year,
		CycleNumber: e.CycleNumber,
		PhotoRef:    e.PhotoRef,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func (e Expense) Model() *models.Expense {
	return &models.Expense{
		ID:          e.ID,
		CycleID:     e.CycleID,
		RouteID:     e.RouteID,
		Amount:      e.Amount,
		Category:    e.Category,
		Type:        e.Type,
		Description: e.Description,
		Timestamp:   e.Timestamp.UTC(),
		Year:        e.Year,
		CycleNumber: e.CycleNumber,
		PhotoRef:    e.PhotoRef,
		CreatedAt:   e.CreatedAt.UTC(),
		UpdatedAt:   e.UpdatedAt.UTC(),
	}
}

// Tombstone is the data of a DELETE operation.
type Tombstone struct {
	ID        string    `json:"id"`
	DeletedAt time.Time `json:"deletedAt"`
}
