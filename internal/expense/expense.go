// Package expense records route costs.
package expense

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/calculator"
	"github.com/mmynk/fieldsync/internal/clock"
	"github.com/mmynk/fieldsync/internal/cycle"
	"github.com/mmynk/fieldsync/internal/models"
	"github.com/mmynk/fieldsync/internal/observe"
	"github.com/mmynk/fieldsync/internal/outbox"
	"github.com/mmynk/fieldsync/internal/payload"
	"github.com/mmynk/fieldsync/internal/storage"
)

// Uploader stores receipt photos in object storage.
type Uploader interface {
	// Upload stores data and returns its URL. An empty URL means the photo
	// was not stored.
	Upload(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// Photo is a receipt attached to an expense.
type Photo struct {
	Name        string
	ContentType string
	Data        []byte
}

// Input is an expense to create or the new state of one to update.
type Input struct {
	// ID is generated on create when empty.
	ID string

	// CycleID is optional. When set, RouteID, Year and CycleNumber are taken
	// from the cycle.
	CycleID string

	RouteID     string
	Amount      decimal.Decimal
	Category    string
	Type        string
	Description string

	// Timestamp defaults to now.
	Timestamp time.Time

	// Year and CycleNumber tag expenses not attached to a cycle.
	Year        int
	CycleNumber int

	// Photo is uploaded before the expense is written. On update a nil Photo
	// keeps the current reference.
	Photo *Photo
}

func (in Input) validate() error {
	if in.CycleID == "" && in.RouteID == "" {
		return apperr.Validation("route id or cycle id is required")
	}
	if !in.Amount.IsPositive() {
		return apperr.Validation("amount must be positive")
	}
	if in.CycleID == "" && in.Year != 0 && (in.Year < 2000 || in.Year > 9999) {
		return apperr.Validation("invalid year %d", in.Year)
	}
	if in.CycleNumber < 0 {
		return apperr.Validation("invalid cycle number %d", in.CycleNumber)
	}
	return nil
}

// Service is the expense write path.
type Service struct {
	store    storage.Store
	outbox   *outbox.Outbox
	clock    clock.Clock
	uploader Uploader
	observer observe.MutationObserver
	logger   *slog.Logger
}

// New creates a Service. uploader may be nil, in which case photos are
// dropped.
func New(store storage.Store, ob *outbox.Outbox, clk clock.Clock, uploader Uploader, observer observe.MutationObserver) *Service {
	if observer == nil {
		observer = observe.Nop{}
	}
	return &Service{
		store:    store,
		outbox:   ob,
		clock:    clk,
		uploader: uploader,
		observer: observer,
		logger:   slog.Default(),
	}
}

// Create records an expense. Under a FINALIZED cycle it fails with
// IMMUTABLE_CYCLE and nothing is written.
func (s *Service) Create(ctx context.Context, in Input) (*models.Expense, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.CycleID != "" {
		if _, err := cycle.Mutable(ctx, s.store, in.CycleID); err != nil {
			return nil, err
		}
	}

	id := in.ID
	if id == "" {
		id = uuid.New().String()
	}
	photoRef := s.upload(ctx, id, in.Photo)

	var created *models.Expense
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		now := s.clock.Now()
		e := &models.Expense{ID: id, PhotoRef: photoRef, CreatedAt: now, UpdatedAt: now}
		if err := apply(ctx, tx, e, in, now); err != nil {
			return err
		}
		if err := tx.InsertExpense(ctx, e); err != nil {
			return err
		}

		s.outbox.Enqueue(ctx, tx, outbox.Entry{
			EntityType: models.EntityExpense,
			EntityID:   e.ID,
			Kind:       models.KindCreate,
			Data:       payload.FromExpense(e),
		})
		created = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.outbox.Notify()
	s.observer.OnInserted(ctx, models.EntityExpense, created.ID)
	s.logger.InfoContext(ctx, "Expense recorded",
		"expense_id", created.ID,
		"route_id", created.RouteID,
		"amount", created.Amount.StringFixed(2),
	)
	return created, nil
}

// Update replaces an expense. Both the current and the target cycle must be
// mutable; they are checked before the photo is uploaded and again inside
// the transaction.
func (s *Service) Update(ctx context.Context, id string, in Input) (*models.Expense, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := checkMutable(ctx, s.store, id, in.CycleID); err != nil {
		return nil, err
	}
	photoRef := s.upload(ctx, id, in.Photo)

	var updated *models.Expense
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		e, err := tx.GetExpense(ctx, id)
		if err != nil {
			return err
		}
		if e.CycleID != "" {
			if _, err := cycle.Mutable(ctx, tx, e.CycleID); err != nil {
				return err
			}
		}

		now := s.clock.Now()
		if err := apply(ctx, tx, e, in, now); err != nil {
			return err
		}
		if photoRef != "" {
			e.PhotoRef = photoRef
		}
		e.UpdatedAt = now
		if err := tx.UpdateExpense(ctx, e); err != nil {
			return err
		}

		s.outbox.Enqueue(ctx, tx, outbox.Entry{
			EntityType: models.EntityExpense,
			EntityID:   e.ID,
			Kind:       models.KindUpdate,
			Data:       payload.FromExpense(e),
		})
		updated = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.outbox.Notify()
	s.observer.OnUpdated(ctx, models.EntityExpense, updated.ID)
	s.logger.InfoContext(ctx, "Expense updated", "expense_id", updated.ID)
	return updated, nil
}

// checkMutable fails when the expense id is missing or when its current or
// target cycle is FINALIZED.
func checkMutable(ctx context.Context, q storage.Queries, id, targetCycleID string) error {
	e, err := q.GetExpense(ctx, id)
	if err != nil {
		return err
	}
	for _, cycleID := range []string{e.CycleID, targetCycleID} {
		if cycleID == "" {
			continue
		}
		if _, err := cycle.Mutable(ctx, q, cycleID); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes an expense.
func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		e, err := tx.GetExpense(ctx, id)
		if err != nil {
			return err
		}
		if e.CycleID != "" {
			if _, err := cycle.Mutable(ctx, tx, e.CycleID); err != nil {
				return err
			}
		}
		if err := tx.DeleteExpense(ctx, id); err != nil {
			return err
		}

		s.outbox.Enqueue(ctx, tx, outbox.Entry{
			EntityType: models.EntityExpense,
			EntityID:   id,
			Kind:       models.KindDelete,
			Data:       payload.Tombstone{ID: id, DeletedAt: s.clock.Now()},
		})
		return nil
	})
	if err != nil {
		return err
	}

	s.outbox.Notify()
	s.observer.OnDeleted(ctx, models.EntityExpense, id)
	s.logger.InfoContext(ctx, "Expense deleted", "expense_id", id)
	return nil
}

// Get returns an expense.
func (s *Service) Get(ctx context.Context, id string) (*models.Expense, error) {
	return s.store.GetExpense(ctx, id)
}

// ListByCycle returns the expenses of a cycle.
func (s *Service) ListByCycle(ctx context.Context, cycleID string) ([]*models.Expense, error) {
	return s.store.ListExpensesByCycle(ctx, cycleID)
}

// ListByPeriod returns the expenses of every route tagged with a year and
// cycle number.
func (s *Service) ListByPeriod(ctx context.Context, year, cycleNumber int) ([]*models.Expense, error) {
	return s.store.ListExpensesByPeriod(ctx, year, cycleNumber)
}

// apply copies in onto e. A target cycle is checked for mutability and
// supplies the route and period tags.
func apply(ctx context.Context, tx storage.Tx, e *models.Expense, in Input, now time.Time) error {
	e.RouteID = in.RouteID
	e.Year = in.Year
	e.CycleNumber = in.CycleNumber
	e.CycleID = in.CycleID
	if in.CycleID != "" {
		c, err := cycle.Mutable(ctx, tx, in.CycleID)
		if err != nil {
			return err
		}
		if in.RouteID != "" && in.RouteID != c.RouteID {
			return apperr.Validation("expense route %s does not match cycle route %s", in.RouteID, c.RouteID)
		}
		e.RouteID = c.RouteID
		e.Year = c.Year
		e.CycleNumber = c.SequenceNumber
	}

	e.Amount = in.Amount.Round(calculator.Places)
	e.Category = in.Category
	e.Type = in.Type
	e.Description = in.Description
	e.Timestamp = in.Timestamp.UTC()
	if in.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.Year == 0 {
		e.Year = e.Timestamp.Year()
	}
	return nil
}

// upload stores a receipt photo. A failed upload is logged and the expense
// is recorded without a photo.
func (s *Service) upload(ctx context.Context, expenseID string, p *Photo) string {
	if p == nil || len(p.Data) == 0 || s.uploader == nil {
		return ""
	}
	name := p.Name
	if name == "" {
		name = expenseID
	}
	url, err := s.uploader.Upload(ctx, "expenses/"+expenseID+"/"+name, p.ContentType, p.Data)
	if err != nil {
		s.logger.WarnContext(ctx, "Receipt upload failed, recording expense without photo",
			"expense_id", expenseID,
			"error", err,
		)
		return ""
	}
	return url
}
