// Package task allocates slots of fixed-capacity tasks to entitled buyers.
package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antonminaichev/payflow/internal/logger"
	"github.com/antonminaichev/payflow/internal/storage"
	"github.com/antonminaichev/payflow/internal/types/entitlement"
	"github.com/antonminaichev/payflow/internal/types/order"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrSlotsExhausted = errors.New("slots exhausted")
	ErrAlreadyClaimed = errors.New("buyer already holds a slot")
	ErrNotEligible    = errors.New("buyer has no task selection grant")
	ErrInvalidTask    = errors.New("invalid task")
)

type Service struct {
	grants GrantRepository
	slots  SlotRepository
	now    func() time.Time
}

func NewService(g GrantRepository, s SlotRepository) *Service {
	return &Service{grants: g, slots: s, now: time.Now}
}

// Claim reserves one slot of taskID for the buyer. The capacity check and the increment are
// one conditional update in the store; nothing is locked here.
func (s *Service) Claim(ctx context.Context, taskID, buyerID string) (*entitlement.Reservation, error) {
	buyerID = order.BuyerID(buyerID)
	if taskID == "" || buyerID == "" {
		return nil, fmt.Errorf("%w: task and buyer are required", ErrInvalidTask)
	}
	g, err := s.grants.FindTaskGrant(ctx, buyerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotEligible
	}
	if err != nil {
		return nil, err
	}

	r := &entitlement.Reservation{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		BuyerID:   buyerID,
		OrderID:   g.OrderID,
		CreatedAt: s.now().UTC(),
	}
	switch err := s.slots.ClaimTask(ctx, r); {
	case err == nil:
		logger.Log.Info("task slot claimed",
			zap.String("task_id", taskID),
			zap.String("reservation_id", r.ID),
			zap.String("order_id", r.OrderID),
		)
		return r, nil
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrTaskNotFound
	case errors.Is(err, storage.ErrExhausted):
		return nil, ErrSlotsExhausted
	case errors.Is(err, storage.ErrConflict):
		return nil, ErrAlreadyClaimed
	default:
		return nil, err
	}
}

func (s *Service) CreateTask(ctx context.Context, id, title string, capacity int) (*entitlement.Task, error) {
	id, title = strings.TrimSpace(id), strings.TrimSpace(title)
	if id == "" || title == "" || capacity <= 0 {
		return nil, fmt.Errorf("%w: id, title and a positive capacity are required", ErrInvalidTask)
	}
	t := &entitlement.Task{ID: id, Title: title, Capacity: capacity, CreatedAt: s.now().UTC()}
	if err := s.slots.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) ListTasks(ctx context.Context) ([]entitlement.Task, error) {
	return s.slots.ListTasks(ctx)
}

// Reservation returns the buyer's slot, if any.
func (s *Service) Reservation(ctx context.Context, buyerID string) (*entitlement.Reservation, error) {
	return s.slots.FindReservation(ctx, order.BuyerID(buyerID))
}
