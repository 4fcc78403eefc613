// Package entitlement grants what a succeeded order paid for. Every step is keyed by the
// order id in storage, so running it again never grants twice.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/antonminaichev/payflow/internal/catalog"
	"github.com/antonminaichev/payflow/internal/logger"
	"github.com/antonminaichev/payflow/internal/retry"
	"github.com/antonminaichev/payflow/internal/storage"
	"github.com/antonminaichev/payflow/internal/types/entitlement"
	"github.com/antonminaichev/payflow/internal/types/order"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotPaid = errors.New("order has not succeeded")
	// ErrPending is returned while the order is paid but provisioning is incomplete.
	ErrPending = errors.New("provisioning in progress")
	// ErrNotEntitled means the order will never be provisioned (failed or abandoned).
	ErrNotEntitled = errors.New("order will not be provisioned")
)

const (
	identityAttempts = 5
	sweepBatch       = 50
)

type Service struct {
	repo    Repository
	orders  OrderReader
	catalog *catalog.Catalog
	forum   Forum
	retry   retry.Policy
	now     func() time.Time
}

func NewService(repo Repository, orders OrderReader, c *catalog.Catalog, f Forum, p retry.Policy) *Service {
	return &Service{repo: repo, orders: orders, catalog: c, forum: f, retry: p, now: time.Now}
}

type step struct {
	name string
	run  func(ctx context.Context, o *order.Order, g catalog.Grants) error
}

func (s *Service) steps(g catalog.Grants) []step {
	var out []step
	if g.MembershipTier != "" {
		out = append(out, step{"membership", s.activateMembership})
	}
	if g.Identity {
		out = append(out, step{"identity", s.issueIdentity})
	}
	if g.TaskSelection {
		out = append(out, step{"task_selection", s.grantTaskSelection})
	}
	if g.Forum {
		out = append(out, step{"forum", s.issueForum})
	}
	return out
}

// Provision runs every step the order's package grants. Steps are independent: one failing
// does not undo or block the others, and each is retried on its own. The provisioning job
// is completed only when all of them succeeded.
func (s *Service) Provision(ctx context.Context, o *order.Order) (*entitlement.Bundle, error) {
	if o.Status != order.StatusSucceeded {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPaid, o.ID, o.Status)
	}
	pkg, err := s.catalog.Lookup(o.PackageType)
	if err != nil {
		return nil, err
	}
	log := logger.Log.With(zap.String("order_id", o.ID), zap.String("package", string(o.PackageType)))

	var errs []error
	for _, st := range s.steps(pkg.Grants) {
		_, err := retry.Do(ctx, s.retry, "provision "+st.name, func() (struct{}, error) {
			return struct{}{}, st.run(ctx, o, pkg.Grants)
		})
		if err != nil {
			log.Warn("provisioning step failed", zap.String("step", st.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
		}
	}
	stepErr := errors.Join(errs...)

	var completed *time.Time
	lastError := ""
	if stepErr == nil {
		now := s.now().UTC()
		completed = &now
	} else {
		lastError = stepErr.Error()
	}
	if err := s.repo.RecordJobAttempt(ctx, o.ID, lastError, completed); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, errors.Join(stepErr, err)
	}
	if stepErr != nil {
		return nil, stepErr
	}
	log.Info("order provisioned")
	return s.repo.GetBundle(ctx, o.ID)
}

// activateMembership starts the period at the later of now and the buyer's current expiry
// for the same tier. The store picks the start under a per-buyer lock.
func (s *Service) activateMembership(ctx context.Context, o *order.Order, g catalog.Grants) error {
	now := s.now().UTC()
	_, err := s.repo.ActivateMembership(ctx, &entitlement.Membership{
		ID:        uuid.NewString(),
		OrderID:   o.ID,
		BuyerID:   o.Buyer.ID(),
		Tier:      g.MembershipTier,
		StartsAt:  now,
		CreatedAt: now,
	}, g.MembershipDays)
	return err
}

func (s *Service) issueIdentity(ctx context.Context, o *order.Order, _ catalog.Grants) error {
	for i := 0; i < identityAttempts; i++ {
		number, err := NewDocumentNumber()
		if err != nil {
			return err
		}
		_, err = s.repo.CreateIdentity(ctx, &entitlement.Identity{
			ID:             uuid.NewString(),
			OrderID:        o.ID,
			DocumentNumber: number,
			FullName:       o.Buyer.Name,
			Email:          o.Buyer.Email,
			Phone:          o.Buyer.Phone,
			City:           o.Buyer.City,
			IssuedAt:       s.now().UTC(),
		})
		if errors.Is(err, storage.ErrConflict) {
			// number already issued to another order
			continue
		}
		return err
	}
	return fmt.Errorf("no free document number after %d attempts", identityAttempts)
}

// grantTaskSelection only records the right to pick a task; the slot itself is claimed by
// the buyer later.
func (s *Service) grantTaskSelection(ctx context.Context, o *order.Order, _ catalog.Grants) error {
	_, err := s.repo.CreateTaskGrant(ctx, &entitlement.TaskGrant{
		OrderID:   o.ID,
		BuyerID:   o.Buyer.ID(),
		CreatedAt: s.now().UTC(),
	})
	return err
}

func (s *Service) issueForum(ctx context.Context, o *order.Order, _ catalog.Grants) error {
	return s.forum.Issue(ctx, o)
}

// Sweep re-runs provisioning for every open job. It returns how many jobs completed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	jobs, err := s.repo.PendingJobs(ctx, sweepBatch)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, j := range jobs {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		o, err := s.orders.GetOrder(ctx, j.OrderID)
		if err != nil {
			logger.Log.Error("load order for provisioning", zap.String("order_id", j.OrderID), zap.Error(err))
			continue
		}
		if _, err := s.Provision(ctx, o); err != nil {
			continue
		}
		done++
	}
	return done, nil
}

// Bundle returns the order's entitlements once provisioning has completed. The login token
// is included until the forum account is redeemed.
func (s *Service) Bundle(ctx context.Context, orderID string) (*entitlement.Bundle, error) {
	o, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case order.StatusSucceeded:
	case order.StatusFailed, order.StatusAbandoned:
		return nil, ErrNotEntitled
	default:
		return nil, ErrPending
	}
	job, err := s.repo.GetJob(ctx, orderID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrPending
	}
	if err != nil {
		return nil, err
	}
	if job.CompletedAt == nil {
		return nil, ErrPending
	}

	b, err := s.repo.GetBundle(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if b.Forum != nil && b.Forum.RedeemedAt == nil {
		if b.Forum.LoginToken, err = s.forum.LoginToken(b.Forum); err != nil {
			return nil, err
		}
	}
	return b, nil
}
