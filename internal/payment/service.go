// Package payment drives orders through their payment lifecycle against the configured providers.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/antonminaichev/payflow/internal/logger"
	"github.com/antonminaichev/payflow/internal/provider"
	"github.com/antonminaichev/payflow/internal/retry"
	"github.com/antonminaichev/payflow/internal/storage"
	"github.com/antonminaichev/payflow/internal/types/order"
	"go.uber.org/zap"
)

var (
	ErrInvalidState = errors.New("order is not in a state that allows this operation")
	ErrRetryLimit   = errors.New("retry_limit_reached")
	// ErrNotReady means a callback arrived before the provider session was attached; the
	// provider is expected to redeliver it.
	ErrNotReady = errors.New("order not ready for provider event")
)

// casRetries bounds how often a transition is re-evaluated after losing a compare-and-set.
const casRetries = 3

type Config struct {
	MaxAttempts   int
	ConfirmWindow time.Duration
	// PendingTTL is how long an unpaid provider session is polled before the order is abandoned.
	PendingTTL time.Duration
	Retry      retry.Policy
}

type Service struct {
	repo        Repository
	providers   provider.Registry
	provisioner Provisioner
	cfg         Config
	now         func() time.Time
}

func NewService(repo Repository, providers provider.Registry, p Provisioner, cfg Config) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ConfirmWindow <= 0 {
		cfg.ConfirmWindow = 30 * time.Second
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 24 * time.Hour
	}
	return &Service{repo: repo, providers: providers, provisioner: p, cfg: cfg, now: time.Now}
}

// Session is what the caller needs to continue payment on the client.
type Session struct {
	OrderID            string       `json:"orderId"`
	Status             order.Status `json:"status"`
	ProviderSessionRef string       `json:"providerSessionRef"`
	ClientPayload      string       `json:"clientPayload,omitempty"`
	RedirectURL        string       `json:"redirectURL,omitempty"`
}

type Result struct {
	OrderID     string       `json:"orderId"`
	Status      order.Status `json:"status"`
	Reason      string       `json:"reason,omitempty"`
	RedirectURL string       `json:"redirectURL,omitempty"`
}

func resultOf(o *order.Order) *Result {
	r := &Result{OrderID: o.ID, Status: o.Status}
	if o.Status == order.StatusFailed {
		r.Reason = o.FailureReason
	}
	return r
}

func (s *Service) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	return s.repo.GetOrder(ctx, id)
}

func (s *Service) ActiveOrder(ctx context.Context, sessionID string) (*order.Order, error) {
	return s.repo.ActiveOrder(ctx, sessionID)
}

// CreateSession opens the provider session for a freshly built draft order.
func (s *Service) CreateSession(ctx context.Context, o *order.Order) (*Session, error) {
	return s.Initialize(ctx, o.ID)
}

// Initialize reserves the order (draft or failed -> intent_created) and only then asks the
// provider for a session. A duplicate call observes the reservation and returns it unchanged.
// When the provider call fails the reservation is released so the caller may retry.
func (s *Service) Initialize(ctx context.Context, orderID string) (*Session, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case order.StatusDraft:
	case order.StatusFailed:
		if o.Attempts >= s.cfg.MaxAttempts {
			return nil, ErrRetryLimit
		}
	case order.StatusIntentCreated:
		return sessionOf(o, nil), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, o.Status)
	}

	adapter, err := s.providers.Get(o.Provider)
	if err != nil {
		return nil, err
	}

	reserve := order.StatusUpdate{ID: o.ID, Version: o.Version, From: o.Status, To: order.StatusIntentCreated, At: s.now()}
	if o.Status == order.StatusFailed {
		// a retry starts from a clean slate; the new session is attached below
		empty := ""
		reserve.ProviderSessionRef = &empty
		reserve.FailureReason = &empty
	}
	reserved, err := s.repo.UpdateStatus(ctx, reserve)
	if errors.Is(err, storage.ErrConflict) {
		cur, gerr := s.repo.GetOrder(ctx, orderID)
		if gerr != nil {
			return nil, gerr
		}
		if cur.Status == order.StatusIntentCreated {
			return sessionOf(cur, nil), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, cur.Status)
	}
	if err != nil {
		return nil, err
	}

	ps, err := retry.Do(ctx, s.cfg.Retry, "initialize", func() (*provider.Session, error) {
		ps, err := adapter.Initialize(ctx, reserved)
		return ps, retry.Unless(err, provider.Retryable)
	})
	if err != nil {
		s.logProviderError("initialize", reserved, err)
		s.release(ctx, reserved, err)
		return nil, normalize(err)
	}

	attached, err := s.repo.UpdateStatus(ctx, order.StatusUpdate{
		ID: reserved.ID, Version: reserved.Version,
		From: order.StatusIntentCreated, To: order.StatusIntentCreated,
		ProviderSessionRef: &ps.Ref, IncAttempts: true, At: s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("attach provider session: %w", err)
	}
	logger.Log.Info("payment session created",
		zap.String("order_id", attached.ID),
		zap.String("provider", string(attached.Provider)),
		zap.Int("attempt", attached.Attempts),
	)
	return sessionOf(attached, ps), nil
}

func sessionOf(o *order.Order, ps *provider.Session) *Session {
	out := &Session{OrderID: o.ID, Status: o.Status, ProviderSessionRef: o.ProviderSessionRef}
	if ps != nil {
		out.ClientPayload = ps.ClientPayload
		out.RedirectURL = ps.RedirectURL
	}
	return out
}

// release undoes an intent_created reservation that never got a provider session. A first
// attempt goes back to draft, a retry back to failed.
func (s *Service) release(ctx context.Context, o *order.Order, cause error) {
	u := order.StatusUpdate{
		ID: o.ID, Version: o.Version, From: order.StatusIntentCreated, To: order.StatusDraft, Release: true, At: s.now(),
	}
	if o.Attempts > 0 {
		u.To = order.StatusFailed
		reason := string(provider.CategoryConnectivity)
		if cat, ok := provider.CategoryOf(cause); ok {
			reason = string(cat)
		}
		u.FailureReason = &reason
	}
	_, err := s.repo.UpdateStatus(context.WithoutCancel(ctx), u)
	if err != nil {
		logger.Log.Error("release reservation", zap.String("order_id", o.ID), zap.Error(err))
	}
}

// Confirm moves intent_created to confirming and resolves the order with the provider's
// answer. Only the caller winning that transition talks to the provider; everyone else gets
// the stored status.
func (s *Service) Confirm(ctx context.Context, orderID string, in provider.Input) (*Result, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case order.StatusIntentCreated:
		if o.ProviderSessionRef == "" {
			return nil, fmt.Errorf("%w: provider session not created yet", ErrInvalidState)
		}
	case order.StatusDraft:
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, o.Status)
	default:
		return resultOf(o), nil
	}

	adapter, err := s.providers.Get(o.Provider)
	if err != nil {
		return nil, err
	}

	c, err := s.repo.UpdateStatus(ctx, order.StatusUpdate{
		ID: o.ID, Version: o.Version, From: order.StatusIntentCreated, To: order.StatusConfirming, At: s.now(),
	})
	if errors.Is(err, storage.ErrConflict) {
		cur, gerr := s.repo.GetOrder(ctx, orderID)
		if gerr != nil {
			return nil, gerr
		}
		return resultOf(cur), nil
	}
	if err != nil {
		return nil, err
	}

	// the window bounds the provider call; anything unresolved is left to reconciliation
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmWindow)
	defer cancel()
	out, err := retry.Do(cctx, s.cfg.Retry, "confirm", func() (provider.Outcome, error) {
		out, err := adapter.Confirm(cctx, c, provider.Session{Ref: c.ProviderSessionRef}, in)
		return out, retry.Unless(err, provider.Retryable)
	})
	if err != nil {
		s.logProviderError("confirm", c, err)
		out = outcomeOfError(err)
	}

	// the caller may have gone away; the outcome still has to be recorded
	final, err := s.advance(context.WithoutCancel(ctx), c, out)
	if err != nil {
		return nil, err
	}
	res := resultOf(final)
	if out.Kind == provider.OutcomeRequiresFollowUp && final.Status == order.StatusProcessing {
		res.RedirectURL = out.RedirectURL
	}
	return res, nil
}

// outcomeOfError maps a provider error to the outcome recorded on the order. Transient
// failures leave the payment unresolved.
func outcomeOfError(err error) provider.Outcome {
	cat, ok := provider.CategoryOf(err)
	if !ok || cat.Retryable() {
		return provider.Processing()
	}
	return provider.Failed(cat, err.Error())
}

// advance applies a provider outcome to o, re-reading the order when a concurrent writer
// got there first.
func (s *Service) advance(ctx context.Context, o *order.Order, out provider.Outcome) (*order.Order, error) {
	var err error
	for i := 0; i < casRetries; i++ {
		var next *order.Order
		next, err = s.step(ctx, o, out)
		if !errors.Is(err, storage.ErrConflict) {
			return next, err
		}
		if o, err = s.repo.GetOrder(ctx, o.ID); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (s *Service) step(ctx context.Context, o *order.Order, out provider.Outcome) (*order.Order, error) {
	if o.Status.Terminal() || o.Status == order.StatusDraft {
		if out.Kind == provider.OutcomeSucceeded && o.Status != order.StatusSucceeded {
			return o, s.flagRefund(ctx, o, "payment succeeded on an order that will not be provisioned")
		}
		return o, nil
	}
	target := order.StatusProcessing
	switch out.Kind {
	case provider.OutcomeSucceeded:
		target = order.StatusSucceeded
	case provider.OutcomeFailed:
		target = order.StatusFailed
	}

	if o.Status == order.StatusIntentCreated {
		if o.ProviderSessionRef == "" {
			return nil, ErrNotReady
		}
		var err error
		o, err = s.repo.UpdateStatus(ctx, order.StatusUpdate{
			ID: o.ID, Version: o.Version, From: order.StatusIntentCreated, To: order.StatusConfirming, At: s.now(),
		})
		if err != nil {
			return nil, err
		}
	}
	if o.Status == target {
		return o, nil
	}

	u := order.StatusUpdate{ID: o.ID, Version: o.Version, From: o.Status, To: target, At: s.now()}
	if target == order.StatusFailed {
		reason := string(out.Reason)
		if reason == "" {
			reason = string(provider.CategoryDeclined)
		}
		u.FailureReason = &reason
	}
	next, err := s.repo.UpdateStatus(ctx, u)
	if err != nil {
		return nil, err
	}
	logger.Log.Info("order status changed",
		zap.String("order_id", next.ID),
		zap.String("from", string(o.Status)),
		zap.String("status", string(next.Status)),
		zap.String("reason", next.FailureReason),
	)
	if target == order.StatusSucceeded {
		// this call won the provisioned flag
		s.provision(ctx, next)
	}
	return next, nil
}

func (s *Service) provision(ctx context.Context, o *order.Order) {
	if s.provisioner == nil {
		return
	}
	if _, err := s.provisioner.Provision(ctx, o); err != nil {
		// the job stays open for the provisioning sweep
		logger.Log.Warn("provisioning incomplete", zap.String("order_id", o.ID), zap.Error(err))
	}
}

// flagRefund records money the provider captured without a matching entitlement. An error
// is returned so the provider event stays unprocessed and gets redelivered.
func (s *Service) flagRefund(ctx context.Context, o *order.Order, msg string) error {
	logger.Log.Error(msg,
		zap.String("order_id", o.ID),
		zap.String("provider", string(o.Provider)),
		zap.String("status", string(o.Status)),
		zap.String("provider_session_ref", o.ProviderSessionRef),
	)
	if err := s.repo.FlagRefund(ctx, o.ID); err != nil {
		return fmt.Errorf("flag refund for %s: %w", o.ID, err)
	}
	o.RefundRequired = true
	return nil
}

func (s *Service) logProviderError(op string, o *order.Order, err error) {
	cat, _ := provider.CategoryOf(err)
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("order_id", o.ID),
		zap.String("provider", string(o.Provider)),
		zap.String("category", string(cat)),
		zap.Error(err),
	}
	if cat == provider.CategoryAuth {
		logger.Log.Error("provider rejected platform credentials", fields...)
		return
	}
	logger.Log.Warn("provider call failed", fields...)
}

// normalize makes sure nothing but a *provider.Error leaves the orchestrator for provider calls.
func normalize(err error) error {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe
	}
	cat, ok := provider.CategoryOf(err)
	if !ok {
		cat = provider.CategoryConnectivity
	}
	return provider.NewError(cat, "provider call failed", err)
}
