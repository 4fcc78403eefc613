package payment

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antonminaichev/payflow/internal/catalog"
	"github.com/antonminaichev/payflow/internal/entitlement"
	"github.com/antonminaichev/payflow/internal/forum"
	ordersvc "github.com/antonminaichev/payflow/internal/order"
	"github.com/antonminaichev/payflow/internal/provider"
	"github.com/antonminaichev/payflow/internal/provider/providertest"
	"github.com/antonminaichev/payflow/internal/retry"
	"github.com/antonminaichev/payflow/internal/storage"
	"github.com/antonminaichev/payflow/internal/storage/sqlstore"
	entmodel "github.com/antonminaichev/payflow/internal/types/entitlement"
	"github.com/antonminaichev/payflow/internal/types/order"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = retry.Policy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

type countingProvisioner struct {
	next  Provisioner
	calls atomic.Int32
}

func (c *countingProvisioner) Provision(ctx context.Context, o *order.Order) (*entmodel.Bundle, error) {
	c.calls.Add(1)
	return c.next.Provision(ctx, o)
}

type env struct {
	store   *sqlstore.Store
	a, b    *providertest.Adapter
	prov    *countingProvisioner
	ent     *entitlement.Service
	builder *ordersvc.Builder
	svc     *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := sqlstore.New(filepath.Join(t.TempDir(), "payflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cat := catalog.Default()
	f := forum.NewService(store, []byte("forum-secret"), time.Hour)
	ent := entitlement.NewService(store, store, cat, f, fastRetry)
	e := &env{
		store:   store,
		a:       providertest.New(order.ProviderA),
		b:       providertest.New(order.ProviderB),
		prov:    &countingProvisioner{next: ent},
		ent:     ent,
		builder: ordersvc.NewBuilder(store, cat),
	}
	e.svc = NewService(store, provider.NewRegistry(e.a, e.b), e.prov, Config{
		MaxAttempts:   3,
		ConfirmWindow: time.Second,
		Retry:         fastRetry,
	})
	return e
}

func (e *env) draft(t *testing.T, pkg order.PackageType, amount string, p order.Provider) *order.Order {
	t.Helper()
	return e.draftIn(t, uuid.NewString(), pkg, amount, p)
}

func (e *env) draftIn(t *testing.T, session string, pkg order.PackageType, amount string, p order.Provider) *order.Order {
	t.Helper()
	o, err := e.builder.Build(context.Background(), session, ordersvc.Request{
		Amount:      decimal.RequireFromString(amount),
		PackageType: pkg,
		Buyer:       order.Buyer{Name: "Ada Lovelace", Email: "ada@example.com", Phone: "+90 555 123 4567", City: "Izmir"},
		Provider:    p,
	})
	require.NoError(t, err)
	return o
}

func TestDigitalIdentityPurchase(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.draft(t, order.PackageDigitalIdentity, "20.00", order.ProviderA)

	s, err := e.svc.CreateSession(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, order.StatusIntentCreated, s.Status)
	assert.NotEmpty(t, s.ProviderSessionRef)
	assert.Equal(t, "secret-"+o.ID, s.ClientPayload)

	res, err := e.svc.Confirm(ctx, o.ID, provider.Input{PaymentMethod: "pm_card_visa"})
	require.NoError(t, err)
	assert.Equal(t, order.StatusSucceeded, res.Status)

	b, err := e.ent.Bundle(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, b.Identity)
	assert.True(t, entitlement.ValidDocumentNumber(b.Identity.DocumentNumber))
	assert.EqualValues(t, 1, e.prov.calls.Load())

	// a second confirm reports the stored outcome without touching the provider
	res, err = e.svc.Confirm(ctx, o.ID, provider.Input{})
	require.NoError(t, err)
	assert.Equal(t, order.StatusSucceeded, res.Status)
	assert.Equal(t, 1, e.a.ConfirmCalls())
	assert.EqualValues(t, 1, e.prov.calls.Load())

	stored, err := e.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, stored.Provisioned)
	assert.Equal(t, 1, stored.Attempts)
}

func TestDuplicateInitializeReturnsSameSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.draft(t, "member-basic", "10.00", order.ProviderB)

	first, err := e.svc.CreateSession(ctx, o)
	require.NoError(t, err)
	second, err := e.svc.Initialize(ctx, o.ID)
	require.NoError(t, err)

	assert.Equal(t, first.ProviderSessionRef, second.ProviderSessionRef)
	assert.Equal(t, 1, e.b.InitializeCalls())
}

func TestConcurrentConfirmCallsProviderOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.draft(t, "member-plus", "50.00", order.ProviderA)
	_, err := e.svc.CreateSession(ctx, o)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.Confirm(ctx, o.ID, provider.Input{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, e.a.ConfirmCalls())
	assert.EqualValues(t, 1, e.prov.calls.Load())
	stored, err := e.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusSucceeded, stored.Status)
}

func TestLateWebhookSettlesProcessingOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.b.ConfirmFn = func(context.Context, *order.Order, provider.Session, provider.Input) (provider.Outcome, error) {
		return provider.Processing(), nil
	}
	o := e.draft(t, "member-plus", "50.00", order.ProviderB)
	s, err := e.svc.CreateSession(ctx, o)
	require.NoError(t, err)

	res, err := e.svc.Confirm(ctx, o.ID, provider.Input{})
	require.NoError(t, err)
	assert.Equal(t, order.StatusProcessing, res.Status)
	assert.Zero(t, e.prov.calls.Load())

	_, err = e.ent.Bundle(ctx, o.ID)
	assert.ErrorIs(t, err, entitlement.ErrPending)

	payload := providertest.Callback("evt-1", o.ID, s.ProviderSessionRef, provider.Succeeded())
	require.NoError(t, e.svc.HandleEvent(ctx, order.ProviderB, payload, nil))

	stored, err := e.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusSucceeded, stored.Status)
	assert.EqualValues(t, 1, e.prov.calls.Load())

	// redelivery and a second success event change nothing
	require.NoError(t, e.svc.HandleEvent(ctx, order.ProviderB, payload, nil))
	other := providertest.Callback("evt-2", o.ID, s.ProviderSessionRef, provider.Succeeded())
	require.NoError(t, e.svc.HandleEvent(ctx, order.ProviderB, other, nil))
	assert.EqualValues(t, 1, e.prov.calls.Load())

	b, err := e.ent.Bundle(ctx, o.ID)
	require.NoError(t, err)
	assert.NotNil(t, b.Membership)
	assert.NotNil(t, b.TaskSelection)
}

func TestWebhookBeforeConfirm(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.draft(t, "member-basic", "10.00", order.ProviderB)
	s, err := e.svc.CreateSession(ctx, o)
	require.NoError(t, err)

	// processing callbacks do not move an unconfirmed order
	require.NoError(t, e.svc.HandleEvent(ctx, order.ProviderB,
		providertest.Callback("evt-p", o.ID, s.ProviderSessionRef, provider.Processing()), nil))
	stored, err := e.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusIntentCreated, stored.Status)

	require.NoError(t, e.svc.HandleEvent(ctx, order.ProviderB,
		providertest.Callback("evt-s", o.ID, s.ProviderSessionRef, provider.Succeeded()), nil))
	stored, err = e.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusSucceeded, stored.Status)

	res, err := e.svc.Confirm(ctx, o.ID, provider.Input{})
	require.NoError(t, err)
	assert.Equal(t, order.StatusSucceeded, res.Status)
	assert.Zero(t, e.b.ConfirmCalls())
}

func TestWebhookBeforeSessionAttachedIsRedelivered(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.draft(t, "member-basic", "10.00", order.ProviderB)
	_, err := e.store.UpdateStatus(ctx, order.StatusUpdate{
		ID: o.ID, Version: o.Version, From: order.StatusDraft, To: order.StatusIntentCreated, At: time.Now(),
	})
	require.NoError(t, err)

	payload := providertest.Callback("evt-early", o.ID, "", provider.Succeeded())
	err = e.svc.HandleEvent(ctx, order.ProviderB, payload, nil)
	assert.ErrorIs(t, err, ErrNotReady)

	// the event stays unprocessed so the redelivery is applied
	processed, err := e.store.SaveEvent(ctx, &order.ProviderEvent{
		Provider: order.ProviderB, EventID: "evt-early", OrderID: o.ID, ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestWebhookForSupersededSessionIsIgnored(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.draft(t, "member-basic", "10.00", order.ProviderB)
	_, err := e.svc.CreateSession(ctx, o)
	require.NoError(t, err)

	require.NoError(t, e.svc.HandleEvent(ctx, order.ProviderB,
		providertest.Callback("evt-old", o.ID, "sess-stale", provider.Failed(provider.CategoryDeclined, "")), nil))
	stored, err := e.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusIntentCreated, stored.Status)
	assert.False(t, stored.RefundRequired)

	// money captured on the old session cannot be provisioned and is flagged instead
	require.NoError(t, e.svc.HandleEvent(ctx, order.ProviderB,
		providertest.Callback("evt-old-paid", o.ID, "sess-stale", provider.Succeeded()), nil))
	stored, err = e.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusIntentCreated, stored.Status)
	assert.True(t, stored.RefundRequired)
	assert.Zero(t, e.prov.calls.Load())
}

func TestNewOrderKeepsPreviousCheckoutPayable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	first := e.draftIn(t, "sess-1", "member-basic", "10.00", order.ProviderB)
	s, err := e.svc.CreateSession(ctx, first)
	require.NoError(t, err)

	// the buyer opens a second order while the hosted page of the first is still open
	second := e.draftIn(t, "sess-1", "member-basic", "12.00", order.ProviderB)
	active, err := e.svc.ActiveOrder(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	require.NoError(t, e.svc.HandleEvent(ctx, order.ProviderB,
		providertest.Callback("evt-1", first.ID, s.ProviderSessionRef, provider.Succeeded()), nil))

	paid, err := e.store.GetOrder(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusSucceeded, paid.Status)
	assert.True(t, paid.Provisioned)
	assert.False(t, paid.RefundRequired)
	assert.EqualValues(t, 1, e.prov.calls.Load())
}

func TestPaymentOnClosedOrderIsFlaggedForRefund(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// an unpaid checkout expires after the pending TTL
	expired := e.draft(t, "member-basic", "10.00", order.ProviderB)
	s, err := e.svc.CreateSession(ctx, expired)
	require.NoError(t, err)
	e.svc.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	got, err := e.svc.Reconcile(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusAbandoned, got.Status)
	e.svc.now = time.Now

	// a declined order
	e.a.ConfirmFn = func(context.Context, *order.Order, provider.Session, provider.Input) (provider.Outcome, error) {
		return provider.Failed(provider.CategoryDeclined, "do_not_honor"), nil
	}
	declined := e.draft(t, order.PackageDigitalIdentity, "20.00", order.ProviderA)
	ds, err := e.svc.CreateSession(ctx, declined)
	require.NoError(t, err)
	res, err := e.svc.Confirm(ctx, declined.ID, provider.Input{})
	require.NoError(t, err)
	require.Equal(t, order.StatusFailed, res.Status)

	tests := []struct {
		name     string
		p        order.Provider
		id, ref  string
		eventID  string
		wantStat order.Status
	}{
		{"abandoned", order.ProviderB, expired.ID, s.ProviderSessionRef, "evt-late-b", order.StatusAbandoned},
		{"failed", order.ProviderA, declined.ID, ds.ProviderSessionRef, "evt-late-a", order.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, e.svc.HandleEvent(ctx, tt.p, providertest.Callback(tt.eventID, tt.id, tt.ref, provider.Succeeded()), nil))

			stored, err := e.store.GetOrder(ctx, tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStat, stored.Status)
			assert.True(t, stored.RefundRequired)
			assert.False(t, stored.Provisioned)

			processed, err := e.store.SaveEvent(ctx, &order.ProviderEvent{Provider: tt.p, EventID: tt.eventID, OrderID: tt.id, ReceivedAt: time.Now()})
			require.NoError(t, err)
			assert.True(t, processed)
		})
	}
	assert.Zero(t, e.prov.calls.Load())

	flagged, err := e.store.ListRefundRequired(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, flagged, 2)
}

func TestWebhookEdgeCases(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	err := e.svc.HandleEvent(ctx, "provider-x", []byte(`{}`), nil)
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)

	err = e.svc.HandleEvent(ctx, order.ProviderA, []byte(`not json`), nil)
	cat, ok := provider.CategoryOf(err)
	require.True(t, ok)
	assert.Equal(t, provider.CategoryInvalidSignature, cat)

	// unknown order and events without an order are accepted and dropped
	assert.NoError(t, e.svc.HandleEvent(ctx, order.ProviderA,
		providertest.Callback("evt-x", "missing", "ref", provider.Succeeded()), nil))
	assert.NoError(t, e.svc.HandleEvent(ctx, order.ProviderA,
		providertest.Callback("evt-y", "", "", provider.Succeeded()), nil))
}

func TestInitializeFailureReleasesReservation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	down := true
	e.a.InitializeFn = func(ctx context.Context, o *order.Order) (*provider.Session, error) {
		if down {
			return nil, provider.NewError(provider.CategoryConnectivity, "timeout", nil)
		}
		return &provider.Session{Ref: "pi_1", ClientPayload: "cs_1"}, nil
	}
	o := e.draft(t, order.PackageDigitalIdentity, "20.00", order.ProviderA)

	_, err := e.svc.CreateSession(ctx, o)
	cat, ok := provider.CategoryOf(err)
	require.True(t, ok)
	assert.Equal(t, provider.CategoryConnectivity, cat)
	assert.Equal(t, 1+int(fastRetry.MaxRetries), e.a.InitializeCalls())

	stored, err := e.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusDraft, stored.Status)
	assert.Zero(t, stored.Attempts)

	down = false
	s, err := e.svc.Initialize(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "pi_1", s.ProviderSessionRef)
	assert.Equal(t, o.ID, s.OrderID)
}

func TestAuthErrorIsNotRetried(t *testing.T) {
	e := newEnv(t)
	e.a.InitializeFn = func(context.Context, *order.Order) (*provider.Session, error) {
		return nil, provider.NewError(provider.CategoryAuth, "bad key", nil)
	}
	o := e.draft(t, order.PackageDigitalIdentity, "20.00", order.ProviderA)

	_, err := e.svc.CreateSession(context.Background(), o)
	cat, _ := provider.CategoryOf(err)
	assert.Equal(t, provider.CategoryAuth, cat)
	assert.Equal(t, 1, e.a.InitializeCalls())
}

func TestDeclineThenRetryUpToLimit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.a.ConfirmFn = func(context.Context, *order.Order, provider.Session, provider.Input) (provider.Outcome, error) {
		return provider.Failed(provider.CategoryDeclined, "insufficient_funds"), nil
	}
	o := e.draft(t, order.PackageDigitalIdentity, "20.00", order.ProviderA)
	_, err := e.svc.CreateSession(ctx, o)
	require.NoError(t, err)

	refs := map[string]bool{}
	for attempt := 1; attempt <= 3; attempt++ {
		res, err := e.svc.Confirm(ctx, o.ID, provider.Input{PaymentMethod: "pm_card_chargeDeclined"})
		require.NoError(t, err)
		assert.Equal(t, order.StatusFailed, res.Status)
		assert.Equal(t, string(provider.CategoryDeclined), res.Reason)

		stored, err := e.store.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, stored.Attempts)
		refs[stored.ProviderSessionRef] = true

		if attempt < 3 {
			s, err := e.svc.Initialize(ctx, o.ID)
			require.NoError(t, err)
			assert.Equal(t, o.ID, s.OrderID, "retry keeps the order id")
		}
	}
	assert.Len(t, refs, 3, "every attempt gets its own provider session")

	_, err = e.svc.Initialize(ctx, o.ID)
	assert.ErrorIs(t, err, ErrRetryLimit)
	assert.Zero(t, e.prov.calls.Load())
}

func TestConfirmErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus order.Status
		wantReason string
		wantCalls  int
	}{
		{"connectivity retried then processing", provider.NewError(provider.CategoryConnectivity, "reset", nil), order.StatusProcessing, "", 1 + int(fastRetry.MaxRetries)},
		{"rate limited retried then processing", provider.NewError(provider.CategoryRateLimited, "slow down", nil), order.StatusProcessing, "", 1 + int(fastRetry.MaxRetries)},
		{"replayed server error stays open", &provider.Error{Category: provider.CategoryConnectivity, Message: "stored 500", Final: true}, order.StatusProcessing, "", 1},
		{"card error fails", provider.NewError(provider.CategoryCard, "incorrect_cvc", nil), order.StatusFailed, string(provider.CategoryCard), 1},
		{"auth error fails", provider.NewError(provider.CategoryAuth, "bad key", nil), order.StatusFailed, string(provider.CategoryAuth), 1},
		{"unclassified error stays open", errors.New("boom"), order.StatusProcessing, "", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			ctx := context.Background()
			e.a.ConfirmFn = func(context.Context, *order.Order, provider.Session, provider.Input) (provider.Outcome, error) {
				return provider.Outcome{}, tt.err
			}
			o := e.draft(t, order.PackageDigitalIdentity, "20.00", order.ProviderA)
			_, err := e.svc.CreateSession(ctx, o)
			require.NoError(t, err)

			res, err := e.svc.Confirm(ctx, o.ID, provider.Input{})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.Equal(t, tt.wantCalls, e.a.ConfirmCalls())
		})
	}
}

func TestConfirmFollowUpReturnsRedirect(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.a.ConfirmFn = func(context.Context, *order.Order, provider.Session, provider.Input) (provider.Outcome, error) {
		return provider.FollowUp("https://bank.example/3ds"), nil
	}
	o := e.draft(t, order.PackageDigitalIdentity, "20.00", order.ProviderA)
	_, err := e.svc.CreateSession(ctx, o)
	require.NoError(t, err)

	res, err := e.svc.Confirm(ctx, o.ID, provider.Input{PaymentMethod: "pm_3ds"})
	require.NoError(t, err)
	assert.Equal(t, order.StatusProcessing, res.Status)
	assert.Equal(t, "https://bank.example/3ds", res.RedirectURL)
}

func TestConfirmRejectsDraft(t *testing.T) {
	e := newEnv(t)
	o := e.draft(t, order.PackageDigitalIdentity, "20.00", order.ProviderA)
	_, err := e.svc.Confirm(context.Background(), o.ID, provider.Input{})
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = e.svc.Confirm(context.Background(), "missing", provider.Input{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReconcileResolvesProcessingOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.a.ConfirmFn = func(context.Context, *order.Order, provider.Session, provider.Input) (provider.Outcome, error) {
		return provider.Outcome{}, provider.NewError(provider.CategoryConnectivity, "timeout", nil)
	}
	o := e.draft(t, order.PackageDigitalIdentity, "20.00", order.ProviderA)
	_, err := e.svc.CreateSession(ctx, o)
	require.NoError(t, err)
	_, err = e.svc.Confirm(ctx, o.ID, provider.Input{})
	require.NoError(t, err)

	e.svc.now = func() time.Time { return time.Now().Add(time.Minute) }
	open, err := e.svc.ListForReconcile(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, o.ID, open[0].ID)

	e.a.PollFn = func(context.Context, *order.Order) (provider.Outcome, error) { return provider.Succeeded(), nil }
	got, err := e.svc.Reconcile(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusSucceeded, got.Status)
	assert.EqualValues(t, 1, e.prov.calls.Load())

	// settled orders are left alone
	got, err = e.svc.Reconcile(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusSucceeded, got.Status)
	assert.Equal(t, 1, e.a.PollCalls())
}

func TestReconcileIntentCreated(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.draft(t, "member-basic", "10.00", order.ProviderB)
	_, err := e.svc.CreateSession(ctx, o)
	require.NoError(t, err)

	// the buyer is still on the hosted page
	got, err := e.svc.Reconcile(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusIntentCreated, got.Status)

	// the callback was lost but the provider knows the payment went through
	e.b.PollFn = func(context.Context, *order.Order) (provider.Outcome, error) { return provider.Succeeded(), nil }
	got, err = e.svc.Reconcile(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusSucceeded, got.Status)
}

func TestReconcileReleasesStaleReservation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.draft(t, "member-basic", "10.00", order.ProviderB)
	_, err := e.store.UpdateStatus(ctx, order.StatusUpdate{
		ID: o.ID, Version: o.Version, From: order.StatusDraft, To: order.StatusIntentCreated, At: time.Now(),
	})
	require.NoError(t, err)

	got, err := e.svc.Reconcile(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusIntentCreated, got.Status, "fresh reservation is left to its owner")

	e.svc.now = func() time.Time { return time.Now().Add(time.Minute) }
	got, err = e.svc.Reconcile(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusDraft, got.Status)
	assert.Zero(t, e.b.PollCalls())
}

func TestReconcileReachesEveryStaleCheckout(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	const total = reconcileBatch + 1
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		o := e.draft(t, "member-basic", "10.00", order.ProviderB)
		_, err := e.svc.CreateSession(ctx, o)
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}
	newest := ids[total-1]

	e.svc.now = func() time.Time { return time.Now().Add(time.Minute) }
	reached := false
	for round := 0; round < 2 && !reached; round++ {
		open, err := e.svc.ListForReconcile(ctx)
		require.NoError(t, err)
		require.Len(t, open, reconcileBatch)
		for _, o := range open {
			reached = reached || o.ID == newest
			_, err := e.svc.Reconcile(ctx, o.ID)
			require.NoError(t, err)
		}
	}
	assert.True(t, reached, "the newest stale checkout is polled within two rounds")
}

// auditRepo fails the test on any stored transition outside the lifecycle table.
type auditRepo struct {
	Repository
	t           *testing.T
	transitions atomic.Int32
}

func (a *auditRepo) UpdateStatus(ctx context.Context, u order.StatusUpdate) (*order.Order, error) {
	before, err := a.Repository.GetOrder(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	next, err := a.Repository.UpdateStatus(ctx, u)
	if err != nil {
		return nil, err
	}
	a.transitions.Add(1)
	ok := order.CanTransition(before.Status, next.Status) ||
		order.CanRelease(before.Status, next.Status) ||
		(before.Status == order.StatusIntentCreated && next.Status == order.StatusIntentCreated)
	assert.True(a.t, ok, "illegal transition %s -> %s", before.Status, next.Status)
	assert.Greater(a.t, next.Version, before.Version)
	if before.Status.Terminal() && before.Status != order.StatusFailed {
		a.t.Errorf("terminal order %s moved from %s to %s", u.ID, before.Status, next.Status)
	}
	return next, nil
}

func randomOutcome(r *rand.Rand) (provider.Outcome, error) {
	switch r.Intn(7) {
	case 0:
		return provider.Succeeded(), nil
	case 1:
		return provider.Failed(provider.CategoryDeclined, "do_not_honor"), nil
	case 2:
		return provider.Processing(), nil
	case 3:
		return provider.FollowUp("https://bank.example/3ds"), nil
	case 4:
		return provider.Outcome{}, provider.NewError(provider.CategoryConnectivity, "reset", nil)
	case 5:
		return provider.Outcome{}, provider.NewError(provider.CategoryCard, "expired_card", nil)
	default:
		return provider.Outcome{}, provider.NewError(provider.CategoryRateLimited, "slow down", nil)
	}
}

func TestRandomOperationsStayWithinLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	r := rand.New(rand.NewSource(42))
	var mu sync.Mutex
	pick := func() (provider.Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		return randomOutcome(r)
	}

	audit := &auditRepo{Repository: e.store, t: t}
	e.svc.repo = audit
	e.svc.cfg.Retry = retry.Policy{MaxRetries: 0}
	e.a.ConfirmFn = func(context.Context, *order.Order, provider.Session, provider.Input) (provider.Outcome, error) { return pick() }
	e.a.PollFn = func(context.Context, *order.Order) (provider.Outcome, error) { return pick() }
	e.a.InitializeFn = func(ctx context.Context, o *order.Order) (*provider.Session, error) {
		if _, err := pick(); err != nil {
			return nil, err
		}
		return &provider.Session{Ref: "pi_" + o.ID + "_" + string(rune('0'+o.Attempts))}, nil
	}

	orders := make([]*order.Order, 4)
	for i := range orders {
		orders[i] = e.draft(t, order.PackageDigitalIdentity, "20.00", order.ProviderA)
	}

	event := 0
	for i := 0; i < 400; i++ {
		o := orders[r.Intn(len(orders))]
		switch r.Intn(4) {
		case 0:
			_, _ = e.svc.Initialize(ctx, o.ID)
		case 1:
			_, _ = e.svc.Confirm(ctx, o.ID, provider.Input{})
		case 2:
			_, _ = e.svc.Reconcile(ctx, o.ID)
		case 3:
			cur, err := e.store.GetOrder(ctx, o.ID)
			require.NoError(t, err)
			out, _ := pick()
			event++
			_ = e.svc.HandleEvent(ctx, order.ProviderA,
				providertest.Callback("evt-"+string(rune('a'+event%26))+o.ID, o.ID, cur.ProviderSessionRef, out), nil)
		}
	}
	assert.Positive(t, audit.transitions.Load())

	for _, o := range orders {
		cur, err := e.store.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		if cur.Status == order.StatusSucceeded {
			assert.True(t, cur.Provisioned)
			job, err := e.store.GetJob(ctx, o.ID)
			require.NoError(t, err)
			assert.NotNil(t, job.CompletedAt)
		}
		assert.LessOrEqual(t, cur.Attempts, 3)
	}
}
