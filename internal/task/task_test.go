package task

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/antonminaichev/payflow/internal/storage"
	"github.com/antonminaichev/payflow/internal/storage/sqlstore"
	"github.com/antonminaichev/payflow/internal/types/entitlement"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGrants struct {
	findFn func(ctx context.Context, buyerID string) (*entitlement.TaskGrant, error)
}

func (s *stubGrants) FindTaskGrant(ctx context.Context, buyerID string) (*entitlement.TaskGrant, error) {
	if s.findFn != nil {
		return s.findFn(ctx, buyerID)
	}
	return &entitlement.TaskGrant{OrderID: "ord-" + buyerID, BuyerID: buyerID}, nil
}

func noGrant(context.Context, string) (*entitlement.TaskGrant, error) {
	return nil, storage.ErrNotFound
}

type stubSlots struct {
	createFn func(ctx context.Context, t *entitlement.Task) error
	listFn   func(ctx context.Context) ([]entitlement.Task, error)
	claimFn  func(ctx context.Context, r *entitlement.Reservation) error
}

func (s *stubSlots) CreateTask(ctx context.Context, t *entitlement.Task) error {
	if s.createFn != nil {
		return s.createFn(ctx, t)
	}
	return nil
}

func (s *stubSlots) GetTask(ctx context.Context, id string) (*entitlement.Task, error) {
	return nil, storage.ErrNotFound
}

func (s *stubSlots) ListTasks(ctx context.Context) ([]entitlement.Task, error) {
	if s.listFn != nil {
		return s.listFn(ctx)
	}
	return nil, nil
}

func (s *stubSlots) ClaimTask(ctx context.Context, r *entitlement.Reservation) error {
	if s.claimFn != nil {
		return s.claimFn(ctx, r)
	}
	return nil
}

func (s *stubSlots) FindReservation(ctx context.Context, buyerID string) (*entitlement.Reservation, error) {
	return nil, storage.ErrNotFound
}

func TestClaimErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		storeErr error
		want     error
	}{
		{"unknown task", storage.ErrNotFound, ErrTaskNotFound},
		{"full", storage.ErrExhausted, ErrSlotsExhausted},
		{"second slot", storage.ErrConflict, ErrAlreadyClaimed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(&stubGrants{}, &stubSlots{claimFn: func(context.Context, *entitlement.Reservation) error {
				return tt.storeErr
			}})
			_, err := svc.Claim(context.Background(), "t1", "ada@example.com")
			assert.ErrorIs(t, err, tt.want)
		})
	}

	dbErr := errors.New("db down")
	svc := NewService(&stubGrants{}, &stubSlots{claimFn: func(context.Context, *entitlement.Reservation) error { return dbErr }})
	_, err := svc.Claim(context.Background(), "t1", "ada@example.com")
	assert.ErrorIs(t, err, dbErr)
}

func TestClaimNormalisesBuyer(t *testing.T) {
	var gotGrant string
	var got *entitlement.Reservation
	svc := NewService(
		&stubGrants{findFn: func(_ context.Context, b string) (*entitlement.TaskGrant, error) {
			gotGrant = b
			return &entitlement.TaskGrant{OrderID: "ord-7", BuyerID: b}, nil
		}},
		&stubSlots{claimFn: func(_ context.Context, r *entitlement.Reservation) error { got = r; return nil }},
	)
	res, err := svc.Claim(context.Background(), "t1", "  Ada@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", gotGrant)
	assert.Equal(t, "ada@example.com", got.BuyerID)
	assert.Equal(t, "ord-7", got.OrderID, "slot is tied to the granting order")
	assert.NotEmpty(t, res.ID)
}

func TestClaimRequiresGrant(t *testing.T) {
	claimed := false
	svc := NewService(
		&stubGrants{findFn: noGrant},
		&stubSlots{claimFn: func(context.Context, *entitlement.Reservation) error { claimed = true; return nil }},
	)
	_, err := svc.Claim(context.Background(), "t1", "ada@example.com")
	assert.ErrorIs(t, err, ErrNotEligible)
	assert.False(t, claimed)
}

func TestCreateTaskValidation(t *testing.T) {
	svc := NewService(&stubGrants{}, &stubSlots{})
	for _, c := range []struct {
		id, title string
		capacity  int
	}{{"", "x", 1}, {"t", " ", 1}, {"t", "x", 0}} {
		_, err := svc.CreateTask(context.Background(), c.id, c.title, c.capacity)
		assert.ErrorIs(t, err, ErrInvalidTask)
	}
	task, err := svc.CreateTask(context.Background(), "t1", "Translate docs", 20)
	require.NoError(t, err)
	assert.Equal(t, 20, task.Remaining())
}

func newStoreService(t *testing.T) (*Service, *sqlstore.Store) {
	t.Helper()
	store, err := sqlstore.New(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewService(&stubGrants{}, store), store
}

func TestConcurrentClaimsNeverOversell(t *testing.T) {
	svc, store := newStoreService(t)
	ctx := context.Background()
	const capacity, buyers = 5, 20
	_, err := svc.CreateTask(ctx, "t1", "Field survey", capacity)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok, full  int
		otherErrs []error
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Claim(ctx, "t1", fmt.Sprintf("buyer%d@example.com", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrSlotsExhausted):
				full++
			default:
				otherErrs = append(otherErrs, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, otherErrs)
	assert.Equal(t, capacity, ok)
	assert.Equal(t, buyers-capacity, full)

	task, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, capacity, task.ClaimedCount)
}

func TestSecondClaimOnAnotherTaskIsRejected(t *testing.T) {
	svc, store := newStoreService(t)
	ctx := context.Background()
	_, err := svc.CreateTask(ctx, "t1", "One", 3)
	require.NoError(t, err)
	_, err = svc.CreateTask(ctx, "t2", "Two", 3)
	require.NoError(t, err)

	first, err := svc.Claim(ctx, "t1", "ada@example.com")
	require.NoError(t, err)
	_, err = svc.Claim(ctx, "t2", "ADA@example.com")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	t2, err := store.GetTask(ctx, "t2")
	require.NoError(t, err)
	assert.Zero(t, t2.ClaimedCount, "rejected claim leaves the counter untouched")

	res, err := svc.Reservation(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, first.ID, res.ID)
}

func TestHolderClaimingFullTaskIsAlreadyClaimed(t *testing.T) {
	svc, store := newStoreService(t)
	ctx := context.Background()
	_, err := svc.CreateTask(ctx, "t1", "One", 1)
	require.NoError(t, err)
	_, err = svc.CreateTask(ctx, "t2", "Two", 1)
	require.NoError(t, err)

	_, err = svc.Claim(ctx, "t1", "ada@example.com")
	require.NoError(t, err)
	_, err = svc.Claim(ctx, "t2", "bob@example.com")
	require.NoError(t, err)

	_, err = svc.Claim(ctx, "t2", "ada@example.com")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	_, err = svc.Claim(ctx, "t1", "ada@example.com")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	t2, err := store.GetTask(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, 1, t2.ClaimedCount)
}

func TestClaimHandler(t *testing.T) {
	svc, _ := newStoreService(t)
	ctx := context.Background()
	_, err := svc.CreateTask(ctx, "t1", "One", 1)
	require.NoError(t, err)

	h := NewHandler(svc)
	r := chi.NewRouter()
	r.Post("/tasks/{taskId}/claim", h.Claim)
	r.Get("/tasks", h.ListTasks)

	claim := func(task, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tasks/"+task+"/claim", strings.NewReader(body)))
		return rec
	}

	tests := []struct {
		name     string
		task     string
		body     string
		wantCode int
		wantBody string
	}{
		{"bad body", "t1", `{`, http.StatusBadRequest, "validation_error"},
		{"missing buyer", "t1", `{}`, http.StatusBadRequest, "validation_error"},
		{"unknown task", "nope", `{"buyerId":"ada@example.com"}`, http.StatusNotFound, "task_not_found"},
		{"claimed", "t1", `{"buyerId":"ada@example.com"}`, http.StatusOK, "reservationId"},
		{"same buyer again", "t1", `{"buyerId":"ada@example.com"}`, http.StatusConflict, "already_claimed"},
		{"full", "t1", `{"buyerId":"bob@example.com"}`, http.StatusConflict, "slots_exhausted"},
	}
	for _, tt := range tests {
		rec := claim(tt.task, tt.body)
		assert.Equal(t, tt.wantCode, rec.Code, tt.name)
		assert.Contains(t, rec.Body.String(), tt.wantBody, tt.name)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":"t1","title":"One","capacity":1,"remaining":0}]`, rec.Body.String())
}

func TestClaimHandlerNotEligible(t *testing.T) {
	svc := NewService(&stubGrants{findFn: noGrant}, &stubSlots{})
	r := chi.NewRouter()
	r.Post("/tasks/{taskId}/claim", NewHandler(svc).Claim)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tasks/t1/claim", strings.NewReader(`{"buyerId":"a@b.co"}`)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_eligible")
}
