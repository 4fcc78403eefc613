package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/antonminaichev/payflow/internal/types/order"
	"github.com/stretchr/testify/assert"
)

type mockReconciler struct {
	mu      sync.Mutex
	seen    []string
	errMap  map[string]error
	release chan struct{}
}

func newMockReconciler() *mockReconciler {
	return &mockReconciler{errMap: make(map[string]error)}
}

func (m *mockReconciler) Reconcile(ctx context.Context, orderID string) (*order.Order, error) {
	m.mu.Lock()
	m.seen = append(m.seen, orderID)
	m.mu.Unlock()
	if m.release != nil {
		<-m.release
	}
	if err, ok := m.errMap[orderID]; ok {
		return nil, err
	}
	return &order.Order{ID: orderID, Status: order.StatusSucceeded}, nil
}

func (m *mockReconciler) calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.seen...)
}

type mockLister struct {
	orders []order.Order
	err    error
}

func (m *mockLister) ListForReconcile(ctx context.Context) ([]order.Order, error) {
	return m.orders, m.err
}

// -------- Тесты --------

func TestWorkerLoop_Success(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs := make(chan string, 2)
	jobs <- "o-1"
	jobs <- "o-2"
	close(jobs)

	r := newMockReconciler()
	workerLoop(ctx, 1, jobs, r)

	assert.Equal(t, []string{"o-1", "o-2"}, r.calls())
}

func TestWorkerLoop_ErrorDoesNotStopWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs := make(chan string, 2)
	jobs <- "bad"
	jobs <- "good"
	close(jobs)

	r := newMockReconciler()
	r.errMap["bad"] = errors.New("provider down")
	workerLoop(ctx, 2, jobs, r)

	assert.Equal(t, []string{"bad", "good"}, r.calls())
}

func TestWorkerLoop_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	jobs := make(chan string)
	done := make(chan struct{})
	go func() {
		workerLoop(ctx, 3, jobs, newMockReconciler())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancelled context")
	}
}

func TestDispatcherLoop_DispatchesListedOrders(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &mockLister{orders: []order.Order{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	r := newMockReconciler()

	done := make(chan struct{})
	go func() {
		DispatcherLoop(ctx, l, r, 2, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		seen := map[string]bool{}
		for _, id := range r.calls() {
			seen[id] = true
		}
		return seen["a"] && seen["b"] && seen["c"]
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcherLoop_ListErrorKeepsRunning(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	r := newMockReconciler()
	DispatcherLoop(ctx, &mockLister{err: errors.New("db down")}, r, 1, 5*time.Millisecond)

	assert.Empty(t, r.calls())
}

func TestDispatcherLoop_FullQueueDefersOrders(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orders := make([]order.Order, 10)
	for i := range orders {
		orders[i] = order.Order{ID: string(rune('a' + i))}
	}
	r := newMockReconciler()
	r.release = make(chan struct{})

	go DispatcherLoop(ctx, &mockLister{orders: orders}, r, 1, 5*time.Millisecond)

	// one order in the worker, the rest limited by the queue size
	assert.Eventually(t, func() bool { return len(r.calls()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, r.calls(), 1)
	cancel()
	close(r.release)
}
