package storage

import (
	"context"
	"errors"
	"time"

	"github.com/antonminaichev/payflow/internal/types/entitlement"
	"github.com/antonminaichev/payflow/internal/types/order"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict означает, что строка уже изменена другим участником или нарушена уникальность.
	ErrConflict = errors.New("conflict")
	// ErrExhausted возвращается, когда у задачи не осталось свободных мест.
	ErrExhausted = errors.New("capacity exhausted")
)

// OrderRepository отвечает за заказы и указатель активного заказа сессии.
type OrderRepository interface {
	// PutOrder сохраняет новый заказ и делает его активным для сессии,
	// предыдущий активный заказ при этом помечается abandoned, если это допустимо.
	PutOrder(ctx context.Context, o *order.Order) error
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	ActiveOrder(ctx context.Context, sessionID string) (*order.Order, error)
	// UpdateStatus выполняет compare-and-set по версии и статусу и возвращает обновлённый заказ.
	UpdateStatus(ctx context.Context, u order.StatusUpdate) (*order.Order, error)
	ListOrders(ctx context.Context, status order.Status, updatedBefore time.Time, limit int) ([]order.Order, error)
	// MarkPolled не меняет версию: опрос провайдера не является переходом статуса.
	MarkPolled(ctx context.Context, id string, at time.Time) error
	// FlagRefund помечает заказ, деньги по которому списаны, но права выданы не будут.
	FlagRefund(ctx context.Context, id string) error
	ListRefundRequired(ctx context.Context, limit int) ([]order.Order, error)
}

// EventRepository хранит входящие события провайдеров.
type EventRepository interface {
	// SaveEvent записывает событие, если его ещё нет, и сообщает, было ли оно уже обработано.
	SaveEvent(ctx context.Context, e *order.ProviderEvent) (processed bool, err error)
	MarkEventProcessed(ctx context.Context, p order.Provider, eventID string, at time.Time) error
}

// EntitlementRepository отвечает за выданные права. Все вставки идемпотентны по заказу.
type EntitlementRepository interface {
	ActivateMembership(ctx context.Context, m *entitlement.Membership, days int) (bool, error)
	CreateIdentity(ctx context.Context, id *entitlement.Identity) (bool, error)
	CreateTaskGrant(ctx context.Context, g *entitlement.TaskGrant) (bool, error)
	FindTaskGrant(ctx context.Context, buyerID string) (*entitlement.TaskGrant, error)
	CreateForumAccount(ctx context.Context, a *entitlement.ForumAccount) (bool, error)
	FindForumAccount(ctx context.Context, username string) (*entitlement.ForumAccount, error)
	RedeemForumAccount(ctx context.Context, orderID, passwordHash string, at time.Time) error
	GetBundle(ctx context.Context, orderID string) (*entitlement.Bundle, error)
}

// JobRepository ведёт задания на выдачу прав.
type JobRepository interface {
	GetJob(ctx context.Context, orderID string) (*entitlement.Job, error)
	PendingJobs(ctx context.Context, limit int) ([]entitlement.Job, error)
	RecordJobAttempt(ctx context.Context, orderID, lastError string, completedAt *time.Time) error
}

// TaskRepository распределяет места в задачах.
type TaskRepository interface {
	CreateTask(ctx context.Context, t *entitlement.Task) error
	GetTask(ctx context.Context, id string) (*entitlement.Task, error)
	ListTasks(ctx context.Context) ([]entitlement.Task, error)
	ClaimTask(ctx context.Context, r *entitlement.Reservation) error
	FindReservation(ctx context.Context, buyerID string) (*entitlement.Reservation, error)
}

// Storage объединяет все репозитории.
type Storage interface {
	OrderRepository
	EventRepository
	EntitlementRepository
	JobRepository
	TaskRepository

	// Для управления соединением
	Ping(ctx context.Context) error
	Close() error
}
