package entitlement

import "time"

type Membership struct {
	ID        string    `db:"id" json:"id"`
	OrderID   string    `db:"order_id" json:"orderId"`
	BuyerID   string    `db:"buyer_id" json:"-"`
	Tier      string    `db:"tier" json:"tier"`
	StartsAt  time.Time `db:"starts_at" json:"startsAt"`
	ExpiresAt time.Time `db:"expires_at" json:"expiresAt"`
	CreatedAt time.Time `db:"created_at" json:"-"`
}

type Identity struct {
	ID             string    `db:"id" json:"id"`
	OrderID        string    `db:"order_id" json:"orderId"`
	DocumentNumber string    `db:"document_number" json:"documentNumber"`
	FullName       string    `db:"full_name" json:"fullName"`
	Email          string    `db:"email" json:"email"`
	Phone          string    `db:"phone" json:"phone"`
	City           string    `db:"city" json:"city"`
	IssuedAt       time.Time `db:"issued_at" json:"issuedAt"`
}

// TaskGrant entitles a buyer to claim one task slot later on.
type TaskGrant struct {
	OrderID   string    `db:"order_id" json:"orderId"`
	BuyerID   string    `db:"buyer_id" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

type ForumAccount struct {
	OrderID      string     `db:"order_id" json:"orderId"`
	BuyerID      string     `db:"buyer_id" json:"-"`
	Username     string     `db:"username" json:"username"`
	IssuedAt     time.Time  `db:"issued_at" json:"issuedAt"`
	RedeemedAt   *time.Time `db:"redeemed_at" json:"redeemedAt,omitempty"`
	PasswordHash string     `db:"password_hash" json:"-"`
	// LoginToken is derived on read and never stored.
	LoginToken string `db:"-" json:"loginToken,omitempty"`
}

type Task struct {
	ID           string    `db:"id" json:"id"`
	Title        string    `db:"title" json:"title"`
	Capacity     int       `db:"capacity" json:"capacity"`
	ClaimedCount int       `db:"claimed_count" json:"claimedCount"`
	CreatedAt    time.Time `db:"created_at" json:"-"`
}

func (t Task) Remaining() int {
	if t.ClaimedCount >= t.Capacity {
		return 0
	}
	return t.Capacity - t.ClaimedCount
}

type Reservation struct {
	ID        string    `db:"id" json:"reservationId"`
	TaskID    string    `db:"task_id" json:"taskId"`
	BuyerID   string    `db:"buyer_id" json:"buyerId"`
	OrderID   string    `db:"order_id" json:"orderId"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Job tracks provisioning of one succeeded order until every step has completed.
type Job struct {
	OrderID     string     `db:"order_id"`
	Attempts    int        `db:"attempts"`
	LastError   string     `db:"last_error"`
	CreatedAt   time.Time  `db:"created_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

type Bundle struct {
	OrderID       string        `json:"orderId"`
	Membership    *Membership   `json:"membership,omitempty"`
	Identity      *Identity     `json:"identity,omitempty"`
	TaskSelection *TaskGrant    `json:"taskSelection,omitempty"`
	TaskSlot      *Reservation  `json:"taskSlot,omitempty"`
	Forum         *ForumAccount `json:"forum,omitempty"`
}
