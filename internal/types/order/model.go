package order

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusDraft         Status = "draft"
	StatusIntentCreated Status = "intent_created"
	StatusConfirming    Status = "confirming"
	StatusProcessing    Status = "processing"
	StatusSucceeded     Status = "succeeded"
	StatusFailed        Status = "failed"
	StatusAbandoned     Status = "abandoned"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusDraft,
	StatusIntentCreated,
	StatusConfirming,
	StatusProcessing,
	StatusSucceeded,
	StatusFailed,
	StatusAbandoned,
}

type PackageType string

// Tiered membership package names come from the catalog.
const (
	PackageCustomContribution PackageType = "custom-contribution"
	PackageDigitalIdentity    PackageType = "digital-identity"
)

type Provider string

const (
	ProviderA Provider = "provider-a"
	ProviderB Provider = "provider-b"
)

func (p Provider) Valid() bool {
	return p == ProviderA || p == ProviderB
}

var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the forward edge table. Release edges are kept apart in releases.
var transitions = map[Status][]Status{
	StatusDraft:         {StatusIntentCreated, StatusAbandoned},
	StatusIntentCreated: {StatusConfirming, StatusAbandoned},
	StatusConfirming:    {StatusProcessing, StatusSucceeded, StatusFailed},
	StatusProcessing:    {StatusSucceeded, StatusFailed},
	StatusFailed:        {StatusIntentCreated, StatusAbandoned},
}

// releases undo an intent_created reservation whose provider session was never created.
var releases = map[Status][]Status{
	StatusIntentCreated: {StatusDraft, StatusFailed},
}

func CanTransition(from, to Status) bool {
	return contains(transitions[from], to)
}

func CanRelease(from, to Status) bool {
	return contains(releases[from], to)
}

func contains(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Active reports whether the order still counts as the buyer session's in-flight order.
func (s Status) Active() bool {
	switch s {
	case StatusDraft, StatusIntentCreated, StatusConfirming, StatusProcessing:
		return true
	}
	return false
}

// Terminal is true for statuses after which the order is immutable.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAbandoned
}

// Abandonable reports whether a newer order of the same session may supersede o. Once a
// provider session is attached the buyer can pay at any moment, so such orders are left to
// reconciliation like confirming and processing ones.
func (o *Order) Abandonable() bool {
	switch o.Status {
	case StatusDraft, StatusFailed:
		return true
	case StatusIntentCreated:
		return o.ProviderSessionRef == ""
	}
	return false
}

type Buyer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
	City  string `json:"city"`
}

// ID is the platform-wide buyer key used by memberships, forum accounts and task slots.
func (b Buyer) ID() string {
	return BuyerID(b.Email)
}

func BuyerID(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Order is one purchase attempt of a buyer session. RefundRequired marks money captured
// for an order that will never be provisioned.
type Order struct {
	ID                 string          `db:"id" json:"orderId"`
	SessionID          string          `db:"session_id" json:"-"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `db:"currency" json:"currency"`
	PackageType        PackageType     `db:"package_type" json:"packageType"`
	Buyer              Buyer           `json:"buyer"`
	Provider           Provider        `db:"provider" json:"provider"`
	ProviderSessionRef string          `db:"provider_session_ref" json:"providerSessionRef,omitempty"`
	Status             Status          `db:"status" json:"status"`
	FailureReason      string          `db:"failure_reason" json:"reason,omitempty"`
	Attempts           int             `db:"attempts" json:"attempts"`
	Provisioned        bool            `db:"provisioned" json:"provisioned"`
	RefundRequired     bool            `db:"refund_required" json:"refundRequired,omitempty"`
	Version            int64           `db:"version" json:"version"`
	CreatedAt          time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updatedAt"`
}

// AmountMinor returns the amount in currency minor units (cents).
func (o *Order) AmountMinor() int64 {
	return o.Amount.Shift(2).IntPart()
}

func AmountFromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// StatusUpdate is a compare-and-set on (Version, From).
type StatusUpdate struct {
	ID      string
	Version int64
	From    Status
	To      Status
	// Release marks the undo of an unfulfilled intent_created reservation.
	Release            bool
	ProviderSessionRef *string
	FailureReason      *string
	// IncAttempts counts a newly created provider session.
	IncAttempts bool
	At          time.Time
}

func (u StatusUpdate) Allowed() bool {
	if u.From == u.To {
		// attaching the provider session to an existing reservation
		return u.From == StatusIntentCreated && u.ProviderSessionRef != nil && !u.Release
	}
	if u.Release {
		return CanRelease(u.From, u.To)
	}
	return CanTransition(u.From, u.To)
}
