// Package order turns submitted purchase forms into persisted draft orders.
package order

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/antonminaichev/payflow/internal/catalog"
	"github.com/antonminaichev/payflow/internal/types/order"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const minPhoneDigits = 10

// Request is the purchase form as submitted.
type Request struct {
	Amount      decimal.Decimal   `json:"amount"`
	PackageType order.PackageType `json:"packageType"`
	Buyer       order.Buyer       `json:"buyer"`
	Provider    order.Provider    `json:"provider"`
}

type Builder struct {
	repo    OrderRepository
	catalog *catalog.Catalog
	now     func() time.Time
}

func NewBuilder(r OrderRepository, c *catalog.Catalog) *Builder {
	return &Builder{repo: r, catalog: c, now: time.Now}
}

// Build validates req and stores it as a draft order, which becomes the session's active order.
// Validation failures are *order.ValidationError and nothing is written.
func (b *Builder) Build(ctx context.Context, sessionID string, req Request) (*order.Order, error) {
	if err := b.Validate(req); err != nil {
		return nil, err
	}
	now := b.now().UTC()
	o := &order.Order{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Amount:      req.Amount,
		Currency:    b.catalog.Currency,
		PackageType: req.PackageType,
		Buyer:       normalizeBuyer(req.Buyer),
		Provider:    req.Provider,
		Status:      order.StatusDraft,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := b.repo.PutOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("store order: %w", err)
	}
	return o, nil
}

func (b *Builder) Validate(req Request) error {
	pkg, err := b.catalog.Lookup(req.PackageType)
	if errors.Is(err, catalog.ErrUnknownPackage) {
		return &order.ValidationError{Code: order.CodeInvalidPackage, Field: "packageType", Message: "unknown package"}
	}
	if !pkg.Accepts(req.Amount) {
		msg := fmt.Sprintf("amount must equal %s", pkg.FixedPrice().StringFixed(2))
		if !pkg.Fixed() {
			lo, hi := pkg.Band()
			msg = fmt.Sprintf("amount must be between %s and %s", lo.StringFixed(2), hi.StringFixed(2))
		}
		return &order.ValidationError{Code: order.CodeInvalidAmount, Field: "amount", Message: msg}
	}
	if !req.Provider.Valid() {
		return &order.ValidationError{Code: order.CodeInvalidProvider, Field: "provider", Message: "unsupported provider"}
	}
	return validateBuyer(normalizeBuyer(req.Buyer))
}

func normalizeBuyer(b order.Buyer) order.Buyer {
	return order.Buyer{
		Name:  strings.Join(strings.Fields(b.Name), " "),
		Email: strings.TrimSpace(b.Email),
		Phone: strings.TrimSpace(b.Phone),
		City:  strings.TrimSpace(b.City),
	}
}

func validateBuyer(b order.Buyer) error {
	if b.Name == "" {
		return &order.ValidationError{Code: order.CodeInvalidBuyer, Field: "buyer.name", Message: "name is required"}
	}
	addr, err := mail.ParseAddress(b.Email)
	if err != nil || addr.Address != b.Email {
		return &order.ValidationError{Code: order.CodeInvalidBuyer, Field: "buyer.email", Message: "email is not valid"}
	}
	digits := 0
	for _, r := range b.Phone {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return &order.ValidationError{Code: order.CodeInvalidBuyer, Field: "buyer.phone", Message: "phone has invalid characters"}
		}
	}
	if digits < minPhoneDigits {
		return &order.ValidationError{Code: order.CodeInvalidBuyer, Field: "buyer.phone",
			Message: fmt.Sprintf("phone needs at least %d digits", minPhoneDigits)}
	}
	return nil
}
