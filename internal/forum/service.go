// Package forum issues forum accounts for paid orders and lets the buyer claim them once.
package forum

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/antonminaichev/payflow/internal/storage"
	"github.com/antonminaichev/payflow/internal/types/entitlement"
	"github.com/antonminaichev/payflow/internal/types/order"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrInvalidToken     = errors.New("invalid login token")
	ErrTokenUsed        = errors.New("login token already used")
	ErrInvalidCreds     = errors.New("invalid credentials")
	ErrPasswordTooShort = errors.New("password must be at least 8 characters")
)

const (
	minPasswordLen = 8
	maxUsernameLen = 24
)

type Service struct {
	repo      AccountRepository
	jwtSecret []byte
	jwtTTL    time.Duration
	now       func() time.Time
}

func NewService(repo AccountRepository, jwtSecret []byte, jwtTTL time.Duration) *Service {
	return &Service{repo: repo, jwtSecret: jwtSecret, jwtTTL: jwtTTL, now: time.Now}
}

// Issue creates the order's forum account unless it exists already.
func (s *Service) Issue(ctx context.Context, o *order.Order) error {
	base := slug(o.Buyer.Name)
	suffix := strings.ReplaceAll(o.ID, "-", "")
	for _, n := range []int{6, 12, len(suffix)} {
		if n > len(suffix) {
			n = len(suffix)
		}
		a := &entitlement.ForumAccount{
			OrderID:  o.ID,
			BuyerID:  o.Buyer.ID(),
			Username: base + "-" + suffix[:n],
			IssuedAt: s.now().UTC().Truncate(time.Second),
		}
		_, err := s.repo.CreateForumAccount(ctx, a)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("forum username for order %s: %w", o.ID, storage.ErrConflict)
}

// LoginToken signs a fresh one-time login token for a. Each read of an unredeemed
// account gets a new expiry; redemption is what makes every token for it unusable.
func (s *Service) LoginToken(a *entitlement.ForumAccount) (string, error) {
	now := s.now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   a.Username,
		ID:        a.OrderID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// Redeem consumes a login token and sets the account password.
func (s *Service) Redeem(ctx context.Context, tokenStr, password string) (*entitlement.ForumAccount, error) {
	if len(password) < minPasswordLen {
		return nil, ErrPasswordTooShort
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	a, err := s.repo.FindForumAccount(ctx, claims.Subject)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && a.OrderID != claims.ID) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if a.RedeemedAt != nil {
		return nil, ErrTokenUsed
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := s.repo.RedeemForumAccount(ctx, a.OrderID, string(hash), now); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrTokenUsed
		}
		return nil, err
	}
	a.PasswordHash = string(hash)
	a.RedeemedAt = &now
	return a, nil
}

// Authenticate checks forum credentials of a redeemed account.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*entitlement.ForumAccount, error) {
	a, err := s.repo.FindForumAccount(ctx, username)
	if err != nil || a.PasswordHash == "" {
		return nil, ErrInvalidCreds
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCreds
	}
	return a, nil
}

// slug keeps ASCII letters and digits of name, folding accents and joining words with dots.
func slug(name string) string {
	var b strings.Builder
	dot := false
	for _, r := range norm.NFKD.String(strings.ToLower(name)) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if dot && b.Len() > 0 {
				b.WriteByte('.')
			}
			dot = false
			b.WriteRune(r)
		case unicode.Is(unicode.Mn, r):
		default:
			dot = true
		}
		if b.Len() >= maxUsernameLen {
			break
		}
	}
	out := b.String()
	if len(out) > maxUsernameLen {
		out = out[:maxUsernameLen]
	}
	out = strings.TrimRight(out, ".")
	if out == "" {
		return "member"
	}
	return out
}
