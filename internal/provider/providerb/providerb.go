// Package providerb adapts a hosted-checkout processor: the buyer pays on the provider's page
// and the result arrives through a signed server-to-server callback.
package providerb

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/antonminaichev/payflow/internal/provider"
	"github.com/antonminaichev/payflow/internal/types/order"
)

const SignatureHeader = "X-Signature"

const (
	statusSuccess = "success"
	statusFailed  = "failed"
	statusPending = "pending"
)

type Config struct {
	BaseURL     string
	MerchantID  string
	Secret      string
	ReturnURL   string
	CallbackURL string
}

type Adapter struct {
	Client *http.Client
	cfg    Config
}

func New(client *http.Client, cfg Config) *Adapter {
	return &Adapter{Client: client, cfg: cfg}
}

type checkoutBuyer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
	City  string `json:"city"`
}

type checkoutRequest struct {
	MerchantID      string        `json:"merchantId"`
	MerchantOrderID string        `json:"merchantOrderId"`
	Attempt         int           `json:"attempt"`
	Amount          int64         `json:"amount"`
	Currency        string        `json:"currency"`
	Description     string        `json:"description"`
	Buyer           checkoutBuyer `json:"buyer"`
	ReturnURL       string        `json:"returnUrl"`
	CallbackURL     string        `json:"callbackUrl,omitempty"`
}

type checkoutResponse struct {
	Token       string `json:"token"`
	CheckoutURL string `json:"checkoutUrl"`
	EmbedHTML   string `json:"embedHtml"`
}

type statusResponse struct {
	Token            string `json:"token"`
	MerchantOrderID  string `json:"merchantOrderId"`
	Status           string `json:"status"`
	FailedReasonCode string `json:"failedReasonCode"`
	FailedReasonMsg  string `json:"failedReasonMsg"`
}

// CallbackPayload is the body the provider posts after the buyer leaves the hosted page.
type CallbackPayload struct {
	EventID          string `json:"eventId"`
	Token            string `json:"token"`
	MerchantOrderID  string `json:"merchantOrderId"`
	Status           string `json:"status"`
	FailedReasonCode string `json:"failedReasonCode"`
	FailedReasonMsg  string `json:"failedReasonMsg"`
}

func (a *Adapter) Name() order.Provider { return order.ProviderB }

func (a *Adapter) Initialize(ctx context.Context, o *order.Order) (*provider.Session, error) {
	req := checkoutRequest{
		MerchantID:      a.cfg.MerchantID,
		MerchantOrderID: o.ID,
		Attempt:         o.Attempts + 1,
		Amount:          o.AmountMinor(),
		Currency:        o.Currency,
		Description:     string(o.PackageType),
		Buyer: checkoutBuyer{
			Name:  o.Buyer.Name,
			Email: o.Buyer.Email,
			Phone: o.Buyer.Phone,
			City:  o.Buyer.City,
		},
		ReturnURL:   a.cfg.ReturnURL,
		CallbackURL: a.cfg.CallbackURL,
	}
	var resp checkoutResponse
	if err := a.do(ctx, http.MethodPost, "/api/checkout", req, &resp); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, provider.NewError(provider.CategoryConnectivity, "checkout token missing in response", nil)
	}
	return &provider.Session{
		Ref:           resp.Token,
		ClientPayload: resp.EmbedHTML,
		RedirectURL:   resp.CheckoutURL,
	}, nil
}

// Confirm asks the provider for the checkout result. The buyer never confirms directly here.
func (a *Adapter) Confirm(ctx context.Context, o *order.Order, s provider.Session, _ provider.Input) (provider.Outcome, error) {
	return a.status(ctx, s.Ref)
}

func (a *Adapter) Poll(ctx context.Context, o *order.Order) (provider.Outcome, error) {
	return a.status(ctx, o.ProviderSessionRef)
}

func (a *Adapter) status(ctx context.Context, token string) (provider.Outcome, error) {
	if token == "" {
		return provider.Outcome{}, provider.NewError(provider.CategoryValidation, "missing checkout token", nil)
	}
	var resp statusResponse
	if err := a.do(ctx, http.MethodGet, "/api/checkout/"+url.PathEscape(token), nil, &resp); err != nil {
		return provider.Outcome{}, err
	}
	return outcomeOf(resp.Status, resp.FailedReasonCode, resp.FailedReasonMsg), nil
}

func (a *Adapter) ParseEvent(payload []byte, header http.Header) (*provider.Event, error) {
	if !a.validSignature(payload, header.Get(SignatureHeader)) {
		return nil, provider.NewError(provider.CategoryInvalidSignature, "callback signature mismatch", nil)
	}
	var cb CallbackPayload
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, provider.NewError(provider.CategoryValidation, "malformed callback", err)
	}
	if cb.EventID == "" || cb.MerchantOrderID == "" {
		return nil, provider.NewError(provider.CategoryValidation, "callback without event or order id", nil)
	}
	return &provider.Event{
		ID:      cb.EventID,
		Type:    "checkout." + cb.Status,
		OrderID: cb.MerchantOrderID,
		Ref:     cb.Token,
		Outcome: outcomeOf(cb.Status, cb.FailedReasonCode, cb.FailedReasonMsg),
	}, nil
}

// Sign returns the hex HMAC-SHA256 of body under the shared secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) validSignature(body []byte, sig string) bool {
	if a.cfg.Secret == "" || sig == "" {
		return false
	}
	recv, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(a.cfg.Secret))
	mac.Write(body)
	return hmac.Equal(recv, mac.Sum(nil))
}

func (a *Adapter) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return provider.NewError(provider.CategoryValidation, "encode request", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return provider.NewError(provider.CategoryValidation, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Merchant-Id", a.cfg.MerchantID)
	req.Header.Set(SignatureHeader, Sign(a.cfg.Secret, body))

	resp, err := a.Client.Do(req)
	if err != nil {
		return provider.NewError(provider.CategoryConnectivity, "do request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return provider.NewError(provider.FromHTTPStatus(resp.StatusCode),
			fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg)), nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return provider.NewError(provider.CategoryConnectivity, "decode body", err)
	}
	return nil
}

func outcomeOf(status, reasonCode, reasonMsg string) provider.Outcome {
	switch status {
	case statusSuccess:
		return provider.Succeeded()
	case statusFailed:
		return provider.Failed(reasonCategory(reasonCode), reasonMsg)
	case statusPending:
		return provider.Processing()
	default:
		return provider.Processing()
	}
}

func reasonCategory(code string) provider.Category {
	switch code {
	case "invalid_card", "expired_card", "invalid_cvc", "card_not_supported":
		return provider.CategoryCard
	default:
		return provider.CategoryDeclined
	}
}
