// Package providera adapts a client-confirmed card processor (Stripe payment intents).
package providera

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/antonminaichev/payflow/internal/provider"
	"github.com/antonminaichev/payflow/internal/types/order"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const metadataOrderID = "order_id"

const signatureHeader = "Stripe-Signature"

type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
}

type Config struct {
	SecretKey     string
	WebhookSecret string
	ReturnURL     string
	Timeout       time.Duration
	// BaseURL overrides the API endpoint, used against local fakes.
	BaseURL string
}

type Adapter struct {
	intents       intentAPI
	webhookSecret string
	returnURL     string
}

func New(cfg Config) *Adapter {
	bc := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.BaseURL != "" {
		bc.URL = stripe.String(cfg.BaseURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, bc)
	api := client.New(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return newAdapter(api.PaymentIntents, cfg)
}

func newAdapter(intents intentAPI, cfg Config) *Adapter {
	return &Adapter{
		intents:       intents,
		webhookSecret: cfg.WebhookSecret,
		returnURL:     cfg.ReturnURL,
	}
}

func (a *Adapter) Name() order.Provider { return order.ProviderA }

func (a *Adapter) Initialize(ctx context.Context, o *order.Order) (*provider.Session, error) {
	params := &stripe.PaymentIntentParams{
		Amount:       stripe.Int64(o.AmountMinor()),
		Currency:     stripe.String(strings.ToLower(o.Currency)),
		ReceiptEmail: stripe.String(o.Buyer.Email),
		Description:  stripe.String(string(o.PackageType)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata(metadataOrderID, o.ID)
	// one intent per reservation; every reservation bumps the order version
	params.SetIdempotencyKey(fmt.Sprintf("%s-%d", o.ID, o.Version))

	pi, err := a.intents.New(params)
	if err != nil {
		return nil, replayed(translate(err))
	}
	return &provider.Session{Ref: pi.ID, ClientPayload: pi.ClientSecret}, nil
}

func (a *Adapter) Confirm(ctx context.Context, o *order.Order, s provider.Session, in provider.Input) (provider.Outcome, error) {
	if s.Ref == "" {
		return provider.Outcome{}, provider.NewError(provider.CategoryValidation, "missing payment intent", nil)
	}
	var (
		pi    *stripe.PaymentIntent
		err   error
		keyed bool
	)
	if in.PaymentMethod != "" {
		params := &stripe.PaymentIntentConfirmParams{PaymentMethod: stripe.String(in.PaymentMethod)}
		if a.returnURL != "" {
			params.ReturnURL = stripe.String(a.returnURL)
		}
		params.Context = ctx
		params.SetIdempotencyKey(fmt.Sprintf("%s-confirm-%d", o.ID, o.Version))
		pi, err = a.intents.Confirm(s.Ref, params)
		keyed = true
	} else {
		// the client confirmed out of band; read back the result
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		pi, err = a.intents.Get(s.Ref, params)
	}
	if err != nil {
		out, err := categorical(err)
		if keyed {
			err = replayed(err)
		}
		return out, err
	}
	return outcomeOf(pi), nil
}

func (a *Adapter) Poll(ctx context.Context, o *order.Order) (provider.Outcome, error) {
	if o.ProviderSessionRef == "" {
		return provider.Outcome{}, provider.NewError(provider.CategoryValidation, "order has no payment intent", nil)
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := a.intents.Get(o.ProviderSessionRef, params)
	if err != nil {
		return provider.Outcome{}, translate(err)
	}
	return outcomeOf(pi), nil
}

func (a *Adapter) ParseEvent(payload []byte, header http.Header) (*provider.Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, header.Get(signatureHeader), a.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, provider.NewError(provider.CategoryInvalidSignature, "webhook verification failed", err)
	}

	eventType := string(ev.Type)
	if !strings.HasPrefix(eventType, "payment_intent.") {
		return &provider.Event{ID: ev.ID, Type: eventType}, nil
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return nil, provider.NewError(provider.CategoryValidation, "malformed payment intent payload", err)
	}

	out := provider.Event{
		ID:      ev.ID,
		Type:    eventType,
		OrderID: pi.Metadata[metadataOrderID],
		Ref:     pi.ID,
	}
	switch eventType {
	case "payment_intent.succeeded":
		out.Outcome = provider.Succeeded()
	case "payment_intent.payment_failed":
		out.Outcome = failedOutcome(pi.LastPaymentError)
	case "payment_intent.canceled":
		out.Outcome = provider.Failed(provider.CategoryDeclined, "payment intent canceled")
	default:
		out.Outcome = provider.Processing()
	}
	return &out, nil
}

func outcomeOf(pi *stripe.PaymentIntent) provider.Outcome {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return provider.Succeeded()
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture,
		stripe.PaymentIntentStatusRequiresConfirmation:
		return provider.Processing()
	case stripe.PaymentIntentStatusRequiresAction:
		if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil {
			return provider.FollowUp(pi.NextAction.RedirectToURL.URL)
		}
		return provider.Processing()
	case stripe.PaymentIntentStatusCanceled:
		return provider.Failed(provider.CategoryDeclined, "payment intent canceled")
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return failedOutcome(pi.LastPaymentError)
		}
		// the client has not attached payment details yet
		return provider.Processing()
	default:
		return provider.Processing()
	}
}

func failedOutcome(e *stripe.Error) provider.Outcome {
	if e == nil {
		return provider.Failed(provider.CategoryDeclined, "payment failed")
	}
	if e.DeclineCode != "" {
		return provider.Failed(provider.CategoryDeclined, string(e.DeclineCode))
	}
	return provider.Failed(provider.CategoryCard, string(e.Code))
}

// categorical turns a card rejection during Confirm into a failed outcome; everything else
// stays an error for the orchestrator to classify.
func categorical(err error) (provider.Outcome, error) {
	var se *stripe.Error
	if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
		return failedOutcome(se), nil
	}
	return provider.Outcome{}, translate(err)
}

// replayed marks a server error on an idempotent request as final. Stripe stores the
// response under the key, so only failures that never got a response are worth resending.
func replayed(err error) error {
	var se *stripe.Error
	var pe *provider.Error
	if errors.As(err, &se) && se.HTTPStatusCode >= http.StatusInternalServerError && errors.As(err, &pe) {
		pe.Final = true
	}
	return err
}

func translate(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return provider.NewError(provider.CategoryConnectivity, "provider unreachable", err)
	}
	switch {
	case se.Type == stripe.ErrorTypeCard && se.DeclineCode != "":
		return provider.NewError(provider.CategoryDeclined, string(se.DeclineCode), err)
	case se.Type == stripe.ErrorTypeCard:
		return provider.NewError(provider.CategoryCard, string(se.Code), err)
	case se.Code == stripe.ErrorCodeRateLimit:
		return provider.NewError(provider.CategoryRateLimited, se.Msg, err)
	case se.HTTPStatusCode != 0:
		return provider.NewError(provider.FromHTTPStatus(se.HTTPStatusCode), se.Msg, err)
	case se.Type == stripe.ErrorTypeAPI:
		return provider.NewError(provider.CategoryConnectivity, se.Msg, err)
	default:
		return provider.NewError(provider.CategoryValidation, se.Msg, err)
	}
}
