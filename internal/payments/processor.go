package payments

import (
	"context"
	"errors"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

var ErrDisabled = errors.New("payments: processor not configured")

type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentSucceeded IntentStatus = "succeeded"
	IntentCancelled IntentStatus = "cancelled"
)

// Intent is a card payment the client completes with ClientSecret.
type Intent struct {
	ID           string       `json:"id"`
	ClientSecret string       `json:"clientSecret,omitempty"`
	Status       IntentStatus `json:"status"`
}

type Processor interface {
	CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (Intent, error)
	GetIntent(ctx context.Context, id string) (Intent, error)
	CancelIntent(ctx context.Context, id string) error
}

// StripeProcessor collects payments through Stripe PaymentIntents.
type StripeProcessor struct{}

// NewStripeProcessor sets the package level stripe key.
func NewStripeProcessor(apiKey string) *StripeProcessor {
	stripe.Key = apiKey
	return &StripeProcessor{}
}

func (s *StripeProcessor) CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return Intent{}, err
	}
	return toIntent(pi), nil
}

func (s *StripeProcessor) GetIntent(ctx context.Context, id string) (Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(id, params)
	if err != nil {
		return Intent{}, err
	}
	return toIntent(pi), nil
}

func (s *StripeProcessor) CancelIntent(ctx context.Context, id string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(id, params)
	return err
}

func toIntent(pi *stripe.PaymentIntent) Intent {
	out := Intent{ID: pi.ID, ClientSecret: pi.ClientSecret, Status: IntentPending}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		out.Status = IntentSucceeded
	case stripe.PaymentIntentStatusCanceled:
		out.Status = IntentCancelled
	}
	return out
}
