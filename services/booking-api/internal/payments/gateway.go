package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// ErrNotConfigured is returned when no payment processor key is set.
var ErrNotConfigured = errors.New("payment processor not configured")

type IntentRequest struct {
	AppointmentID string
	ServiceID     string
	ClientID      string
	AmountCents   int64
	Currency      string
}

// Intent is the payment reference returned to the client.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"clientSecret"`
	AmountCents  int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
}

type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	CancelIntent(ctx context.Context, id string) error
}

type StripeConfig struct {
	SecretKey string
	// BaseURL overrides the Stripe API endpoint, e.g. stripe-mock.
	BaseURL    string
	HTTPClient *http.Client
	// BreakerFailures consecutive failures open the circuit for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// StripeGateway creates and cancels Stripe PaymentIntents. Calls go through a circuit
// breaker so a Stripe outage fails bookings' payment step fast instead of holding
// requests for the full dependency timeout.
type StripeGateway struct {
	api     *client.API
	breaker *gobreaker.CircuitBreaker[*stripe.PaymentIntent]
	logger  *slog.Logger
}

func NewStripeGateway(cfg StripeConfig, logger *slog.Logger) (*StripeGateway, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, ErrNotConfigured
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	var backends *stripe.Backends
	if cfg.BaseURL != "" || cfg.HTTPClient != nil {
		bc := &stripe.BackendConfig{
			HTTPClient:        cfg.HTTPClient,
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
		}
		if cfg.BaseURL != "" {
			bc.URL = stripe.String(cfg.BaseURL)
		}
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, bc)
		backends = &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
	}

	breaker := gobreaker.NewCircuitBreaker[*stripe.PaymentIntent](gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// Declined cards and bad requests say nothing about Stripe's health.
			var se *stripe.Error
			if errors.As(err, &se) {
				return se.HTTPStatusCode > 0 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &StripeGateway{
		api:     client.New(cfg.SecretKey, backends),
		breaker: breaker,
		logger:  logger,
	}, nil
}

// CreateIntent requests a PaymentIntent for the service price. The appointment id is the
// idempotency key, so a retried booking never creates a second intent.
func (g *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("serviceId", req.ServiceID)
	params.AddMetadata("clientId", req.ClientID)
	if req.AppointmentID != "" {
		params.AddMetadata("appointmentId", req.AppointmentID)
		params.SetIdempotencyKey("appointment-" + req.AppointmentID)
	}

	pi, err := g.breaker.Execute(func() (*stripe.PaymentIntent, error) {
		return g.api.PaymentIntents.New(params)
	})
	if err != nil {
		return Intent{}, fmt.Errorf("create payment intent: %w", err)
	}
	return Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountCents:  pi.Amount,
		Currency:     string(pi.Currency),
		Status:       string(pi.Status),
	}, nil
}

func (g *StripeGateway) CancelIntent(ctx context.Context, id string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx
	_, err := g.breaker.Execute(func() (*stripe.PaymentIntent, error) {
		return g.api.PaymentIntents.Cancel(id, params)
	})
	if err != nil {
		return fmt.Errorf("cancel payment intent %s: %w", id, err)
	}
	return nil
}

// Unavailable reports whether err came from an open circuit rather than from Stripe.
func Unavailable(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
