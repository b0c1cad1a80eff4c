package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/md-rashed-zaman/apptbook/libs/config"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

func main() {
	_ = config.LoadDotEnv()
	var (
		baseURL     = flag.String("base-url", config.String("BASE_URL", "http://localhost:4000"), "booking-api base url")
		appointment = flag.String("appointment-id", config.String("APPOINTMENT_ID", ""), "appointmentId metadata")
		intentID    = flag.String("intent-id", config.String("PAYMENT_INTENT_ID", ""), "payment intent id (random when empty)")
		amount      = flag.Int64("amount", 5000, "amount in minor units")
		currency    = flag.String("currency", config.String("PAYMENT_CURRENCY_DEFAULT", "usd"), "currency")
		secret      = flag.String("secret", config.String("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(*appointment) == "" {
		fatal("APPOINTMENT_ID is required")
	}

	now := time.Now().UTC()
	if *intentID == "" {
		*intentID = fmt.Sprintf("pi_test_%d", now.UnixNano())
	}
	payload, err := buildIntentSucceeded(fmt.Sprintf("evt_test_%d", now.UnixNano()), *intentID, *appointment, *amount, *currency, now)
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/webhook", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	fmt.Printf("status=%d body=%s\n", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 300 {
		os.Exit(1)
	}
}

func buildIntentSucceeded(eventID, intentID, appointmentID string, amount int64, currency string, t time.Time) ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"created":     t.Unix(),
		"type":        "payment_intent.succeeded",
		"api_version": stripe.APIVersion,
		"data": map[string]any{
			"object": map[string]any{
				"id":       intentID,
				"object":   "payment_intent",
				"amount":   amount,
				"currency": strings.ToLower(currency),
				"status":   "succeeded",
				"metadata": map[string]any{
					"appointmentId": appointmentID,
				},
			},
		},
	})
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
