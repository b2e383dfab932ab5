package recognition

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/expensio/expensio/internal/config"
	"github.com/expensio/expensio/internal/errors"
	"github.com/expensio/expensio/internal/ledger"
	"github.com/expensio/expensio/internal/metrics"
)

const extractPrompt = `You are reading a photographed receipt or invoice. Extract the following fields:

1. Title: the merchant or business name, followed by a short description of the purchase.
2. Date: the transaction date in YYYY-MM-DD format.
3. Amount: the final total as a plain number.
4. Currency: the three-letter ISO currency code if printed, otherwise null.
5. Category: exactly one of transportation, meals, lodging, supplies, communication, representation, miscellaneous.
6. Issuer address: the merchant's printed address, or null if absent.

Return ONLY valid JSON in this exact format:
{
  "title": "Merchant - Description",
  "date": "YYYY-MM-DD",
  "amount": 0.00,
  "currency": "PHP",
  "category": "meals",
  "issuer_address": "123 Street, City"
}

Use null for any field you cannot read. Do not include any text before or after the JSON. Do not use markdown code blocks.`

// extraction is the raw model output before defaulting.
type extraction struct {
	Title         *string  `json:"title"`
	Date          *string  `json:"date"`
	Amount        *float64 `json:"amount"`
	Currency      *string  `json:"currency"`
	Category      *string  `json:"category"`
	IssuerAddress *string  `json:"issuer_address"`
}

// Completer is the subset of the API client the adapter needs.
type Completer interface {
	Complete(ctx context.Context, prompt string, image []byte, mime string) (string, error)
}

// Adapter turns receipt images into draft ledger entries. Calls are rate
// limited and pass through a circuit breaker so a failing upstream sheds
// load instead of queueing it.
type Adapter struct {
	client   Completer
	breaker  *gobreaker.CircuitBreaker[string]
	limiter  *rate.Limiter
	currency string
	logger   *zap.Logger
	now      func() time.Time
}

// NewAdapter creates a recognition adapter.
func NewAdapter(client Completer, cfg config.RecognitionConfig, logger *zap.Logger) *Adapter {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 20
	}
	currency := cfg.DefaultCurrency
	if currency == "" {
		currency = "PHP"
	}

	breaker := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:    "recognition",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	return &Adapter{
		client:   client,
		breaker:  breaker,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm),
		currency: currency,
		logger:   logger,
		now:      time.Now,
	}
}

// Extract runs recognition on one image and returns a draft entry. The draft
// is unverified; the caller reviews it before it enters the ledger.
func (a *Adapter) Extract(ctx context.Context, image []byte, mime string) (*ledger.Entry, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, errors.ErrRecognitionUnavailable.Code, "rate limit wait aborted")
	}

	raw, err := a.breaker.Execute(func() (string, error) {
		return a.client.Complete(ctx, extractPrompt, image, mime)
	})
	if err != nil {
		metrics.RecognitionsTotal.WithLabelValues("error").Inc()
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errors.Wrap(err, errors.ErrRecognitionUnavailable.Code, errors.ErrRecognitionUnavailable.Message)
		}
		return nil, err
	}

	entry, err := a.parse(raw)
	if err != nil {
		metrics.RecognitionsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	metrics.RecognitionsTotal.WithLabelValues("ok").Inc()
	return entry, nil
}

// parse decodes the model output and applies field defaults. The model is
// told not to use code fences but occasionally does anyway.
func (a *Adapter) parse(raw string) (*ledger.Entry, error) {
	cleaned := stripFence(raw)

	var ext extraction
	if err := json.Unmarshal([]byte(cleaned), &ext); err != nil {
		a.logger.Warn("Unparseable recognition output", zap.String("output", truncate(raw, 200)))
		return nil, errors.Wrap(err, errors.ErrRecognitionFailed.Code, errors.ErrRecognitionFailed.Message)
	}

	entry := &ledger.Entry{
		ID:       uuid.New().String(),
		Currency: a.currency,
		Category: ledger.CategoryMiscellaneous,
		Date:     a.now().Format("2006-01-02"),
		Verified: false,
	}

	if ext.Title != nil && strings.TrimSpace(*ext.Title) != "" {
		entry.Title = strings.TrimSpace(*ext.Title)
	}
	if ext.Date != nil {
		if _, err := time.Parse("2006-01-02", *ext.Date); err == nil {
			entry.Date = *ext.Date
		}
	}
	if ext.Amount != nil && *ext.Amount >= 0 {
		entry.Amount = *ext.Amount
	}
	if ext.Currency != nil && len(strings.TrimSpace(*ext.Currency)) == 3 {
		entry.Currency = strings.ToUpper(strings.TrimSpace(*ext.Currency))
	}
	if ext.Category != nil {
		entry.Category = ledger.ParseCategory(*ext.Category)
	}
	if ext.IssuerAddress != nil {
		entry.IssuerAddress = strings.TrimSpace(*ext.IssuerAddress)
	}

	if entry.Title == "" && entry.Amount == 0 {
		return nil, errors.New(errors.ErrRecognitionFailed.Code, "no usable fields extracted")
	}
	return entry, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
