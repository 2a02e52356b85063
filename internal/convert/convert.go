// Package convert computes display-currency amounts for illustration fields
// and keeps a per-illustration batch cache of the results.
package convert

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"coverline/sync/internal/backend"
)

var conversionFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "coverline_conversion_failures_total",
	Help: "Currency conversions that degraded to the offline placeholder.",
})

// MonetaryFields are the illustration fields converted in a batch run.
var MonetaryFields = []string{"premium", "totalPremium", "deathBenefit"}

// Result is one conversion outcome. A failed lookup yields OK=false with an
// offline placeholder; it is never a Go error.
type Result struct {
	OK        bool    `json:"ok"`
	Amount    float64 `json:"amount"`
	Rate      float64 `json:"rate"`
	Currency  string  `json:"currency"`
	Formatted string  `json:"formatted"`
	Err       string  `json:"error,omitempty"`
}

type rateSource interface {
	Rate(ctx context.Context, source, target string) (float64, error)
}

// Cache owns the in-memory batch results, keyed by illustration ID. Persisted
// "saved" conversions live in the backend overlay; this cache is only the
// display fallback when no persisted value exists.
type Cache struct {
	rates rateSource

	mu    sync.Mutex
	batch map[string]map[string]Result
}

func NewCache(rates rateSource) *Cache {
	return &Cache{rates: rates, batch: make(map[string]map[string]Result)}
}

// Convert converts one amount between currencies. Failures degrade to an
// offline-formatted result.
func (c *Cache) Convert(ctx context.Context, amount float64, source, target string) Result {
	source = strings.ToUpper(strings.TrimSpace(source))
	target = strings.ToUpper(strings.TrimSpace(target))
	if source == "" || target == "" {
		return offline(target, "missing currency")
	}
	if source == target {
		return Result{OK: true, Amount: amount, Rate: 1, Currency: target, Formatted: Format(target, amount)}
	}

	rate, err := c.rates.Rate(ctx, source, target)
	if err != nil {
		conversionFailures.Inc()
		return offline(target, err.Error())
	}

	converted := amount * rate
	return Result{
		OK:        true,
		Amount:    converted,
		Rate:      rate,
		Currency:  target,
		Formatted: Format(target, converted),
	}
}

// RunBatch converts every monetary field of every record into the target
// currency and replaces the in-memory cache. Conversions run sequentially:
// the rate service is rate-limited and a parallel burst would trip it.
func (c *Cache) RunBatch(ctx context.Context, targetCurrency string, records []backend.ExtractedRecord) {
	next := make(map[string]map[string]Result, len(records))
	for _, record := range records {
		source, _ := record.Field("currency")
		sourceCurrency, _ := source.(string)

		fields := make(map[string]Result, len(MonetaryFields))
		for _, name := range MonetaryFields {
			raw, ok := record.Field(name)
			if !ok {
				continue
			}
			amount, ok := asFloat(raw)
			if !ok {
				continue
			}
			fields[name] = c.Convert(ctx, amount, sourceCurrency, targetCurrency)
		}
		if len(fields) > 0 {
			next[record.IllustrationID] = fields
		}
	}

	c.mu.Lock()
	c.batch = next
	c.mu.Unlock()
	log.Printf("convert: batch recomputed for %d illustrations", len(next))
}

// Lookup returns the cached batch result for one illustration field.
func (c *Cache) Lookup(illustrationID, field string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fields, ok := c.batch[illustrationID]
	if !ok {
		return Result{}, false
	}
	result, ok := fields[field]
	return result, ok
}

// Reset drops the cached batch, used when a new proposal is loaded.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.batch = make(map[string]map[string]Result)
	c.mu.Unlock()
}

// Format renders an amount the way the comparison table displays it: whole
// amounts without decimals, everything else with two.
func Format(currency string, amount float64) string {
	if amount == math.Trunc(amount) {
		return fmt.Sprintf("%s %s", currency, strconv.FormatFloat(amount, 'f', 0, 64))
	}
	return fmt.Sprintf("%s %s", currency, strconv.FormatFloat(amount, 'f', 2, 64))
}

func offline(target, reason string) Result {
	label := strings.TrimSpace(target)
	if label == "" {
		label = "?"
	}
	return Result{
		OK:        false,
		Currency:  target,
		Formatted: label + " (offline)",
		Err:       reason,
	}
}

func asFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
