package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/lendpool/locatepricer/internal/domain"
)

// AdapterConfig tunes one provider adapter.
type AdapterConfig struct {
	Kind        ProviderKind
	BaseURL     string
	PathFormat  string        // e.g. "/v1/borrow-rate/%s"
	ValueField  string        // JSON field carrying the decimal observation
	Retries     int           // attempts beyond the first, default 2
	BaseBackoff time.Duration // default 100ms
	Timeout     time.Duration // per-attempt deadline, default 5s
	MaxRPS      float64       // client-side pacing toward the provider, 0 = unpaced
}

// HTTPAdapter is the transport half of a provider client. It retries
// transport errors and 5xx with exponential backoff and full jitter,
// treats 4xx as terminal, and never retries after cancellation.
type HTTPAdapter struct {
	cfg  AdapterConfig
	http *http.Client
	pace *rate.Limiter
	obs  Observer
	log  zerolog.Logger
}

// NewHTTPAdapter builds the transport adapter. client may be nil.
func NewHTTPAdapter(cfg AdapterConfig, client *http.Client, obs Observer, log zerolog.Logger) *HTTPAdapter {
	if cfg.Retries <= 0 {
		cfg.Retries = 2
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ValueField == "" {
		cfg.ValueField = "value"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	var pace *rate.Limiter
	if cfg.MaxRPS > 0 {
		pace = rate.NewLimiter(rate.Limit(cfg.MaxRPS), int(cfg.MaxRPS)+1)
	}
	return &HTTPAdapter{
		cfg:  cfg,
		http: client,
		pace: pace,
		obs:  obs,
		log:  log.With().Str("provider", string(cfg.Kind)).Logger(),
	}
}

func (a *HTTPAdapter) Kind() ProviderKind { return a.cfg.Kind }

// Fetch issues the provider GET, retrying retryable failures up to the
// configured attempt budget.
func (a *HTTPAdapter) Fetch(ctx context.Context, ticker string) (Quote, error) {
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= a.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := a.sleep(ctx, attempt); err != nil {
				return Quote{}, fmt.Errorf("%w: %v", domain.ErrCancelled, err)
			}
		}
		if a.pace != nil {
			if err := a.pace.Wait(ctx); err != nil {
				return Quote{}, fmt.Errorf("%w: %v", domain.ErrCancelled, err)
			}
		}
		quote, retryable, err := a.fetchOnce(ctx, ticker)
		if err == nil {
			a.observe("success", start)
			return quote, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			a.observe("cancelled", start)
			return Quote{}, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		}
		if !retryable {
			break
		}
		a.log.Debug().Err(err).Int("attempt", attempt+1).Str("ticker", ticker).
			Msg("retrying provider fetch")
	}
	a.observe("failure", start)
	return Quote{}, lastErr
}

// sleep waits base*2^(attempt-1) with full jitter, honoring ctx.
func (a *HTTPAdapter) sleep(ctx context.Context, attempt int) error {
	max := a.cfg.BaseBackoff << uint(attempt-1)
	delay := time.Duration(rand.Int63n(int64(max) + 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func (a *HTTPAdapter) fetchOnce(ctx context.Context, ticker string) (Quote, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	u := a.cfg.BaseURL + fmt.Sprintf(a.cfg.PathFormat, url.PathEscape(ticker))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Quote{}, false, fmt.Errorf("%w: build request: %v", domain.ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return Quote{}, true, fmt.Errorf("%w: %s", domain.ErrUpstreamTimeout, a.cfg.Kind)
		}
		if errors.Is(err, context.Canceled) {
			return Quote{}, false, fmt.Errorf("%w: %v", domain.ErrCancelled, err)
		}
		return Quote{}, true, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return Quote{}, true, fmt.Errorf("%w: %s returned %d", domain.ErrUpstreamUnavailable, a.cfg.Kind, resp.StatusCode)
	case resp.StatusCode >= 400:
		io.Copy(io.Discard, resp.Body)
		return Quote{}, false, fmt.Errorf("%w: %s returned %d", domain.ErrUpstreamUnavailable, a.cfg.Kind, resp.StatusCode)
	}

	quote, err := a.parse(resp.Body, ticker)
	if err != nil {
		return Quote{}, false, err
	}
	return quote, false, nil
}

// parse tolerates extra fields but fails terminally when the value or
// observation time is missing or malformed.
func (a *HTTPAdapter) parse(body io.Reader, ticker string) (Quote, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return Quote{}, fmt.Errorf("%w: %s: %v", domain.ErrProtocol, a.cfg.Kind, err)
	}
	valueRaw, ok := raw[a.cfg.ValueField]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s: missing field %q", domain.ErrProtocol, a.cfg.Kind, a.cfg.ValueField)
	}
	var value decimal.Decimal
	if err := json.Unmarshal(valueRaw, &value); err != nil {
		return Quote{}, fmt.Errorf("%w: %s: bad %q: %v", domain.ErrProtocol, a.cfg.Kind, a.cfg.ValueField, err)
	}
	observedRaw, ok := raw["observed_at"]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s: missing field \"observed_at\"", domain.ErrProtocol, a.cfg.Kind)
	}
	var observedAt time.Time
	if err := json.Unmarshal(observedRaw, &observedAt); err != nil {
		return Quote{}, fmt.Errorf("%w: %s: bad \"observed_at\": %v", domain.ErrProtocol, a.cfg.Kind, err)
	}
	return Quote{Ticker: ticker, Value: value, ObservedAt: observedAt.UTC()}, nil
}

func (a *HTTPAdapter) observe(outcome string, start time.Time) {
	if a.obs != nil {
		a.obs.AdapterRequest(string(a.cfg.Kind), outcome, time.Since(start))
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
