package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/lendpool/locatepricer/internal/domain"
)

// calculateRequest is the priced-request body; the same fields are
// accepted as query parameters on GET.
type calculateRequest struct {
	Ticker        string          `json:"ticker"`
	PositionValue decimal.Decimal `json:"position_value"`
	LoanDays      int             `json:"loan_days"`
	ClientID      string          `json:"client_id"`
}

func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	client, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, domain.ErrUnknownClient)
		return
	}

	req, err := decodeCalculate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.ClientID != "" && req.ClientID != client.ClientID {
		writeError(w, domain.Invalid("client_id does not match the authenticated key"))
		return
	}
	priceReq := domain.PriceRequest{
		Ticker:        req.Ticker,
		PositionValue: req.PositionValue,
		LoanDays:      req.LoanDays,
	}
	if err := priceReq.Validate(); err != nil {
		writeError(w, err)
		return
	}

	// Backpressure after validation so malformed requests never cost a
	// token.
	decision, _ := s.limiter.Allow(r.Context(), client)
	if !decision.Allowed {
		writeError(w, &domain.CodedError{
			Err:        domain.ErrRateLimitExceeded,
			Code:       domain.CodeRateLimitExceeded,
			Message:    "rate limit exceeded",
			RetryAfter: decision.RetryAfter,
		})
		return
	}

	result, _, err := s.pricer.Price(r.Context(), client, priceReq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, calculateResponse{
		Status:   "success",
		TotalFee: result.TotalFee,
		Breakdown: breakdownResponse{
			BorrowCost:      result.Breakdown.BorrowCost,
			Markup:          result.Breakdown.Markup,
			TransactionFees: result.Breakdown.TransactionFees,
		},
		BorrowRateUsed: result.RateUsed,
	})
}

func decodeCalculate(r *http.Request) (calculateRequest, error) {
	var req calculateRequest
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req.Ticker = q.Get("ticker")
		req.ClientID = q.Get("client_id")
		if raw := q.Get("position_value"); raw != "" {
			v, err := decimal.NewFromString(raw)
			if err != nil {
				return req, domain.Invalid("position_value must be a decimal number")
			}
			req.PositionValue = v
		}
		if raw := q.Get("loan_days"); raw != "" {
			d, err := strconv.Atoi(raw)
			if err != nil {
				return req, domain.Invalid("loan_days must be an integer")
			}
			req.LoanDays = d
		}
		return req, nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	if err := dec.Decode(&req); err != nil {
		return req, domain.Invalid("request body must be valid JSON")
	}
	return req, nil
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	client, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, domain.ErrUnknownClient)
		return
	}
	ticker := mux.Vars(r)["ticker"]
	if !domain.ValidTicker(ticker) {
		writeError(w, domain.Invalid("ticker must be 1-5 uppercase letters"))
		return
	}

	decision, _ := s.limiter.Allow(r.Context(), client)
	if !decision.Allowed {
		writeError(w, &domain.CodedError{
			Err:        domain.ErrRateLimitExceeded,
			Code:       domain.CodeRateLimitExceeded,
			Message:    "rate limit exceeded",
			RetryAfter: decision.RetryAfter,
		})
		return
	}

	quote, err := s.pricer.Rate(r.Context(), ticker)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rateResponse{
		Status:     "success",
		Ticker:     quote.Ticker,
		BorrowRate: quote.BaseRate,
		Source:     string(quote.Source),
		ObservedAt: quote.ObservedAt,
	})
}

// healthStatus is the dependency report behind /health.
type healthStatus struct {
	Status   string            `json:"status"`
	Redis    string            `json:"redis"`
	Postgres string            `json:"postgres"`
	Breakers map[string]string `json:"breakers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	st := healthStatus{Status: "ok", Redis: "ok", Postgres: "ok", Breakers: map[string]string{}}
	if s.redisPing != nil {
		if err := s.redisPing(ctx); err != nil {
			st.Redis = fmt.Sprintf("unavailable: %v", err)
			st.Status = "degraded"
		}
	}
	if s.dbPing != nil {
		if err := s.dbPing(ctx); err != nil {
			st.Postgres = fmt.Sprintf("unavailable: %v", err)
			st.Status = "degraded"
		}
	}
	for name, state := range s.breakerStates() {
		st.Breakers[name] = state
		if state != "closed" {
			st.Status = "degraded"
		}
	}

	code := http.StatusOK
	if st.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

