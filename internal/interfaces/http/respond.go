package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lendpool/locatepricer/internal/domain"
)

// calculateResponse is the priced-request success body. The shape is
// part of the public contract: identical requests served from the
// calculation cache must produce byte-identical bodies, so no
// freshness attribution appears here.
type calculateResponse struct {
	Status         string            `json:"status"`
	TotalFee       decimal.Decimal   `json:"total_fee"`
	Breakdown      breakdownResponse `json:"breakdown"`
	BorrowRateUsed decimal.Decimal   `json:"borrow_rate_used"`
}

type breakdownResponse struct {
	BorrowCost      decimal.Decimal `json:"borrow_cost"`
	Markup          decimal.Decimal `json:"markup"`
	TransactionFees decimal.Decimal `json:"transaction_fees"`
}

type rateResponse struct {
	Status     string          `json:"status"`
	Ticker     string          `json:"ticker"`
	BorrowRate decimal.Decimal `json:"borrow_rate"`
	Source     string          `json:"source"`
	ObservedAt time.Time       `json:"observed_at"`
}

type errorResponse struct {
	Status     string `json:"status"`
	Error      string `json:"error"`
	ErrorCode  string `json:"error_code"`
	Details    string `json:"details,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(code string) int {
	switch code {
	case domain.CodeInvalidParameter:
		return http.StatusBadRequest
	case domain.CodeTickerNotFound, domain.CodeClientNotFound:
		return http.StatusNotFound
	case domain.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case domain.CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders any pipeline error. Messages stay generic for
// codes whose detail could leak client or position information.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrCancelled) {
		// The caller hung up; there is nobody to respond to.
		return
	}
	code := domain.CodeFor(err)
	body := errorResponse{Status: "error", ErrorCode: code, Error: messageFor(code, err)}

	var coded *domain.CodedError
	if errors.As(err, &coded) && coded.RetryAfter > 0 {
		secs := int(coded.RetryAfter.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, statusFor(code), body)
}

func messageFor(code string, err error) string {
	switch code {
	case domain.CodeInvalidParameter:
		var coded *domain.CodedError
		if errors.As(err, &coded) && coded.Message != "" {
			return coded.Message
		}
		return "invalid request parameters"
	case domain.CodeTickerNotFound:
		return "ticker not found"
	case domain.CodeClientNotFound:
		return "client not found"
	case domain.CodeRateLimitExceeded:
		return "rate limit exceeded"
	case domain.CodeUpstreamUnavailable:
		return "pricing inputs temporarily unavailable"
	default:
		return "internal error"
	}
}
