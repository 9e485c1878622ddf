// Package audit implements the append-only, hash-chained record sink.
// Every priced request emits exactly one record; each record's
// self_hash covers the previous record's hash, so any tampering or
// gap in a partition is detectable by recomputation.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lendpool/locatepricer/internal/domain"
)

// GenesisHash anchors the first record of every partition.
var GenesisHash = strings.Repeat("0", 64)

// Inputs captures the three resolved quotes exactly as priced.
type Inputs struct {
	BorrowRate domain.BorrowRateQuote  `json:"borrow_rate"`
	Volatility domain.VolatilityMetric `json:"volatility"`
	EventRisk  domain.EventRisk        `json:"event_risk"`
}

// Record is one immutable audit entry. RecordID, PrevHash and SelfHash
// are assigned by the sink; everything else is supplied by the
// orchestrator.
type Record struct {
	RecordID      int64                    `json:"record_id"`
	Timestamp     time.Time                `json:"timestamp"`
	ClientID      string                   `json:"client_id"`
	Ticker        string                   `json:"ticker"`
	PositionValue decimal.Decimal          `json:"position_value"`
	LoanDays      int                      `json:"loan_days"`
	Inputs        Inputs                   `json:"inputs"`
	Result        domain.CalculationResult `json:"result"`
	FallbacksUsed []domain.FallbackKind    `json:"fallbacks_used"`
	PrevHash      string                   `json:"prev_hash"`
	SelfHash      string                   `json:"self_hash,omitempty"`
}

// Canonical returns the deterministic byte form hashed into SelfHash:
// the JSON encoding of the record with SelfHash cleared. Struct fields
// marshal in declaration order, so the encoding is stable across
// processes built from the same schema version.
func (r Record) Canonical() ([]byte, error) {
	r.SelfHash = ""
	r.Timestamp = r.Timestamp.UTC()
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("canonicalize audit record: %w", err)
	}
	return b, nil
}

// ComputeHash returns hex(SHA-256(prevHash || canonical)).
func ComputeHash(prevHash string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// Seal fixes the chain linkage and returns the hashed record.
func (r Record) Seal(recordID int64, prevHash string) (Record, error) {
	r.RecordID = recordID
	r.PrevHash = prevHash
	r.SelfHash = ""
	canonical, err := r.Canonical()
	if err != nil {
		return Record{}, err
	}
	r.SelfHash = ComputeHash(prevHash, canonical)
	return r, nil
}

// Verify recomputes the hash and reports whether it matches SelfHash.
func (r Record) Verify() (bool, error) {
	canonical, err := r.Canonical()
	if err != nil {
		return false, err
	}
	return ComputeHash(r.PrevHash, canonical) == r.SelfHash, nil
}
