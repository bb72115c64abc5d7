package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"WaterfallLedger/internal/event"
	fp "WaterfallLedger/internal/math"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type) into a typed event.Event.
func ParseRawEvent(raw RawEvent, eventType event.EventType) (event.Event, error) {
	switch eventType {
	case event.EventTypeChartererPayment:
		return parseChartererPayment(raw.Data)
	case event.EventTypeEarlyRepayment:
		return parseEarlyRepayment(raw.Data)
	case event.EventTypeDefaultCoverage:
		return parseDefaultCoverage(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are XRP
// decimal strings so no precision is lost in transit.

type chartererPaymentJSON struct {
	PaymentID   string `json:"payment_id"`
	AgreementID string `json:"agreement_id"`
	Amount      string `json:"amount"`
	Reference   string `json:"reference"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseChartererPayment(data []byte) (*event.ChartererPayment, error) {
	var j chartererPaymentJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse charterer_payment: %w", err)
	}
	if strings.TrimSpace(j.PaymentID) == "" {
		return nil, fmt.Errorf("parse charterer_payment: payment_id is required")
	}
	id, err := uuid.Parse(j.AgreementID)
	if err != nil {
		return nil, fmt.Errorf("parse agreement_id: %w", err)
	}
	amount, err := parsePositive(j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.ChartererPayment{
		PaymentID: j.PaymentID,
		Agreement: id,
		Amount:    amount,
		Reference: j.Reference,
		Timestamp: timestamp(j.TimestampUs),
	}, nil
}

type earlyRepaymentJSON struct {
	RequestID   string `json:"request_id"`
	AgreementID string `json:"agreement_id"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseEarlyRepayment(data []byte) (*event.EarlyRepayment, error) {
	var j earlyRepaymentJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse early_repayment: %w", err)
	}
	if strings.TrimSpace(j.RequestID) == "" {
		return nil, fmt.Errorf("parse early_repayment: request_id is required")
	}
	id, err := uuid.Parse(j.AgreementID)
	if err != nil {
		return nil, fmt.Errorf("parse agreement_id: %w", err)
	}
	return &event.EarlyRepayment{
		RequestID: j.RequestID,
		Agreement: id,
		Timestamp: timestamp(j.TimestampUs),
	}, nil
}

type defaultCoverageJSON struct {
	CoverageID  string `json:"coverage_id"`
	AgreementID string `json:"agreement_id"`
	Amount      string `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDefaultCoverage(data []byte) (*event.DefaultCoverage, error) {
	var j defaultCoverageJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse default_coverage: %w", err)
	}
	if strings.TrimSpace(j.CoverageID) == "" {
		return nil, fmt.Errorf("parse default_coverage: coverage_id is required")
	}
	id, err := uuid.Parse(j.AgreementID)
	if err != nil {
		return nil, fmt.Errorf("parse agreement_id: %w", err)
	}
	amount, err := parsePositive(j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.DefaultCoverage{
		CoverageID: j.CoverageID,
		Agreement:  id,
		Amount:     amount,
		Timestamp:  timestamp(j.TimestampUs),
	}, nil
}

func parsePositive(s string) (fp.Drops, error) {
	amount, err := fp.ParseXRP(s)
	if err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, fmt.Errorf("amount %q must be positive", s)
	}
	return amount, nil
}

func timestamp(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}
