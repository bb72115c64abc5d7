package event

import (
	"time"

	"github.com/google/uuid"

	fp "WaterfallLedger/internal/math"
)

// ChartererPayment reports voyage revenue the charterer is paying.
type ChartererPayment struct {
	PaymentID string
	Agreement uuid.UUID
	Amount    fp.Drops
	Reference string
	Timestamp time.Time
}

func (p *ChartererPayment) IdempotencyKey() string { return p.PaymentID }
func (p *ChartererPayment) EventType() EventType   { return EventTypeChartererPayment }
func (p *ChartererPayment) AgreementID() uuid.UUID { return p.Agreement }
func (p *ChartererPayment) OccurredAt() time.Time  { return p.Timestamp }

// EarlyRepayment asks for the shipowner to settle the remaining debt now.
type EarlyRepayment struct {
	RequestID string
	Agreement uuid.UUID
	Timestamp time.Time
}

func (r *EarlyRepayment) IdempotencyKey() string { return r.RequestID }
func (r *EarlyRepayment) EventType() EventType   { return EventTypeEarlyRepayment }
func (r *EarlyRepayment) AgreementID() uuid.UUID { return r.Agreement }
func (r *EarlyRepayment) OccurredAt() time.Time  { return r.Timestamp }

// DefaultCoverage is a shipowner payment covering a charterer default.
type DefaultCoverage struct {
	CoverageID string
	Agreement  uuid.UUID
	Amount     fp.Drops
	Timestamp  time.Time
}

func (c *DefaultCoverage) IdempotencyKey() string { return c.CoverageID }
func (c *DefaultCoverage) EventType() EventType   { return EventTypeDefaultCoverage }
func (c *DefaultCoverage) AgreementID() uuid.UUID { return c.Agreement }
func (c *DefaultCoverage) OccurredAt() time.Time  { return c.Timestamp }
