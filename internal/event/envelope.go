package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for inbound business events
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeChartererPayment
	EventTypeEarlyRepayment
	EventTypeDefaultCoverage
)

// Event is the interface all inbound payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key from upstream
	IdempotencyKey() string

	EventType() EventType

	// AgreementID returns the agreement the event applies to
	AgreementID() uuid.UUID

	// OccurredAt is the upstream timestamp, not the receive time
	OccurredAt() time.Time
}

func (et EventType) String() string {
	switch et {
	case EventTypeChartererPayment:
		return "charterer_payment"
	case EventTypeEarlyRepayment:
		return "early_repayment"
	case EventTypeDefaultCoverage:
		return "default_coverage"
	default:
		return "unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	switch s {
	case "charterer_payment":
		return EventTypeChartererPayment
	case "early_repayment":
		return EventTypeEarlyRepayment
	case "default_coverage":
		return EventTypeDefaultCoverage
	default:
		return EventTypeUnknown
	}
}
