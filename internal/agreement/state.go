package agreement

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("agreement: invalid status transition")

// Status is the lifecycle position of a financing agreement.
type Status string

const (
	StatusActive            Status = "active"
	StatusInvestorRecovered Status = "investor_recovered"
	StatusCompleted         Status = "completed"
	StatusDefaulted         Status = "defaulted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInvestorRecovered, StatusCompleted, StatusDefaulted:
		return true
	}
	return false
}

// Trigger is the business event a transition reacts to.
type Trigger int32

const (
	TriggerRecoveryChanged Trigger = iota
	TriggerClose
	TriggerEarlySettled
	TriggerDefault
)

func (t Trigger) String() string {
	switch t {
	case TriggerRecoveryChanged:
		return "RecoveryChanged"
	case TriggerClose:
		return "Close"
	case TriggerEarlySettled:
		return "EarlySettled"
	case TriggerDefault:
		return "Default"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// Transition computes the next status. Recovery-driven moves depend only on
// fullyRecovered; the machine keeps no recovery figures of its own.
// Nothing leaves StatusCompleted.
func Transition(current Status, trigger Trigger, fullyRecovered bool) (Status, error) {
	if current == StatusCompleted {
		return current, invalid(current, trigger)
	}

	switch trigger {
	case TriggerRecoveryChanged:
		switch current {
		case StatusActive:
			if fullyRecovered {
				return StatusInvestorRecovered, nil
			}
			return StatusActive, nil
		case StatusInvestorRecovered:
			return StatusInvestorRecovered, nil
		case StatusDefaulted:
			if fullyRecovered {
				return StatusCompleted, nil
			}
			return StatusDefaulted, nil
		}

	case TriggerClose:
		if current == StatusInvestorRecovered && fullyRecovered {
			return StatusCompleted, nil
		}

	case TriggerEarlySettled:
		if (current == StatusActive || current == StatusInvestorRecovered) && fullyRecovered {
			return StatusCompleted, nil
		}

	case TriggerDefault:
		if current == StatusActive || current == StatusDefaulted {
			return StatusDefaulted, nil
		}
	}

	return current, invalid(current, trigger)
}

func invalid(current Status, trigger Trigger) error {
	return fmt.Errorf("%w: %s on %s", ErrInvalidTransition, trigger, current)
}

// AcceptsChartererPayment reports whether voyage revenue may be distributed.
func (s Status) AcceptsChartererPayment() bool {
	return s == StatusActive || s == StatusInvestorRecovered
}

// AcceptsEarlyRepayment reports whether the shipowner may settle early.
func (s Status) AcceptsEarlyRepayment() bool {
	return s == StatusActive || s == StatusInvestorRecovered
}

// AcceptsDefaultCoverage reports whether the shipowner may cover a default.
func (s Status) AcceptsDefaultCoverage() bool {
	return s == StatusActive || s == StatusDefaulted
}
