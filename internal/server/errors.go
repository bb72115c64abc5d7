package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"WaterfallLedger/internal/agreement"
	"WaterfallLedger/internal/ingestion"
	"WaterfallLedger/internal/orchestrator"
	"WaterfallLedger/internal/query"
	"WaterfallLedger/internal/waterfall"
)

var errBadRequest = errors.New("bad request")

type errorBody struct {
	Error      string   `json:"error"`
	Violations []string `json:"violations,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	writeJSON(w, statusFor(err, &body), body)
}

func statusFor(err error, body *errorBody) int {
	var termsErr *waterfall.TermsError
	switch {
	case errors.As(err, &termsErr):
		body.Violations = termsErr.Violations
		return http.StatusUnprocessableEntity
	case errors.Is(err, errBadRequest),
		errors.Is(err, waterfall.ErrInvalidAmount),
		errors.Is(err, waterfall.ErrInvalidRate),
		errors.Is(err, agreement.ErrInvalidWallets),
		errors.Is(err, agreement.ErrInvalidHook),
		errors.Is(err, query.ErrInvalidFilter):
		return http.StatusBadRequest
	case errors.Is(err, agreement.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, agreement.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrDistributionNotPermitted),
		errors.Is(err, agreement.ErrVersionConflict),
		errors.Is(err, agreement.ErrAlreadyExists),
		errors.Is(err, ingestion.ErrDuplicateEvent):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrLedgerSubmissionFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
