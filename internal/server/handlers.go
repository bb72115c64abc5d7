package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"WaterfallLedger/internal/agreement"
	"WaterfallLedger/internal/event"
	fp "WaterfallLedger/internal/math"
	"WaterfallLedger/internal/orchestrator"
	"WaterfallLedger/internal/query"
	"WaterfallLedger/internal/waterfall"
)

// ============================================================================
// Request bodies
// ============================================================================

type termsRequest struct {
	Principal                 string `json:"principal"`
	InterestRate              string `json:"interest_rate"`
	ExpectedVoyageRevenue     string `json:"expected_voyage_revenue"`
	EarlyRepaymentPenaltyRate string `json:"early_repayment_penalty_rate"`
	PlatformFeeRate           string `json:"platform_fee_rate,omitempty"`
}

type walletsRequest struct {
	Charterer string `json:"charterer"`
	Investor  string `json:"investor"`
	Shipowner string `json:"shipowner"`
	Platform  string `json:"platform"`
}

type hookRequest struct {
	Status       string `json:"status"`
	Address      string `json:"address,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (h hookRequest) hook() agreement.Hook {
	return agreement.Hook{
		Status:       agreement.HookStatus(h.Status),
		Address:      strings.TrimSpace(h.Address),
		ErrorMessage: h.ErrorMessage,
	}
}

type createAgreementRequest struct {
	termsRequest
	Wallets walletsRequest `json:"wallets"`
	Hook    *hookRequest   `json:"hook,omitempty"`
}

type amountRequest struct {
	Amount    string `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

func decode(r *http.Request, w http.ResponseWriter, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, requestLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func agreementID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: agreement id: %v", errBadRequest, err)
	}
	return id, nil
}

// parseTerms converts wire strings. Rule checks are left to ValidateTerms;
// only malformed numbers fail here.
func (s *HTTPServer) parseTerms(req termsRequest) (waterfall.Terms, error) {
	var (
		t    waterfall.Terms
		errs []error
		err  error
	)
	if t.Principal, err = fp.ParseXRP(req.Principal); err != nil {
		errs = append(errs, fmt.Errorf("principal: %w", err))
	}
	if t.InterestRate, err = fp.ParseRate(req.InterestRate); err != nil {
		errs = append(errs, fmt.Errorf("interest_rate: %w", err))
	}
	if t.ExpectedRevenue, err = fp.ParseXRP(req.ExpectedVoyageRevenue); err != nil {
		errs = append(errs, fmt.Errorf("expected_voyage_revenue: %w", err))
	}
	if t.PenaltyRate, err = fp.ParseRate(req.EarlyRepaymentPenaltyRate); err != nil {
		errs = append(errs, fmt.Errorf("early_repayment_penalty_rate: %w", err))
	}
	t.PlatformFeeRate = s.feeRate
	if strings.TrimSpace(req.PlatformFeeRate) != "" {
		if t.PlatformFeeRate, err = fp.ParseRate(req.PlatformFeeRate); err != nil {
			errs = append(errs, fmt.Errorf("platform_fee_rate: %w", err))
		}
	}
	if len(errs) > 0 {
		return t, fmt.Errorf("%w: %w", errBadRequest, errors.Join(errs...))
	}
	return t, nil
}

func parseAmount(s string) (fp.Drops, error) {
	amount, err := fp.ParseXRP(s)
	if err != nil {
		return 0, fmt.Errorf("%w: amount: %v", errBadRequest, err)
	}
	return amount, nil
}

// eventKey returns the Idempotency-Key header, or a fresh key when absent.
func eventKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		return key
	}
	return uuid.NewString()
}

// ============================================================================
// Terms and agreements
// ============================================================================

func (s *HTTPServer) validateTerms(w http.ResponseWriter, r *http.Request) {
	var req termsRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	terms, err := s.parseTerms(req)
	if err != nil {
		writeError(w, err)
		return
	}
	v := waterfall.ValidateTerms(terms)
	resp := query.ValidationView{Valid: v.Valid, Errors: v.Errors}
	if resp.Errors == nil {
		resp.Errors = []string{}
	}
	if v.Valid {
		resp.MinimumVoyageRevenue = waterfall.MinimumVoyageRevenue(terms.Principal, terms.InterestRate, terms.PlatformFeeRate).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) createAgreement(w http.ResponseWriter, r *http.Request) {
	var req createAgreementRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	terms, err := s.parseTerms(req.termsRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	var hook agreement.Hook
	if req.Hook != nil {
		hook = req.Hook.hook()
	}
	wl := req.Wallets
	a, err := s.orch.Open(r.Context(), terms, agreement.NewWallets(wl.Charterer, wl.Investor, wl.Shipowner, wl.Platform), hook)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, query.NewAgreementView(a))
}

func (s *HTTPServer) listAgreements(w http.ResponseWriter, r *http.Request) {
	var statuses []agreement.Status
	for _, raw := range r.URL.Query()["status"] {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				statuses = append(statuses, agreement.Status(st))
			}
		}
	}
	list, err := s.query.ListAgreements(r.Context(), statuses)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agreements": list})
}

func (s *HTTPServer) getAgreement(w http.ResponseWriter, r *http.Request) {
	id, err := agreementID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := s.query.GetAgreement(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *HTTPServer) setHook(w http.ResponseWriter, r *http.Request) {
	id, err := agreementID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req hookRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.orch.SetHook(r.Context(), id, req.hook())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, query.NewAgreementView(a))
}

func (s *HTTPServer) declareDefault(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.orch.DeclareDefault)
}

func (s *HTTPServer) closeAgreement(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.orch.Close)
}

func (s *HTTPServer) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id uuid.UUID) (*agreement.FinancingAgreement, error)) {
	id, err := agreementID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	a, err := fn(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, query.NewAgreementView(a))
}

// ============================================================================
// Money movement
// ============================================================================

func (s *HTTPServer) previewPayment(w http.ResponseWriter, r *http.Request) {
	id, err := agreementID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req amountRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	d, err := s.orch.PreviewPayment(r.Context(), id, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, query.NewDistributionView(d))
}

func (s *HTTPServer) quoteEarlyRepayment(w http.ResponseWriter, r *http.Request) {
	id, err := agreementID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q, err := s.orch.QuoteEarlyRepayment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, query.NewEarlyRepaymentView(q))
}

func (s *HTTPServer) processPayment(w http.ResponseWriter, r *http.Request) {
	id, err := agreementID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req amountRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	s.handleEvent(w, r, &event.ChartererPayment{
		PaymentID: eventKey(r),
		Agreement: id,
		Amount:    amount,
		Reference: req.Reference,
	})
}

func (s *HTTPServer) processEarlyRepayment(w http.ResponseWriter, r *http.Request) {
	id, err := agreementID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.handleEvent(w, r, &event.EarlyRepayment{
		RequestID: eventKey(r),
		Agreement: id,
	})
}

func (s *HTTPServer) processDefaultCoverage(w http.ResponseWriter, r *http.Request) {
	id, err := agreementID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req amountRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	s.handleEvent(w, r, &event.DefaultCoverage{
		CoverageID: eventKey(r),
		Agreement:  id,
		Amount:     amount,
	})
}

// handleEvent runs a money-moving event through the dispatcher so HTTP and
// NATS requests share deduplication. An outcome is returned whenever legs
// were attempted: 200 when all confirmed, 207 when some failed, 502 when
// nothing moved.
func (s *HTTPServer) handleEvent(w http.ResponseWriter, r *http.Request, ev event.Event) {
	out, err := s.dispatcher.Handle(r.Context(), ev)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, query.NewOutcomeView(out, nil))
	case out != nil && errors.Is(err, orchestrator.ErrLegPartialFailure):
		writeJSON(w, http.StatusMultiStatus, query.NewOutcomeView(out, err))
	case out != nil && errors.Is(err, orchestrator.ErrLedgerSubmissionFailed):
		writeJSON(w, http.StatusBadGateway, query.NewOutcomeView(out, err))
	default:
		writeError(w, err)
	}
}

// ============================================================================
// Reconciliation
// ============================================================================

func (s *HTTPServer) reconcile(w http.ResponseWriter, r *http.Request) {
	id, err := agreementID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	a, err := s.repo.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := s.reconciler.Reconcile(r.Context(), a)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, query.NewReportView(report))
}
