package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"treasury-service/internal/cache"
	"treasury-service/internal/errs"
	"treasury-service/internal/extraction"
	"treasury-service/internal/logger"
	"treasury-service/internal/policy"
	"treasury-service/internal/repository"
	"treasury-service/internal/saga"
)

type fakeProcessor struct {
	outcome   *saga.Outcome
	err       error
	processed []saga.PaymentRequest
	resumed   []string
}

func (f *fakeProcessor) Process(_ context.Context, req saga.PaymentRequest) (*saga.Outcome, error) {
	f.processed = append(f.processed, req)
	if f.err != nil {
		return nil, f.err
	}
	out := *f.outcome
	out.RequestID = req.RequestID
	return &out, nil
}

func (f *fakeProcessor) Resume(_ context.Context, requestID string, approve bool) (*saga.Outcome, error) {
	f.resumed = append(f.resumed, requestID)
	if f.err != nil {
		return nil, f.err
	}
	out := *f.outcome
	out.RequestID = requestID
	return &out, nil
}

type fakeExtractor struct {
	invoice *extraction.Invoice
	err     error
	max     int64
}

func (f *fakeExtractor) Extract(_ context.Context, _ string) (*extraction.Invoice, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.invoice, nil
}

func (f *fakeExtractor) MaxBytes() int64 {
	if f.max > 0 {
		return f.max
	}
	return 65536
}

type fakeLedger struct {
	entries map[string]*repository.LedgerEntry
	recent  []*repository.LedgerEntry
	account repository.Account
}

func (f *fakeLedger) GetEntry(_ context.Context, requestID string) (*repository.LedgerEntry, error) {
	e, ok := f.entries[requestID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return e, nil
}

func (f *fakeLedger) RecentEntries(_ context.Context, _ int) ([]*repository.LedgerEntry, error) {
	return f.recent, nil
}

func (f *fakeLedger) GetAccount(_ context.Context) (*repository.Account, error) {
	acct := f.account
	return &acct, nil
}

type fakeApprovals struct {
	items []*repository.Approval
}

func (f *fakeApprovals) ListPending(_ context.Context, _ int) ([]*repository.Approval, error) {
	return f.items, nil
}

func (f *fakeApprovals) CountPending(_ context.Context) (int, error) {
	return len(f.items), nil
}

type fakeStateCache struct {
	balance    int64
	balanceOK  bool
	pending    int
	pendingOK  bool
	activity   []cache.Event
	alerts     []string
	unreliable bool
}

func (f *fakeStateCache) Balance(_ context.Context) (int64, bool, error) {
	if f.unreliable {
		return 0, false, errors.New("cache down")
	}
	return f.balance, f.balanceOK, nil
}

func (f *fakeStateCache) PendingApprovals(_ context.Context) (int, bool, error) {
	if f.unreliable {
		return 0, false, errors.New("cache down")
	}
	return f.pending, f.pendingOK, nil
}

func (f *fakeStateCache) RecentActivity(_ context.Context, _ int) ([]cache.Event, error) {
	if f.unreliable {
		return nil, errors.New("cache down")
	}
	return f.activity, nil
}

func (f *fakeStateCache) Alerts(_ context.Context, _ int) ([]string, error) {
	if f.unreliable {
		return nil, errors.New("cache down")
	}
	return f.alerts, nil
}

type fakePolicyStore struct {
	snap      policy.Snapshot
	updateErr error
}

func (f *fakePolicyStore) Snapshot(_ context.Context) policy.Snapshot { return f.snap }

func (f *fakePolicyStore) Update(_ context.Context, snap policy.Snapshot) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.snap = snap
	return nil
}

type testServer struct {
	router    *chi.Mux
	processor *fakeProcessor
	extractor *fakeExtractor
	ledger    *fakeLedger
	approvals *fakeApprovals
	cache     *fakeStateCache
	policies  *fakePolicyStore
}

func newTestServer() *testServer {
	ts := &testServer{
		processor: &fakeProcessor{outcome: &saga.Outcome{
			State:           saga.StateConfirmed,
			Status:          repository.StatusConfirmed,
			SettlementRef:   "rail-ref-1",
			BalanceSnapshot: 98800,
		}},
		extractor: &fakeExtractor{invoice: &extraction.Invoice{
			Vendor:   "Acme Corp",
			Amount:   120000,
			Currency: "USD",
		}},
		ledger:    &fakeLedger{entries: make(map[string]*repository.LedgerEntry), account: repository.Account{Balance: 98800, MonthlyBurn: 12000}},
		approvals: &fakeApprovals{},
		cache:     &fakeStateCache{},
		policies:  &fakePolicyStore{snap: policy.Defaults},
	}
	srv := NewServer(ts.processor, ts.extractor, ts.ledger, ts.approvals, ts.cache, ts.policies, logger.New("test", io.Discard))
	ts.router = chi.NewRouter()
	srv.Routes(ts.router)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestSubmitPayment(t *testing.T) {
	ts := newTestServer()

	rec := ts.do(t, http.MethodPost, "/api/payments", map[string]interface{}{
		"requestId": "req-1",
		"vendor":    "Acme Corp",
		"amount":    1200,
		"currency":  "USD",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out saga.Outcome
	decodeBody(t, rec, &out)
	if out.RequestID != "req-1" || out.State != saga.StateConfirmed {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(ts.processor.processed) != 1 || ts.processor.processed[0].Amount != 1200 {
		t.Fatalf("expected one saga drive, got %+v", ts.processor.processed)
	}
}

func TestSubmitPaymentGeneratesRequestID(t *testing.T) {
	ts := newTestServer()

	rec := ts.do(t, http.MethodPost, "/api/payments", map[string]interface{}{
		"vendor":   "Acme Corp",
		"amount":   1200,
		"currency": "USD",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ts.processor.processed[0].RequestID == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestSubmitPaymentPendingReturns202(t *testing.T) {
	ts := newTestServer()
	ts.processor.outcome = &saga.Outcome{
		State:  saga.StateSettling,
		Status: repository.StatusPending,
	}

	rec := ts.do(t, http.MethodPost, "/api/payments", map[string]interface{}{
		"requestId": "req-2",
		"vendor":    "Acme Corp",
		"amount":    1200,
		"currency":  "USD",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("pending outcome must return 202, got %d", rec.Code)
	}
}

func TestSubmitPaymentBusinessError(t *testing.T) {
	ts := newTestServer()
	ts.processor.err = errs.New(errs.CodeValidationFailed, "amount must be positive")

	rec := ts.do(t, http.MethodPost, "/api/payments", map[string]interface{}{
		"requestId": "req-3",
		"vendor":    "Acme Corp",
		"amount":    -5,
		"currency":  "USD",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp errs.Error
	decodeBody(t, rec, &resp)
	if resp.Code != errs.CodeValidationFailed || resp.RequestID != "req-3" {
		t.Fatalf("unexpected error payload %+v", resp)
	}
}

func TestSubmitPaymentInternalError(t *testing.T) {
	ts := newTestServer()
	ts.processor.err = errors.New("db timeout")

	rec := ts.do(t, http.MethodPost, "/api/payments", map[string]interface{}{
		"requestId": "req-4",
		"vendor":    "Acme Corp",
		"amount":    100,
		"currency":  "USD",
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "db timeout") {
		t.Fatal("internal error detail must not leak to callers")
	}
}

func TestSubmitInvoice(t *testing.T) {
	ts := newTestServer()

	rec := ts.do(t, http.MethodPost, "/api/invoices", map[string]interface{}{
		"requestId": "req-5",
		"text":      "Invoice from Acme Corp, total $1,200.00 due Oct 1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(ts.processor.processed) != 1 {
		t.Fatal("expected one saga drive")
	}
	drove := ts.processor.processed[0]
	if drove.Vendor != "Acme Corp" || drove.Amount != 120000 {
		t.Fatalf("extracted fields not forwarded: %+v", drove)
	}
}

func TestSubmitInvoiceEmptyText(t *testing.T) {
	ts := newTestServer()

	rec := ts.do(t, http.MethodPost, "/api/invoices", map[string]interface{}{"requestId": "req-6"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp errs.Error
	decodeBody(t, rec, &resp)
	if resp.Code != errs.CodeValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %s", resp.Code)
	}
}

func TestSubmitInvoiceUnparseable(t *testing.T) {
	ts := newTestServer()
	ts.extractor.err = &extraction.Error{Reason: "no amount found"}

	rec := ts.do(t, http.MethodPost, "/api/invoices", map[string]interface{}{
		"requestId": "req-7",
		"text":      "lorem ipsum",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp errs.Error
	decodeBody(t, rec, &resp)
	if resp.Code != errs.CodeValidationFailed || !strings.Contains(resp.Message, "no amount found") {
		t.Fatalf("unexpected payload %+v", resp)
	}
	if len(ts.processor.processed) != 0 {
		t.Fatal("unparseable invoice must not start a saga")
	}
}

func TestSubmitInvoiceExtractorDown(t *testing.T) {
	ts := newTestServer()
	ts.extractor.err = errors.New("connection refused")

	rec := ts.do(t, http.MethodPost, "/api/invoices", map[string]interface{}{
		"requestId": "req-8",
		"text":      "Invoice from Acme",
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var resp errs.Error
	decodeBody(t, rec, &resp)
	if resp.Code != errs.CodeExtractionFailed {
		t.Fatalf("expected EXTRACTION_FAILED, got %s", resp.Code)
	}
}

func TestSubmitInvoiceTooLarge(t *testing.T) {
	ts := newTestServer()
	ts.extractor.max = 64

	big := strings.Repeat("x", 256)
	rec := ts.do(t, http.MethodPost, "/api/invoices", map[string]interface{}{
		"requestId": "req-9",
		"text":      big,
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestGetPayment(t *testing.T) {
	ts := newTestServer()
	ts.ledger.entries["req-10"] = &repository.LedgerEntry{
		RequestID:     "req-10",
		Vendor:        "Acme Corp",
		Amount:        1200,
		Currency:      "USD",
		Status:        repository.StatusConfirmed,
		SettlementRef: "rail-ref-1",
	}

	rec := ts.do(t, http.MethodGet, "/api/payments/req-10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view ledgerEntryView
	decodeBody(t, rec, &view)
	if view.Status != "CONFIRMED" || view.SettlementRef != "rail-ref-1" {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestGetPaymentNotFound(t *testing.T) {
	ts := newTestServer()

	rec := ts.do(t, http.MethodGet, "/api/payments/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListApprovals(t *testing.T) {
	ts := newTestServer()
	ts.approvals.items = []*repository.Approval{
		{RequestID: "req-11", Vendor: "Acme Corp", Amount: 18000, Currency: "USD", Rationale: "amount 18000 exceeds auto-approval limit 5000"},
	}

	rec := ts.do(t, http.MethodGet, "/api/approvals", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Approvals []approvalView `json:"approvals"`
		Count     int            `json:"count"`
	}
	decodeBody(t, rec, &resp)
	if resp.Count != 1 || resp.Approvals[0].RequestID != "req-11" {
		t.Fatalf("unexpected approvals %+v", resp)
	}
}

func TestApproveEndpoint(t *testing.T) {
	ts := newTestServer()

	rec := ts.do(t, http.MethodPost, "/api/approvals/req-12/approve", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(ts.processor.resumed) != 1 || ts.processor.resumed[0] != "req-12" {
		t.Fatalf("expected resume for req-12, got %v", ts.processor.resumed)
	}
}

func TestRejectEndpointAlreadyResolved(t *testing.T) {
	ts := newTestServer()
	ts.processor.err = errs.ErrAlreadyResolved

	rec := ts.do(t, http.MethodPost, "/api/approvals/req-13/reject", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	ts := newTestServer()

	rec := ts.do(t, http.MethodGet, "/api/policy", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPut, "/api/policy", policy.Snapshot{
		AutoApprovalLimit:    8000,
		CriticalRunwayMonths: 3.0,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ts.policies.snap.AutoApprovalLimit != 8000 {
		t.Fatalf("update not applied, got %+v", ts.policies.snap)
	}
}

func TestPolicyUpdateRejected(t *testing.T) {
	ts := newTestServer()
	ts.policies.updateErr = errors.New("autoApprovalLimit must be positive")

	rec := ts.do(t, http.MethodPut, "/api/policy", policy.Snapshot{AutoApprovalLimit: -1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp errs.Error
	decodeBody(t, rec, &resp)
	if resp.Code != errs.CodeInvalidPolicy {
		t.Fatalf("expected INVALID_POLICY, got %s", resp.Code)
	}
}

func TestDashboardFromCache(t *testing.T) {
	ts := newTestServer()
	ts.cache.balance = 97600
	ts.cache.balanceOK = true
	ts.cache.pending = 2
	ts.cache.pendingOK = true
	ts.cache.alerts = []string{"ESCALATED req-x"}

	rec := ts.do(t, http.MethodGet, "/api/dashboard", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view dashboardView
	decodeBody(t, rec, &view)
	if view.Source != "cache" || view.Balance != 97600 || view.PendingApprovals != 2 {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.RunwayMonths == nil || *view.RunwayMonths < 8.13 || *view.RunwayMonths > 8.14 {
		t.Fatalf("unexpected runway %v", view.RunwayMonths)
	}
	if len(view.Alerts) != 1 {
		t.Fatalf("expected alerts surfaced, got %v", view.Alerts)
	}
}

func TestDashboardFallsBackToLedger(t *testing.T) {
	ts := newTestServer()
	ts.cache.unreliable = true
	ts.approvals.items = []*repository.Approval{{RequestID: "req-14"}}

	rec := ts.do(t, http.MethodGet, "/api/dashboard", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view dashboardView
	decodeBody(t, rec, &view)
	if view.Source != "ledger" || view.Balance != 98800 || view.PendingApprovals != 1 {
		t.Fatalf("expected ledger fallback, got %+v", view)
	}
}

func TestDashboardUnboundedRunway(t *testing.T) {
	ts := newTestServer()
	ts.ledger.account.MonthlyBurn = 0

	rec := ts.do(t, http.MethodGet, "/api/dashboard", nil)
	var view dashboardView
	decodeBody(t, rec, &view)
	if view.RunwayMonths != nil {
		t.Fatalf("zero burn means unbounded runway, got %v", *view.RunwayMonths)
	}
}

func TestActivityPrefersCache(t *testing.T) {
	ts := newTestServer()
	ts.cache.activity = []cache.Event{{RequestID: "req-15", Event: "Payment to Acme Corp"}}

	rec := ts.do(t, http.MethodGet, "/api/dashboard/activity", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Source string `json:"source"`
	}
	decodeBody(t, rec, &resp)
	if resp.Source != "cache" {
		t.Fatalf("expected cache source, got %s", resp.Source)
	}
}

func TestActivityFallsBackToLedger(t *testing.T) {
	ts := newTestServer()
	ts.cache.unreliable = true
	ts.ledger.recent = []*repository.LedgerEntry{
		{RequestID: "req-16", Vendor: "Acme Corp", Status: repository.StatusConfirmed},
	}

	rec := ts.do(t, http.MethodGet, "/api/dashboard/activity", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Source   string            `json:"source"`
		Activity []ledgerEntryView `json:"activity"`
	}
	decodeBody(t, rec, &resp)
	if resp.Source != "ledger" || len(resp.Activity) != 1 {
		t.Fatalf("expected ledger fallback, got %+v", resp)
	}
}
