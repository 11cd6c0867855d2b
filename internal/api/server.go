// Package api HTTP 接口层
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"treasury-service/internal/cache"
	"treasury-service/internal/errs"
	"treasury-service/internal/extraction"
	"treasury-service/internal/logger"
	"treasury-service/internal/policy"
	"treasury-service/internal/repository"
	"treasury-service/internal/saga"
)

// Processor saga 驱动契约
type Processor interface {
	Process(ctx context.Context, req saga.PaymentRequest) (*saga.Outcome, error)
	Resume(ctx context.Context, requestID string, approve bool) (*saga.Outcome, error)
}

// Extractor 发票抽取契约
type Extractor interface {
	Extract(ctx context.Context, rawText string) (*extraction.Invoice, error)
	MaxBytes() int64
}

// Ledger 查询侧账本契约
type Ledger interface {
	GetEntry(ctx context.Context, requestID string) (*repository.LedgerEntry, error)
	RecentEntries(ctx context.Context, limit int) ([]*repository.LedgerEntry, error)
	GetAccount(ctx context.Context) (*repository.Account, error)
}

// Approvals 审批队列查询契约
type Approvals interface {
	ListPending(ctx context.Context, limit int) ([]*repository.Approval, error)
	CountPending(ctx context.Context) (int, error)
}

// StateCache 仪表盘读路径契约（miss 或故障时回落账本）
type StateCache interface {
	Balance(ctx context.Context) (int64, bool, error)
	PendingApprovals(ctx context.Context) (int, bool, error)
	RecentActivity(ctx context.Context, n int) ([]cache.Event, error)
	Alerts(ctx context.Context, n int) ([]string, error)
}

// PolicyStore 策略读写契约
type PolicyStore interface {
	Snapshot(ctx context.Context) policy.Snapshot
	Update(ctx context.Context, snap policy.Snapshot) error
}

// Server HTTP 服务
type Server struct {
	processor Processor
	extractor Extractor
	ledger    Ledger
	approvals Approvals
	cache     StateCache
	policies  PolicyStore
	log       *logger.Logger
}

// NewServer 创建接口层
func NewServer(
	processor Processor,
	extractor Extractor,
	ledger Ledger,
	approvals Approvals,
	stateCache StateCache,
	policies PolicyStore,
	log *logger.Logger,
) *Server {
	return &Server{
		processor: processor,
		extractor: extractor,
		ledger:    ledger,
		approvals: approvals,
		cache:     stateCache,
		policies:  policies,
		log:       log,
	}
}

// Routes 注册业务路由
func (s *Server) Routes(r chi.Router) {
	r.Post("/api/invoices", s.handleSubmitInvoice)
	r.Post("/api/payments", s.handleSubmitPayment)
	r.Get("/api/payments/{requestId}", s.handleGetPayment)
	r.Get("/api/approvals", s.handleListApprovals)
	r.Post("/api/approvals/{requestId}/approve", s.resolveApproval(true))
	r.Post("/api/approvals/{requestId}/reject", s.resolveApproval(false))
	r.Get("/api/policy", s.handleGetPolicy)
	r.Put("/api/policy", s.handleUpdatePolicy)
	r.Get("/api/dashboard", s.handleDashboard)
	r.Get("/api/dashboard/activity", s.handleActivity)
}

type invoiceRequest struct {
	RequestID string `json:"requestId"`
	Text      string `json:"text"`
}

// handleSubmitInvoice 原始发票文本进，saga 结果出
func (s *Server) handleSubmitInvoice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.extractor.MaxBytes())

	var req invoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorCode(w, r, errs.CodePayloadTooLarge, "invoice text exceeds size limit")
			return
		}
		writeErrorCode(w, r, errs.CodeInvalidParam, "invalid request body")
		return
	}
	if req.Text == "" {
		writeErrorCode(w, r, errs.CodeValidationFailed, "text is required")
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	invoice, err := s.extractor.Extract(r.Context(), req.Text)
	if err != nil {
		var exErr *extraction.Error
		if errors.As(err, &exErr) {
			writeError(w, r, errs.Newf(errs.CodeValidationFailed, "invoice extraction rejected: %s", exErr.Reason).WithRequestID(req.RequestID))
			return
		}
		s.log.WithContext(r.Context()).WithError(err).Error("invoice extraction unavailable")
		writeError(w, r, errs.New(errs.CodeExtractionFailed, "invoice extraction unavailable").WithRequestID(req.RequestID))
		return
	}

	s.runSaga(w, r, saga.PaymentRequest{
		RequestID:   req.RequestID,
		Vendor:      invoice.Vendor,
		Destination: invoice.Destination,
		Amount:      invoice.Amount,
		Currency:    invoice.Currency,
		SubmittedAt: time.Now(),
	})
}

type paymentRequest struct {
	RequestID   string `json:"requestId"`
	Vendor      string `json:"vendor"`
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

// handleSubmitPayment 结构化支付请求，跳过抽取
func (s *Server) handleSubmitPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, r, errs.CodeInvalidParam, "invalid request body")
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	s.runSaga(w, r, saga.PaymentRequest{
		RequestID:   req.RequestID,
		Vendor:      req.Vendor,
		Destination: req.Destination,
		Amount:      req.Amount,
		Currency:    req.Currency,
		SubmittedAt: time.Now(),
	})
}

func (s *Server) runSaga(w http.ResponseWriter, r *http.Request, req saga.PaymentRequest) {
	outcome, err := s.processor.Process(r.Context(), req)
	if err != nil {
		s.writeSagaError(w, r, req.RequestID, err)
		return
	}
	writeJSON(w, statusForOutcome(outcome), outcome)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	entry, err := s.ledger.GetEntry(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeErrorCode(w, r, errs.CodeNotFound, "no payment for this request id")
			return
		}
		s.log.WithContext(r.Context()).WithError(err).Error("ledger lookup failed")
		writeErrorCode(w, r, errs.CodeInternal, "ledger lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, entryView(entry))
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	items, err := s.approvals.ListPending(r.Context(), limit)
	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).Error("list approvals failed")
		writeErrorCode(w, r, errs.CodeInternal, "list approvals failed")
		return
	}
	views := make([]approvalView, 0, len(items))
	for _, it := range items {
		views = append(views, approvalView{
			RequestID: it.RequestID,
			Vendor:    it.Vendor,
			Amount:    it.Amount,
			Currency:  it.Currency,
			Rationale: it.Rationale,
			CreatedAt: it.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approvals": views,
		"count":     len(views),
	})
}

func (s *Server) resolveApproval(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := chi.URLParam(r, "requestId")
		outcome, err := s.processor.Resume(r.Context(), requestID, approve)
		if err != nil {
			s.writeSagaError(w, r, requestID, err)
			return
		}
		writeJSON(w, statusForOutcome(outcome), outcome)
	}
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.policies.Snapshot(r.Context()))
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var snap policy.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeErrorCode(w, r, errs.CodeInvalidParam, "invalid request body")
		return
	}
	if err := s.policies.Update(r.Context(), snap); err != nil {
		writeErrorCode(w, r, errs.CodeInvalidPolicy, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type dashboardView struct {
	Balance          int64    `json:"balance"`
	MonthlyBurn      int64    `json:"monthlyBurn"`
	RunwayMonths     *float64 `json:"runwayMonths"` // null 表示无限
	PendingApprovals int      `json:"pendingApprovals"`
	Alerts           []string `json:"alerts"`
	Source           string   `json:"source"` // cache 或 ledger
}

// handleDashboard 读路径先走缓存镜像，miss 或故障回落账本
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view := dashboardView{Source: "cache", Alerts: []string{}}

	account, err := s.ledger.GetAccount(ctx)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Error("account lookup failed")
		writeErrorCode(w, r, errs.CodeInternal, "account lookup failed")
		return
	}
	view.MonthlyBurn = account.MonthlyBurn

	balance, ok, err := s.cache.Balance(ctx)
	if err != nil || !ok {
		view.Balance = account.Balance
		view.Source = "ledger"
	} else {
		view.Balance = balance
	}

	pending, ok, err := s.cache.PendingApprovals(ctx)
	if err != nil || !ok {
		if n, cerr := s.approvals.CountPending(ctx); cerr == nil {
			pending = n
		}
		view.Source = "ledger"
	}
	view.PendingApprovals = pending

	if account.MonthlyBurn > 0 {
		months := float64(view.Balance) / float64(account.MonthlyBurn)
		view.RunwayMonths = &months
	}
	if alerts, aerr := s.cache.Alerts(ctx, 20); aerr == nil {
		view.Alerts = alerts
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 50 {
		limit = 20
	}

	events, err := s.cache.RecentActivity(ctx, limit)
	if err == nil && len(events) > 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{"activity": events, "source": "cache"})
		return
	}

	entries, lerr := s.ledger.RecentEntries(ctx, limit)
	if lerr != nil {
		s.log.WithContext(ctx).WithError(lerr).Error("activity lookup failed")
		writeErrorCode(w, r, errs.CodeInternal, "activity lookup failed")
		return
	}
	views := make([]ledgerEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView(e))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"activity": views, "source": "ledger"})
}

func (s *Server) writeSagaError(w http.ResponseWriter, r *http.Request, requestID string, err error) {
	var bizErr *errs.Error
	if errors.As(err, &bizErr) {
		payload := *bizErr
		if payload.RequestID == "" {
			payload.RequestID = requestID
		}
		writeJSON(w, payload.HTTPStatus(), &payload)
		return
	}
	s.log.WithContext(r.Context()).WithError(err).Error("saga processing failed")
	writeError(w, r, errs.New(errs.CodeInternal, "payment processing failed").WithRequestID(requestID))
}

// statusForOutcome PENDING 是唯一未定局的状态，用 202 告诉调用方稍后再查
func statusForOutcome(out *saga.Outcome) int {
	if out.Status == repository.StatusPending {
		return http.StatusAccepted
	}
	return http.StatusOK
}

type approvalView struct {
	RequestID string `json:"requestId"`
	Vendor    string `json:"vendor"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Rationale string `json:"rationale"`
	CreatedAt int64  `json:"createdAt"`
}

type ledgerEntryView struct {
	RequestID     string `json:"requestId"`
	Vendor        string `json:"vendor"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	Rationale     string `json:"rationale,omitempty"`
	SettlementRef string `json:"settlementRef,omitempty"`
	Escalated     bool   `json:"escalated,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
	FinalizedAt   int64  `json:"finalizedAt,omitempty"`
}

func entryView(e *repository.LedgerEntry) ledgerEntryView {
	return ledgerEntryView{
		RequestID:     e.RequestID,
		Vendor:        e.Vendor,
		Amount:        e.Amount,
		Currency:      e.Currency,
		Status:        string(e.Status),
		Rationale:     e.Rationale,
		SettlementRef: e.SettlementRef,
		Escalated:     e.Escalated,
		CreatedAt:     e.CreatedAt,
		FinalizedAt:   e.FinalizedAt,
	}
}
