package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"treasury-service/internal/cache"
	"treasury-service/internal/errs"
	"treasury-service/internal/logger"
	"treasury-service/internal/metrics"
	"treasury-service/internal/notify"
	"treasury-service/internal/policy"
	"treasury-service/internal/repository"
	"treasury-service/internal/settlement"
	"treasury-service/internal/tracing"
)

// Orchestrator 驱动支付 saga。不同 request_id 完全并行；
// 同一 request_id 同时只允许一个驱动者。
type Orchestrator struct {
	ledger    Ledger
	approvals Approvals
	cache     StateCache
	rail      Rail
	notifier  Notifier
	policies  PolicySource
	metrics   *metrics.Metrics
	log       *logger.Logger

	inflight sync.Map // requestID -> struct{}
}

// NewOrchestrator 创建编排器
func NewOrchestrator(
	ledger Ledger,
	approvals Approvals,
	stateCache StateCache,
	rail Rail,
	notifier Notifier,
	policies PolicySource,
	m *metrics.Metrics,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		ledger:    ledger,
		approvals: approvals,
		cache:     stateCache,
		rail:      rail,
		notifier:  notifier,
		policies:  policies,
		metrics:   m,
		log:       log,
	}
}

// Process 驱动一张发票走完 saga。校验失败不产生账本条目；
// 终态 request_id 重放直接返回既有结果，绝不二次结算。
func (o *Orchestrator) Process(ctx context.Context, req PaymentRequest) (*Outcome, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		o.metrics.SagaLatency.Observe(time.Since(start).Seconds())
	}()

	ctx = logger.ContextWithRequestID(ctx, req.RequestID)
	ctx, span := tracing.StartSpan(ctx, "saga.process")
	defer span.End()
	log := o.log.WithContext(ctx)

	// 同一 request_id 的单活动驱动者
	if _, loaded := o.inflight.LoadOrStore(req.RequestID, struct{}{}); loaded {
		return nil, errs.ErrSagaInFlight
	}
	defer o.inflight.Delete(req.RequestID)

	// 幂等边界：账本里已有记录的直接短路
	if existing, err := o.ledger.GetEntry(ctx, req.RequestID); err == nil {
		o.metrics.DuplicateRequests.Inc()
		if existing.Status == repository.StatusPending {
			// 结算结局归对账所有，这里不允许第二个驱动者
			return outcomeFromEntry(existing, true), nil
		}
		log.Info("duplicate request, returning stored outcome")
		return outcomeFromEntry(existing, true), nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("idempotency check: %w", err)
	}

	// RECEIVED -> POLICY_EVALUATED：余额快照只读一次，
	// 同一次运行里不再回读，避免对着移动目标做决策
	account, err := o.ledger.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("read treasury account: %w", err)
	}
	snapshot := o.policies.Snapshot(ctx)

	result := policy.Evaluate(policy.Input{
		Amount:         req.Amount,
		CurrentBalance: account.Balance,
		MonthlyBurn:    account.MonthlyBurn,
		Policy:         snapshot,
	})
	o.countDecision(result.Decision)
	log.Infof("policy evaluated", map[string]interface{}{
		"decision":  string(result.Decision),
		"amount":    req.Amount,
		"balance":   account.Balance,
		"rationale": result.Rationale,
	})

	entry := &repository.LedgerEntry{
		RequestID:       req.RequestID,
		Vendor:          req.Vendor,
		Destination:     req.Destination,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Rationale:       result.Rationale,
		BalanceSnapshot: account.Balance,
	}

	switch result.Decision {
	case policy.RejectRunway:
		return o.reject(ctx, entry, result)
	case policy.RequireApproval:
		return o.pause(ctx, entry, result)
	default:
		return o.settle(ctx, entry, result.Decision)
	}
}

// Resume 操作员裁决是恢复 AWAITING_APPROVAL saga 的唯一外部触发。
// 通过时从 POLICY_EVALUATED 重跑：时间已经过去，余额要重新读取，
// 这是有意的再校验，不是陈旧重放。
func (o *Orchestrator) Resume(ctx context.Context, requestID string, approve bool) (*Outcome, error) {
	ctx = logger.ContextWithRequestID(ctx, requestID)
	ctx, span := tracing.StartSpan(ctx, "saga.resume")
	defer span.End()
	log := o.log.WithContext(ctx)

	if _, loaded := o.inflight.LoadOrStore(requestID, struct{}{}); loaded {
		return nil, errs.ErrSagaInFlight
	}
	defer o.inflight.Delete(requestID)

	item, err := o.approvals.Resolve(ctx, requestID, approve)
	if err != nil {
		item, err = o.recoverResolution(ctx, requestID, approve, err)
		if err != nil {
			return nil, err
		}
		log.Warn("resuming interrupted approval resolution")
	}

	resolution := "rejected"
	if approve {
		resolution = "approved"
	}
	o.metrics.ApprovalsResolved.WithLabelValues(resolution).Inc()
	o.notifier.Notify(ctx, notify.EventApprovalResolved, map[string]interface{}{
		"requestId": requestID,
		"approved":  approve,
	})
	o.mirrorPendingApprovals(ctx)

	if !approve {
		entry, err := o.ledger.RejectAfterApproval(ctx, requestID, "rejected by operator")
		if err != nil {
			return nil, fmt.Errorf("reject after approval: %w", err)
		}
		o.mirrorActivity(ctx, entry, 0, false)
		o.notifier.Notify(ctx, notify.EventPaymentRejected, outcomeFromEntry(entry, false))
		log.Info("approval rejected by operator")
		return outcomeFromEntry(entry, false), nil
	}

	// 重新评估流动性：用当下的余额，不用暂停时的快照
	account, err := o.ledger.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("read treasury account: %w", err)
	}
	snapshot := o.policies.Snapshot(ctx)

	result := policy.Evaluate(policy.Input{
		Amount:         item.Amount,
		CurrentBalance: account.Balance,
		MonthlyBurn:    account.MonthlyBurn,
		Policy:         snapshot,
	})
	o.countDecision(result.Decision)

	if result.Decision == policy.RejectRunway {
		entry, err := o.ledger.RejectAfterApproval(ctx, requestID, result.Rationale)
		if err != nil {
			return nil, fmt.Errorf("reject after approval: %w", err)
		}
		o.mirrorActivity(ctx, entry, 0, false)
		o.notifier.Notify(ctx, notify.EventPaymentRejected, outcomeFromEntry(entry, false))
		log.Infof("resumption blocked by runway protection", map[string]interface{}{
			"rationale": result.Rationale,
		})
		return outcomeFromEntry(entry, false), nil
	}

	// 操作员已经签字，金额超限不再二次排队
	rationale := "approved by operator: " + result.Rationale
	if err := o.ledger.ReopenForResume(ctx, requestID, account.Balance, rationale); err != nil {
		return nil, fmt.Errorf("reopen for resume: %w", err)
	}

	entry, err := o.ledger.GetEntry(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("reload ledger entry: %w", err)
	}
	return o.submitAndRecord(ctx, entry)
}

// recoverResolution 审批裁决和账本转移是两次落库，中间崩溃或出错时
// 账本条目会留在 REQUIRES_APPROVAL。重试的 Resume 从持久状态续跑：
// 裁决已记录就沿用记录的裁决，审批行缺失就按账本重建后再裁决。
// 只有账本条目已经离开 REQUIRES_APPROVAL 的情况才是真正的重复裁决。
func (o *Orchestrator) recoverResolution(ctx context.Context, requestID string, approve bool, cause error) (*repository.Approval, error) {
	switch {
	case errors.Is(cause, repository.ErrAlreadyResolved):
		entry, err := o.ledger.GetEntry(ctx, requestID)
		if err != nil || entry.Status != repository.StatusRequiresApproval {
			return nil, errs.ErrAlreadyResolved
		}
		item, err := o.approvals.Get(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("reload approval: %w", err)
		}
		recorded := item.Status == repository.ApprovalApproved
		if recorded != approve {
			return nil, errs.ErrAlreadyResolved
		}
		return item, nil

	case errors.Is(cause, repository.ErrNotFound):
		entry, err := o.ledger.GetEntry(ctx, requestID)
		if err != nil || entry.Status != repository.StatusRequiresApproval {
			return nil, errs.ErrApprovalNotFound
		}
		enqueueErr := o.approvals.Enqueue(ctx, &repository.Approval{
			RequestID: entry.RequestID,
			Vendor:    entry.Vendor,
			Amount:    entry.Amount,
			Currency:  entry.Currency,
			Rationale: entry.Rationale,
		})
		if enqueueErr != nil && !errors.Is(enqueueErr, repository.ErrDuplicateRequest) {
			return nil, fmt.Errorf("requeue approval: %w", enqueueErr)
		}
		item, err := o.approvals.Resolve(ctx, requestID, approve)
		if err != nil {
			return nil, fmt.Errorf("resolve approval: %w", err)
		}
		return item, nil
	}
	return nil, fmt.Errorf("resolve approval: %w", cause)
}

func (o *Orchestrator) reject(ctx context.Context, entry *repository.LedgerEntry, result policy.Result) (*Outcome, error) {
	entry.Status = repository.StatusRejected
	if err := o.ledger.InsertTerminal(ctx, entry); err != nil {
		if errors.Is(err, repository.ErrDuplicateRequest) {
			return o.storedOutcome(ctx, entry.RequestID)
		}
		return nil, fmt.Errorf("record rejection: %w", err)
	}
	o.metrics.LedgerEntries.Inc()

	o.mirrorActivity(ctx, entry, 0, false)
	o.notifier.Notify(ctx, notify.EventPaymentRejected, outcomeFromEntry(entry, false))

	out := outcomeFromEntry(entry, false)
	out.Decision = result.Decision
	return out, nil
}

func (o *Orchestrator) pause(ctx context.Context, entry *repository.LedgerEntry, result policy.Result) (*Outcome, error) {
	entry.Status = repository.StatusRequiresApproval
	if err := o.ledger.InsertTerminal(ctx, entry); err != nil {
		if errors.Is(err, repository.ErrDuplicateRequest) {
			return o.storedOutcome(ctx, entry.RequestID)
		}
		return nil, fmt.Errorf("record approval request: %w", err)
	}
	o.metrics.LedgerEntries.Inc()

	err := o.approvals.Enqueue(ctx, &repository.Approval{
		RequestID: entry.RequestID,
		Vendor:    entry.Vendor,
		Amount:    entry.Amount,
		Currency:  entry.Currency,
		Rationale: result.Rationale,
	})
	if err != nil && !errors.Is(err, repository.ErrDuplicateRequest) {
		return nil, fmt.Errorf("enqueue approval: %w", err)
	}

	o.mirrorActivity(ctx, entry, 0, false)
	o.mirrorPendingApprovals(ctx)
	o.notifier.Notify(ctx, notify.EventApprovalRequested, map[string]interface{}{
		"requestId": entry.RequestID,
		"vendor":    entry.Vendor,
		"amount":    entry.Amount,
		"currency":  entry.Currency,
		"rationale": result.Rationale,
	})

	out := outcomeFromEntry(entry, false)
	out.Decision = result.Decision
	return out, nil
}

func (o *Orchestrator) settle(ctx context.Context, entry *repository.LedgerEntry, decision policy.Decision) (*Outcome, error) {
	// 先落 PENDING 再触外部调用：提交后进程崩溃，恢复逻辑能从
	// 卡在 PENDING 的条目对账，而不是盲目重发
	if err := o.ledger.CreatePending(ctx, entry); err != nil {
		if errors.Is(err, repository.ErrDuplicateRequest) {
			return o.storedOutcome(ctx, entry.RequestID)
		}
		return nil, fmt.Errorf("record pending settlement: %w", err)
	}
	o.metrics.LedgerEntries.Inc()

	out, err := o.submitAndRecord(ctx, entry)
	if err != nil {
		return nil, err
	}
	out.Decision = decision
	return out, nil
}

// submitAndRecord 调结算轨道并按结局落账。条目此刻必须处于 PENDING。
func (o *Orchestrator) submitAndRecord(ctx context.Context, entry *repository.LedgerEntry) (*Outcome, error) {
	log := o.log.WithContext(ctx)

	destination := entry.Destination
	if destination == "" {
		destination = entry.Vendor
	}

	reference, err := o.rail.Submit(ctx, settlement.SubmitRequest{
		Destination:    destination,
		Amount:         entry.Amount,
		Currency:       entry.Currency,
		IdempotencyKey: entry.RequestID,
	})

	var railErr *settlement.RailError
	switch {
	case err == nil:
		o.metrics.SettlementSubmits.WithLabelValues(metrics.SubmitResultConfirmed).Inc()
		return o.confirm(ctx, entry.RequestID, reference)

	case errors.As(err, &railErr):
		// 确定性失败：资金未动，补偿是一次记录在案的空回滚
		o.metrics.SettlementSubmits.WithLabelValues(metrics.SubmitResultFailed).Inc()
		failed, ferr := o.ledger.FinalizeFailed(ctx, entry.RequestID, railErr.Reason, true)
		if ferr != nil {
			return nil, fmt.Errorf("record settlement failure: %w", ferr)
		}
		o.mirrorActivity(ctx, failed, 0, false)
		o.notifier.Notify(ctx, notify.EventPaymentFailed, outcomeFromEntry(failed, false))
		log.Warnf("settlement definitively failed", map[string]interface{}{
			"reason": railErr.Reason,
		})
		return outcomeFromEntry(failed, false), nil

	case errors.Is(err, settlement.ErrIndeterminate):
		// 结局未知：保持 PENDING，交给对账；绝不自动判失败
		o.metrics.SettlementSubmits.WithLabelValues(metrics.SubmitResultIndeterminate).Inc()
		tracing.SetError(ctx, err)
		o.notifier.Notify(ctx, notify.EventSettlementPending, map[string]interface{}{
			"requestId": entry.RequestID,
			"vendor":    entry.Vendor,
			"amount":    entry.Amount,
		})
		log.WithError(err).Warn("settlement outcome indeterminate, awaiting reconciliation")
		entry.Status = repository.StatusPending
		return outcomeFromEntry(entry, false), nil

	default:
		return nil, fmt.Errorf("submit settlement: %w", err)
	}
}

// confirm PENDING -> CONFIRMED：先持久化，再尽力更新缓存，最后通知。
// 顺序是契约：缓存只能是持久真值的衍生视图，反过来不行。
func (o *Orchestrator) confirm(ctx context.Context, requestID, reference string) (*Outcome, error) {
	entry, account, err := o.ledger.FinalizeConfirmed(ctx, requestID, reference)
	if err != nil {
		return nil, fmt.Errorf("finalize settlement: %w", err)
	}

	if cerr := o.cache.SetBalance(ctx, account.Balance); cerr != nil {
		o.metrics.CacheErrors.Inc()
		o.log.WithContext(ctx).WithError(cerr).Warn("balance mirror update failed")
	}
	o.mirrorActivity(ctx, entry, account.Balance, true)

	o.notifier.Notify(ctx, notify.EventPaymentConfirmed, outcomeFromEntry(entry, false))
	o.log.WithContext(ctx).Infof("payment confirmed", map[string]interface{}{
		"settlementRef": reference,
		"balance":       account.Balance,
	})
	return outcomeFromEntry(entry, false), nil
}

func (o *Orchestrator) storedOutcome(ctx context.Context, requestID string) (*Outcome, error) {
	existing, err := o.ledger.GetEntry(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("reload duplicate entry: %w", err)
	}
	o.metrics.DuplicateRequests.Inc()
	return outcomeFromEntry(existing, true), nil
}

// mirrorActivity 缓存写失败只降级，不影响 saga 结果。
// balanceKnown 为 false 时退回决策时的余额快照。
func (o *Orchestrator) mirrorActivity(ctx context.Context, entry *repository.LedgerEntry, balance int64, balanceKnown bool) {
	label := "Invoice for " + entry.Vendor
	if entry.Status == repository.StatusConfirmed {
		label = "Payment to " + entry.Vendor
	}
	if !balanceKnown {
		balance = entry.BalanceSnapshot
	}
	err := o.cache.PushActivity(ctx, cache.Event{
		Timestamp:     time.Now().Unix(),
		Event:         label,
		RequestID:     entry.RequestID,
		Status:        string(entry.Status),
		Amount:        entry.Amount,
		Currency:      entry.Currency,
		Balance:       balance,
		SettlementRef: entry.SettlementRef,
		Rationale:     entry.Rationale,
	})
	if err != nil {
		o.metrics.CacheErrors.Inc()
		o.log.WithContext(ctx).WithError(err).Warn("activity mirror update failed")
	}
}

func (o *Orchestrator) mirrorPendingApprovals(ctx context.Context) {
	n, err := o.approvals.CountPending(ctx)
	if err != nil {
		return
	}
	if err := o.cache.SetPendingApprovals(ctx, n); err != nil {
		o.metrics.CacheErrors.Inc()
	}
}

func (o *Orchestrator) countDecision(d policy.Decision) {
	switch d {
	case policy.AutoApprove:
		o.metrics.PolicyDecisions.WithLabelValues(metrics.DecisionAutoApprove).Inc()
	case policy.RequireApproval:
		o.metrics.PolicyDecisions.WithLabelValues(metrics.DecisionRequireApproval).Inc()
	case policy.RejectRunway:
		o.metrics.PolicyDecisions.WithLabelValues(metrics.DecisionRejectRunway).Inc()
	}
}

func validate(req PaymentRequest) error {
	if strings.TrimSpace(req.RequestID) == "" {
		return errs.New(errs.CodeValidationFailed, "requestId is required")
	}
	if strings.TrimSpace(req.Vendor) == "" {
		return errs.New(errs.CodeValidationFailed, "vendor is required")
	}
	if req.Amount <= 0 {
		return errs.New(errs.CodeValidationFailed, "amount must be positive")
	}
	if strings.TrimSpace(req.Currency) == "" {
		return errs.New(errs.CodeValidationFailed, "currency is required")
	}
	return nil
}
