// Package reconcile 对账：查询卡在 PENDING 的结算真相，从不靠猜。
package reconcile

import (
	"context"
	"fmt"
	"time"

	"treasury-service/internal/cache"
	"treasury-service/internal/logger"
	"treasury-service/internal/metrics"
	"treasury-service/internal/notify"
	"treasury-service/internal/repository"
	"treasury-service/internal/settlement"
	"treasury-service/internal/tracing"
)

// Ledger 对账需要的账本契约
type Ledger interface {
	ListPendingSettlements(ctx context.Context, olderThanMs int64, limit int) ([]*repository.LedgerEntry, error)
	RecordReconcileAttempt(ctx context.Context, requestID string) (int, error)
	FinalizeConfirmed(ctx context.Context, requestID, settlementRef string) (*repository.LedgerEntry, *repository.Account, error)
	FinalizeFailed(ctx context.Context, requestID, rationale string, compensated bool) (*repository.LedgerEntry, error)
	MarkEscalated(ctx context.Context, requestID, rationale string) error
	RecentEntries(ctx context.Context, limit int) ([]*repository.LedgerEntry, error)
	GetAccount(ctx context.Context) (*repository.Account, error)
}

// Approvals 重建镜像时需要的审批契约
type Approvals interface {
	ListPending(ctx context.Context, limit int) ([]*repository.Approval, error)
	CountPending(ctx context.Context) (int, error)
}

// Rail 结算轨道查询契约
type Rail interface {
	Confirm(ctx context.Context, reference string) (settlement.Status, error)
	ConfirmByKey(ctx context.Context, idempotencyKey string) (settlement.Status, string, error)
}

// StateCache 快速状态镜像契约
type StateCache interface {
	SetBalance(ctx context.Context, balance int64) error
	PushActivity(ctx context.Context, ev cache.Event) error
	PushAlert(ctx context.Context, message string) error
	Rebuild(ctx context.Context, events []cache.Event, balance int64, pendingApprovals int) error
}

// Notifier 通知契约
type Notifier interface {
	Notify(ctx context.Context, eventType string, payload interface{})
}

// Config 对账参数
type Config struct {
	MinAge      time.Duration // PENDING 条目多久之后才纳入对账
	MaxAttempts int           // 超过次数升级人工，绝不自动判终态
	BatchSize   int
}

// Result 一轮对账的汇总
type Result struct {
	Scanned   int `json:"scanned"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Escalated int `json:"escalated"`
	Errors    int `json:"errors"`
}

// Reconciler 周期性扫描 PENDING 条目并向轨道求证结局
type Reconciler struct {
	ledger    Ledger
	approvals Approvals
	rail      Rail
	cache     StateCache
	notifier  Notifier
	metrics   *metrics.Metrics
	log       *logger.Logger
	cfg       Config
}

// New 创建对账器
func New(
	ledger Ledger,
	approvals Approvals,
	rail Rail,
	stateCache StateCache,
	notifier Notifier,
	m *metrics.Metrics,
	log *logger.Logger,
	cfg Config,
) *Reconciler {
	if cfg.MinAge <= 0 {
		cfg.MinAge = 2 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		ledger:    ledger,
		approvals: approvals,
		rail:      rail,
		cache:     stateCache,
		notifier:  notifier,
		metrics:   m,
		log:       log,
		cfg:       cfg,
	}
}

// Run 扫一轮。单条失败只记数，不中断整批。
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "reconcile.run")
	defer span.End()
	r.metrics.ReconciliationRuns.Inc()

	olderThan := time.Now().Add(-r.cfg.MinAge).UnixMilli()
	entries, err := r.ledger.ListPendingSettlements(ctx, olderThan, r.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list pending settlements: %w", err)
	}

	res := &Result{Scanned: len(entries)}
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}
		r.reconcileOne(ctx, entry, res)
	}

	r.log.Infof("reconciliation pass complete", map[string]interface{}{
		"scanned":   res.Scanned,
		"confirmed": res.Confirmed,
		"failed":    res.Failed,
		"pending":   res.Pending,
		"escalated": res.Escalated,
		"errors":    res.Errors,
	})
	return res, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, entry *repository.LedgerEntry, res *Result) {
	ctx = logger.ContextWithRequestID(ctx, entry.RequestID)
	log := r.log.WithContext(ctx)

	if entry.Escalated {
		// 已移交人工，不再消耗轨道查询
		res.Pending++
		return
	}

	attempts, err := r.ledger.RecordReconcileAttempt(ctx, entry.RequestID)
	if err != nil {
		log.WithError(err).Error("record reconcile attempt failed")
		res.Errors++
		return
	}
	if attempts > r.cfg.MaxAttempts {
		r.escalate(ctx, entry, attempts, res)
		return
	}

	status, reference, err := r.lookupStatus(ctx, entry)
	if err != nil {
		log.WithError(err).Warn("settlement status lookup failed, will retry next pass")
		r.metrics.ReconciliationResults.WithLabelValues("error").Inc()
		res.Errors++
		return
	}

	switch status {
	case settlement.StatusSucceeded:
		confirmed, account, err := r.ledger.FinalizeConfirmed(ctx, entry.RequestID, reference)
		if err != nil {
			log.WithError(err).Error("finalize reconciled settlement failed")
			res.Errors++
			return
		}
		r.mirrorConfirmed(ctx, confirmed, account.Balance)
		r.notifier.Notify(ctx, notify.EventPaymentConfirmed, map[string]interface{}{
			"requestId":     confirmed.RequestID,
			"settlementRef": reference,
			"reconciled":    true,
		})
		r.metrics.ReconciliationResults.WithLabelValues("confirmed").Inc()
		log.Infof("pending settlement reconciled as confirmed", map[string]interface{}{
			"settlementRef": reference,
			"attempts":      attempts,
		})
		res.Confirmed++

	case settlement.StatusFailed:
		rationale := "settlement rail reported failure during reconciliation"
		failed, err := r.ledger.FinalizeFailed(ctx, entry.RequestID, rationale, true)
		if err != nil {
			log.WithError(err).Error("finalize reconciled failure failed")
			res.Errors++
			return
		}
		r.notifier.Notify(ctx, notify.EventPaymentFailed, map[string]interface{}{
			"requestId":  failed.RequestID,
			"rationale":  rationale,
			"reconciled": true,
		})
		r.metrics.ReconciliationResults.WithLabelValues("failed").Inc()
		log.Warnf("pending settlement reconciled as failed", map[string]interface{}{
			"attempts": attempts,
		})
		res.Failed++

	default:
		// 轨道自己还没定论，保持 PENDING 等下一轮
		r.metrics.ReconciliationResults.WithLabelValues("pending").Inc()
		res.Pending++
	}
}

// lookupStatus 有结算引用走引用查询，没有的说明崩在提交窗口里，
// 用幂等键反查轨道是否收到过这笔请求
func (r *Reconciler) lookupStatus(ctx context.Context, entry *repository.LedgerEntry) (settlement.Status, string, error) {
	if entry.SettlementRef != "" {
		status, err := r.rail.Confirm(ctx, entry.SettlementRef)
		return status, entry.SettlementRef, err
	}
	return r.rail.ConfirmByKey(ctx, entry.RequestID)
}

func (r *Reconciler) escalate(ctx context.Context, entry *repository.LedgerEntry, attempts int, res *Result) {
	log := r.log.WithContext(ctx)
	rationale := fmt.Sprintf("settlement outcome unresolved after %d reconciliation attempts", attempts-1)

	if err := r.ledger.MarkEscalated(ctx, entry.RequestID, rationale); err != nil {
		log.WithError(err).Error("mark escalated failed")
		res.Errors++
		return
	}
	r.metrics.Escalations.Inc()
	r.metrics.ReconciliationResults.WithLabelValues("escalated").Inc()

	alert := fmt.Sprintf("ESCALATED %s: %d to %s stuck PENDING, manual review required",
		entry.RequestID, entry.Amount, entry.Vendor)
	if err := r.cache.PushAlert(ctx, alert); err != nil {
		r.metrics.CacheErrors.Inc()
	}
	r.notifier.Notify(ctx, notify.EventEscalated, map[string]interface{}{
		"requestId": entry.RequestID,
		"vendor":    entry.Vendor,
		"amount":    entry.Amount,
		"attempts":  attempts - 1,
		"rationale": rationale,
	})
	log.Errorf("settlement escalated to manual review", map[string]interface{}{
		"attempts": attempts - 1,
	})
	res.Escalated++
}

func (r *Reconciler) mirrorConfirmed(ctx context.Context, entry *repository.LedgerEntry, balance int64) {
	if err := r.cache.SetBalance(ctx, balance); err != nil {
		r.metrics.CacheErrors.Inc()
	}
	err := r.cache.PushActivity(ctx, cache.Event{
		Timestamp:     time.Now().Unix(),
		Event:         "Payment to " + entry.Vendor,
		RequestID:     entry.RequestID,
		Status:        string(entry.Status),
		Amount:        entry.Amount,
		Currency:      entry.Currency,
		Balance:       balance,
		SettlementRef: entry.SettlementRef,
		Rationale:     entry.Rationale,
	})
	if err != nil {
		r.metrics.CacheErrors.Inc()
	}
}

// RebuildProjections 从账本整体重建 Redis 镜像。镜像丢了可以随时重放，
// 方向永远是账本到缓存。
func (r *Reconciler) RebuildProjections(ctx context.Context) error {
	entries, err := r.ledger.RecentEntries(ctx, 50)
	if err != nil {
		return fmt.Errorf("load recent entries: %w", err)
	}
	account, err := r.ledger.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("load treasury account: %w", err)
	}
	pending, err := r.approvals.CountPending(ctx)
	if err != nil {
		return fmt.Errorf("count pending approvals: %w", err)
	}

	events := make([]cache.Event, 0, len(entries))
	for _, e := range entries {
		label := "Invoice for " + e.Vendor
		if e.Status == repository.StatusConfirmed {
			label = "Payment to " + e.Vendor
		}
		ts := e.CreatedAt / 1000
		if e.FinalizedAt > 0 {
			ts = e.FinalizedAt / 1000
		}
		events = append(events, cache.Event{
			Timestamp:     ts,
			Event:         label,
			RequestID:     e.RequestID,
			Status:        string(e.Status),
			Amount:        e.Amount,
			Currency:      e.Currency,
			Balance:       e.BalanceSnapshot,
			SettlementRef: e.SettlementRef,
			Rationale:     e.Rationale,
		})
	}

	if err := r.cache.Rebuild(ctx, events, account.Balance, pending); err != nil {
		return fmt.Errorf("rebuild cache projections: %w", err)
	}
	r.log.Infof("cache projections rebuilt", map[string]interface{}{
		"events":           len(events),
		"balance":          account.Balance,
		"pendingApprovals": pending,
	})
	return nil
}
