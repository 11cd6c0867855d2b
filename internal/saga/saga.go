// Package saga 支付事务编排。一个 request_id 对应一个 saga 实例，
// 单写者驱动：RECEIVED -> POLICY_EVALUATED -> {SETTLING | AWAITING_APPROVAL |
// REJECTED} -> {CONFIRMED | FAILED}，审批通过后从 POLICY_EVALUATED 重新进入。
package saga

import (
	"context"
	"time"

	"treasury-service/internal/cache"
	"treasury-service/internal/policy"
	"treasury-service/internal/repository"
	"treasury-service/internal/settlement"
)

// State saga 实例状态
type State string

const (
	StateReceived         State = "RECEIVED"
	StatePolicyEvaluated  State = "POLICY_EVALUATED"
	StateSettling         State = "SETTLING"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateRejected         State = "REJECTED"
	StateConfirmed        State = "CONFIRMED"
	StateFailed           State = "FAILED"
)

// PaymentRequest 进入 saga 的工作单元。RequestID 同时是幂等键。
type PaymentRequest struct {
	RequestID   string
	Vendor      string
	Destination string // 收款地址，缺省时由轨道按 vendor 解析
	Amount      int64  // 最小单位整数
	Currency    string
	SubmittedAt time.Time
}

// Outcome 一次驱动的结果
type Outcome struct {
	RequestID       string            `json:"requestId"`
	State           State             `json:"state"`
	Status          repository.Status `json:"status"`
	Decision        policy.Decision   `json:"decision,omitempty"`
	Rationale       string            `json:"rationale,omitempty"`
	SettlementRef   string            `json:"settlementRef,omitempty"`
	BalanceSnapshot int64             `json:"balanceSnapshot"`
	Duplicate       bool              `json:"duplicate,omitempty"`
}

// Ledger 持久账本契约（事实来源）
type Ledger interface {
	GetEntry(ctx context.Context, requestID string) (*repository.LedgerEntry, error)
	CreatePending(ctx context.Context, entry *repository.LedgerEntry) error
	InsertTerminal(ctx context.Context, entry *repository.LedgerEntry) error
	FinalizeConfirmed(ctx context.Context, requestID, settlementRef string) (*repository.LedgerEntry, *repository.Account, error)
	FinalizeFailed(ctx context.Context, requestID, rationale string, compensated bool) (*repository.LedgerEntry, error)
	ReopenForResume(ctx context.Context, requestID string, balanceSnapshot int64, rationale string) error
	RejectAfterApproval(ctx context.Context, requestID, rationale string) (*repository.LedgerEntry, error)
	GetAccount(ctx context.Context) (*repository.Account, error)
}

// Approvals 审批队列契约
type Approvals interface {
	Enqueue(ctx context.Context, item *repository.Approval) error
	Get(ctx context.Context, requestID string) (*repository.Approval, error)
	Resolve(ctx context.Context, requestID string, approved bool) (*repository.Approval, error)
	CountPending(ctx context.Context) (int, error)
}

// StateCache 快速状态镜像契约（尽力而为，故障不致命）
type StateCache interface {
	PushActivity(ctx context.Context, ev cache.Event) error
	SetBalance(ctx context.Context, balance int64) error
	SetPendingApprovals(ctx context.Context, n int) error
	PushAlert(ctx context.Context, message string) error
}

// Rail 结算轨道契约。结局查询归对账所有，这里只有提交。
type Rail interface {
	Submit(ctx context.Context, req settlement.SubmitRequest) (string, error)
}

// Notifier 通知契约（fire-and-forget）
type Notifier interface {
	Notify(ctx context.Context, eventType string, payload interface{})
}

// PolicySource 策略快照来源
type PolicySource interface {
	Snapshot(ctx context.Context) policy.Snapshot
}

func outcomeFromEntry(e *repository.LedgerEntry, duplicate bool) *Outcome {
	return &Outcome{
		RequestID:       e.RequestID,
		State:           stateForStatus(e.Status),
		Status:          e.Status,
		Rationale:       e.Rationale,
		SettlementRef:   e.SettlementRef,
		BalanceSnapshot: e.BalanceSnapshot,
		Duplicate:       duplicate,
	}
}

func stateForStatus(s repository.Status) State {
	switch s {
	case repository.StatusConfirmed:
		return StateConfirmed
	case repository.StatusFailed:
		return StateFailed
	case repository.StatusRequiresApproval:
		return StateAwaitingApproval
	case repository.StatusRejected:
		return StateRejected
	case repository.StatusPending:
		return StateSettling
	}
	return StateReceived
}
