// Package repository 数据访问层
package repository

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrDuplicateRequest     = errors.New("duplicate request id")
	ErrInvalidState         = errors.New("invalid ledger state transition")
	ErrAlreadyResolved      = errors.New("approval already resolved")
	ErrOptimisticLockFailed = errors.New("optimistic lock failed")
	ErrMissingSettlementRef = errors.New("settlement reference required")
)

// Status 账本条目状态
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusConfirmed        Status = "CONFIRMED"
	StatusFailed           Status = "FAILED"
	StatusRequiresApproval Status = "REQUIRES_APPROVAL"
	StatusRejected         Status = "REJECTED"
)

// Terminal reports whether entries in this status are immutable.
// PENDING is the only non-terminal persisted status: it marks a settlement
// whose outcome the reconciler still owns.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusRequiresApproval, StatusRejected:
		return true
	}
	return false
}

// LedgerEntry 支付决策账本条目，request_id 即幂等键
type LedgerEntry struct {
	RequestID           string
	Vendor              string
	Destination         string
	Amount              int64 // 最小单位整数
	Currency            string
	Status              Status
	Rationale           string
	BalanceSnapshot     int64
	SettlementRef       string
	CompensationApplied bool
	ReconcileAttempts   int
	Escalated           bool
	CreatedAt           int64 // unix ms
	FinalizedAt         int64 // unix ms, 0 表示未终态
}

// Account 金库聚合（单写者：只有 orchestrator 的 CONFIRMED 转换扣减余额）
type Account struct {
	Balance     int64
	MonthlyBurn int64
	Version     int64
	UpdatedAt   int64
}

// ApprovalStatus 审批状态
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// Approval 等待人工审批的支付
type Approval struct {
	RequestID  string
	Vendor     string
	Amount     int64
	Currency   string
	Rationale  string
	Status     ApprovalStatus
	CreatedAt  int64
	ResolvedAt int64
}
