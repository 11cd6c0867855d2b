package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const entryColumns = `request_id, vendor, destination, amount, currency, status, rationale,
	balance_snapshot, settlement_ref, compensation_applied, reconcile_attempts, escalated,
	created_at_ms, finalized_at_ms`

// LedgerRepository 账本与金库账户仓储
type LedgerRepository struct {
	db *sql.DB
}

// NewLedgerRepository 创建仓储
func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// GetEntry 按 request_id 查询账本条目
func (r *LedgerRepository) GetEntry(ctx context.Context, requestID string) (*LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM treasury.ledger_entries WHERE request_id = $1`
	entry, err := scanEntry(r.db.QueryRowContext(ctx, query, requestID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query ledger entry: %w", err)
	}
	return entry, nil
}

// CreatePending 写入 PENDING 条目。request_id 唯一约束即幂等边界：
// 已存在则返回 ErrDuplicateRequest，调用方回读既有结果。
func (r *LedgerRepository) CreatePending(ctx context.Context, entry *LedgerEntry) error {
	entry.Status = StatusPending
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().UnixMilli()
	}
	return r.insert(ctx, entry, 0)
}

// InsertTerminal 直接写入终态条目（REJECTED / REQUIRES_APPROVAL）
func (r *LedgerRepository) InsertTerminal(ctx context.Context, entry *LedgerEntry) error {
	if !entry.Status.Terminal() {
		return ErrInvalidState
	}
	now := time.Now().UnixMilli()
	if entry.CreatedAt == 0 {
		entry.CreatedAt = now
	}
	return r.insert(ctx, entry, now)
}

func (r *LedgerRepository) insert(ctx context.Context, entry *LedgerEntry, finalizedAt int64) error {
	query := `
		INSERT INTO treasury.ledger_entries
		(request_id, vendor, destination, amount, currency, status, rationale,
		 balance_snapshot, settlement_ref, compensation_applied, created_at_ms, finalized_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		entry.RequestID, entry.Vendor, entry.Destination, entry.Amount, entry.Currency,
		string(entry.Status), entry.Rationale, entry.BalanceSnapshot,
		nullString(entry.SettlementRef), entry.CompensationApplied,
		entry.CreatedAt, nullInt64(finalizedAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// FinalizeConfirmed 在一个事务内完成 PENDING -> CONFIRMED 与金库扣减。
// 状态守卫保证余额变动恰好一次：已经 CONFIRMED 时直接返回既有条目，不再扣减。
func (r *LedgerRepository) FinalizeConfirmed(ctx context.Context, requestID, settlementRef string) (*LedgerEntry, *Account, error) {
	if settlementRef == "" {
		return nil, nil, ErrMissingSettlementRef
	}

	var entry *LedgerEntry
	var account *Account

	err := r.withOptimisticRetry(ctx, func(ctx context.Context, tx *sql.Tx) error {
		e, err := r.getEntryForUpdate(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if e.Status == StatusConfirmed {
			// 幂等：结算已入账
			entry = e
			a, err := r.getAccountTx(ctx, tx, false)
			if err != nil {
				return err
			}
			account = a
			return nil
		}
		if e.Status != StatusPending {
			return ErrInvalidState
		}

		now := time.Now().UnixMilli()
		_, err = tx.ExecContext(ctx, `
			UPDATE treasury.ledger_entries
			SET status = $1, settlement_ref = $2, finalized_at_ms = $3
			WHERE request_id = $4
		`, string(StatusConfirmed), settlementRef, now, requestID)
		if err != nil {
			return fmt.Errorf("confirm ledger entry: %w", err)
		}

		a, err := r.getAccountTx(ctx, tx, true)
		if err != nil {
			return err
		}
		newBalance := a.Balance - e.Amount
		if err := r.updateAccountBalance(ctx, tx, newBalance, a.Version); err != nil {
			return err
		}

		e.Status = StatusConfirmed
		e.SettlementRef = settlementRef
		e.FinalizedAt = now
		entry = e
		account = &Account{Balance: newBalance, MonthlyBurn: a.MonthlyBurn, Version: a.Version + 1, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return entry, account, nil
}

// FinalizeFailed 结算确定性失败：PENDING -> FAILED，不动余额。
// 链上没有发生转账，补偿是一次记录在案的空回滚。
func (r *LedgerRepository) FinalizeFailed(ctx context.Context, requestID, rationale string, compensated bool) (*LedgerEntry, error) {
	var entry *LedgerEntry
	err := r.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		e, err := r.getEntryForUpdate(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if e.Status == StatusFailed {
			entry = e
			return nil
		}
		if e.Status != StatusPending {
			return ErrInvalidState
		}

		now := time.Now().UnixMilli()
		_, err = tx.ExecContext(ctx, `
			UPDATE treasury.ledger_entries
			SET status = $1, rationale = $2, compensation_applied = $3, finalized_at_ms = $4
			WHERE request_id = $5
		`, string(StatusFailed), rationale, compensated, now, requestID)
		if err != nil {
			return fmt.Errorf("fail ledger entry: %w", err)
		}

		e.Status = StatusFailed
		e.Rationale = rationale
		e.CompensationApplied = compensated
		e.FinalizedAt = now
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ReopenForResume 审批通过后重开条目：REQUIRES_APPROVAL -> PENDING，
// 记录续跑时刻重新读取的余额快照。
func (r *LedgerRepository) ReopenForResume(ctx context.Context, requestID string, balanceSnapshot int64, rationale string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE treasury.ledger_entries
		SET status = $1, balance_snapshot = $2, rationale = $3, finalized_at_ms = NULL
		WHERE request_id = $4 AND status = $5
	`, string(StatusPending), balanceSnapshot, rationale, requestID, string(StatusRequiresApproval))
	if err != nil {
		return fmt.Errorf("reopen ledger entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrInvalidState
	}
	return nil
}

// RejectAfterApproval 审批被否决或续跑时跑道不足：REQUIRES_APPROVAL -> REJECTED
func (r *LedgerRepository) RejectAfterApproval(ctx context.Context, requestID, rationale string) (*LedgerEntry, error) {
	var entry *LedgerEntry
	err := r.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		e, err := r.getEntryForUpdate(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if e.Status != StatusRequiresApproval {
			return ErrInvalidState
		}

		now := time.Now().UnixMilli()
		_, err = tx.ExecContext(ctx, `
			UPDATE treasury.ledger_entries
			SET status = $1, rationale = $2, finalized_at_ms = $3
			WHERE request_id = $4
		`, string(StatusRejected), rationale, now, requestID)
		if err != nil {
			return fmt.Errorf("reject ledger entry: %w", err)
		}

		e.Status = StatusRejected
		e.Rationale = rationale
		e.FinalizedAt = now
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListPendingSettlements 查询滞留在 PENDING 的结算（等待对账）
func (r *LedgerRepository) ListPendingSettlements(ctx context.Context, olderThanMs int64, limit int) ([]*LedgerEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM treasury.ledger_entries
		WHERE status = $1 AND escalated = FALSE AND created_at_ms <= $2
		ORDER BY created_at_ms ASC
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, string(StatusPending), olderThanMs, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending settlements: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// RecordReconcileAttempt 累加对账尝试次数并返回新值
func (r *LedgerRepository) RecordReconcileAttempt(ctx context.Context, requestID string) (int, error) {
	var attempts int
	err := r.db.QueryRowContext(ctx, `
		UPDATE treasury.ledger_entries
		SET reconcile_attempts = reconcile_attempts + 1
		WHERE request_id = $1
		RETURNING reconcile_attempts
	`, requestID).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("record reconcile attempt: %w", err)
	}
	return attempts, nil
}

// MarkEscalated 对账次数耗尽，交给人工处理；条目保持 PENDING，绝不猜测结局
func (r *LedgerRepository) MarkEscalated(ctx context.Context, requestID, rationale string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE treasury.ledger_entries
		SET escalated = TRUE, rationale = $1
		WHERE request_id = $2 AND status = $3
	`, rationale, requestID, string(StatusPending))
	if err != nil {
		return fmt.Errorf("mark escalated: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrInvalidState
	}
	return nil
}

// RecentEntries 最近的决策记录（缓存重建与活动流的事实来源）
func (r *LedgerRepository) RecentEntries(ctx context.Context, limit int) ([]*LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT ` + entryColumns + `
		FROM treasury.ledger_entries
		ORDER BY created_at_ms DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// GetAccount 读取金库账户
func (r *LedgerRepository) GetAccount(ctx context.Context) (*Account, error) {
	var a Account
	err := r.db.QueryRowContext(ctx, `
		SELECT balance, monthly_burn, version, updated_at_ms
		FROM treasury.account WHERE id = 1
	`).Scan(&a.Balance, &a.MonthlyBurn, &a.Version, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &a, nil
}

// EnsureAccount 首次启动初始化金库账户（已存在则不动）
func (r *LedgerRepository) EnsureAccount(ctx context.Context, balance, monthlyBurn int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO treasury.account (id, balance, monthly_burn, version, updated_at_ms)
		VALUES (1, $1, $2, 1, $3)
		ON CONFLICT (id) DO NOTHING
	`, balance, monthlyBurn, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

func (r *LedgerRepository) getEntryForUpdate(ctx context.Context, tx *sql.Tx, requestID string) (*LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM treasury.ledger_entries WHERE request_id = $1 FOR UPDATE`
	entry, err := scanEntry(tx.QueryRowContext(ctx, query, requestID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry for update: %w", err)
	}
	return entry, nil
}

func (r *LedgerRepository) getAccountTx(ctx context.Context, tx *sql.Tx, forUpdate bool) (*Account, error) {
	query := `SELECT balance, monthly_burn, version, updated_at_ms FROM treasury.account WHERE id = 1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var a Account
	err := tx.QueryRowContext(ctx, query).Scan(&a.Balance, &a.MonthlyBurn, &a.Version, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

func (r *LedgerRepository) updateAccountBalance(ctx context.Context, tx *sql.Tx, balance, version int64) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE treasury.account
		SET balance = $1, version = version + 1, updated_at_ms = $2
		WHERE id = 1 AND version = $3
	`, balance, time.Now().UnixMilli(), version)
	if err != nil {
		return fmt.Errorf("update account balance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrOptimisticLockFailed
	}
	return nil
}

func (r *LedgerRepository) withTx(ctx context.Context, op func(context.Context, *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := op(ctx, tx); err != nil {
		rbErr := tx.Rollback()
		if rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("rollback: %v (after: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *LedgerRepository) withOptimisticRetry(ctx context.Context, op func(context.Context, *sql.Tx) error) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := r.withTx(ctx, op)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, ErrOptimisticLockFailed) {
			return err
		}
	}
	return lastErr
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*LedgerEntry, error) {
	var e LedgerEntry
	var status string
	var settlementRef sql.NullString
	var finalizedAt sql.NullInt64
	err := row.Scan(
		&e.RequestID, &e.Vendor, &e.Destination, &e.Amount, &e.Currency, &status, &e.Rationale,
		&e.BalanceSnapshot, &settlementRef, &e.CompensationApplied, &e.ReconcileAttempts, &e.Escalated,
		&e.CreatedAt, &finalizedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.SettlementRef = settlementRef.String
	e.FinalizedAt = finalizedAt.Int64
	return &e, nil
}

func collectEntries(rows *sql.Rows) ([]*LedgerEntry, error) {
	var entries []*LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
