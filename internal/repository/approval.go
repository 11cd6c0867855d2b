package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ApprovalRepository 人工审批队列仓储
type ApprovalRepository struct {
	db *sql.DB
}

// NewApprovalRepository 创建仓储
func NewApprovalRepository(db *sql.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// Enqueue 入队待审批项
func (r *ApprovalRepository) Enqueue(ctx context.Context, item *Approval) error {
	if item.CreatedAt == 0 {
		item.CreatedAt = time.Now().UnixMilli()
	}
	item.Status = ApprovalPending
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO treasury.approvals
		(request_id, vendor, amount, currency, rationale, status, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.RequestID, item.Vendor, item.Amount, item.Currency, item.Rationale,
		string(item.Status), item.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("enqueue approval: %w", err)
	}
	return nil
}

// Get 查询审批项
func (r *ApprovalRepository) Get(ctx context.Context, requestID string) (*Approval, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT request_id, vendor, amount, currency, rationale, status, created_at_ms, resolved_at_ms
		FROM treasury.approvals WHERE request_id = $1
	`, requestID)
	item, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query approval: %w", err)
	}
	return item, nil
}

// ListPending 按创建时间列出待审批项（FIFO 仅作展示顺序，不是正确性要求）
func (r *ApprovalRepository) ListPending(ctx context.Context, limit int) ([]*Approval, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT request_id, vendor, amount, currency, rationale, status, created_at_ms, resolved_at_ms
		FROM treasury.approvals
		WHERE status = $1
		ORDER BY created_at_ms ASC
		LIMIT $2
	`, string(ApprovalPending), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending approvals: %w", err)
	}
	defer rows.Close()

	var items []*Approval
	for rows.Next() {
		item, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return items, nil
}

// CountPending 待审批数量（仪表盘投影用）
func (r *ApprovalRepository) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM treasury.approvals WHERE status = $1`,
		string(ApprovalPending),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending approvals: %w", err)
	}
	return n, nil
}

// Resolve 唯一的变更入口，对每个 request_id 实际恰好一次：
// 状态守卫让第二次 resolve 影响零行，报告 ErrAlreadyResolved 而不是重复生效。
func (r *ApprovalRepository) Resolve(ctx context.Context, requestID string, approved bool) (*Approval, error) {
	status := ApprovalRejected
	if approved {
		status = ApprovalApproved
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE treasury.approvals
		SET status = $1, resolved_at_ms = $2
		WHERE request_id = $3 AND status = $4
		RETURNING request_id, vendor, amount, currency, rationale, status, created_at_ms, resolved_at_ms
	`, string(status), time.Now().UnixMilli(), requestID, string(ApprovalPending))

	item, err := scanApproval(row)
	if err == sql.ErrNoRows {
		if _, getErr := r.Get(ctx, requestID); getErr == nil {
			return nil, ErrAlreadyResolved
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve approval: %w", err)
	}
	return item, nil
}

func scanApproval(row rowScanner) (*Approval, error) {
	var a Approval
	var status string
	var resolvedAt sql.NullInt64
	err := row.Scan(&a.RequestID, &a.Vendor, &a.Amount, &a.Currency, &a.Rationale,
		&status, &a.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	a.Status = ApprovalStatus(status)
	a.ResolvedAt = resolvedAt.Int64
	return &a, nil
}
