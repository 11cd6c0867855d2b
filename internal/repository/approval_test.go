package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func approvalRows(a *Approval) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"request_id", "vendor", "amount", "currency", "rationale", "status", "created_at_ms", "resolved_at_ms",
	}).AddRow(a.RequestID, a.Vendor, a.Amount, a.Currency, a.Rationale, string(a.Status), a.CreatedAt, a.ResolvedAt)
}

func TestEnqueueDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO treasury.approvals").
		WillReturnError(&pq.Error{Code: "23505"})

	repo := NewApprovalRepository(db)
	err = repo.Enqueue(context.Background(), &Approval{
		RequestID: "req-1", Vendor: "Acme", Amount: 18000, Currency: "USD",
	})
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
}

func TestResolveApprovesPendingItem(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	resolved := &Approval{
		RequestID: "req-1", Vendor: "Acme", Amount: 18000, Currency: "USD",
		Status: ApprovalApproved, CreatedAt: 1000, ResolvedAt: 2000,
	}
	mock.ExpectQuery("UPDATE treasury.approvals").
		WithArgs(string(ApprovalApproved), sqlmock.AnyArg(), "req-1", string(ApprovalPending)).
		WillReturnRows(approvalRows(resolved))

	repo := NewApprovalRepository(db)
	item, err := repo.Resolve(context.Background(), "req-1", true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if item.Status != ApprovalApproved {
		t.Fatalf("expected APPROVED, got %s", item.Status)
	}
}

func TestResolveSecondTimeReportsAlreadyResolved(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	// 状态守卫命中零行，随后回读发现条目已终态
	mock.ExpectQuery("UPDATE treasury.approvals").
		WithArgs(string(ApprovalRejected), sqlmock.AnyArg(), "req-1", string(ApprovalPending)).
		WillReturnRows(sqlmock.NewRows([]string{"request_id"}))
	mock.ExpectQuery("SELECT (.+) FROM treasury.approvals WHERE request_id").
		WithArgs("req-1").
		WillReturnRows(approvalRows(&Approval{
			RequestID: "req-1", Vendor: "Acme", Amount: 18000, Currency: "USD",
			Status: ApprovalApproved, CreatedAt: 1000, ResolvedAt: 2000,
		}))

	repo := NewApprovalRepository(db)
	_, err = repo.Resolve(context.Background(), "req-1", false)
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestResolveUnknownRequest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("UPDATE treasury.approvals").
		WillReturnRows(sqlmock.NewRows([]string{"request_id"}))
	mock.ExpectQuery("SELECT (.+) FROM treasury.approvals WHERE request_id").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"request_id"}))

	repo := NewApprovalRepository(db)
	_, err = repo.Resolve(context.Background(), "ghost", true)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListPendingOrdersByCreation(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"request_id", "vendor", "amount", "currency", "rationale", "status", "created_at_ms", "resolved_at_ms",
	}).
		AddRow("req-old", "Acme", 18000, "USD", "over limit", string(ApprovalPending), int64(1000), int64(0)).
		AddRow("req-new", "Globex", 25000, "USD", "over limit", string(ApprovalPending), int64(2000), int64(0))
	mock.ExpectQuery("SELECT (.+) FROM treasury.approvals").
		WithArgs(string(ApprovalPending), 50).
		WillReturnRows(rows)

	repo := NewApprovalRepository(db)
	items, err := repo.ListPending(context.Background(), 50)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].RequestID != "req-old" {
		t.Fatalf("expected oldest first, got %s", items[0].RequestID)
	}
}

func TestCountPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(string(ApprovalPending)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	repo := NewApprovalRepository(db)
	n, err := repo.CountPending(context.Background())
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4, got %d", n)
	}
}
