// Package policy 支出策略引擎
package policy

import "fmt"

// Decision 策略决策结果
type Decision string

const (
	AutoApprove     Decision = "AUTO_APPROVE"
	RequireApproval Decision = "REQUIRE_APPROVAL"
	RejectRunway    Decision = "REJECT_RUNWAY"
)

// Snapshot 策略快照（一次决策使用同一份配置，不会中途变更）
type Snapshot struct {
	AutoApprovalLimit    int64   `json:"autoApprovalLimit"` // 最小单位整数
	CriticalRunwayMonths float64 `json:"criticalRunwayMonths"`
}

// Input 决策输入，金额均为最小单位整数
type Input struct {
	Amount         int64
	CurrentBalance int64
	MonthlyBurn    int64
	Policy         Snapshot
}

// Result 决策与给人看的理由
type Result struct {
	Decision  Decision
	Rationale string
}

// Evaluate 纯函数：同样的输入永远得到同样的决策，从不返回错误。
// 优先级：跑道保护 > 自动批准限额 > 人工审批。
func Evaluate(in Input) Result {
	projectedBalance := in.CurrentBalance - in.Amount

	if in.MonthlyBurn > 0 {
		projectedRunway := float64(projectedBalance) / float64(in.MonthlyBurn)
		if projectedRunway < in.Policy.CriticalRunwayMonths {
			return Result{
				Decision: RejectRunway,
				Rationale: fmt.Sprintf(
					"payment would leave %.1f months of runway, below the %.1f month floor",
					projectedRunway, in.Policy.CriticalRunwayMonths,
				),
			}
		}
	}
	// MonthlyBurn <= 0 时跑道视为无限，永不因此拦截

	if in.Amount <= in.Policy.AutoApprovalLimit {
		return Result{
			Decision:  AutoApprove,
			Rationale: fmt.Sprintf("amount %d is within the auto-approval limit %d", in.Amount, in.Policy.AutoApprovalLimit),
		}
	}

	return Result{
		Decision:  RequireApproval,
		Rationale: fmt.Sprintf("amount %d exceeds the auto-approval limit %d", in.Amount, in.Policy.AutoApprovalLimit),
	}
}
