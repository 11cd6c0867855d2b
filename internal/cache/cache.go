// Package cache Redis 快速状态镜像。只是账本的可重建投影，
// 绝不作为事实来源，任何决策分支都不得依赖这里的数据。
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	activityKey         = "treasury:activity"
	balanceKey          = "treasury:balance"
	pendingApprovalsKey = "treasury:approvals:pending"
	alertsKey           = "treasury:alerts"

	activityMax = 50
	alertsMax   = 100

	opTimeout = 2 * time.Second
)

// Event 活动流条目（仪表盘实时视图）
type Event struct {
	Timestamp     int64  `json:"timestamp"`
	Event         string `json:"event"`
	RequestID     string `json:"requestId"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Balance       int64  `json:"balance"`
	SettlementRef string `json:"settlementRef,omitempty"`
	Rationale     string `json:"rationale,omitempty"`
}

// Store 快速状态缓存
type Store struct {
	client *redis.Client
}

// NewStore 创建缓存
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// PushActivity 推入活动流并截断
func (s *Store) PushActivity(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal activity event: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.LPush(opCtx, activityKey, raw)
	pipe.LTrim(opCtx, activityKey, 0, activityMax-1)
	if _, err := pipe.Exec(opCtx); err != nil {
		return fmt.Errorf("push activity: %w", err)
	}
	return nil
}

// RecentActivity 读取活动流
func (s *Store) RecentActivity(ctx context.Context, n int) ([]Event, error) {
	if n <= 0 || n > activityMax {
		n = activityMax
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raws, err := s.client.LRange(opCtx, activityKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read activity: %w", err)
	}

	events := make([]Event, 0, len(raws))
	for _, raw := range raws {
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue // 坏数据跳过，缓存可重建
		}
		events = append(events, ev)
	}
	return events, nil
}

// SetBalance 更新余额镜像
func (s *Store) SetBalance(ctx context.Context, balance int64) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Set(opCtx, balanceKey, balance, 0).Err(); err != nil {
		return fmt.Errorf("set balance mirror: %w", err)
	}
	return nil
}

// Balance 读取余额镜像；不存在返回 (0, false, nil)
func (s *Store) Balance(ctx context.Context) (int64, bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.client.Get(opCtx, balanceKey).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read balance mirror: %w", err)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return v, true, nil
}

// SetPendingApprovals 更新待审批数量镜像
func (s *Store) SetPendingApprovals(ctx context.Context, n int) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Set(opCtx, pendingApprovalsKey, n, 0).Err(); err != nil {
		return fmt.Errorf("set pending approvals mirror: %w", err)
	}
	return nil
}

// PendingApprovals 读取待审批数量镜像
func (s *Store) PendingApprovals(ctx context.Context) (int, bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.client.Get(opCtx, pendingApprovalsKey).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read pending approvals mirror: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, nil
	}
	return v, true, nil
}

// PushAlert 推入告警列表
func (s *Store) PushAlert(ctx context.Context, message string) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.LPush(opCtx, alertsKey, message)
	pipe.LTrim(opCtx, alertsKey, 0, alertsMax-1)
	if _, err := pipe.Exec(opCtx); err != nil {
		return fmt.Errorf("push alert: %w", err)
	}
	return nil
}

// Alerts 读取告警列表
func (s *Store) Alerts(ctx context.Context, n int) ([]string, error) {
	if n <= 0 || n > alertsMax {
		n = alertsMax
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raws, err := s.client.LRange(opCtx, alertsKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read alerts: %w", err)
	}
	return raws, nil
}

// Rebuild 从账本真值整体重建投影（后台对账路径）
func (s *Store) Rebuild(ctx context.Context, events []Event, balance int64, pendingApprovals int) error {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Del(opCtx, activityKey)
	// events 按新到旧给出，RPUSH 保持顺序
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal activity event: %w", err)
		}
		pipe.RPush(opCtx, activityKey, raw)
	}
	pipe.LTrim(opCtx, activityKey, 0, activityMax-1)
	pipe.Set(opCtx, balanceKey, balance, 0)
	pipe.Set(opCtx, pendingApprovalsKey, pendingApprovals, 0)
	if _, err := pipe.Exec(opCtx); err != nil {
		return fmt.Errorf("rebuild cache: %w", err)
	}
	return nil
}
