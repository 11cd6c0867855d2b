package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"treasury-service/internal/errs"
)

const policyKey = "treasury:policy"

// 首次启动的缺省策略：限额 50.00，跑道保护 2 个月
var Defaults = Snapshot{
	AutoApprovalLimit:    5000,
	CriticalRunwayMonths: 2.0,
}

// Store 热更新策略存储。整份策略作为一个 JSON 文档原子读写，
// 决策方每次拿到的都是一份一致的快照；Redis 不可用时退回到
// 最近一次成功读取的值。
type Store struct {
	client *redis.Client
	last   atomic.Value // Snapshot
}

func NewStore(client *redis.Client) *Store {
	s := &Store{client: client}
	s.last.Store(Defaults)
	return s
}

// EnsureDefaults 首次启动写入缺省策略（已存在则不动）
func (s *Store) EnsureDefaults(ctx context.Context) error {
	raw, err := json.Marshal(Defaults)
	if err != nil {
		return err
	}
	if err := s.client.SetNX(ctx, policyKey, raw, 0).Err(); err != nil {
		return fmt.Errorf("ensure policy defaults: %w", err)
	}
	// 把当前值拉进内存，保证后续降级读有数据
	s.last.Store(s.Snapshot(ctx))
	return nil
}

// Snapshot 返回一份一致的策略快照，从不失败
func (s *Store) Snapshot(ctx context.Context) Snapshot {
	getCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	raw, err := s.client.Get(getCtx, policyKey).Result()
	if err != nil {
		return s.last.Load().(Snapshot)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return s.last.Load().(Snapshot)
	}
	if snap.AutoApprovalLimit <= 0 || snap.CriticalRunwayMonths <= 0 {
		return s.last.Load().(Snapshot)
	}

	s.last.Store(snap)
	return snap
}

// Update 原子替换整份策略
func (s *Store) Update(ctx context.Context, snap Snapshot) error {
	if snap.AutoApprovalLimit <= 0 {
		return errs.New(errs.CodeInvalidPolicy, "autoApprovalLimit must be positive")
	}
	if snap.CriticalRunwayMonths <= 0 {
		return errs.New(errs.CodeInvalidPolicy, "criticalRunwayMonths must be positive")
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, policyKey, raw, 0).Err(); err != nil {
		return fmt.Errorf("update policy: %w", err)
	}
	s.last.Store(snap)
	return nil
}
