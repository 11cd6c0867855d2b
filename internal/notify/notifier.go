// Package notify 通知投递：Redis 频道 + webhook，均为 fire-and-forget。
// 投递失败只记日志，绝不影响支付决策的结果。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"treasury-service/internal/logger"
	"treasury-service/internal/metrics"
)

// 事件类型
const (
	EventPaymentConfirmed  = "payment_confirmed"
	EventPaymentFailed     = "payment_failed"
	EventPaymentRejected   = "payment_rejected"
	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"
	EventSettlementPending = "settlement_pending"
	EventEscalated         = "settlement_escalated"
)

// Notifier 通知器
type Notifier struct {
	client     *redis.Client
	channel    string
	webhookURL string
	httpClient *http.Client
	log        *logger.Logger
	metrics    *metrics.Metrics
}

// New 创建通知器。redis 客户端或 webhookURL 允许为空，对应通道被跳过。
func New(client *redis.Client, channel, webhookURL string, log *logger.Logger, m *metrics.Metrics) *Notifier {
	if channel == "" {
		channel = "treasury:events"
	}
	return &Notifier{
		client:     client,
		channel:    channel,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		log:        log,
		metrics:    m,
	}
}

type envelope struct {
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

// Notify 投递事件。快速超时，错误只记日志和指标。
func (n *Notifier) Notify(ctx context.Context, eventType string, payload interface{}) {
	raw, err := json.Marshal(envelope{
		Event:     eventType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		n.log.WithError(err).Error("marshal notification")
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if n.client != nil {
		if err := n.client.Publish(opCtx, n.channel, raw).Err(); err != nil {
			n.metrics.NotifyErrors.Inc()
			n.log.WithError(err).Warnf("publish notification failed", map[string]interface{}{
				"event": eventType,
			})
		}
	}

	if n.webhookURL != "" {
		if err := n.postWebhook(opCtx, raw); err != nil {
			n.metrics.NotifyErrors.Inc()
			n.log.WithError(err).Warnf("webhook notification failed", map[string]interface{}{
				"event": eventType,
			})
		}
	}
}

func (n *Notifier) postWebhook(ctx context.Context, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
