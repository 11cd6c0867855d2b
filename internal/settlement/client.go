// Package settlement 结算轨道客户端（外部边界）。
// 核心只依赖 Submit/Confirm 两个契约；轨道本身由外部系统实现。
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Status 转账确认状态
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// ErrIndeterminate 结果不确定：超时或传输故障，转账可能已经发生。
// 调用方绝不能据此判定失败，必须走对账确认。
var ErrIndeterminate = errors.New("settlement outcome indeterminate")

// RailError 轨道明确拒绝（确定性失败，资金未动）
type RailError struct {
	Reason string
}

func (e *RailError) Error() string {
	return fmt.Sprintf("settlement rejected: %s", e.Reason)
}

// SubmitRequest 转账请求，IdempotencyKey 即 request_id
type SubmitRequest struct {
	Destination    string `json:"destination"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// HTTPClient 结算轨道 HTTP 客户端
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient 创建客户端
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type submitResponse struct {
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

// Submit 提交转账。返回：
//   - (ref, nil)            转账已受理
//   - (_, *RailError)       确定性拒绝，资金未动
//   - (_, ErrIndeterminate) 超时/网络故障，结局未知
func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		// 请求可能已经到达轨道
		return "", fmt.Errorf("%w: %v", ErrIndeterminate, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out submitResponse
		if err := json.Unmarshal(raw, &out); err != nil || out.Reference == "" {
			return "", fmt.Errorf("%w: malformed rail response", ErrIndeterminate)
		}
		return out.Reference, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var out submitResponse
		reason := fmt.Sprintf("rail status %d", resp.StatusCode)
		if err := json.Unmarshal(raw, &out); err == nil && out.Reason != "" {
			reason = out.Reason
		}
		return "", &RailError{Reason: reason}
	default:
		// 5xx：轨道侧可能已提交
		return "", fmt.Errorf("%w: rail status %d", ErrIndeterminate, resp.StatusCode)
	}
}

type confirmResponse struct {
	Status Status `json:"status"`
}

// Confirm 查询转账结局，对账路径使用
func (c *HTTPClient) Confirm(ctx context.Context, reference string) (Status, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/transfers/"+reference, nil)
	if err != nil {
		return "", fmt.Errorf("build confirm request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("confirm transfer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("confirm transfer: rail status %d", resp.StatusCode)
	}

	var out confirmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode confirm response: %w", err)
	}

	switch out.Status {
	case StatusPending, StatusSucceeded, StatusFailed:
		return out.Status, nil
	default:
		return "", fmt.Errorf("confirm transfer: unknown status %q", out.Status)
	}
}

// ConfirmByKey 按幂等键查询（提交阶段连引用都没拿到时的对账入口）
func (c *HTTPClient) ConfirmByKey(ctx context.Context, idempotencyKey string) (Status, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/transfers/by-key/"+idempotencyKey, nil)
	if err != nil {
		return "", "", fmt.Errorf("build confirm request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", "", fmt.Errorf("confirm transfer by key: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// 轨道从未收到提交：确定性失败
		return StatusFailed, "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("confirm transfer by key: rail status %d", resp.StatusCode)
	}

	var out struct {
		Status    Status `json:"status"`
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode confirm response: %w", err)
	}

	switch out.Status {
	case StatusPending, StatusSucceeded, StatusFailed:
		return out.Status, out.Reference, nil
	default:
		return "", "", fmt.Errorf("confirm transfer by key: unknown status %q", out.Status)
	}
}
