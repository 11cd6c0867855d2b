// Package extraction 发票抽取能力客户端（外部边界）。
// 契约：给定原始文本，返回 {vendor, amount, currency} 或抽取失败。
// 抽取结果不可盲信，金额与供应商由调用方在 saga 开始前校验。
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Invoice 结构化抽取结果，金额为最小单位整数
type Invoice struct {
	Vendor      string `json:"vendor"`
	Destination string `json:"destination,omitempty"`
	Amount      int64  `json:"amountMinor"`
	Currency    string `json:"currency"`
}

// Error 抽取失败（外部能力报告的业务失败，不是传输故障）
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("extraction failed: %s", e.Reason)
}

// HTTPClient 抽取服务 HTTP 客户端
type HTTPClient struct {
	baseURL  string
	maxBytes int64
	client   *http.Client
}

// NewHTTPClient 创建客户端
func NewHTTPClient(baseURL string, maxBytes int64, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		maxBytes: maxBytes,
		client:   &http.Client{Timeout: timeout},
	}
}

// MaxBytes 输入上限
func (c *HTTPClient) MaxBytes() int64 {
	return c.maxBytes
}

// Extract 抽取发票字段
func (c *HTTPClient) Extract(ctx context.Context, rawText string) (*Invoice, error) {
	if int64(len(rawText)) > c.maxBytes {
		return nil, &Error{Reason: fmt.Sprintf("payload exceeds %d bytes", c.maxBytes)}
	}
	if strings.TrimSpace(rawText) == "" {
		return nil, &Error{Reason: "empty invoice text"}
	}

	body, err := json.Marshal(map[string]string{"rawText": rawText})
	if err != nil {
		return nil, fmt.Errorf("marshal extract request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build extract request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call extraction service: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode == http.StatusUnprocessableEntity {
		var out struct {
			Reason string `json:"reason"`
		}
		reason := "unparseable invoice"
		if err := json.Unmarshal(raw, &out); err == nil && out.Reason != "" {
			reason = out.Reason
		}
		return nil, &Error{Reason: reason}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extraction service status %d", resp.StatusCode)
	}

	var invoice Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return nil, fmt.Errorf("decode extraction response: %w", err)
	}
	return &invoice, nil
}
