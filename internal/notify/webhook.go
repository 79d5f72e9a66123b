package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPSender 将事件以 JSON POST 到配置的 webhook 端点。
type HTTPSender struct {
	url    string
	client *http.Client
}

var _ WebhookSender = (*HTTPSender)(nil)

// NewHTTPSender 创建 webhook 发送器。
func NewHTTPSender(url string, timeout time.Duration) (*HTTPSender, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("webhook URL 不能为空")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSender{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Send 推送事件，非 2xx 状态视为失败。
func (s *HTTPSender) Send(ctx context.Context, payload Event) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造 webhook 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 webhook 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 返回异常状态: %d", resp.StatusCode)
	}
	return nil
}
