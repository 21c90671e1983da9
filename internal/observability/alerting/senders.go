package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	xerrors "mindloom/internal/errors"
)

const senderTimeout = 10 * time.Second

// HTTPWebhookSender 把告警负载以 JSON POST 到任意端点。
type HTTPWebhookSender struct {
	URL    string
	Client *http.Client
}

// NewHTTPWebhookSender 创建指向给定端点的 webhook 发送器。
func NewHTTPWebhookSender(url string) *HTTPWebhookSender {
	return &HTTPWebhookSender{
		URL:    url,
		Client: &http.Client{Timeout: senderTimeout},
	}
}

// Send 实现 WebhookSender 接口。
func (s *HTTPWebhookSender) Send(ctx context.Context, payload map[string]any) error {
	return postJSON(ctx, s.Client, s.URL, payload)
}

// SlackWebhookSender 通过 Slack incoming webhook 投递文本消息。
type SlackWebhookSender struct {
	URL    string
	Client *http.Client
}

// NewSlackWebhookSender 创建指向给定 incoming webhook 的 Slack 发送器。
func NewSlackWebhookSender(url string) *SlackWebhookSender {
	return &SlackWebhookSender{
		URL:    url,
		Client: &http.Client{Timeout: senderTimeout},
	}
}

// Send 实现 SlackSender 接口。
func (s *SlackWebhookSender) Send(ctx context.Context, channel, content string) error {
	return postJSON(ctx, s.Client, s.URL, map[string]any{
		"channel": channel,
		"text":    content,
	})
}

func postJSON(ctx context.Context, client *http.Client, url string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSerialization, err, "编码告警负载失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造告警请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	if client == nil {
		client = &http.Client{Timeout: senderTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "发送告警失败")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return xerrors.New(xerrors.CodeUnknown, "告警端点返回 "+resp.Status)
	}
	return nil
}

var _ WebhookSender = (*HTTPWebhookSender)(nil)
var _ SlackSender = (*SlackWebhookSender)(nil)
