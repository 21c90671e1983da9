package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "mindloom/internal/errors"
	"mindloom/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelSlack   Channel = "slack"
	ChannelWebhook Channel = "webhook"
)

// Event 描述一次需要告警的事件，通常是运行以 FAILED 结束
// 或作业启动失败。
type Event struct {
	Code         xerrors.Code
	Message      string
	Severity     xerrors.Severity
	RunID        string
	RunnableID   string
	RunnableType string
	Metadata     map[string]string
	OccurredAt   time.Time
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Config 描述启用的告警渠道及其参数。slack 与 webhook 渠道共用
// WebhookURL 作为投递端点，slack 额外需要 SlackChannelID。
type Config struct {
	Channels       []string
	SlackChannelID string
	WebhookURL     string
}

// NewFromConfig 按配置构建通知器集合。缺少必要参数或未知的渠道
// 会被跳过并记录警告，告警配置错误不影响运行本身。没有任何
// 可用渠道时退回日志渠道兜底。
func NewFromConfig(cfg Config) *FanoutDispatcher {
	var notifiers []Notifier
	for _, raw := range cfg.Channels {
		switch Channel(strings.ToLower(strings.TrimSpace(raw))) {
		case ChannelLog:
			notifiers = append(notifiers, &LogNotifier{})
		case ChannelSlack:
			if cfg.WebhookURL == "" || cfg.SlackChannelID == "" {
				logger.L().Warn("slack 告警渠道缺少 webhook 地址或频道 ID，已跳过")
				continue
			}
			notifiers = append(notifiers, &SlackNotifier{
				Sender:    NewSlackWebhookSender(cfg.WebhookURL),
				ChannelID: cfg.SlackChannelID,
			})
		case ChannelWebhook:
			if cfg.WebhookURL == "" {
				logger.L().Warn("webhook 告警渠道缺少端点地址，已跳过")
				continue
			}
			notifiers = append(notifiers, &WebhookNotifier{Sender: NewHTTPWebhookSender(cfg.WebhookURL)})
		default:
			logger.L().Warn("未知的告警渠道", slog.String("channel", raw))
		}
	}
	if len(notifiers) == 0 {
		notifiers = append(notifiers, &LogNotifier{})
	}
	return NewFanout(notifiers...)
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 把告警写入结构化日志，是默认兜底渠道。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录告警事件。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	logger.L().Warn("运行告警",
		slog.String("run_id", event.RunID),
		slog.String("runnable_id", event.RunnableID),
		slog.String("runnable_type", event.RunnableType),
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("message", event.Message),
	)
	return nil
}

// SlackSender 负责向 Slack 渠道发送消息。
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier 通过 Slack 发送告警。
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.ChannelID == "" {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("run_id", event.RunID))
		return nil
	}
	content := fmt.Sprintf("*[%s]* %s - %s (run %s)", event.Severity, event.Code, event.Message, event.RunID)
	return n.Sender.Send(ctx, n.ChannelID, content)
}

// WebhookSender 负责向任意 webhook 端点发送消息。
type WebhookSender interface {
	Send(ctx context.Context, payload map[string]any) error
}

// WebhookNotifier 通过 webhook 发送告警。
type WebhookNotifier struct {
	Sender WebhookSender
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送 webhook 消息。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("run_id", event.RunID))
		return nil
	}
	payload := map[string]any{
		"code":          string(event.Code),
		"message":       event.Message,
		"severity":      string(event.Severity),
		"run_id":        event.RunID,
		"runnable_id":   event.RunnableID,
		"runnable_type": event.RunnableType,
		"occurred_at":   event.OccurredAt.Format(time.RFC3339),
	}
	return n.Sender.Send(ctx, payload)
}
