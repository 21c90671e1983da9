package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"mindloom/internal/pubsub"
	"mindloom/internal/run"
)

const (
	publishTimeout = 2 * time.Second
	logQueueSize   = 256
)

// BrokerHandler 是一个 slog.Handler，把日志记录镜像到运行的日志频道，
// 并尽力写入持久化日志存储。镜像由单个后台 goroutine 按提交顺序
// 逐条发布，同一运行的日志帧不会乱序；队列写满时丢弃本条镜像，
// 任何失败都不会阻塞或影响执行主路径。
type BrokerHandler struct {
	broker pubsub.Broker
	logs   run.LogStore
	runID  string
	name   string
	level  slog.Level
	queue  chan logEntry
}

type logEntry struct {
	payload []byte
	record  run.LogRecord
}

// NewBrokerHandler 创建日志镜像 handler 并启动后台发布协程。
// logs 可以为 nil。
func NewBrokerHandler(broker pubsub.Broker, logs run.LogStore, runID, name string) *BrokerHandler {
	h := &BrokerHandler{
		broker: broker,
		logs:   logs,
		runID:  runID,
		name:   name,
		level:  slog.LevelInfo,
		queue:  make(chan logEntry, logQueueSize),
	}
	go h.drain()
	return h
}

func (h *BrokerHandler) drain() {
	for entry := range h.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		_ = h.broker.Publish(ctx, pubsub.LogsChannel(h.runID), entry.payload)
		if h.logs != nil {
			record := entry.record
			_ = h.logs.AppendLog(ctx, &record)
		}
		cancel()
	}
}

// Enabled 实现 slog.Handler 接口。
func (h *BrokerHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle 实现 slog.Handler 接口。日志频道的消息格式为
// {timestamp, level, message, name, run_id} 的裸 JSON 对象。
func (h *BrokerHandler) Handle(_ context.Context, record slog.Record) error {
	entry := map[string]any{
		"timestamp": record.Time.Unix(),
		"level":     record.Level.String(),
		"message":   record.Message,
		"name":      h.name,
		"run_id":    h.runID,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil
	}

	queued := logEntry{
		payload: payload,
		record: run.LogRecord{
			RunID:     h.runID,
			Timestamp: record.Time.Unix(),
			Level:     record.Level.String(),
			Message:   record.Message,
			Name:      h.name,
		},
	}
	select {
	case h.queue <- queued:
	default:
		// 队列已满：丢弃镜像，标准输出侧仍保留完整日志。
	}
	return nil
}

// WithAttrs 实现 slog.Handler 接口。镜像日志只保留消息本身。
func (h *BrokerHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

// WithGroup 实现 slog.Handler 接口。
func (h *BrokerHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if name != "" {
		clone.name = h.name + "." + name
	}
	return &clone
}

// teeHandler 把日志同时交给多个 handler，用于标准输出与频道镜像并行。
type teeHandler struct {
	handlers []slog.Handler
}

func newTeeHandler(handlers ...slog.Handler) *teeHandler {
	return &teeHandler{handlers: handlers}
}

func (t *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range t.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range t.handlers {
		if handler.Enabled(ctx, record.Level) {
			_ = handler.Handle(ctx, record.Clone())
		}
	}
	return nil
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, 0, len(t.handlers))
	for _, handler := range t.handlers {
		handlers = append(handlers, handler.WithAttrs(attrs))
	}
	return &teeHandler{handlers: handlers}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, 0, len(t.handlers))
	for _, handler := range t.handlers {
		handlers = append(handlers, handler.WithGroup(name))
	}
	return &teeHandler{handlers: handlers}
}

// NewRunLogger 构造执行期 logger：标准输出之外，所有日志都会镜像到
// 运行的日志频道。
func NewRunLogger(base slog.Handler, broker pubsub.Broker, logs run.LogStore, runID string) *slog.Logger {
	mirror := NewBrokerHandler(broker, logs, runID, "mindloom.executor")
	return slog.New(newTeeHandler(base, mirror))
}

var _ slog.Handler = (*BrokerHandler)(nil)
var _ slog.Handler = (*teeHandler)(nil)
