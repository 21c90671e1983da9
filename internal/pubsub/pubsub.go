package pubsub

import (
	"context"
	"encoding/json"
)

// 频道命名约定：run_results:<run_id> 承载结果块，run_logs:<run_id> 承载日志。
const (
	resultsChannelPrefix = "run_results:"
	logsChannelPrefix    = "run_logs:"
)

// ResultsChannel 返回运行结果频道名。
func ResultsChannel(runID string) string {
	return resultsChannelPrefix + runID
}

// LogsChannel 返回运行日志频道名。
func LogsChannel(runID string) string {
	return logsChannelPrefix + runID
}

// EndMarker 是结果频道上的终止标记，发布于所有数据块之后。
var EndMarker = []byte(`{"event":"end"}`)

// IsEndMarker 判断载荷是否为终止标记。
func IsEndMarker(payload []byte) bool {
	var probe struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	return probe.Event == "end"
}

// Broker 是按频道广播的发布订阅抽象。投递语义为至多一次、
// 尽力而为：发布时没有订阅者的消息直接丢失，不做缓存与重放。
// 单个订阅者收到的消息顺序与发布顺序一致。
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Subscription 是一个频道上的订阅句柄。Close 必须幂等，
// 关闭后 Messages 返回的通道会被关闭。
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}
