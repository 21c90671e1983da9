package pubsub

import "context"

// NopBroker 丢弃全部发布并返回空订阅。执行器在未配置 broker 时
// 使用它降级运行：运行结果仍会落库，只是没有实时流。
type NopBroker struct{}

// NewNopBroker 创建 NopBroker。
func NewNopBroker() *NopBroker {
	return &NopBroker{}
}

// Publish 实现 Broker 接口，消息被直接丢弃。
func (*NopBroker) Publish(context.Context, string, []byte) error {
	return nil
}

// Subscribe 实现 Broker 接口，返回一个永不投递的订阅。
func (*NopBroker) Subscribe(context.Context, string) (Subscription, error) {
	return newNopSubscription(), nil
}

// Close 实现 Broker 接口。
func (*NopBroker) Close() error {
	return nil
}

type nopSubscription struct {
	ch chan []byte
}

func newNopSubscription() *nopSubscription {
	return &nopSubscription{ch: make(chan []byte)}
}

func (s *nopSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *nopSubscription) Close() error {
	return nil
}

var _ Broker = (*NopBroker)(nil)
