package pubsub

import (
	"context"
	"sync"

	xerrors "mindloom/internal/errors"
)

const memorySubscriptionBuffer = 256

// MemoryBroker 是进程内的发布订阅实现，主要用于测试与本地开发。
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	closed bool
}

// NewMemoryBroker 创建 MemoryBroker。
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string][]*memorySubscription)}
}

// Publish 将消息广播给频道的全部订阅者。没有订阅者时消息被丢弃。
// 订阅者的缓冲写满时该订阅者的本条消息被丢弃，不阻塞发布方。
func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return xerrors.New(xerrors.CodeBrokerFailure, "broker 已关闭")
	}
	for _, sub := range b.subs[channel] {
		message := make([]byte, len(payload))
		copy(message, payload)
		select {
		case sub.ch <- message:
		default:
		}
	}
	return nil
}

// Subscribe 创建频道订阅。
func (b *MemoryBroker) Subscribe(_ context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, xerrors.New(xerrors.CodeBrokerFailure, "broker 已关闭")
	}
	sub := &memorySubscription{
		broker:  b,
		channel: channel,
		ch:      make(chan []byte, memorySubscriptionBuffer),
	}
	b.subs[channel] = append(b.subs[channel], sub)
	return sub, nil
}

// SubscriberCount 返回频道当前的订阅者数量，供泄漏检测使用。
func (b *MemoryBroker) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Close 关闭 broker 并注销全部订阅。
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string][]*memorySubscription)
	b.mu.Unlock()

	for _, channelSubs := range subs {
		for _, sub := range channelSubs {
			sub.closeOnce()
		}
	}
	return nil
}

type memorySubscription struct {
	broker  *MemoryBroker
	channel string
	ch      chan []byte
	once    sync.Once
}

// Messages 实现 Subscription 接口。
func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

// Close 注销订阅并关闭消息通道，可重复调用。
func (s *memorySubscription) Close() error {
	s.broker.unsubscribe(s)
	s.closeOnce()
	return nil
}

func (s *memorySubscription) closeOnce() {
	s.once.Do(func() { close(s.ch) })
}

func (b *MemoryBroker) unsubscribe(target *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[target.channel]
	for idx, sub := range subs {
		if sub == target {
			b.subs[target.channel] = append(subs[:idx], subs[idx+1:]...)
			break
		}
	}
	if len(b.subs[target.channel]) == 0 {
		delete(b.subs, target.channel)
	}
}

var _ Broker = (*MemoryBroker)(nil)
