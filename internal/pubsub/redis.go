package pubsub

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	xerrors "mindloom/internal/errors"
)

// RedisConfig 描述 Redis broker 的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// RedisBroker 基于 Redis PUBLISH/SUBSCRIBE 实现按运行广播。
// 这是生产环境的默认实现，投递语义与 Redis 原生一致：至多一次。
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker 创建并验证 Redis 连接。
func NewRedisBroker(ctx context.Context, cfg RedisConfig) (*RedisBroker, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeBrokerFailure, err, "连接 Redis 失败")
	}
	return &RedisBroker{client: client}, nil
}

// Publish 实现 Broker 接口。
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeBrokerFailure, err, "Redis 发布消息失败")
	}
	return nil
}

// Subscribe 实现 Broker 接口。
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	// Receive 确认订阅已建立，broker 不可达时在此处直接失败。
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, xerrors.Wrap(xerrors.CodeBrokerFailure, err, "订阅 Redis 频道失败")
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan []byte, memorySubscriptionBuffer),
	}
	go sub.pump()
	return sub, nil
}

// Close 关闭底层 Redis 连接。
func (b *RedisBroker) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan []byte
	once   sync.Once
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for message := range s.pubsub.Channel() {
		s.out <- []byte(message.Payload)
	}
}

// Messages 实现 Subscription 接口。
func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

// Close 取消订阅并关闭连接，可重复调用。
func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}

var _ Broker = (*RedisBroker)(nil)
