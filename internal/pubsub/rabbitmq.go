package pubsub

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "mindloom/internal/errors"
)

// RabbitConfig 描述 RabbitMQ broker 的连接参数。
type RabbitConfig struct {
	URL      string
	Exchange string
}

// RabbitBroker 基于 RabbitMQ direct exchange 实现按运行广播。
// 每个频道名作为路由键，每个订阅绑定一个独占自动删除队列，
// 投递语义同样为尽力而为：没有队列绑定时消息被交换机丢弃。
type RabbitBroker struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	mu       sync.Mutex
}

// NewRabbitBroker 创建 RabbitMQ broker 并声明交换机。
func NewRabbitBroker(cfg RabbitConfig) (*RabbitBroker, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "mindloom.streams"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBrokerFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeBrokerFailure, err, "创建 RabbitMQ channel 失败")
	}
	if err := ch.ExchangeDeclare(exchange, "direct", false, true, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeBrokerFailure, err, "声明 RabbitMQ 交换机失败")
	}
	return &RabbitBroker{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish 实现 Broker 接口。
func (b *RabbitBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch == nil {
		return xerrors.New(xerrors.CodeBrokerFailure, "RabbitMQ broker 未初始化")
	}
	err := b.ch.PublishWithContext(ctx, b.exchange, channel, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeBrokerFailure, err, "RabbitMQ 发布消息失败")
	}
	return nil
}

// Subscribe 实现 Broker 接口。每个订阅使用独立的 channel 与
// 独占自动删除队列，订阅关闭后队列随连接清理。
func (b *RabbitBroker) Subscribe(_ context.Context, channel string) (Subscription, error) {
	subCh, err := b.conn.Channel()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBrokerFailure, err, "创建订阅 channel 失败")
	}
	queue, err := subCh.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = subCh.Close()
		return nil, xerrors.Wrap(xerrors.CodeBrokerFailure, err, "声明订阅队列失败")
	}
	if err := subCh.QueueBind(queue.Name, channel, b.exchange, false, nil); err != nil {
		_ = subCh.Close()
		return nil, xerrors.Wrap(xerrors.CodeBrokerFailure, err, "绑定订阅队列失败")
	}
	deliveries, err := subCh.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = subCh.Close()
		return nil, xerrors.Wrap(xerrors.CodeBrokerFailure, err, "订阅 RabbitMQ 队列失败")
	}

	sub := &rabbitSubscription{
		ch:  subCh,
		out: make(chan []byte, memorySubscriptionBuffer),
	}
	go sub.pump(deliveries)
	return sub, nil
}

// Close 关闭 RabbitMQ 连接。
func (b *RabbitBroker) Close() error {
	if b == nil {
		return nil
	}
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

type rabbitSubscription struct {
	ch   *amqp.Channel
	out  chan []byte
	once sync.Once
}

func (s *rabbitSubscription) pump(deliveries <-chan amqp.Delivery) {
	defer close(s.out)
	for delivery := range deliveries {
		s.out <- delivery.Body
	}
}

// Messages 实现 Subscription 接口。
func (s *rabbitSubscription) Messages() <-chan []byte {
	return s.out
}

// Close 关闭订阅 channel，可重复调用。
func (s *rabbitSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ch.Close()
	})
	return err
}

var _ Broker = (*RabbitBroker)(nil)
