package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
)

const RabbitMQName = "rabbitmq"

var (
	AmqpConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		return amqp.NewConnection(cfg, logger)
	}
	AmqpPublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
		return amqp.NewPublisherWithConnection(cfg, logger, conn)
	}
)

// buildRabbitMQ publishes to a durable fanout exchange per topic, so every
// bound consumer queue receives each relayed event.
func buildRabbitMQ(_ context.Context, cfg Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	uri := cfg.GetRabbitMQURL()
	amqpConfig := amqp.NewDurablePubSubConfig(uri, amqp.GenerateQueueNameTopicNameWithSuffix("-queuelink"))

	conn, err := AmqpConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   uri,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, err
	}

	pub, err := AmqpPublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return pub, nil
}
