package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"
)

const (
	NATSName = "nats"
	// NATSClientName identifies relay connections in NATS monitoring.
	NATSClientName = "queuelink-relay"
)

var NATSPublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

func buildNATS(_ context.Context, cfg Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return NATSPublisherFactory(
		nats.PublisherConfig{
			URL:         cfg.GetNATSURL(),
			NatsOptions: []nc.Option{nc.Name(NATSClientName)},
			Marshaler:   &nats.NATSMarshaler{},
		},
		logger,
	)
}
