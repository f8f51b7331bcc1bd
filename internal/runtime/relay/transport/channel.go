package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const ChannelName = "channel"

// GoChannelFactory creates the in-process pub/sub. Tests replace it to
// subscribe to what the relay publishes.
var GoChannelFactory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

func buildChannel(_ context.Context, _ Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return GoChannelFactory(gochannel.Config{OutputChannelBuffer: 64}, logger), nil
}
