package transport

import (
	"context"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
)

const HTTPName = "http"

var HTTPPublisherFactory = func(cfg http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(cfg, logger)
}

// buildHTTP POSTs every message to the publisher URL joined with the topic.
func buildHTTP(_ context.Context, cfg Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	base := strings.TrimRight(cfg.GetHTTPPublisherURL(), "/") + "/"
	return HTTPPublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(base+topic, msg)
			},
		},
		logger,
	)
}
