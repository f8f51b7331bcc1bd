package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"
)

const (
	JetStreamName = "jetstream"
	// DefaultJetStreamStream is used when no stream name is configured.
	DefaultJetStreamStream = "QUEUELINK"
	// jetStreamMaxAge bounds how long relayed events are retained.
	jetStreamMaxAge = 7 * 24 * time.Hour
)

// JetStream is the part of a JetStream context the relay needs.
type JetStream interface {
	AddStream(cfg *nc.StreamConfig, opts ...nc.JSOpt) (*nc.StreamInfo, error)
	PublishMsg(m *nc.Msg, opts ...nc.PubOpt) (*nc.PubAck, error)
}

// JetStreamFactory connects to NATS and returns a JetStream context plus a
// function that closes the underlying connection.
var JetStreamFactory = func(url string) (JetStream, func(), error) {
	conn, err := nc.Connect(url, nc.Name(NATSClientName))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return js, conn.Close, nil
}

func buildJetStream(_ context.Context, cfg Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	stream := cfg.GetJetStreamStream()
	if stream == "" {
		stream = DefaultJetStreamStream
	}

	js, closeConn, err := JetStreamFactory(cfg.GetNATSURL())
	if err != nil {
		return nil, err
	}

	_, err = js.AddStream(&nc.StreamConfig{
		Name:      stream,
		Subjects:  []string{stream + ".>"},
		Retention: nc.LimitsPolicy,
		MaxAge:    jetStreamMaxAge,
	})
	if err != nil && !errors.Is(err, nc.ErrStreamNameAlreadyInUse) {
		closeConn()
		return nil, fmt.Errorf("ensure stream %s: %w", stream, err)
	}

	return &jetStreamPublisher{js: js, stream: stream, closeConn: closeConn, logger: logger}, nil
}

// jetStreamPublisher stores each message under "<stream>.<topic>" and uses
// the message UUID for server side deduplication.
type jetStreamPublisher struct {
	js        JetStream
	stream    string
	closeConn func()
	logger    watermill.LoggerAdapter

	mu     sync.RWMutex
	closed bool
}

func (p *jetStreamPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.New("jetstream publisher is closed")
	}

	subject := p.stream + "." + strings.TrimPrefix(topic, p.stream+".")
	for _, msg := range messages {
		out := nc.NewMsg(subject)
		out.Data = msg.Payload
		for k, v := range msg.Metadata {
			out.Header.Set(k, v)
		}
		ack, err := p.js.PublishMsg(out, nc.MsgId(msg.UUID))
		if err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
		p.logger.Trace("Stored relayed event", watermill.LogFields{
			"subject":   subject,
			"sequence":  ack.Sequence,
			"duplicate": ack.Duplicate,
		})
	}
	return nil
}

func (p *jetStreamPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.closeConn != nil {
		p.closeConn()
	}
	return nil
}
