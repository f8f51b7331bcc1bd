package transport

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/queuelink/internal/runtime/jsoncodec"
)

const (
	IOName = "io"
	// DefaultIOFile is used when no file is configured.
	DefaultIOFile = "queuelink-events.log"
)

// IOPublisherFactory creates the file publisher. Tests replace it.
var IOPublisherFactory = func(path string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return &ioPublisher{path: path, logger: logger}, nil
}

func buildIO(_ context.Context, cfg Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	path := cfg.GetIOFile()
	if path == "" {
		path = DefaultIOFile
	}
	return IOPublisherFactory(path, logger)
}

// StoredMessage is one line of the io relay file.
type StoredMessage struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata"`
	Payload  []byte            `json:"payload"`
}

// ioPublisher appends messages to a JSON lines file.
type ioPublisher struct {
	path   string
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	closed bool
}

func (p *ioPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("io publisher is closed")
	}

	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	for _, msg := range messages {
		line, err := jsoncodec.Marshal(StoredMessage{
			UUID:     msg.UUID,
			Topic:    topic,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
		})
		if err != nil {
			_ = f.Close()
			return err
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}

func (p *ioPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
