// Package transport builds the Watermill publishers queue events are relayed
// to. Each system registers a Builder under the name selected by
// Config.GetRelaySystem.
package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Config is the subset of settings the relay transports read.
type Config interface {
	GetRelaySystem() string

	GetKafkaBrokers() []string
	GetRabbitMQURL() string
	GetNATSURL() string
	GetJetStreamStream() string
	GetIOFile() string
	GetHTTPPublisherURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// Builder creates a publisher from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (message.Publisher, error)

// Registry maps relay system names to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry holds the built-in systems.
var DefaultRegistry = NewRegistry()

func init() {
	DefaultRegistry.Register(ChannelName, buildChannel)
	DefaultRegistry.Register(KafkaName, buildKafka)
	DefaultRegistry.Register(RabbitMQName, buildRabbitMQ)
	DefaultRegistry.Register(NATSName, buildNATS)
	DefaultRegistry.Register(JetStreamName, buildJetStream)
	DefaultRegistry.Register(IOName, buildIO)
	DefaultRegistry.Register(HTTPName, buildHTTP)
	DefaultRegistry.Register(AWSName, buildAWS)
}

func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds or replaces the builder for name.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[strings.ToLower(name)] = builder
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[strings.ToLower(name)]
	return ok
}

// Names returns the registered systems in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build creates the publisher for the system cfg selects.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	name := strings.ToLower(cfg.GetRelaySystem())
	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown relay system: %q (registered: %v)", name, r.Names())
	}
	return builder(ctx, cfg, logger)
}

// Build creates a publisher using the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
