// Package queuelink is a client-side runtime for a remote job queue service
// reached over a single websocket per queue. Scheduling, retries and
// persistence stay with the remote service; queuelink keeps the link alive
// and gives producers and consumers a typed Go API on top of it.
//
// A Client adds jobs, inspects and manages the queue and subscribes to its
// events. A Worker receives jobs pushed by the service, runs them through a
// Handler with bounded concurrency and replies with the result or the
// failure. Both connect lazily and share the same building blocks: a
// resilient connection that reconnects after abnormal closures and tears
// idle links down on a missed heartbeat, a correlation layer that matches
// every reply to its request by id, and an event multiplexer that keeps one
// remote registration per event name no matter how many listeners exist.
//
// # Connection lifecycle
//
// A closure with code 1000 or an explicit Close ends the connection with
// ErrClosed. A closure with code 4000, or an HTTP 401/403 answer to the
// upgrade request, ends it with ErrAuthenticationRejected. Anything else
// schedules a reconnect after Config.ReconnectInterval. Requests in flight
// when a link drops fail with ErrConnectionLost; event subscriptions are
// re-registered on the next link.
//
// # Event relay
//
// NewRelay forwards selected queue events into a Watermill publisher built
// from Config.RelaySystem: channel, io, kafka, rabbitmq, nats, jetstream, http
// or aws.
//
// # Observability
//
// Components log through ServiceLogger, which wraps a Watermill logger or a
// slog.Logger. Prometheus collectors are registered when
// Config.MetricsEnabled is set and served on Config.MetricsPort; requests and
// job handlers are traced with OpenTelemetry.
package queuelink
