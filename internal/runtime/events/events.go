// Package events fans queue notifications out to local listeners and keeps
// the remote subscription set in sync with them.
//
// The first listener for a name sends registerEvent, the last removal sends
// unregisterEvent. After every reconnect Reassert replays registerEvent for
// each subscribed name. Each name is registered at most once per link.
package events

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/drblury/queuelink/internal/runtime/broker"
	errspkg "github.com/drblury/queuelink/internal/runtime/errors"
	loggingpkg "github.com/drblury/queuelink/internal/runtime/logging"
	"github.com/drblury/queuelink/internal/runtime/protocol"
)

// Listener receives the notifications of one event name. It runs on the read
// goroutine and must not wait for replies from the remote side.
type Listener func(protocol.Event)

// Commander sends control commands pinned to a link. *broker.Broker
// satisfies it.
type Commander interface {
	SendOn(generation uint64, cmd protocol.Command) (*broker.Call, error)
}

// Link reports the generation of the open link, 0 when none is open.
// *connection.Connection satisfies it.
type Link interface {
	Generation() uint64
}

// Subscription identifies one registered listener.
type Subscription struct {
	event    string
	id       uint64
	listener Listener
}

// Event returns the event name the subscription listens to.
func (s *Subscription) Event() string {
	return s.event
}

// Multiplexer is the per-instance listener registry.
type Multiplexer struct {
	commands Commander
	link     Link
	logger   loggingpkg.ServiceLogger

	mu        sync.Mutex
	nextID    uint64
	listeners map[string][]*Subscription
	// asserted maps an event name to the link generation its registerEvent
	// was written on.
	asserted map[string]uint64
}

func New(commands Commander, link Link, logger loggingpkg.ServiceLogger) *Multiplexer {
	return &Multiplexer{
		commands:  commands,
		link:      link,
		logger:    loggingpkg.OrNop(logger),
		listeners: make(map[string][]*Subscription),
		asserted:  make(map[string]uint64),
	}
}

// On adds listener for event. Only the first listener of a name produces
// wire traffic. When the link is down the subscription is kept and asserted
// on the next open; any other send failure rolls it back.
func (m *Multiplexer) On(event string, listener Listener) (*Subscription, error) {
	if event == "" {
		return nil, errspkg.ErrEventRequired
	}
	if listener == nil {
		return nil, errspkg.ErrListenerRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	sub := &Subscription{event: event, id: m.nextID, listener: listener}
	m.listeners[event] = append(m.listeners[event], sub)

	if len(m.listeners[event]) > 1 {
		return sub, nil
	}

	if err := m.assertLocked(event, m.link.Generation()); err != nil && !transient(err) {
		m.removeLocked(sub)
		return nil, fmt.Errorf("register event %s: %w", event, err)
	}
	return sub, nil
}

// Off removes a subscription. Removing the last listener of a name sends
// unregisterEvent on the open link. Unknown subscriptions are ignored.
func (m *Multiplexer) Off(sub *Subscription) error {
	if sub == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.removeLocked(sub) || len(m.listeners[sub.event]) > 0 {
		return nil
	}

	generation, registered := m.asserted[sub.event]
	delete(m.asserted, sub.event)
	if !registered {
		return nil
	}

	call, err := m.commands.SendOn(generation, protocol.UnregisterEvent(sub.event))
	if err != nil {
		if transient(err) {
			return nil
		}
		return fmt.Errorf("unregister event %s: %w", sub.event, err)
	}
	go m.observe(call, "unregisterEvent", sub.event)
	return nil
}

// Reassert registers every subscribed name on the link identified by
// generation. Names already registered on that link are skipped.
func (m *Multiplexer) Reassert(generation uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, event := range m.eventsLocked() {
		if err := m.assertLocked(event, generation); err != nil {
			m.logger.Error("Failed to reassert event subscription", err, loggingpkg.LogFields{"event": event, "generation": generation})
		}
	}
}

// Dispatch calls every listener of ev in registration order. A panicking
// listener is logged and does not stop the others.
func (m *Multiplexer) Dispatch(ev protocol.Event) {
	m.mu.Lock()
	subs := append([]*Subscription(nil), m.listeners[ev.Name]...)
	m.mu.Unlock()

	for _, sub := range subs {
		m.invoke(sub, ev)
	}
}

// Events returns the subscribed event names in sorted order.
func (m *Multiplexer) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eventsLocked()
}

// Listeners returns how many listeners are registered for event.
func (m *Multiplexer) Listeners(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners[event])
}

func (m *Multiplexer) invoke(sub *Subscription, ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Event listener panicked", fmt.Errorf("%v", r), loggingpkg.LogFields{"event": ev.Name})
		}
	}()
	sub.listener(ev)
}

func (m *Multiplexer) assertLocked(event string, generation uint64) error {
	if generation == 0 {
		return errspkg.ErrNotConnected
	}
	if m.asserted[event] == generation {
		return nil
	}
	call, err := m.commands.SendOn(generation, protocol.RegisterEvent(event))
	if err != nil {
		return err
	}
	m.asserted[event] = generation
	go m.observe(call, "registerEvent", event)
	return nil
}

// observe logs a failed control command once its reply or the link loss
// arrives.
func (m *Multiplexer) observe(call *broker.Call, command, event string) {
	<-call.Done()
	_, err := call.Result()
	switch {
	case err == nil:
	case transient(err):
		m.logger.Debug("Control command interrupted by link loss", loggingpkg.LogFields{"command": command, "event": event})
	default:
		m.logger.Error("Control command failed", err, loggingpkg.LogFields{"command": command, "event": event})
	}
}

func (m *Multiplexer) removeLocked(sub *Subscription) bool {
	subs := m.listeners[sub.event]
	for i, s := range subs {
		if s.id != sub.id {
			continue
		}
		subs = append(subs[:i:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(m.listeners, sub.event)
		} else {
			m.listeners[sub.event] = subs
		}
		return true
	}
	return false
}

func (m *Multiplexer) eventsLocked() []string {
	names := make([]string, 0, len(m.listeners))
	for name := range m.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func transient(err error) bool {
	return errors.Is(err, errspkg.ErrNotConnected) || errors.Is(err, errspkg.ErrConnectionLost)
}
