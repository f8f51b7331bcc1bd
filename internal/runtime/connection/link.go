package connection

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Link is one physical socket. *websocket.Conn satisfies it.
type Link interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPingHandler(h func(appData string) error)
	Close() error
}

// Dialer opens links. The returned response is inspected even when err is
// set, so an HTTP 401/403 on the upgrade is recognised as a rejection.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Link, *http.Response, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) DialContext(ctx context.Context, url string, header http.Header) (Link, *http.Response, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, err
	}
	return conn, resp, nil
}

// Timer is a scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock schedules the heartbeat and reconnect timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
