package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/framectl/framectl/internal/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	responseBuffer   = 64
)

// ErrNotConnected is returned by Send while the connection is down.
var ErrNotConnected = errors.New("transport: not connected")

// WSChannel is the websocket-backed Channel to one worker. It dials in the
// background, feeds decoded responses into a buffered channel, and re-dials
// with exponential backoff after a disconnect. The monitor reflects only
// dial/close events.
type WSChannel struct {
	endpoint string
	dialer   *websocket.Dialer
	monitor  *Monitor
	log      *zap.SugaredLogger

	responses chan *protocol.Response
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex // guards conn
	conn    *websocket.Conn
	writeMu sync.Mutex // serialises writes on the connection
}

// Dial creates the channel and starts the background connect loop. The
// returned channel reports disconnected until the first dial succeeds.
func Dial(endpoint string, log *zap.SugaredLogger) *WSChannel {
	ch := &WSChannel{
		endpoint: normalizeEndpoint(endpoint),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		monitor:   NewMonitor(endpoint, log),
		log:       log,
		responses: make(chan *protocol.Response, responseBuffer),
		done:      make(chan struct{}),
	}
	go ch.connectLoop()
	return ch
}

// Send writes one request envelope, failing fast while disconnected.
func (c *WSChannel) Send(req *protocol.Request) error {
	if !c.monitor.Connected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("transport: send to %s: %w", c.endpoint, err)
	}
	return nil
}

// Responses returns the inbound response stream.
func (c *WSChannel) Responses() <-chan *protocol.Response {
	return c.responses
}

// Connected reports the monitor's view of the connection.
func (c *WSChannel) Connected() bool {
	return c.monitor.Connected()
}

// Monitor exposes the connection monitor.
func (c *WSChannel) Monitor() *Monitor {
	return c.monitor
}

// Close tears down the connection and stops the redial loop. Idempotent.
func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.monitor.Close()
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
	})
	return nil
}

func (c *WSChannel) connectLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0 // retry forever

	for {
		select {
		case <-c.done:
			return
		default:
		}

		conn, _, err := c.dialer.Dial(c.endpoint, nil)
		if err != nil {
			wait := bo.NextBackOff()
			c.log.Debugw("dial failed, retrying", "endpoint", c.endpoint,
				"error", err, "backoff", wait)
			select {
			case <-c.done:
				return
			case <-time.After(wait):
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.monitor.Up()
		bo.Reset()

		c.readPump(conn)

		c.monitor.Down()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}
}

// readPump decodes responses until the connection drops. Malformed frames are
// logged and skipped; a full buffer drops the response rather than stalling
// the pump.
func (c *WSChannel) readPump(conn *websocket.Conn) {
	for {
		var resp protocol.Response
		if err := conn.ReadJSON(&resp); err != nil {
			select {
			case <-c.done:
			default:
				c.log.Debugw("read failed", "endpoint", c.endpoint, "error", err)
			}
			return
		}
		select {
		case c.responses <- &resp:
		default:
			c.log.Warnw("response buffer full, dropping message",
				"endpoint", c.endpoint, "id", resp.ID)
		}
	}
}

// normalizeEndpoint accepts bare host:port addresses as well as tcp:// and
// ws:// URLs, which worker deployments use interchangeably.
func normalizeEndpoint(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "ws://"), strings.HasPrefix(endpoint, "wss://"):
		return endpoint
	case strings.HasPrefix(endpoint, "tcp://"):
		return "ws://" + strings.TrimPrefix(endpoint, "tcp://")
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	default:
		return "ws://" + endpoint
	}
}
