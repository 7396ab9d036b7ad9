// Package control implements the operator control channel: an authenticated
// websocket over which operator UIs receive daemon snapshots and answer
// confirmation requests.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/plat/internal/bus"
	"github.com/basket/plat/internal/confirm"
	"github.com/basket/plat/internal/heartbeat"
)

const writeTimeout = 5 * time.Second

// Conn is an admitted operator connection. Inbound envelopes are fanned out
// on a per-connection bus so every confirmation listener sees all of them.
type Conn struct {
	id     string
	peer   string
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	inbound *bus.Bus

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id, peer string, ws *websocket.Conn, logger *slog.Logger) *Conn {
	return &Conn{
		id:      id,
		peer:    peer,
		ws:      ws,
		logger:  logger,
		inbound: bus.New(),
		done:    make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Peer is the operator's exchange public key, or empty for the salt profile.
func (c *Conn) Peer() string { return c.peer }

// Send writes env as one JSON text frame.
func (c *Conn) Send(ctx context.Context, env confirm.Envelope) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.ws, env)
}

// Subscribe returns an already closed subscription once the connection has
// terminated.
func (c *Conn) Subscribe(prefix string) *bus.Subscription {
	return c.inbound.Subscribe(prefix)
}

func (c *Conn) Unsubscribe(sub *bus.Subscription) {
	c.inbound.Unsubscribe(sub)
}

// Done is closed once the connection has terminated.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close terminates the connection with a normal close frame.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.inbound.Close()
		_ = c.ws.Close(websocket.StatusNormalClosure, reason)
	})
}

// run pings the operator and fans inbound envelopes out until the operator
// closes, goes silent for longer than timeout, or ctx ends.
func (c *Conn) run(ctx context.Context, pingInterval, timeout time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mon := heartbeat.New(pingInterval, timeout)
	pingErr := make(chan error, 1)
	go func() { pingErr <- mon.Run(ctx, c.ws) }()

	readErr := make(chan error, 1)
	go func() {
		for {
			typ, data, err := c.ws.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			mon.Touch()
			if typ != websocket.MessageText {
				continue
			}
			var env confirm.Envelope
			if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
				c.logger.Debug("ignoring malformed operator frame", "conn_id", c.id)
				continue
			}
			c.inbound.Publish(confirm.Topic(env.Type), env)
		}
	}()

	select {
	case err := <-pingErr:
		if errors.Is(err, heartbeat.ErrSilent) {
			return ErrTimeout
		}
		return err
	case err := <-readErr:
		if websocket.CloseStatus(err) != -1 {
			return ErrClosedByPeer
		}
		cancel()
		if errors.Is(<-pingErr, heartbeat.ErrSilent) {
			return ErrTimeout
		}
		return err
	}
}
