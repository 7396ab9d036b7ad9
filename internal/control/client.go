package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/plat/internal/confirm"
	"github.com/basket/plat/internal/identity"
	"github.com/basket/plat/internal/shared"
)

// ConnectPath is the daemon route for operator channels.
const ConnectPath = "/api/connect"

// Client is the operator end of a control channel.
type Client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// Dial connects to the daemon at addr (http://host:port), answers the
// handshake challenge with password, and waits for admission. The profile
// is inferred from the challenge: a salt is SaltLength characters, an
// exchange key is longer.
func Dial(ctx context.Context, addr, password string) (*Client, error) {
	url, err := shared.WebSocketURL(addr, ConnectPath)
	if err != nil {
		return nil, err
	}
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial control channel: %w", err)
	}
	ws.SetReadLimit(1 << 22)

	_, challenge, err := ws.Read(ctx)
	if err != nil {
		ws.CloseNow()
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	hello, err := answer(string(challenge), password)
	if err != nil {
		ws.CloseNow()
		return nil, err
	}
	if err := wsjson.Write(ctx, ws, hello); err != nil {
		ws.CloseNow()
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	var first confirm.Envelope
	if err := wsjson.Read(ctx, ws, &first); err != nil {
		ws.CloseNow()
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			switch ce.Reason {
			case ErrAuthFailed.Error():
				return nil, ErrAuthFailed
			case ErrMalformed.Error():
				return nil, ErrMalformed
			}
			return nil, fmt.Errorf("daemon refused connection: %s", ce.Reason)
		}
		return nil, fmt.Errorf("read admission: %w", err)
	}
	if first.Type != confirm.TypeOK {
		ws.CloseNow()
		return nil, fmt.Errorf("unexpected admission frame %q", first.Type)
	}
	return &Client{ws: ws}, nil
}

func answer(challenge, password string) (Hello, error) {
	if len(challenge) == identity.SaltLength {
		return Hello{PasswordHash: identity.SaltProof(password, challenge)}, nil
	}
	ex, err := identity.NewExchange()
	if err != nil {
		return Hello{}, err
	}
	secret, err := ex.SharedSecret(challenge)
	if err != nil {
		return Hello{}, fmt.Errorf("daemon exchange key: %w", err)
	}
	return Hello{PublicKey: ex.PublicKey(), PasswordHash: identity.PasswordProof(secret, password)}, nil
}

// Read returns the next envelope. Pings are answered while a Read is
// pending, so operators should keep reading.
func (c *Client) Read(ctx context.Context) (confirm.Envelope, error) {
	var env confirm.Envelope
	err := wsjson.Read(ctx, c.ws, &env)
	return env, err
}

func (c *Client) Send(ctx context.Context, env confirm.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.ws, env)
}

// Reply answers a confirmation request.
func (c *Client) Reply(ctx context.Context, kind confirm.Kind, r confirm.Reply) error {
	env, err := confirm.NewEnvelope(string(kind), r)
	if err != nil {
		return err
	}
	return c.Send(ctx, env)
}

// ReplyTo answers req, correlating on the name or id its payload carries.
func (c *Client) ReplyTo(ctx context.Context, req confirm.Envelope, allow bool) error {
	var key struct {
		Name string `json:"name"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(req.Payload, &key); err != nil {
		return fmt.Errorf("decode %s payload: %w", req.Type, err)
	}
	reply := confirm.Reply{Allow: allow}
	if confirm.Kind(req.Type) == confirm.KindSign {
		reply.ID = key.ID
	} else {
		reply.Name = key.Name
	}
	return c.Reply(ctx, confirm.Kind(req.Type), reply)
}

func (c *Client) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "bye")
}
