package control_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/plat/internal/bus"
	"github.com/basket/plat/internal/config"
	"github.com/basket/plat/internal/confirm"
	"github.com/basket/plat/internal/control"
	"github.com/basket/plat/internal/manifest"
)

const testPassword = "s3cret-pw"

type fixture struct {
	srv  *control.Server
	bus  *bus.Bus
	addr string
}

func newFixture(t *testing.T, cfg control.ServerConfig) *fixture {
	t.Helper()
	b := bus.New()
	cfg.Bus = b
	if cfg.Password == "" {
		cfg.Password = testPassword
	}
	if cfg.Snapshot == nil {
		cfg.Snapshot = func() (confirm.Envelope, error) {
			return confirm.NewEnvelope(confirm.TypeDaemon, confirm.Snapshot{
				PublicKey: "daemon-key",
				Plugins:   []manifest.RegisteredPlugin{},
			})
		}
	}
	srv := control.NewServer(cfg)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	t.Cleanup(func() { srv.CloseAll("test done") })
	return &fixture{srv: srv, bus: b, addr: hs.URL}
}

func (f *fixture) dial(t *testing.T, password string) (*control.Client, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := control.Dial(ctx, f.addr, password)
	if err == nil {
		t.Cleanup(func() { c.Close() })
	}
	return c, err
}

func readEnvelope(t *testing.T, c *control.Client) confirm.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	env, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

var profiles = []string{config.HandshakeExchange, config.HandshakeSalt}

func TestDial_AdmitsWithSnapshot(t *testing.T) {
	for _, profile := range profiles {
		t.Run(profile, func(t *testing.T) {
			f := newFixture(t, control.ServerConfig{Profile: profile})
			sub := f.bus.Subscribe(bus.TopicOperatorConnected)

			c, err := f.dial(t, testPassword)
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			env := readEnvelope(t, c)
			if env.Type != confirm.TypeDaemon {
				t.Fatalf("first envelope after ok = %q", env.Type)
			}
			var snap confirm.Snapshot
			if err := env.Decode(&snap); err != nil || snap.PublicKey != "daemon-key" {
				t.Fatalf("snapshot = %+v, %v", snap, err)
			}
			waitFor(t, "admission", func() bool { return len(f.srv.Channels()) == 1 })

			select {
			case ev := <-sub.Ch():
				if ev.Payload.(bus.OperatorEvent).ConnID != f.srv.Conns()[0].ID() {
					t.Fatalf("connected event for unknown conn: %+v", ev.Payload)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("no connected event")
			}
			if profile == config.HandshakeExchange && f.srv.Conns()[0].Peer() == "" {
				t.Fatalf("exchange profile should record the operator key")
			}
		})
	}
}

func TestDial_WrongPassword(t *testing.T) {
	for _, profile := range profiles {
		t.Run(profile, func(t *testing.T) {
			f := newFixture(t, control.ServerConfig{Profile: profile})
			_, err := f.dial(t, "wrong")
			if !errors.Is(err, control.ErrAuthFailed) {
				t.Fatalf("err = %v, want ErrAuthFailed", err)
			}
			if f.srv.Len() != 0 {
				t.Fatalf("rejected operator was admitted")
			}
		})
	}
}

func TestHandshake_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		hello string
	}{
		{name: "not json", hello: "hello?"},
		{name: "missing hash", hello: `{"public_key":"abc"}`},
		{name: "bad key", hello: `{"public_key":"!!","password_hash":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, control.ServerConfig{})
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.addr, "http")+control.ConnectPath, nil)
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer ws.CloseNow()
			if _, _, err := ws.Read(ctx); err != nil {
				t.Fatalf("read challenge: %v", err)
			}
			if err := ws.Write(ctx, websocket.MessageText, []byte(tt.hello)); err != nil {
				t.Fatalf("write hello: %v", err)
			}
			_, _, err = ws.Read(ctx)
			var ce websocket.CloseError
			if !errors.As(err, &ce) || ce.Reason != control.ErrMalformed.Error() {
				t.Fatalf("expected malformed close, got %v", err)
			}
		})
	}
}

func TestBroker_ResolvedOverControlChannel(t *testing.T) {
	f := newFixture(t, control.ServerConfig{Profile: config.HandshakeSalt})
	c, err := f.dial(t, testPassword)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readEnvelope(t, c)
	waitFor(t, "admission", func() bool { return f.srv.Len() == 1 })

	broker := confirm.NewBroker(confirm.BrokerConfig{Channels: f.srv, Bus: f.bus})
	for _, allow := range []bool{true, false} {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		done := make(chan error, 1)
		go func() {
			done <- broker.Confirm(ctx, confirm.Request{
				Kind:    confirm.KindDelete,
				Key:     "echo",
				Payload: confirm.PluginPayload{Name: "echo"},
			})
		}()

		req := readEnvelope(t, c)
		if req.Type != string(confirm.KindDelete) {
			cancel()
			t.Fatalf("request type = %q", req.Type)
		}
		if err := c.ReplyTo(ctx, req, allow); err != nil {
			cancel()
			t.Fatalf("reply: %v", err)
		}
		err := <-done
		cancel()
		if allow && err != nil {
			t.Fatalf("allow: Confirm = %v", err)
		}
		if !allow && !errors.Is(err, confirm.ErrDenied) {
			t.Fatalf("deny: Confirm = %v", err)
		}
	}
}

func TestBroadcast_ReachesEveryOperator(t *testing.T) {
	f := newFixture(t, control.ServerConfig{})
	var clients []*control.Client
	for i := 0; i < 2; i++ {
		c, err := f.dial(t, testPassword)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		readEnvelope(t, c)
		clients = append(clients, c)
	}
	waitFor(t, "both operators", func() bool { return f.srv.Len() == 2 })

	env, _ := confirm.NewEnvelope(confirm.TypeDaemon, confirm.Snapshot{PublicKey: "rotated"})
	if n := f.srv.Broadcast(context.Background(), env); n != 2 {
		t.Fatalf("Broadcast reached %d operators", n)
	}
	for _, c := range clients {
		var snap confirm.Snapshot
		if err := readEnvelope(t, c).Decode(&snap); err != nil || snap.PublicKey != "rotated" {
			t.Fatalf("snapshot = %+v, %v", snap, err)
		}
	}
}

func TestServer_DropsSilentOperator(t *testing.T) {
	f := newFixture(t, control.ServerConfig{
		PingInterval:   20 * time.Millisecond,
		ReceiveTimeout: 150 * time.Millisecond,
	})

	// Nobody reads from this client after admission, so pings go unanswered.
	if _, err := f.dial(t, testPassword); err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, "admission", func() bool { return f.srv.Len() == 1 })
	waitFor(t, "silent operator to be dropped", func() bool { return f.srv.Len() == 0 })
}

func TestServer_OperatorClose(t *testing.T) {
	f := newFixture(t, control.ServerConfig{})
	c, err := f.dial(t, testPassword)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readEnvelope(t, c)
	waitFor(t, "admission", func() bool { return f.srv.Len() == 1 })
	conn := f.srv.Conns()[0]

	_ = c.Close()
	select {
	case <-conn.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("conn not terminated after operator close")
	}
	waitFor(t, "removal", func() bool { return f.srv.Len() == 0 })
	if err := conn.Send(context.Background(), confirm.Envelope{Type: confirm.TypeOK}); err == nil {
		t.Fatalf("send on closed conn should fail")
	}

	sub := conn.Subscribe("")
	select {
	case _, ok := <-sub.Ch():
		if ok {
			t.Fatalf("subscription on closed conn delivered an event")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription on closed conn never closed")
	}
	conn.Unsubscribe(sub)
}
