package registry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/plat/internal/config"
	"github.com/basket/plat/internal/heartbeat"
	"github.com/basket/plat/internal/manifest"
	"github.com/basket/plat/internal/shared"
)

// Close reasons sent to the plugin.
const (
	ReasonConflict  = "plugin with same name already exists"
	ReasonMalformed = "malformed manifest"
)

// Deregistration reasons.
const (
	ReasonSilent   = "silent"
	ReasonClosed   = "closed"
	ReasonShutdown = "shutdown"
)

// ReadyMessage is sent instead of the public key by the ready profile.
const ReadyMessage = "Ready"

type ProtocolConfig struct {
	// Greeting is config.GreetingPublicKey or config.GreetingReady.
	Greeting       string
	PublicKey      string
	PingInterval   time.Duration
	SilenceTimeout time.Duration
	AllowOrigins   []string
	Logger         *slog.Logger
}

// Protocol serves the plugin side of /api/regist: greet, read one manifest,
// register it, then keep the socket as a liveness channel until it closes
// or goes silent.
type Protocol struct {
	reg *Registry
	cfg ProtocolConfig
}

func NewProtocol(reg *Registry, cfg ProtocolConfig) *Protocol {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 4 * time.Second
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = 10 * time.Second
	}
	return &Protocol{reg: reg, cfg: cfg}
}

func (p *Protocol) greeting() string {
	if p.cfg.Greeting == config.GreetingReady {
		return ReadyMessage
	}
	return p.cfg.PublicKey
}

func (p *Protocol) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: p.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	connID := shared.NewConnID()
	logger := p.cfg.Logger.With("conn_id", connID, "remote", r.RemoteAddr)
	ctx := shared.WithConnID(r.Context(), connID)

	h, err := p.admit(ctx, conn)
	if err != nil {
		logger.Warn("registration refused", "error", err)
		return
	}
	reason := p.watch(ctx, conn, h)
	h.Deregister(reason)
	_ = conn.Close(websocket.StatusNormalClosure, reason)
	logger.Info("registration channel ended", "plugin", h.Name(), "reason", reason)
}

func (p *Protocol) admit(ctx context.Context, conn *websocket.Conn) (*Handle, error) {
	if err := conn.Write(ctx, websocket.MessageText, []byte(p.greeting())); err != nil {
		conn.CloseNow()
		return nil, err
	}

	readCtx, cancel := context.WithTimeout(ctx, p.cfg.SilenceTimeout)
	typ, data, err := conn.Read(readCtx)
	cancel()
	if err != nil {
		conn.CloseNow()
		return nil, err
	}
	if typ != websocket.MessageText {
		_ = conn.Close(websocket.StatusNormalClosure, ReasonMalformed)
		return nil, manifest.ErrInvalid
	}
	m, err := manifest.Parse(data)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, ReasonMalformed)
		return nil, err
	}

	h, err := p.reg.Register(ctx, manifest.RegisteredPlugin{Addr: m.Address, Manifest: m}, SourceSocket)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, ReasonConflict)
		return nil, err
	}
	return h, nil
}

// watch blocks until the plugin closes the socket, goes silent, or the
// registration is removed elsewhere, and returns the deregistration reason.
func (p *Protocol) watch(ctx context.Context, conn *websocket.Conn, h *Handle) string {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mon := heartbeat.New(p.cfg.PingInterval, p.cfg.SilenceTimeout)
	pingErr := make(chan error, 1)
	go func() { pingErr <- mon.Run(ctx, conn) }()

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
			mon.Touch()
		}
	}()

	select {
	case <-h.Done():
		return h.Reason()
	case err := <-pingErr:
		if errors.Is(err, heartbeat.ErrSilent) {
			return ReasonSilent
		}
		return ReasonShutdown
	case err := <-readErr:
		if websocket.CloseStatus(err) != -1 {
			return ReasonClosed
		}
		// A failed ping tears the socket down, so an abrupt read error
		// may really be silence.
		cancel()
		if errors.Is(<-pingErr, heartbeat.ErrSilent) {
			return ReasonSilent
		}
		if mon.Silent() {
			return ReasonSilent
		}
		return ReasonClosed
	}
}
