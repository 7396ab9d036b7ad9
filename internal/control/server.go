package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/plat/internal/audit"
	"github.com/basket/plat/internal/bus"
	"github.com/basket/plat/internal/config"
	"github.com/basket/plat/internal/confirm"
	"github.com/basket/plat/internal/identity"
	"github.com/basket/plat/internal/otel"
	"github.com/basket/plat/internal/shared"
)

var (
	ErrAuthFailed   = errors.New("password verification failed")
	ErrMalformed    = errors.New("malformed handshake")
	ErrTimeout      = errors.New("operator connection timed out")
	ErrClosedByPeer = errors.New("operator closed the connection")
)

// Hello is the operator's handshake reply. PublicKey is omitted by the salt
// profile.
type Hello struct {
	PublicKey    string `json:"public_key,omitempty"`
	PasswordHash string `json:"password_hash"`
}

type ServerConfig struct {
	// Profile is config.HandshakeExchange or config.HandshakeSalt.
	Profile        string
	Password       string
	PingInterval   time.Duration
	ReceiveTimeout time.Duration
	AllowOrigins   []string
	// Snapshot builds the daemon envelope sent right after admission.
	Snapshot func() (confirm.Envelope, error)
	Bus      *bus.Bus
	Metrics  *otel.Metrics
	Logger   *slog.Logger
}

// Server accepts operator connections on /api/connect and tracks the
// admitted ones.
type Server struct {
	cfg ServerConfig

	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Profile == "" {
		cfg.Profile = config.HandshakeExchange
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 5 * time.Second
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = 12 * time.Second
	}
	return &Server{cfg: cfg, conns: map[string]*Conn{}}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	connID := shared.NewConnID()
	ctx := shared.WithConnID(r.Context(), connID)
	logger := s.cfg.Logger.With("conn_id", connID, "remote", r.RemoteAddr)

	peer, err := s.handshake(ctx, ws)
	if err != nil {
		reason := closeReason(err)
		s.cfg.Metrics.RecordHandshakeFailure(ctx, reason)
		audit.Record(audit.Deny, "control.handshake", reason, r.RemoteAddr)
		logger.Warn("operator handshake rejected", "error", err)
		_ = ws.Close(websocket.StatusNormalClosure, reason)
		return
	}

	c := newConn(connID, peer, ws, logger)
	if err := s.greet(ctx, c); err != nil {
		logger.Warn("operator greeting failed", "error", err)
		c.Close("greeting failed")
		return
	}
	audit.Record(audit.Allow, "control.handshake", "password verified", r.RemoteAddr)
	s.add(c)
	logger.Info("operator connected", "operators", s.Len())
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicOperatorConnected, bus.OperatorEvent{ConnID: connID, Remote: r.RemoteAddr})
	}

	err = c.run(ctx, s.cfg.PingInterval, s.cfg.ReceiveTimeout)
	s.remove(c)
	c.Close(closeReason(err))
	logger.Info("operator disconnected", "reason", err)
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicOperatorDisconnected, bus.OperatorEvent{ConnID: connID, Remote: r.RemoteAddr})
	}
}

// handshake authenticates the operator and returns its peer identity.
func (s *Server) handshake(ctx context.Context, ws *websocket.Conn) (string, error) {
	var (
		challenge string
		exchange  *identity.Exchange
		err       error
	)
	if s.cfg.Profile == config.HandshakeSalt {
		challenge, err = identity.NewSalt()
	} else {
		exchange, err = identity.NewExchange()
		if err == nil {
			challenge = exchange.PublicKey()
		}
	}
	if err != nil {
		return "", err
	}
	if err := ws.Write(ctx, websocket.MessageText, []byte(challenge)); err != nil {
		return "", err
	}

	readCtx, cancel := context.WithTimeout(ctx, s.cfg.ReceiveTimeout)
	typ, data, err := ws.Read(readCtx)
	cancel()
	if err != nil {
		return "", err
	}
	var hello Hello
	if typ != websocket.MessageText || json.Unmarshal(data, &hello) != nil || hello.PasswordHash == "" {
		return "", ErrMalformed
	}

	var expected string
	if exchange == nil {
		expected = identity.SaltProof(s.cfg.Password, challenge)
	} else {
		secret, err := exchange.SharedSecret(hello.PublicKey)
		if err != nil {
			return "", ErrMalformed
		}
		expected = identity.PasswordProof(secret, s.cfg.Password)
	}
	if !identity.ProofEqual(expected, hello.PasswordHash) {
		return "", ErrAuthFailed
	}
	return hello.PublicKey, nil
}

func (s *Server) greet(ctx context.Context, c *Conn) error {
	if err := c.Send(ctx, confirm.Envelope{Type: confirm.TypeOK}); err != nil {
		return err
	}
	if s.cfg.Snapshot == nil {
		return nil
	}
	env, err := s.cfg.Snapshot()
	if err != nil {
		return err
	}
	return c.Send(ctx, env)
}

func (s *Server) add(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.id] = c
}

func (s *Server) remove(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.id)
}

// Conns returns the admitted connections ordered by id.
func (s *Server) Conns() []*Conn {
	s.mu.RLock()
	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Channels implements confirm.ChannelSource.
func (s *Server) Channels() []confirm.Channel {
	conns := s.Conns()
	out := make([]confirm.Channel, len(conns))
	for i, c := range conns {
		out[i] = c
	}
	return out
}

func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Broadcast sends env to every admitted connection and returns how many
// writes succeeded.
func (s *Server) Broadcast(ctx context.Context, env confirm.Envelope) int {
	sent := 0
	for _, c := range s.Conns() {
		if err := c.Send(ctx, env); err != nil {
			s.cfg.Logger.Warn("operator broadcast failed", "conn_id", c.id, "type", env.Type, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// CloseAll terminates every admitted connection.
func (s *Server) CloseAll(reason string) {
	for _, c := range s.Conns() {
		c.Close(reason)
	}
}

// maxCloseReason is the websocket limit on close frame reasons.
const maxCloseReason = 123

func closeReason(err error) string {
	for _, known := range []error{ErrAuthFailed, ErrMalformed, ErrTimeout, ErrClosedByPeer} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	reason := err.Error()
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	return reason
}
