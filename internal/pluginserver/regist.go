package pluginserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/plat/internal/heartbeat"
	"github.com/basket/plat/internal/manifest"
	"github.com/basket/plat/internal/registry"
	"github.com/basket/plat/internal/shared"
)

// RegistPath is the daemon route for plugin registration.
const RegistPath = "/api/regist"

type RegisterOptions struct {
	PingInterval   time.Duration
	SilenceTimeout time.Duration
	Logger         *slog.Logger
}

// Registration is a live push registration. The daemon keeps the plugin
// registered for as long as the socket stays open.
type Registration struct {
	ws        *websocket.Conn
	daemonKey string
	logger    *slog.Logger
	cancel    context.CancelFunc

	done      chan struct{}
	err       error
	closing   atomic.Bool
	closeOnce sync.Once
}

// Register opens the registration socket, reads the daemon greeting and
// sends m. The daemon's verdict arrives asynchronously: a rejected
// registration ends with Err reporting registry.ErrConflict or
// manifest.ErrInvalid.
func Register(ctx context.Context, daemonAddr string, m manifest.Manifest, opts RegisterOptions) (*Registration, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 4 * time.Second
	}
	if opts.SilenceTimeout <= 0 {
		opts.SilenceTimeout = 10 * time.Second
	}
	url, err := shared.WebSocketURL(daemonAddr, RegistPath)
	if err != nil {
		return nil, err
	}
	body, err := m.Marshal()
	if err != nil {
		return nil, err
	}

	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	typ, greeting, err := ws.Read(ctx)
	if err != nil {
		ws.CloseNow()
		return nil, fmt.Errorf("read daemon greeting: %w", err)
	}
	if typ != websocket.MessageText {
		ws.CloseNow()
		return nil, errors.New("daemon greeting is not text")
	}
	if err := ws.Write(ctx, websocket.MessageText, body); err != nil {
		ws.CloseNow()
		return nil, fmt.Errorf("send manifest: %w", err)
	}

	r := &Registration{
		ws:     ws,
		logger: opts.Logger.With("plugin", m.Name),
		done:   make(chan struct{}),
	}
	if g := string(greeting); g != registry.ReadyMessage {
		r.daemonKey = g
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(runCtx, opts.PingInterval, opts.SilenceTimeout)
	return r, nil
}

// DaemonKey is the public key the daemon greeted with, or empty when it
// sent the ready signal instead.
func (r *Registration) DaemonKey() string { return r.daemonKey }

// Done is closed when the registration has ended.
func (r *Registration) Done() <-chan struct{} { return r.done }

// Err reports why the registration ended. It is nil after Close.
func (r *Registration) Err() error {
	<-r.done
	return r.err
}

// Close ends the registration with a normal close frame.
func (r *Registration) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closing.Store(true)
		err = r.ws.Close(websocket.StatusNormalClosure, "plugin stopping")
	})
	r.cancel()
	<-r.done
	return err
}

// run keeps the socket read so daemon pings are answered, and pings the
// daemon back so a vanished daemon ends the registration.
func (r *Registration) run(ctx context.Context, interval, timeout time.Duration) {
	defer close(r.done)
	defer r.cancel()

	mon := heartbeat.New(interval, timeout)
	pingErr := make(chan error, 1)
	go func() { pingErr <- mon.Run(ctx, r.ws) }()

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := r.ws.Read(ctx); err != nil {
				readErr <- err
				return
			}
			mon.Touch()
		}
	}()

	var err error
	select {
	case err = <-readErr:
	case err = <-pingErr:
		r.ws.CloseNow()
	}
	r.err = r.classify(err)
	if r.err != nil {
		r.logger.Warn("registration ended", "error", r.err)
	}
}

func (r *Registration) classify(err error) error {
	if r.closing.Load() {
		return nil
	}
	if errors.Is(err, heartbeat.ErrSilent) {
		return fmt.Errorf("daemon went silent: %w", err)
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Reason {
		case registry.ReasonConflict:
			return registry.ErrConflict
		case registry.ReasonMalformed:
			return manifest.ErrInvalid
		}
		return fmt.Errorf("daemon closed registration: %s", ce.Reason)
	}
	return err
}

// PullRequest is the body of a pull registration.
type PullRequest struct {
	Addr string `json:"addr"`
}

// RegisterPull asks the daemon to fetch addr/plugin.json and track the
// plugin by polling it. There is no socket to keep open.
func RegisterPull(ctx context.Context, client *http.Client, daemonAddr, addr string) (manifest.RegisteredPlugin, error) {
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(PullRequest{Addr: addr})
	if err != nil {
		return manifest.RegisteredPlugin{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinPath(daemonAddr, RegistPath), bytes.NewReader(body))
	if err != nil {
		return manifest.RegisteredPlugin{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return manifest.RegisteredPlugin{}, fmt.Errorf("pull registration: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusConflict:
		return manifest.RegisteredPlugin{}, registry.ErrConflict
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return manifest.RegisteredPlugin{}, fmt.Errorf("pull registration: status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	var rp manifest.RegisteredPlugin
	if err := json.Unmarshal(raw, &rp); err != nil {
		return manifest.RegisteredPlugin{}, fmt.Errorf("decode registration: %w", err)
	}
	return rp, nil
}
