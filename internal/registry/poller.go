package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/plat/internal/manifest"
)

// ReasonPollFailed is the deregistration reason used by the Poller.
const ReasonPollFailed = "poll failed"

// DefaultPollSchedule matches the push path's silence window.
const DefaultPollSchedule = "@every 5s"

// scheduleParser accepts 5 or 6 field expressions and descriptors such as
// "@every 5s".
var scheduleParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule validates a poll schedule expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return scheduleParser.Parse(expr)
}

// FetchManifest GETs <addr>/plugin.json and parses it. Non-2xx answers are
// errors.
func FetchManifest(ctx context.Context, client *http.Client, addr string) (manifest.Manifest, error) {
	if client == nil {
		client = http.DefaultClient
	}
	url := strings.TrimRight(addr, "/") + "/" + manifest.FileName
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return manifest.Manifest{}, fmt.Errorf("build manifest request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return manifest.Manifest{}, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return manifest.Manifest{}, fmt.Errorf("fetch manifest: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return manifest.Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return manifest.Parse(raw)
}

// RegisterPull fetches the manifest served at addr and registers it as a
// poll-tracked plugin.
func (r *Registry) RegisterPull(ctx context.Context, client *http.Client, addr string) (*Handle, error) {
	m, err := FetchManifest(ctx, client, addr)
	if err != nil {
		return nil, err
	}
	return r.Register(ctx, manifest.RegisteredPlugin{Addr: addr, Manifest: m}, SourcePoll)
}

type PollerConfig struct {
	Schedule string
	Client   *http.Client
	// Timeout bounds each manifest fetch. Zero means 3s.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Poller is the pull-based liveness check: on every tick of its schedule it
// fetches each poll-tracked plugin's manifest and deregisters the ones that
// fail.
type Poller struct {
	reg      *Registry
	schedule cronlib.Schedule
	expr     string
	client   *http.Client
	timeout  time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPoller(reg *Registry, cfg PollerConfig) (*Poller, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultPollSchedule
	}
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, fmt.Errorf("parse poll schedule %q: %w", expr, err)
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		reg:      reg,
		schedule: sched,
		expr:     expr,
		client:   client,
		timeout:  timeout,
		logger:   logger,
	}, nil
}

// Start runs the poll loop in a background goroutine until ctx ends or Stop
// is called.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("registration poller started", "schedule", p.expr)
}

func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		now := time.Now()
		timer := time.NewTimer(p.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep checks every poll-tracked plugin once and returns how many were
// deregistered.
func (p *Poller) Sweep(ctx context.Context) int {
	handles := p.reg.Handles(SourcePoll)
	var (
		mu      sync.Mutex
		dropped int
		wg      sync.WaitGroup
	)
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			fctx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			if _, err := FetchManifest(fctx, p.client, h.Plugin().Addr); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Warn("poll-tracked plugin unreachable", "plugin", h.Name(), "addr", h.Plugin().Addr, "error", err)
				if h.Deregister(ReasonPollFailed) {
					mu.Lock()
					dropped++
					mu.Unlock()
				}
			}
		}(h)
	}
	wg.Wait()
	return dropped
}
