package confirm

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/plat/internal/audit"
	"github.com/basket/plat/internal/bus"
	"github.com/basket/plat/internal/otel"
)

var ErrDenied = errors.New("operator denied the request")

// TopicPrefix prefixes the envelope type when an operator channel publishes
// inbound envelopes on its bus.
const TopicPrefix = "envelope."

// Topic returns the bus topic inbound envelopes of type typ are published on.
func Topic(typ string) string { return TopicPrefix + typ }

// Channel is an admitted operator connection.
type Channel interface {
	ID() string
	Send(ctx context.Context, env Envelope) error
	// Subscribe returns a subscription that receives every inbound
	// envelope whose topic starts with prefix. Event payloads are
	// Envelope values. The subscription closes with the channel.
	Subscribe(prefix string) *bus.Subscription
	Unsubscribe(sub *bus.Subscription)
}

// ChannelSource lists the operator channels connected right now.
type ChannelSource interface {
	Channels() []Channel
}

// Request is one confirmation exchange. Key is the value replies are
// correlated on: the plugin name for install and delete, the request id
// for sign.
type Request struct {
	Kind    Kind
	Key     string
	Payload any
}

// Resolution is a one-shot allow/deny outcome shared by every listener.
type Resolution struct {
	once  sync.Once
	done  chan struct{}
	allow bool
	by    string
}

func NewResolution() *Resolution {
	return &Resolution{done: make(chan struct{})}
}

// Resolve records the outcome. Only the first call counts; it reports
// whether it won.
func (r *Resolution) Resolve(allow bool, by string) bool {
	won := false
	r.once.Do(func() {
		r.allow = allow
		r.by = by
		won = true
		close(r.done)
	})
	return won
}

func (r *Resolution) Done() <-chan struct{} { return r.done }

// Allowed is valid once Done is closed.
func (r *Resolution) Allowed() bool { return r.allow }

// By is the id of the channel that resolved it.
func (r *Resolution) By() string { return r.by }

type BrokerConfig struct {
	Channels ChannelSource
	Bus      *bus.Bus
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

type Broker struct {
	channels ChannelSource
	bus      *bus.Bus
	metrics  *otel.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
}

func NewBroker(cfg BrokerConfig) *Broker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.NoopTracer()
	}
	return &Broker{
		channels: cfg.Channels,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
	}
}

// Confirm broadcasts req to every connected operator channel and blocks
// until one of them answers. It returns nil on allow and ErrDenied on deny.
// With no channels connected it waits until ctx ends.
func (b *Broker) Confirm(ctx context.Context, req Request) error {
	ctx, span := otel.StartSpan(ctx, b.tracer, "confirm.request",
		otel.AttrConfirmKind.String(req.Kind.Label()),
		attribute.String("plat.confirm.key", req.Key),
	)
	defer span.End()

	env, err := NewEnvelope(string(req.Kind), req.Payload)
	if err != nil {
		return err
	}

	res := NewResolution()
	listenCtx, stop := context.WithCancel(ctx)
	defer stop()

	var channels []Channel
	if b.channels != nil {
		channels = b.channels.Channels()
	}
	sent := 0
	for _, ch := range channels {
		// Subscribe before sending so a fast reply is not missed.
		sub := ch.Subscribe(Topic(string(req.Kind)))
		if err := ch.Send(ctx, env); err != nil {
			ch.Unsubscribe(sub)
			b.logger.Warn("confirmation send failed", "conn_id", ch.ID(), "kind", req.Kind.Label(), "error", err)
			continue
		}
		sent++
		go b.listen(listenCtx, ch, sub, req, res)
	}
	span.SetAttributes(attribute.Int("plat.confirm.channels", sent))
	b.logger.Info("confirmation requested", "kind", req.Kind.Label(), "key", req.Key, "channels", sent)

	select {
	case <-res.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	allow := res.Allowed()
	b.metrics.RecordConfirmation(ctx, req.Kind.Label(), allow)
	decision := audit.Deny
	if allow {
		decision = audit.Allow
	}
	audit.Record(decision, "confirm."+req.Kind.Label(), "operator "+res.By(), req.Key)
	if b.bus != nil {
		b.bus.Publish(bus.TopicConfirmResolved, bus.ConfirmResolvedEvent{
			Kind:  req.Kind.Label(),
			Key:   req.Key,
			Allow: allow,
			By:    res.By(),
		})
	}
	span.SetAttributes(attribute.Bool("plat.confirm.allow", allow))
	b.logger.Info("confirmation resolved", "kind", req.Kind.Label(), "key", req.Key, "allow", allow, "conn_id", res.By())
	if !allow {
		return ErrDenied
	}
	return nil
}

// listen watches one channel for a reply matching req until the shared
// resolution fires, the channel goes away, or ctx ends.
func (b *Broker) listen(ctx context.Context, ch Channel, sub *bus.Subscription, req Request, res *Resolution) {
	defer ch.Unsubscribe(sub)
	for {
		select {
		case <-res.Done():
			return
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			env, ok := ev.Payload.(Envelope)
			if !ok || env.Type != string(req.Kind) {
				continue
			}
			var reply Reply
			if err := env.Decode(&reply); err != nil {
				b.logger.Debug("ignoring malformed reply", "conn_id", ch.ID(), "error", err)
				continue
			}
			if reply.Key() != req.Key {
				continue
			}
			res.Resolve(reply.Allow, ch.ID())
			return
		}
	}
}
