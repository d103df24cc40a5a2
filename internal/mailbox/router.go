package mailbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ytnobody/rolerelay/internal/logger"
	"github.com/ytnobody/rolerelay/internal/metrics"
)

// EngineHandler receives messages addressed to EngineRole.
type EngineHandler interface {
	HandleEngineMessage(ctx context.Context, m Message) error
}

// Activator starts a recipient role that has no live session, when the
// pipeline still needs it. Implementations decide whether activation applies.
type Activator interface {
	EnsureActive(ctx context.Context, role string) error
}

// Router moves messages from outboxes to inboxes.
type Router struct {
	queue      Queue
	transcript *Transcript
	engine     EngineHandler
	activator  Activator
	metrics    *metrics.Metrics
	interval   time.Duration
	log        zerolog.Logger
}

func NewRouter(q Queue, t *Transcript, interval time.Duration, m *metrics.Metrics) *Router {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}
	return &Router{
		queue:      q,
		transcript: t,
		metrics:    m,
		interval:   interval,
		log:        logger.For("router"),
	}
}

func (r *Router) SetEngineHandler(h EngineHandler) { r.engine = h }

func (r *Router) SetActivator(a Activator) { r.activator = a }

// Scan is one delivery pass over every outbox. It returns the number of
// messages delivered. A message whose delivery fails stays in its outbox
// and is retried on the next pass.
func (r *Router) Scan(ctx context.Context) (int, error) {
	defer r.metrics.LoopCycles.WithLabelValues("router").Inc()

	msgs, err := r.queue.Outbound()
	if err != nil {
		return 0, fmt.Errorf("scan outboxes: %w", err)
	}

	delivered := 0
	for _, m := range msgs {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if m.To == EngineRole {
			if r.toEngine(ctx, m) {
				delivered++
			}
			continue
		}
		if r.activator != nil {
			if err := r.activator.EnsureActive(ctx, m.To); err != nil {
				r.log.Warn().Err(err).Str("role", m.To).Msg("lazy activation failed, delivering anyway")
			}
		}
		if err := r.queue.Deliver(m); err != nil {
			r.metrics.DeliveryFailures.Inc()
			r.log.Warn().Err(err).Str("message", m.ID).Str("to", m.To).Msg("delivery failed, will retry")
			continue
		}
		if err := r.queue.Archive(m); err != nil {
			// The inbox copy is keyed by id, so the retry overwrites it.
			r.metrics.DeliveryFailures.Inc()
			r.log.Warn().Err(err).Str("message", m.ID).Msg("archive failed, will retry")
			continue
		}
		r.record(m)
		delivered++
	}
	return delivered, nil
}

// toEngine archives an engine-addressed message and then hands it to the
// engine handler. Archiving first keeps engine commands from being applied
// twice after a crash.
func (r *Router) toEngine(ctx context.Context, m Message) bool {
	if r.engine == nil {
		r.log.Debug().Str("message", m.ID).Msg("no engine handler yet, leaving message queued")
		return false
	}
	if err := r.queue.Archive(m); err != nil {
		r.metrics.DeliveryFailures.Inc()
		r.log.Warn().Err(err).Str("message", m.ID).Msg("archive failed, will retry")
		return false
	}
	r.record(m)
	if err := r.engine.HandleEngineMessage(ctx, m); err != nil {
		r.log.Warn().Err(err).Str("message", m.ID).Str("from", m.From).Str("type", string(m.Type)).Msg("engine rejected message")
		reply := New(EngineRole, m.From, Response, fmt.Sprintf("request %s rejected: %v", m.ID, err))
		reply.InReplyTo = m.ID
		if err := r.queue.Deliver(reply); err != nil {
			r.log.Warn().Err(err).Str("to", m.From).Msg("reply to rejected request")
		} else {
			r.record(reply)
		}
	}
	return true
}

func (r *Router) record(m Message) {
	r.metrics.MessagesDelivered.WithLabelValues(string(m.Type)).Inc()
	if r.transcript == nil {
		return
	}
	if err := r.transcript.Append(m); err != nil {
		r.log.Warn().Err(err).Msg("append transcript")
	}
}

// Run scans on the configured interval until ctx is done.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.log.Info().Dur("interval", r.interval).Msg("router started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Scan(ctx); err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Msg("scan")
			}
		}
	}
}

// Send queues a message from the engine. It is delivered by the next Scan,
// which also activates the recipient if needed.
func (r *Router) Send(m Message) error {
	if m.From == "" {
		m.From = EngineRole
	}
	return r.queue.Post(m)
}
