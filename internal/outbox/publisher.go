package outbox

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"refdata/internal/domain"
	"refdata/internal/platform/metrics"
)

// Sink delivers one event to the downstream transport.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Publisher drains PENDING outbox events on a schedule. It never touches the
// record store; its only contention surface is the outbox table itself.
//
// Delivery is at-least-once: a crash between a successful publish and
// MarkPublished re-delivers the event, so consumers must be idempotent on the
// event id. Events sharing an aggregate publish in creation order: a failure
// stops that aggregate's batch within a cycle, and the store holds back an
// aggregate's younger events while an older one waits out its backoff.
type Publisher struct {
	store Store
	sink  Sink
	log   *slog.Logger
	stats *metrics.Metrics

	interval    time.Duration
	batchSize   int
	maxRetries  int
	baseBackoff time.Duration

	tracer trace.Tracer
}

type PublisherConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxRetries  int
	BaseBackoff time.Duration
}

func NewPublisher(store Store, sink Sink, log *slog.Logger, stats *metrics.Metrics, cfg PublisherConfig) *Publisher {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	return &Publisher{
		store:       store,
		sink:        sink,
		log:         log,
		stats:       stats,
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		tracer:      otel.Tracer("refdata/outbox"),
	}
}

// Run drains the outbox until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Drain(ctx); err != nil {
				p.log.Error("outbox drain cycle failed", "error", err)
			}
		}
	}
}

// Drain runs one cycle: select due events, publish per aggregate in order,
// aggregates in parallel. Returns the number of events published.
func (p *Publisher) Drain(ctx context.Context) (int, error) {
	ctx, span := p.tracer.Start(ctx, "outbox.drain")
	defer span.End()
	start := time.Now()

	due, err := p.store.ListDue(ctx, time.Now().UTC(), p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	// Group by aggregate, preserving the creation order within each group.
	groups := make(map[string][]Event)
	var order []string
	for _, ev := range due {
		if _, seen := groups[ev.AggregateID]; !seen {
			order = append(order, ev.AggregateID)
		}
		groups[ev.AggregateID] = append(groups[ev.AggregateID], ev)
	}

	published := make([]int, len(order))
	g, gctx := errgroup.WithContext(ctx)
	for i, aggregateID := range order {
		events := groups[aggregateID]
		g.Go(func() error {
			n, err := p.drainAggregate(gctx, events)
			published[i] = n
			return err
		})
	}
	err = g.Wait()

	total := 0
	for _, n := range published {
		total += n
	}
	if p.stats != nil {
		p.stats.DrainDuration.Observe(time.Since(start).Seconds())
	}
	return total, err
}

// drainAggregate publishes one aggregate's events in order. The first failure
// ends the aggregate's batch: later events must not overtake a failed one.
func (p *Publisher) drainAggregate(ctx context.Context, events []Event) (int, error) {
	published := 0
	for _, ev := range events {
		if err := p.sink.Publish(ctx, ev); err != nil {
			pubErr := &domain.PublishError{EventID: ev.ID.String(), Err: err}
			dead := ev.RetryCount+1 >= p.maxRetries
			next := time.Now().UTC().Add(p.backoff(ev.RetryCount))
			if recErr := p.store.RecordFailure(ctx, ev.ID, pubErr.Error(), next, dead); recErr != nil {
				p.log.Error("record outbox failure", "event_id", ev.ID, "error", recErr)
			}
			if dead {
				if p.stats != nil {
					p.stats.OutboxDeadLettered.Inc()
				}
				p.log.Error("outbox event dead-lettered",
					"event_id", ev.ID,
					"aggregate_id", ev.AggregateID,
					"event_type", ev.EventType,
					"retries", ev.RetryCount+1,
					"error", err,
				)
			}
			return published, nil
		}
		if err := p.store.MarkPublished(ctx, ev.ID, time.Now().UTC()); err != nil {
			// Publish succeeded but the mark did not; the event re-delivers
			// next cycle. At-least-once, by contract.
			p.log.Warn("mark published failed, event will re-deliver", "event_id", ev.ID, "error", err)
			return published, nil
		}
		published++
		if p.stats != nil {
			p.stats.OutboxPublished.Inc()
		}
	}
	return published, nil
}

func (p *Publisher) backoff(retries int) time.Duration {
	d := p.baseBackoff
	for i := 0; i < retries; i++ {
		d *= 2
		if d > time.Minute {
			return time.Minute
		}
	}
	return d
}
