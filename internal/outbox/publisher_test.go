package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// fakeSink records publishes in arrival order and can be told to fail
// specific event types.
type fakeSink struct {
	mu        sync.Mutex
	published []Event
	failTypes map[string]error
}

func (f *fakeSink) Publish(_ context.Context, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failTypes[ev.EventType]; err != nil {
		return err
	}
	f.published = append(f.published, ev)
	return nil
}

func (f *fakeSink) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.published))
	for _, ev := range f.published {
		out = append(out, ev.EventType)
	}
	return out
}

type PublisherSuite struct {
	suite.Suite
	store *InMemoryStore
	sink  *fakeSink
}

func TestPublisherSuite(t *testing.T) {
	suite.Run(t, new(PublisherSuite))
}

func (s *PublisherSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.sink = &fakeSink{failTypes: map[string]error{}}
}

func (s *PublisherSuite) newPublisher(maxRetries int) *Publisher {
	return NewPublisher(s.store, s.sink, slog.New(slog.DiscardHandler), nil, PublisherConfig{
		MaxRetries:  maxRetries,
		BaseBackoff: time.Nanosecond,
	})
}

func (s *PublisherSuite) append(aggregateID, eventType string) Event {
	ev, err := NewEvent(aggregateID, AggregateVersionedRecord, eventType, RecordEventPayload{NaturalKey: aggregateID})
	s.Require().NoError(err)
	s.Require().NoError(s.store.Append(context.Background(), ev))
	return ev
}

func (s *PublisherSuite) TestDrainPublishesPending() {
	ctx := context.Background()
	s.append("ISO3166-1/US", "created.v1")
	s.append("ISO3166-1/DE", "created.v1")

	n, err := s.newPublisher(5).Drain(ctx)
	s.Require().NoError(err)
	s.Equal(2, n)

	due, err := s.store.ListDue(ctx, time.Now().UTC().Add(time.Hour), 0)
	s.Require().NoError(err)
	s.Empty(due, "published events must not be re-selected")

	events, err := s.store.ListByAggregate(ctx, "ISO3166-1/US")
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(StatusPublished, events[0].Status)
	s.NotNil(events[0].PublishedAt)
}

func (s *PublisherSuite) TestEmptyOutboxIsANoop() {
	n, err := s.newPublisher(5).Drain(context.Background())
	s.Require().NoError(err)
	s.Zero(n)
	s.Empty(s.sink.types())
}

func (s *PublisherSuite) TestPerAggregateOrder() {
	ctx := context.Background()
	s.append("ISO3166-1/US", "us.first")
	s.append("ISO3166-1/US", "us.second")
	s.append("ISO3166-1/US", "us.third")

	n, err := s.newPublisher(5).Drain(ctx)
	s.Require().NoError(err)
	s.Equal(3, n)
	s.Equal([]string{"us.first", "us.second", "us.third"}, s.sink.types())
}

func (s *PublisherSuite) TestFailureBlocksOnlyItsAggregate() {
	ctx := context.Background()
	s.append("ISO3166-1/US", "us.first")
	s.append("ISO3166-1/US", "us.second")
	s.append("ISO3166-1/DE", "de.first")
	s.sink.failTypes["us.first"] = errors.New("broker unavailable")

	n, err := s.newPublisher(5).Drain(ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal([]string{"de.first"}, s.sink.types(),
		"a failed event must hold back later events of its aggregate only")

	// Once the sink recovers, the held-back events flow in order.
	delete(s.sink.failTypes, "us.first")
	time.Sleep(time.Millisecond)
	n, err = s.newPublisher(5).Drain(ctx)
	s.Require().NoError(err)
	s.Equal(2, n)
	s.Equal([]string{"de.first", "us.first", "us.second"}, s.sink.types())
}

func (s *PublisherSuite) TestBackoffHoldsBackYoungerSiblings() {
	ctx := context.Background()
	s.append("ISO3166-1/US", "us.first")
	s.append("ISO3166-1/US", "us.second")
	s.append("ISO3166-1/DE", "de.first")
	s.sink.failTypes["us.first"] = errors.New("broker unavailable")

	pub := NewPublisher(s.store, s.sink, slog.New(slog.DiscardHandler), nil, PublisherConfig{
		MaxRetries:  5,
		BaseBackoff: time.Hour,
	})

	n, err := pub.Drain(ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal([]string{"de.first"}, s.sink.types())

	// us.first now sits in an hour-long backoff. Even with the sink healthy
	// again, us.second must wait behind it across cycles.
	delete(s.sink.failTypes, "us.first")
	n, err = pub.Drain(ctx)
	s.Require().NoError(err)
	s.Zero(n, "a backed-off event holds back its aggregate's younger events")
	s.Equal([]string{"de.first"}, s.sink.types())

	events, err := s.store.ListByAggregate(ctx, "ISO3166-1/US")
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(StatusPending, events[0].Status)
	s.Equal(StatusPending, events[1].Status)
}

func (s *PublisherSuite) TestRetriesThenDeadLetter() {
	ctx := context.Background()
	ev := s.append("ISO3166-1/US", "us.first")
	s.sink.failTypes["us.first"] = errors.New("broker unavailable")

	pub := s.newPublisher(2)

	_, err := pub.Drain(ctx)
	s.Require().NoError(err)
	events, err := s.store.ListByAggregate(ctx, ev.AggregateID)
	s.Require().NoError(err)
	s.Equal(StatusPending, events[0].Status)
	s.Equal(1, events[0].RetryCount)
	s.Contains(events[0].LastError, "broker unavailable")

	// Second failure exhausts the retry budget.
	time.Sleep(time.Millisecond)
	_, err = pub.Drain(ctx)
	s.Require().NoError(err)
	events, err = s.store.ListByAggregate(ctx, ev.AggregateID)
	s.Require().NoError(err)
	s.Equal(StatusFailed, events[0].Status)
	s.Equal(2, events[0].RetryCount)

	// Dead-lettered events are never selected again.
	time.Sleep(time.Millisecond)
	n, err := pub.Drain(ctx)
	s.Require().NoError(err)
	s.Zero(n)
}
