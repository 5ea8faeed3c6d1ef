//go:build integration

package outbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"refdata/internal/outbox"
	"refdata/pkg/testutil/containers"
)

type PostgresOutboxSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *outbox.PostgresStore
}

func TestPostgresOutboxSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresOutboxSuite))
}

func (s *PostgresOutboxSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = outbox.NewPostgresStore(s.postgres.DB)
}

func (s *PostgresOutboxSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "outbox_events")
	s.Require().NoError(err)
}

func (s *PostgresOutboxSuite) appendEvent(aggregateID, eventType string) outbox.Event {
	ev, err := outbox.NewEvent(aggregateID, outbox.AggregateVersionedRecord, eventType,
		outbox.RecordEventPayload{NaturalKey: aggregateID, Version: 1})
	s.Require().NoError(err)
	s.Require().NoError(s.store.Append(context.Background(), ev))
	return ev
}

func (s *PostgresOutboxSuite) TestDueSelectionOrder() {
	ctx := context.Background()
	first := s.appendEvent("ISO3166-1/US", "first")
	time.Sleep(2 * time.Millisecond) // distinct created_at timestamps
	second := s.appendEvent("ISO3166-1/US", "second")

	due, err := s.store.ListDue(ctx, time.Now().UTC().Add(time.Second), 10)
	s.Require().NoError(err)
	s.Require().Len(due, 2)
	s.Equal(first.ID, due[0].ID, "due events come back in creation order")
	s.Equal(second.ID, due[1].ID)

	s.Require().NoError(s.store.MarkPublished(ctx, first.ID, time.Now().UTC()))

	due, err = s.store.ListDue(ctx, time.Now().UTC().Add(time.Second), 10)
	s.Require().NoError(err)
	s.Require().Len(due, 1)
	s.Equal(second.ID, due[0].ID)
}

func (s *PostgresOutboxSuite) TestBackoffDefersSelection() {
	ctx := context.Background()
	ev := s.appendEvent("ISO3166-1/DE", "created")

	next := time.Now().UTC().Add(time.Hour)
	s.Require().NoError(s.store.RecordFailure(ctx, ev.ID, "broker down", next, false))

	due, err := s.store.ListDue(ctx, time.Now().UTC(), 10)
	s.Require().NoError(err)
	s.Empty(due, "a backed-off event is not due yet")

	due, err = s.store.ListDue(ctx, next.Add(time.Second), 10)
	s.Require().NoError(err)
	s.Require().Len(due, 1)
	s.Equal(1, due[0].RetryCount)
	s.Equal("broker down", due[0].LastError)
}

func (s *PostgresOutboxSuite) TestBackoffHoldsBackAggregateSiblings() {
	ctx := context.Background()
	first := s.appendEvent("ISO3166-1/US", "first")
	time.Sleep(2 * time.Millisecond)
	second := s.appendEvent("ISO3166-1/US", "second")
	time.Sleep(2 * time.Millisecond)
	other := s.appendEvent("ISO3166-1/DE", "created")

	next := time.Now().UTC().Add(time.Hour)
	s.Require().NoError(s.store.RecordFailure(ctx, first.ID, "broker down", next, false))

	due, err := s.store.ListDue(ctx, time.Now().UTC(), 10)
	s.Require().NoError(err)
	s.Require().Len(due, 1, "the backed-off head blocks its sibling, not other aggregates")
	s.Equal(other.ID, due[0].ID)

	due, err = s.store.ListDue(ctx, next.Add(time.Second), 10)
	s.Require().NoError(err)
	s.Require().Len(due, 3)
	s.Equal(first.ID, due[0].ID, "once due again the aggregate drains in creation order")
	s.Equal(second.ID, due[1].ID)

	// Dead-lettering the head releases the sibling.
	s.Require().NoError(s.store.RecordFailure(ctx, first.ID, "gave up", time.Now().UTC(), true))
	due, err = s.store.ListDue(ctx, time.Now().UTC(), 10)
	s.Require().NoError(err)
	s.Require().Len(due, 2)
	s.Equal(second.ID, due[0].ID)
	s.Equal(other.ID, due[1].ID)
}

func (s *PostgresOutboxSuite) TestDeadLetterLeavesTheQueue() {
	ctx := context.Background()
	ev := s.appendEvent("ISO3166-1/FR", "created")

	s.Require().NoError(s.store.RecordFailure(ctx, ev.ID, "gave up", time.Now().UTC(), true))

	due, err := s.store.ListDue(ctx, time.Now().UTC().Add(time.Hour), 10)
	s.Require().NoError(err)
	s.Empty(due)

	events, err := s.store.ListByAggregate(ctx, "ISO3166-1/FR")
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(outbox.StatusFailed, events[0].Status)
}
