package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"refdata/internal/domain"
	"refdata/internal/platform/metrics"
	"refdata/internal/validation"
	"refdata/pkg/platform/sentinel"
)

// RuleFactory builds a fresh validation chain per batch run. Stateful rules
// (duplicate detection) must not be shared across batches.
type RuleFactory func(system domain.CodeSystem) *validation.Chain

// Mapper normalizes one raw source row into a record payload.
type Mapper func(row Row) domain.RecordPayload

// DefaultMapper expects code, name, and region columns and files everything
// else under attributes.
func DefaultMapper(row Row) domain.RecordPayload {
	payload := domain.RecordPayload{
		Code:   row.Fields["code"],
		Name:   row.Fields["name"],
		Region: row.Fields["region"],
	}
	for k, v := range row.Fields {
		switch k {
		case "code", "name", "region":
		default:
			if payload.Attributes == nil {
				payload.Attributes = make(map[string]string)
			}
			payload.Attributes[k] = v
		}
	}
	return payload
}

type currentLister interface {
	ListCurrentBySystem(ctx context.Context, system domain.CodeSystem) ([]domain.VersionedRecord, error)
}

// Pipeline reconciles bulk external snapshots against the record store:
// extract, validate, stage, diff, changeset, route. Runs for the same code
// system are single-flight; different code systems reconcile concurrently.
type Pipeline struct {
	records currentLister
	staging StagingStore
	loader  Loader
	rules   RuleFactory
	mapper  Mapper
	log     *slog.Logger
	stats   *metrics.Metrics
	tracer  trace.Tracer

	extractTimeout time.Duration
	flight         singleflight.Group
}

func NewPipeline(records currentLister, staging StagingStore, loader Loader, rules RuleFactory, log *slog.Logger, stats *metrics.Metrics, extractTimeout time.Duration) (*Pipeline, error) {
	if records == nil {
		return nil, fmt.Errorf("record lister is required")
	}
	if staging == nil {
		return nil, fmt.Errorf("staging store is required")
	}
	if loader == nil {
		return nil, fmt.Errorf("loader is required")
	}
	if rules == nil {
		rules = func(domain.CodeSystem) *validation.Chain {
			return validation.NewChain(
				validation.RequiredFieldsRule{},
				validation.CodeFormatRule{},
				validation.NewDuplicateKeyRule(),
			)
		}
	}
	if extractTimeout <= 0 {
		extractTimeout = 30 * time.Second
	}
	return &Pipeline{
		records:        records,
		staging:        staging,
		loader:         loader,
		rules:          rules,
		mapper:         DefaultMapper,
		log:            log,
		stats:          stats,
		tracer:         otel.Tracer("refdata/reconcile"),
		extractTimeout: extractTimeout,
	}, nil
}

// WithMapper overrides the row normalizer, e.g. for feeds with non-standard
// column names.
func (p *Pipeline) WithMapper(m Mapper) *Pipeline {
	p.mapper = m
	return p
}

// Run reconciles one code system against one feed. A run already in flight
// for the same code system is joined, not duplicated. Re-running with
// unchanged source data is a no-op: the batch digest matches the last
// completed run and the diff is skipped.
func (p *Pipeline) Run(ctx context.Context, system domain.CodeSystem, feed SourceFeed) (domain.ReconciliationBatch, error) {
	out, err, _ := p.flight.Do(string(system), func() (any, error) {
		return p.run(ctx, system, feed)
	})
	batch, _ := out.(domain.ReconciliationBatch)
	return batch, err
}

func (p *Pipeline) run(ctx context.Context, system domain.CodeSystem, feed SourceFeed) (domain.ReconciliationBatch, error) {
	ctx, span := p.tracer.Start(ctx, "reconcile.run")
	defer span.End()

	batch := domain.ReconciliationBatch{
		ID:         uuid.New(),
		CodeSystem: system,
		Source:     feed.Name(),
		Status:     domain.BatchRunning,
		StartedAt:  time.Now().UTC(),
	}
	if err := p.staging.InsertBatch(ctx, batch); err != nil {
		return batch, err
	}
	log := p.log.With("batch_id", batch.ID, "code_system", system, "source", feed.Name())

	// Extract. Any failure here is fatal to the run: nothing is staged and
	// production data is untouched.
	extractCtx, cancel := context.WithTimeout(ctx, p.extractTimeout)
	rows, err := feed.Pull(extractCtx)
	cancel()
	if err != nil {
		srcErr := &domain.ExternalSourceError{Source: feed.Name(), Err: err}
		return p.fail(ctx, batch, log, srcErr)
	}
	batch.Extracted = len(rows)

	// Validate and stage. Row-level failures are recorded on the staging
	// record and excluded from the diff; they never abort the batch. A
	// staging write failure does abort it.
	chain := p.rules(system)
	var (
		incoming  []domain.RecordPayload
		staged    []domain.StagingRecord
		rowHashes []string
	)
	for _, row := range rows {
		payload := p.mapper(row)
		ok, issues := chain.Run(ctx, payload)

		rec := domain.StagingRecord{
			ID:          uuid.New(),
			BatchID:     batch.ID,
			NaturalKey:  payload.Code,
			CodeSystem:  system,
			Raw:         row.Fields,
			Normalized:  payload,
			ContentHash: contentHash(payload),
			Source:      feed.Name(),
			SourcedAt:   time.Now().UTC(),
			Status:      domain.StagingValidated,
		}
		for _, issue := range issues {
			rec.Messages = append(rec.Messages, issue.String())
		}
		if !ok {
			rec.Status = domain.StagingFailed
			batch.Invalid++
			if p.stats != nil {
				p.stats.RowsInvalid.WithLabelValues(string(system)).Inc()
			}
			log.Warn("row failed validation", "line", row.Line, "code", payload.Code, "issues", rec.Messages)
		} else {
			batch.Valid++
			incoming = append(incoming, payload)
		}
		if err := p.staging.InsertStaging(ctx, rec); err != nil {
			return p.fail(ctx, batch, log, fmt.Errorf("stage row %d: %w", row.Line, err))
		}
		if p.stats != nil {
			p.stats.RowsStaged.WithLabelValues(string(system)).Inc()
		}
		if rec.Status == domain.StagingValidated {
			staged = append(staged, rec)
		}
		rowHashes = append(rowHashes, rec.ContentHash)
	}

	// A snapshot whose content hashes match the last completed run carries
	// nothing new; finish the batch without diffing.
	batch.SourceDigest = sourceDigest(rowHashes)
	prior, err := p.staging.LastCompletedBatch(ctx, system)
	switch {
	case err == nil:
		if prior.SourceDigest != "" && prior.SourceDigest == batch.SourceDigest {
			return p.complete(ctx, batch, log, 0)
		}
	case errors.Is(err, sentinel.ErrNotFound):
	default:
		return p.fail(ctx, batch, log, fmt.Errorf("load last completed batch: %w", err))
	}

	// Diff the staged incoming set against the store's current snapshot.
	current, err := p.records.ListCurrentBySystem(ctx, system)
	if err != nil {
		return p.fail(ctx, batch, log, fmt.Errorf("load current snapshot: %w", err))
	}
	headsByKey := make(map[string]domain.VersionedRecord, len(current))
	currentPayloads := make([]domain.RecordPayload, 0, len(current))
	for _, head := range current {
		headsByKey[head.NaturalKey] = head
		currentPayloads = append(currentPayloads, head.Payload)
	}
	diff := Diff(currentPayloads, incoming,
		func(p domain.RecordPayload) string { return p.Code },
		func(a, b domain.RecordPayload) bool { return a.Equal(b) },
	)
	batch.Added = len(diff.ToAdd)
	batch.Updated = len(diff.ToUpdate)
	batch.Removed = len(diff.ToRemove)

	// Changeset and route.
	changes := make([]Change, 0, len(diff.ToAdd)+len(diff.ToUpdate)+len(diff.ToRemove))
	for _, payload := range diff.ToAdd {
		changes = append(changes, Change{Operation: domain.OperationCreate, Payload: payload})
	}
	for _, payload := range diff.ToUpdate {
		head := headsByKey[payload.Code]
		changes = append(changes, Change{Operation: domain.OperationUpdate, Payload: payload, Prior: &head})
	}
	for _, payload := range diff.ToRemove {
		head := headsByKey[payload.Code]
		changes = append(changes, Change{Operation: domain.OperationDelete, Payload: payload, Prior: &head})
	}

	results := p.loader.Apply(ctx, batch, changes)
	applyFailures := 0
	for _, result := range results {
		if result.Err != nil {
			applyFailures++
			log.Error("change failed to route",
				"loader", p.loader.Name(),
				"operation", result.Change.Operation,
				"code", result.Change.Payload.Code,
				"error", result.Err,
			)
			continue
		}
		p.markProcessed(ctx, staged, result, log)
	}

	return p.complete(ctx, batch, log, applyFailures)
}

func (p *Pipeline) complete(ctx context.Context, batch domain.ReconciliationBatch, log *slog.Logger, applyFailures int) (domain.ReconciliationBatch, error) {
	now := time.Now().UTC()
	batch.Status = domain.BatchCompleted
	batch.FinishedAt = &now
	if err := p.staging.UpdateBatch(ctx, batch); err != nil {
		return batch, err
	}
	if p.stats != nil {
		p.stats.BatchesCompleted.WithLabelValues(string(batch.CodeSystem)).Inc()
	}
	log.Info("reconciliation batch completed",
		"extracted", batch.Extracted,
		"valid", batch.Valid,
		"invalid", batch.Invalid,
		"added", batch.Added,
		"updated", batch.Updated,
		"removed", batch.Removed,
		"route_failures", applyFailures,
	)
	return batch, nil
}

// fail marks the batch FAILED. Changes already applied earlier in the run
// stay applied; apply is per-change, not transactional across the batch.
func (p *Pipeline) fail(ctx context.Context, batch domain.ReconciliationBatch, log *slog.Logger, cause error) (domain.ReconciliationBatch, error) {
	now := time.Now().UTC()
	batch.Status = domain.BatchFailed
	batch.FinishedAt = &now
	batch.Failure = cause.Error()
	if err := p.staging.UpdateBatch(ctx, batch); err != nil {
		log.Error("mark batch failed", "error", err)
	}
	if p.stats != nil {
		p.stats.BatchesFailed.WithLabelValues(string(batch.CodeSystem)).Inc()
	}
	log.Error("reconciliation batch failed", "error", cause)
	return batch, cause
}

func (p *Pipeline) markProcessed(ctx context.Context, staged []domain.StagingRecord, result Result, log *slog.Logger) {
	for i := range staged {
		if staged[i].NaturalKey != result.Change.Payload.Code {
			continue
		}
		staged[i].Status = domain.StagingProcessed
		staged[i].ChangeRequestID = result.ChangeRequestID
		if err := p.staging.UpdateStaging(ctx, staged[i]); err != nil {
			log.Warn("update staging record", "code", staged[i].NaturalKey, "error", err)
		}
		return
	}
}

func contentHash(payload domain.RecordPayload) string {
	sum := sha256.Sum256([]byte(payload.Canonical()))
	return hex.EncodeToString(sum[:])
}

// sourceDigest condenses the staged row hashes into one batch-level value.
// Hashes are sorted first so row order in the feed does not matter.
func sourceDigest(hashes []string) string {
	sorted := append([]string(nil), hashes...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, rowHash := range sorted {
		h.Write([]byte(rowHash))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
