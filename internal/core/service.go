package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// CheckpointStore persists immutable full-store snapshots outside the live
// store. Implemented over the blob layer in internal/checkpoint.
type CheckpointStore interface {
	Save(ctx context.Context, snap Snapshot) (CheckpointInfo, error)
	Load(ctx context.Context, id string) (Snapshot, error)
	List(ctx context.Context) ([]CheckpointInfo, error)
}

// Service exposes the mutation and admin surface over the store. Every
// committed mutation invalidates the computation cache synchronously before
// the call returns, so no stale cached read is observable afterwards.
type Service struct {
	store       PersistentStore
	cache       *Cache
	checkpoints CheckpointStore
	metrics     *Metrics
	log         zerolog.Logger
}

// NewService wires a service over its injected dependencies. checkpoints
// and metrics may be nil when those surfaces are unused.
func NewService(store PersistentStore, cache *Cache, checkpoints CheckpointStore, metrics *Metrics, log zerolog.Logger) *Service {
	return &Service{store: store, cache: cache, checkpoints: checkpoints, metrics: metrics, log: log}
}

// AddSample inserts one sample with its counts.
func (s *Service) AddSample(ctx context.Context, rec SampleRecord) error {
	rec.Sample = normalizeSample(rec.Sample)
	if rec.Sample.SampleID == "" {
		return ValidationError{Missing: []string{"sample_id"}}
	}
	if err := validateRecord(rec); err != nil {
		return err
	}
	if err := s.store.AddSample(ctx, rec); err != nil {
		return err
	}
	s.cache.InvalidateAll()
	s.metrics.mutation(OpAddSample)
	s.log.Info().Str("sample_id", rec.Sample.SampleID).Msg("sample added")
	return nil
}

// RemoveSample deletes a sample and cascades to its cell counts.
func (s *Service) RemoveSample(ctx context.Context, sampleID string) error {
	if err := s.store.RemoveSample(ctx, sampleID); err != nil {
		return err
	}
	s.cache.InvalidateAll()
	s.metrics.mutation(OpRemoveSample)
	s.log.Info().Str("sample_id", sampleID).Msg("sample removed")
	return nil
}

// AppendRecords adds parsed CSV rows to an already-populated store,
// skipping existing sample ids. Atomic per call.
func (s *Service) AppendRecords(ctx context.Context, records []SampleRecord) (LoadSummary, error) {
	for i, rec := range records {
		records[i].Sample = normalizeSample(rec.Sample)
		if err := validateRecord(records[i]); err != nil {
			return LoadSummary{}, err
		}
	}
	summary, err := s.store.AppendSamples(ctx, records)
	if err != nil {
		return LoadSummary{}, err
	}
	s.cache.InvalidateAll()
	s.metrics.mutation(OpAppendCSV)
	s.log.Info().
		Int("added", summary.SamplesAdded).
		Int("skipped", summary.SamplesSkipped).
		Msg("csv append complete")
	return summary, nil
}

// CreateCheckpoint snapshots the full store to the checkpoint artifact
// store. The live tables are untouched, so the cache stays valid.
func (s *Service) CreateCheckpoint(ctx context.Context) (CheckpointInfo, error) {
	if s.checkpoints == nil {
		return CheckpointInfo{}, fmt.Errorf("checkpoint store not configured")
	}
	snap, err := s.store.ExportSnapshot(ctx)
	if err != nil {
		return CheckpointInfo{}, StoreUnavailableError{Op: "snapshot export", Err: err}
	}
	info, err := s.checkpoints.Save(ctx, snap)
	if err != nil {
		return CheckpointInfo{}, fmt.Errorf("save checkpoint: %w", err)
	}
	detail, _ := json.Marshal(map[string]any{"checkpoint": info.ID, "key": info.Key})
	if err := s.store.AppendLog(ctx, OperationLogEntry{Operation: OpCreateCheckpoint, Detail: string(detail)}); err != nil {
		s.log.Warn().Err(err).Msg("checkpoint created but audit entry failed")
	}
	s.log.Info().Str("checkpoint", info.ID).Int64("bytes", info.Size).Msg("checkpoint created")
	return info, nil
}

// ListCheckpoints enumerates stored checkpoints, newest first.
func (s *Service) ListCheckpoints(ctx context.Context) ([]CheckpointInfo, error) {
	if s.checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store not configured")
	}
	return s.checkpoints.List(ctx)
}

// RestoreCheckpoint replaces the live tables wholesale from a checkpoint.
func (s *Service) RestoreCheckpoint(ctx context.Context, id string) error {
	if s.checkpoints == nil {
		return fmt.Errorf("checkpoint store not configured")
	}
	snap, err := s.checkpoints.Load(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.ImportSnapshot(ctx, snap); err != nil {
		return StoreUnavailableError{Op: "snapshot import", Err: err}
	}
	s.cache.InvalidateAll()
	s.metrics.mutation(OpRestoreCheckpoint)
	s.log.Info().Str("checkpoint", id).Msg("store restored from checkpoint")
	return nil
}

// OperationLog returns the newest audit entries up to limit.
func (s *Service) OperationLog(ctx context.Context, limit int) ([]OperationLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.OperationLog(ctx, limit)
}

// ListSamples returns samples with pivoted counts for the filter scope.
func (s *Service) ListSamples(ctx context.Context, f Filters) ([]SampleRow, error) {
	return s.store.ListSamples(ctx, f)
}

// DistinctValues lists the distinct non-empty values of a filterable sample
// column, sorted, for populating filter options.
func (s *Service) DistinctValues(ctx context.Context, column string) ([]string, error) {
	for _, allowed := range FilterColumns {
		if column == allowed {
			return s.store.DistinctValues(ctx, column)
		}
	}
	return nil, ValidationError{Malformed: []string{fmt.Sprintf("unknown column %q", column)}}
}

// normalizeSample applies the original loader's cleanup: trimmed fields and
// lowercased condition.
func normalizeSample(smp Sample) Sample {
	smp.SampleID = strings.TrimSpace(smp.SampleID)
	smp.Project = strings.TrimSpace(smp.Project)
	smp.Subject = strings.TrimSpace(smp.Subject)
	smp.Condition = strings.ToLower(strings.TrimSpace(smp.Condition))
	smp.Sex = strings.TrimSpace(smp.Sex)
	smp.Treatment = strings.TrimSpace(smp.Treatment)
	smp.Response = strings.TrimSpace(smp.Response)
	smp.SampleType = strings.TrimSpace(smp.SampleType)
	return smp
}

// validateRecord applies the loader's value rules to a record arriving
// through the mutation API: known populations only, counts and the numeric
// metadata fields non-negative.
func validateRecord(rec SampleRecord) error {
	var malformed []string
	if rec.Sample.Age != nil && *rec.Sample.Age < 0 {
		malformed = append(malformed, fmt.Sprintf("age %d is not a non-negative integer", *rec.Sample.Age))
	}
	if rec.Sample.TimeFromTreatmentStart != nil && *rec.Sample.TimeFromTreatmentStart < 0 {
		malformed = append(malformed, fmt.Sprintf("time_from_treatment_start %d is not a non-negative integer", *rec.Sample.TimeFromTreatmentStart))
	}
	for pop, count := range rec.Counts {
		if !knownPopulation(pop) {
			malformed = append(malformed, fmt.Sprintf("unknown population %q", pop))
			continue
		}
		if count != nil && *count < 0 {
			malformed = append(malformed, fmt.Sprintf("%s count %d is not a non-negative integer", pop, *count))
		}
	}
	if len(malformed) > 0 {
		sort.Strings(malformed)
		return ValidationError{Malformed: malformed}
	}
	return nil
}

func knownPopulation(pop string) bool {
	for _, p := range Populations {
		if p == pop {
			return true
		}
	}
	return false
}
