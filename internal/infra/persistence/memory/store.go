// Package memory provides an in-memory PersistentStore used by tests and
// ephemeral deployments. Lock semantics match the durable backends: a
// single mutex makes every lock operation atomic with respect to
// concurrent callers, which lets orchestration race tests share one store
// across simulated instances.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cytocore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

type lockRecord struct {
	holder    string
	acquired  time.Time
	expiresAt time.Time
}

// Store keeps all tables in process memory guarded by one mutex.
type Store struct {
	mu         sync.Mutex
	schema     bool
	generation uint64
	samples    map[string]domain.Sample
	counts     map[string][]domain.CellCount // keyed by sample id
	log        []domain.OperationLogEntry
	logSeq     int64
	locks      map[string]lockRecord

	// now is swappable so lock-expiry tests control the clock.
	now func() time.Time
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		samples: make(map[string]domain.Sample),
		counts:  make(map[string][]domain.CellCount),
		locks:   make(map[string]lockRecord),
		now:     time.Now,
	}
}

// SetClock overrides the store's clock for lock-expiry tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schema = true
	return nil
}

func (s *Store) IsPopulated(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples) > 0, nil
}

func (s *Store) Generation(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation, nil
}

func (s *Store) LoadSamples(ctx context.Context, records []domain.SampleRecord) (domain.LoadSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) > 0 {
		// Another initializer already completed; the bootstrap load is a no-op.
		return domain.LoadSummary{SamplesSkipped: len(records)}, nil
	}
	return s.insertLocked(records, false, domain.OpLoadCSV)
}

func (s *Store) AppendSamples(ctx context.Context, records []domain.SampleRecord) (domain.LoadSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(records, true, domain.OpAppendCSV)
}

func (s *Store) insertLocked(records []domain.SampleRecord, skipExisting bool, op string) (domain.LoadSummary, error) {
	var summary domain.LoadSummary
	for _, rec := range records {
		if _, exists := s.samples[rec.Sample.SampleID]; exists {
			if skipExisting {
				summary.SamplesSkipped++
				continue
			}
			return domain.LoadSummary{}, domain.ErrDuplicateSample{SampleID: rec.Sample.SampleID}
		}
		s.samples[rec.Sample.SampleID] = rec.Sample
		for _, pop := range domain.Populations {
			count, ok := rec.Counts[pop]
			if !ok {
				continue
			}
			s.counts[rec.Sample.SampleID] = append(s.counts[rec.Sample.SampleID], domain.CellCount{
				ID:         uuid.NewString(),
				SampleID:   rec.Sample.SampleID,
				Population: pop,
				Count:      count,
			})
			summary.CellCountsAdded++
		}
		summary.SamplesAdded++
	}
	s.appendLogLocked(domain.OperationLogEntry{Operation: op})
	s.generation++
	return summary, nil
}

func (s *Store) AddSample(ctx context.Context, rec domain.SampleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.samples[rec.Sample.SampleID]; exists {
		return domain.ErrDuplicateSample{SampleID: rec.Sample.SampleID}
	}
	s.samples[rec.Sample.SampleID] = rec.Sample
	for _, pop := range domain.Populations {
		count, ok := rec.Counts[pop]
		if !ok {
			continue
		}
		s.counts[rec.Sample.SampleID] = append(s.counts[rec.Sample.SampleID], domain.CellCount{
			ID:         uuid.NewString(),
			SampleID:   rec.Sample.SampleID,
			Population: pop,
			Count:      count,
		})
	}
	s.appendLogLocked(domain.OperationLogEntry{Operation: domain.OpAddSample, SampleID: rec.Sample.SampleID})
	s.generation++
	return nil
}

func (s *Store) RemoveSample(ctx context.Context, sampleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.samples[sampleID]; !exists {
		return domain.ErrNotFound{Entity: "sample", ID: sampleID}
	}
	delete(s.samples, sampleID)
	delete(s.counts, sampleID)
	s.appendLogLocked(domain.OperationLogEntry{Operation: domain.OpRemoveSample, SampleID: sampleID})
	s.generation++
	return nil
}

func (s *Store) AppendLog(ctx context.Context, entry domain.OperationLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLogLocked(entry)
	return nil
}

func (s *Store) appendLogLocked(entry domain.OperationLogEntry) {
	s.logSeq++
	entry.ID = s.logSeq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	s.log = append(s.log, entry)
}

func (s *Store) OperationLog(ctx context.Context, limit int) ([]domain.OperationLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OperationLogEntry, 0, limit)
	for i := len(s.log) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.log[i])
	}
	return out, nil
}

func (s *Store) ListSamples(ctx context.Context, f domain.Filters) ([]domain.SampleRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []domain.SampleRow
	for _, smp := range s.samples {
		if !matches(smp, f) {
			continue
		}
		counts := make(map[string]*int64)
		for _, cc := range s.counts[smp.SampleID] {
			counts[cc.Population] = cc.Count
		}
		rows = append(rows, domain.SampleRow{Sample: smp, Counts: counts})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].SampleID < rows[j].SampleID })
	return rows, nil
}

func (s *Store) DistinctValues(ctx context.Context, column string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for _, smp := range s.samples {
		v := columnValue(smp, column)
		if v != "" {
			seen[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) PopulationCounts(ctx context.Context, f domain.Filters) ([]domain.PopulationCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PopulationCount
	ids := make([]string, 0, len(s.samples))
	for id := range s.samples {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		smp := s.samples[id]
		if !matches(smp, f) {
			continue
		}
		for _, cc := range s.counts[id] {
			out = append(out, domain.PopulationCount{
				SampleID:   id,
				Condition:  smp.Condition,
				Treatment:  smp.Treatment,
				Response:   smp.Response,
				SampleType: smp.SampleType,
				Population: cc.Population,
				Count:      cc.Count,
			})
		}
	}
	return out, nil
}

func (s *Store) BaselineSamples(ctx context.Context, f domain.Filters) ([]domain.BaselineSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.BaselineSample
	for _, smp := range s.samples {
		if !matches(smp, f) {
			continue
		}
		out = append(out, domain.BaselineSample{
			SampleID: smp.SampleID,
			Project:  smp.Project,
			Subject:  smp.Subject,
			Response: smp.Response,
			Sex:      smp.Sex,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SampleID < out[j].SampleID })
	return out, nil
}

func (s *Store) ExportSnapshot(ctx context.Context) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := domain.Snapshot{CreatedAt: s.now().UTC()}
	ids := make([]string, 0, len(s.samples))
	for id := range s.samples {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		snap.Samples = append(snap.Samples, s.samples[id])
		snap.CellCounts = append(snap.CellCounts, s.counts[id]...)
	}
	snap.OperationLog = append(snap.OperationLog, s.log...)
	return snap, nil
}

func (s *Store) ImportSnapshot(ctx context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = make(map[string]domain.Sample, len(snap.Samples))
	s.counts = make(map[string][]domain.CellCount)
	for _, smp := range snap.Samples {
		s.samples[smp.SampleID] = smp
	}
	for _, cc := range snap.CellCounts {
		s.counts[cc.SampleID] = append(s.counts[cc.SampleID], cc)
	}
	s.log = append([]domain.OperationLogEntry(nil), snap.OperationLog...)
	s.logSeq = 0
	for _, entry := range s.log {
		if entry.ID > s.logSeq {
			s.logSeq = entry.ID
		}
	}
	s.appendLogLocked(domain.OperationLogEntry{Operation: domain.OpRestoreCheckpoint})
	s.generation++
	return nil
}

func (s *Store) TryAcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if rec, ok := s.locks[name]; ok && rec.expiresAt.After(now) {
		return false, nil
	}
	s.locks[name] = lockRecord{holder: holder, acquired: now, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *Store) ReleaseLock(ctx context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.locks[name]; ok && rec.holder == holder {
		delete(s.locks, name)
	}
	return nil
}

func (s *Store) IsLockHeld(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.locks[name]
	return ok && rec.expiresAt.After(s.now()), nil
}

func (s *Store) Close() error { return nil }

func matches(smp domain.Sample, f domain.Filters) bool {
	if !inSet(smp.Project, f.Projects) || !inSet(smp.Condition, f.Conditions) ||
		!inSet(smp.Treatment, f.Treatments) || !inSet(smp.SampleType, f.SampleTypes) {
		return false
	}
	if len(f.Responses) > 0 {
		// "All" placeholder values do not restrict, mirroring the filter UI.
		actual := make([]string, 0, len(f.Responses))
		for _, r := range f.Responses {
			if r == "y" || r == "n" {
				actual = append(actual, r)
			}
		}
		if len(actual) > 0 && !inSet(smp.Response, actual) {
			return false
		}
	}
	if f.TimeFromTreatmentStart != nil {
		if smp.TimeFromTreatmentStart == nil || *smp.TimeFromTreatmentStart != *f.TimeFromTreatmentStart {
			return false
		}
	}
	return true
}

func columnValue(smp domain.Sample, column string) string {
	switch column {
	case "project":
		return smp.Project
	case "subject":
		return smp.Subject
	case "condition":
		return smp.Condition
	case "sex":
		return smp.Sex
	case "treatment":
		return smp.Treatment
	case "response":
		return smp.Response
	case "sample_type":
		return smp.SampleType
	}
	return ""
}

func inSet(v string, set []string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}
