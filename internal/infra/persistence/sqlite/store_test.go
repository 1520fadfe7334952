package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"cytocore/pkg/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cytocore.db")
	s, err := NewStore(context.Background(), path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(id, response string, b, cd8 int64) domain.SampleRecord {
	return domain.SampleRecord{
		Sample: domain.Sample{
			SampleID: id, Project: "prj1", Subject: "sbj-" + id, Condition: "melanoma",
			Treatment: "tr1", Response: response, SampleType: "PBMC",
			Age:                    domain.IntPtr(64),
			TimeFromTreatmentStart: domain.IntPtr(0),
		},
		Counts: map[string]*int64{
			domain.PopulationBCell:    domain.Int64Ptr(b),
			domain.PopulationCD8TCell: domain.Int64Ptr(cd8),
			domain.PopulationNKCell:   nil,
		},
	}
}

func TestSchemaIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	// NewStore already ran it once.
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	populated, err := s.IsPopulated(ctx)
	if err != nil {
		t.Fatalf("populated: %v", err)
	}
	if populated {
		t.Fatalf("empty schema must not count as populated")
	}
	gen, err := s.Generation(ctx)
	if err != nil || gen != 0 {
		t.Fatalf("fresh store should report generation 0, got %d err %v", gen, err)
	}
}

func TestLoadAndQueryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	summary, err := s.LoadSamples(ctx, []domain.SampleRecord{
		record("s1", "y", 100, 900),
		record("s2", "n", 200, 800),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if summary.SamplesAdded != 2 || summary.CellCountsAdded != 6 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	rows, err := s.ListSamples(ctx, domain.Filters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 || rows[0].SampleID != "s1" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if rows[0].Sample.Age == nil || *rows[0].Sample.Age != 64 {
		t.Fatalf("age did not round-trip: %+v", rows[0].Sample)
	}
	if got := rows[0].Counts[domain.PopulationBCell]; got == nil || *got != 100 {
		t.Fatalf("count did not round-trip: %v", got)
	}
	// A stored NULL count comes back as a nil entry, not a missing one.
	if got, ok := rows[0].Counts[domain.PopulationNKCell]; !ok || got != nil {
		t.Fatalf("nil count did not round-trip: ok=%v got=%v", ok, got)
	}

	counts, err := s.PopulationCounts(ctx, domain.Filters{Responses: []string{"y"}})
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	for _, pc := range counts {
		if pc.SampleID != "s1" {
			t.Fatalf("response filter leaked %s", pc.SampleID)
		}
	}

	values, err := s.DistinctValues(ctx, "response")
	if err != nil {
		t.Fatalf("distinct: %v", err)
	}
	if len(values) != 2 || values[0] != "n" || values[1] != "y" {
		t.Fatalf("unexpected distinct values: %v", values)
	}
	if _, err := s.DistinctValues(ctx, "sample_id; DROP TABLE samples"); err == nil {
		t.Fatalf("unknown column must be rejected")
	}
}

func TestLoadSamplesSecondLoadIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.LoadSamples(ctx, []domain.SampleRecord{record("s1", "y", 1, 1)}); err != nil {
		t.Fatalf("load: %v", err)
	}
	gen1, _ := s.Generation(ctx)
	summary, err := s.LoadSamples(ctx, []domain.SampleRecord{record("s9", "n", 1, 1)})
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if summary.SamplesAdded != 0 || summary.SamplesSkipped != 1 {
		t.Fatalf("second load should write nothing: %+v", summary)
	}
	gen2, _ := s.Generation(ctx)
	if gen2 != gen1 {
		t.Fatalf("no-op load must not advance the generation")
	}
}

func TestAddRemoveAndGeneration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.LoadSamples(ctx, []domain.SampleRecord{record("s1", "y", 1, 1)}); err != nil {
		t.Fatalf("load: %v", err)
	}

	var dup domain.ErrDuplicateSample
	if err := s.AddSample(ctx, record("s1", "y", 2, 2)); !errors.As(err, &dup) {
		t.Fatalf("expected ErrDuplicateSample got %v", err)
	}

	gen1, _ := s.Generation(ctx)
	if err := s.AddSample(ctx, record("s2", "n", 3, 3)); err != nil {
		t.Fatalf("add: %v", err)
	}
	gen2, _ := s.Generation(ctx)
	if gen2 <= gen1 {
		t.Fatalf("add must advance generation")
	}

	if err := s.RemoveSample(ctx, "s2"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	var notFound domain.ErrNotFound
	if err := s.RemoveSample(ctx, "s2"); !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}

	entries, err := s.OperationLog(ctx, 10)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	// Newest first: remove, add, load.
	if len(entries) != 3 || entries[0].Operation != domain.OpRemoveSample || entries[2].Operation != domain.OpLoadCSV {
		t.Fatalf("unexpected log: %+v", entries)
	}
}

func TestAppendSamplesSkipsExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.LoadSamples(ctx, []domain.SampleRecord{record("s1", "y", 1, 1)}); err != nil {
		t.Fatalf("load: %v", err)
	}
	summary, err := s.AppendSamples(ctx, []domain.SampleRecord{
		record("s1", "y", 9, 9),
		record("s2", "n", 2, 2),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if summary.SamplesAdded != 1 || summary.SamplesSkipped != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	// The skipped record's counts must not overwrite the originals.
	rows, _ := s.ListSamples(ctx, domain.Filters{})
	if got := rows[0].Counts[domain.PopulationBCell]; got == nil || *got != 1 {
		t.Fatalf("append overwrote existing counts: %v", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.LoadSamples(ctx, []domain.SampleRecord{record("s1", "y", 1, 1), record("s2", "n", 2, 2)}); err != nil {
		t.Fatalf("load: %v", err)
	}
	snap, err := s.ExportSnapshot(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(snap.Samples) != 2 || len(snap.CellCounts) != 6 {
		t.Fatalf("unexpected snapshot: %d samples %d counts", len(snap.Samples), len(snap.CellCounts))
	}
	if err := s.RemoveSample(ctx, "s1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.ImportSnapshot(ctx, snap); err != nil {
		t.Fatalf("import: %v", err)
	}
	rows, _ := s.ListSamples(ctx, domain.Filters{})
	if len(rows) != 2 {
		t.Fatalf("restore lost samples: %d", len(rows))
	}
}

func TestLockLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acquired, err := s.TryAcquireLock(ctx, domain.InitLockName, "a", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("acquire: acquired=%v err=%v", acquired, err)
	}
	if acquired, _ := s.TryAcquireLock(ctx, domain.InitLockName, "b", time.Minute); acquired {
		t.Fatalf("concurrent acquire must fail")
	}
	if held, _ := s.IsLockHeld(ctx, domain.InitLockName); !held {
		t.Fatalf("lock should be held")
	}
	// Non-holder release is a no-op.
	if err := s.ReleaseLock(ctx, domain.InitLockName, "b"); err != nil {
		t.Fatalf("non-holder release: %v", err)
	}
	if held, _ := s.IsLockHeld(ctx, domain.InitLockName); !held {
		t.Fatalf("non-holder release freed the lock")
	}
	if err := s.ReleaseLock(ctx, domain.InitLockName, "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if held, _ := s.IsLockHeld(ctx, domain.InitLockName); held {
		t.Fatalf("lock should be free")
	}
}

func TestLockReclaimAfterTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	if acquired, _ := s.TryAcquireLock(ctx, domain.InitLockName, "slow", 10*time.Second); !acquired {
		t.Fatalf("setup acquire failed")
	}
	now = now.Add(11 * time.Second)
	if acquired, _ := s.TryAcquireLock(ctx, domain.InitLockName, "fresh", time.Minute); !acquired {
		t.Fatalf("expired lock should be reclaimable")
	}
	// The slow holder's late release matches no row.
	if err := s.ReleaseLock(ctx, domain.InitLockName, "slow"); err != nil {
		t.Fatalf("late release: %v", err)
	}
	if held, _ := s.IsLockHeld(ctx, domain.InitLockName); !held {
		t.Fatalf("late release stole the reassigned lock")
	}
}
