package domain

import (
	"context"
	"time"
)

// InitLockName is the singleton lock guarding the CSV bootstrap load.
const InitLockName = "init"

// PersistentStore is the single shared mutable resource. Implementations
// live under internal/infra/persistence; coordination across process
// instances happens only through this interface.
//
// Every mutating method (LoadSamples, AppendSamples, AddSample,
// RemoveSample, ImportSnapshot) runs as one transaction that also appends
// its operation_log row and increments the store generation. A failed
// mutation leaves the store byte-for-byte in its prior state.
type PersistentStore interface {
	// EnsureSchema creates tables and indexes if absent. Idempotent, safe to
	// call from every instance on every startup. Creating empty tables does
	// not make the store populated.
	EnsureSchema(ctx context.Context) error

	// IsPopulated reports whether at least one sample row exists. Cheap
	// existence probe, not a scan.
	IsPopulated(ctx context.Context) (bool, error)

	// Generation returns the store's monotonically increasing mutation
	// marker. Cache entries are valid only while their recorded generation
	// matches this value.
	Generation(ctx context.Context) (uint64, error)

	// LoadSamples performs the bootstrap load. If the store already holds
	// samples it writes nothing and reports everything skipped, which keeps
	// a double-fired initializer harmless.
	LoadSamples(ctx context.Context, records []SampleRecord) (LoadSummary, error)

	// AppendSamples adds records to a populated store, skipping sample ids
	// that already exist. Atomic per call.
	AppendSamples(ctx context.Context, records []SampleRecord) (LoadSummary, error)

	AddSample(ctx context.Context, rec SampleRecord) error
	RemoveSample(ctx context.Context, sampleID string) error

	// AppendLog records an audit entry outside any mutation transaction,
	// for operations (checkpoint create) that do not touch the tables.
	AppendLog(ctx context.Context, entry OperationLogEntry) error
	OperationLog(ctx context.Context, limit int) ([]OperationLogEntry, error)

	ListSamples(ctx context.Context, f Filters) ([]SampleRow, error)
	DistinctValues(ctx context.Context, column string) ([]string, error)
	PopulationCounts(ctx context.Context, f Filters) ([]PopulationCount, error)
	BaselineSamples(ctx context.Context, f Filters) ([]BaselineSample, error)

	ExportSnapshot(ctx context.Context) (Snapshot, error)
	// ImportSnapshot replaces the three tables wholesale in one transaction.
	ImportSnapshot(ctx context.Context, snap Snapshot) error

	// TryAcquireLock attempts the named lock via a single atomic conditional
	// write. It succeeds only when no non-expired holder exists; an expired
	// holder's lock is reclaimed. Returns (false, StoreUnavailableError)
	// when the store itself is unreachable: acquisition fails closed.
	//
	// TTL reclamation means a holder that is slow rather than dead can lose
	// the lock while still loading; LoadSamples' populated re-check keeps
	// that window from double-writing.
	TryAcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)

	// ReleaseLock releases the named lock if holder still owns it. A late
	// release after TTL expiry reassigned the lock is a no-op, not an error.
	ReleaseLock(ctx context.Context, name, holder string) error

	// IsLockHeld reports whether a non-expired holder currently owns name.
	IsLockHeld(ctx context.Context, name string) (bool, error)

	Close() error
}

// FilterColumns are the sample columns DistinctValues may be asked about.
var FilterColumns = []string{"project", "subject", "condition", "sex", "treatment", "response", "sample_type"}
