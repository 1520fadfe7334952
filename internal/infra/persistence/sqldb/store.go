// Package sqldb implements the relational PersistentStore shared by the
// sqlite and postgres backends. The driver packages supply a Dialect for
// the few points where the engines differ: placeholder style, DDL, and
// constraint-violation detection.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"cytocore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// timeLayout is fixed-width UTC so stored timestamps order lexically,
// which the lock's expiry comparison relies on.
const timeLayout = "2006-01-02 15:04:05.000000000"

// Dialect captures the engine-specific seams between sqlite and postgres.
type Dialect struct {
	Name string
	// Positional rewrites ? placeholders to $1..$n (postgres).
	Positional bool
	// DDL statements executed by EnsureSchema, all IF NOT EXISTS.
	DDL []string
	// IsUniqueViolation reports whether err is a primary-key/unique clash.
	IsUniqueViolation func(error) bool
}

// Store is a relational PersistentStore over database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// New wraps an open database handle. The caller owns driver selection;
// EnsureSchema runs immediately so population checks never race table
// creation.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect, now: time.Now}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// SetClock overrides the store's clock for lock-expiry tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// bind rewrites ? placeholders for the active dialect.
func (s *Store) bind(query string) string {
	if !s.dialect.Positional {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// EnsureSchema creates tables and indexes if absent. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.DDL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// IsPopulated is an existence probe on samples, not a scan.
func (s *Store) IsPopulated(ctx context.Context) (bool, error) {
	var populated bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM samples)`).Scan(&populated)
	if err != nil {
		return false, fmt.Errorf("population check: %w", err)
	}
	return populated, nil
}

// Generation reads the store's mutation marker; a fresh store reports 0.
func (s *Store) Generation(ctx context.Context) (uint64, error) {
	var gen uint64
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT value FROM meta WHERE key = ?`), "generation").Scan(&gen)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read generation: %w", err)
	}
	return gen, nil
}

func (s *Store) bumpGeneration(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, s.bind(
		`INSERT INTO meta (key, value) VALUES (?, 1)
		 ON CONFLICT (key) DO UPDATE SET value = meta.value + 1`), "generation")
	if err != nil {
		return fmt.Errorf("bump generation: %w", err)
	}
	return nil
}

func (s *Store) logInTx(ctx context.Context, tx *sql.Tx, entry domain.OperationLogEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	_, err := tx.ExecContext(ctx, s.bind(
		`INSERT INTO operation_log (timestamp, operation, sample_id, detail) VALUES (?, ?, ?, ?)`),
		ts.UTC().Format(timeLayout), entry.Operation, nullString(entry.SampleID), nullString(entry.Detail))
	if err != nil {
		return fmt.Errorf("append operation log: %w", err)
	}
	return nil
}

const insertSampleSQL = `INSERT INTO samples (
	sample_id, project, subject, condition, age, sex,
	treatment, response, sample_type, time_from_treatment_start
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func sampleArgs(smp domain.Sample) []any {
	return []any{
		smp.SampleID,
		nullString(smp.Project),
		nullString(smp.Subject),
		nullString(smp.Condition),
		nullIntPtr(smp.Age),
		nullString(smp.Sex),
		nullString(smp.Treatment),
		nullString(smp.Response),
		nullString(smp.SampleType),
		nullIntPtr(smp.TimeFromTreatmentStart),
	}
}

func (s *Store) insertCounts(ctx context.Context, tx *sql.Tx, sampleID string, counts map[string]*int64) (int, error) {
	added := 0
	for _, pop := range domain.Populations {
		count, ok := counts[pop]
		if !ok {
			continue
		}
		_, err := tx.ExecContext(ctx, s.bind(
			`INSERT INTO cell_counts (id, sample_id, population, count) VALUES (?, ?, ?, ?)`),
			uuid.NewString(), sampleID, pop, nullInt64Ptr(count))
		if err != nil {
			return 0, fmt.Errorf("insert cell count %s/%s: %w", sampleID, pop, err)
		}
		added++
	}
	return added, nil
}

// LoadSamples performs the bootstrap load in one transaction. The
// population re-check inside the transaction makes a double-fired
// initializer (stale-lock reclamation of a slow holder) write nothing.
func (s *Store) LoadSamples(ctx context.Context, records []domain.SampleRecord) (domain.LoadSummary, error) {
	var summary domain.LoadSummary
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var populated bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM samples)`).Scan(&populated); err != nil {
			return fmt.Errorf("population re-check: %w", err)
		}
		if populated {
			summary = domain.LoadSummary{SamplesSkipped: len(records)}
			return nil
		}
		for _, rec := range records {
			if _, err := tx.ExecContext(ctx, s.bind(insertSampleSQL), sampleArgs(rec.Sample)...); err != nil {
				if s.dialect.IsUniqueViolation(err) {
					return domain.ErrDuplicateSample{SampleID: rec.Sample.SampleID}
				}
				return fmt.Errorf("insert sample %s: %w", rec.Sample.SampleID, err)
			}
			added, err := s.insertCounts(ctx, tx, rec.Sample.SampleID, rec.Counts)
			if err != nil {
				return err
			}
			summary.SamplesAdded++
			summary.CellCountsAdded += added
		}
		if err := s.logInTx(ctx, tx, domain.OperationLogEntry{Operation: domain.OpLoadCSV, Detail: loadDetail(summary)}); err != nil {
			return err
		}
		return s.bumpGeneration(ctx, tx)
	})
	if err != nil {
		return domain.LoadSummary{}, err
	}
	return summary, nil
}

// AppendSamples adds records, skipping sample ids that already exist.
func (s *Store) AppendSamples(ctx context.Context, records []domain.SampleRecord) (domain.LoadSummary, error) {
	var summary domain.LoadSummary
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			res, err := tx.ExecContext(ctx, s.bind(
				insertSampleSQL+` ON CONFLICT (sample_id) DO NOTHING`), sampleArgs(rec.Sample)...)
			if err != nil {
				return fmt.Errorf("insert sample %s: %w", rec.Sample.SampleID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			if n == 0 {
				summary.SamplesSkipped++
				continue
			}
			added, err := s.insertCounts(ctx, tx, rec.Sample.SampleID, rec.Counts)
			if err != nil {
				return err
			}
			summary.SamplesAdded++
			summary.CellCountsAdded += added
		}
		if err := s.logInTx(ctx, tx, domain.OperationLogEntry{Operation: domain.OpAppendCSV, Detail: loadDetail(summary)}); err != nil {
			return err
		}
		return s.bumpGeneration(ctx, tx)
	})
	if err != nil {
		return domain.LoadSummary{}, err
	}
	return summary, nil
}

func loadDetail(summary domain.LoadSummary) string {
	return fmt.Sprintf(`{"samples_added":%d,"samples_skipped":%d,"cell_counts_added":%d}`,
		summary.SamplesAdded, summary.SamplesSkipped, summary.CellCountsAdded)
}

// AddSample inserts one sample with its counts.
func (s *Store) AddSample(ctx context.Context, rec domain.SampleRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.bind(insertSampleSQL), sampleArgs(rec.Sample)...); err != nil {
			if s.dialect.IsUniqueViolation(err) {
				return domain.ErrDuplicateSample{SampleID: rec.Sample.SampleID}
			}
			return fmt.Errorf("insert sample %s: %w", rec.Sample.SampleID, err)
		}
		if _, err := s.insertCounts(ctx, tx, rec.Sample.SampleID, rec.Counts); err != nil {
			return err
		}
		if err := s.logInTx(ctx, tx, domain.OperationLogEntry{Operation: domain.OpAddSample, SampleID: rec.Sample.SampleID}); err != nil {
			return err
		}
		return s.bumpGeneration(ctx, tx)
	})
}

// RemoveSample deletes a sample and its cell counts.
func (s *Store) RemoveSample(ctx context.Context, sampleID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.bind(`DELETE FROM cell_counts WHERE sample_id = ?`), sampleID); err != nil {
			return fmt.Errorf("delete cell counts: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.bind(`DELETE FROM samples WHERE sample_id = ?`), sampleID)
		if err != nil {
			return fmt.Errorf("delete sample: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return domain.ErrNotFound{Entity: "sample", ID: sampleID}
		}
		if err := s.logInTx(ctx, tx, domain.OperationLogEntry{Operation: domain.OpRemoveSample, SampleID: sampleID}); err != nil {
			return err
		}
		return s.bumpGeneration(ctx, tx)
	})
}

// AppendLog records an audit entry outside any mutation transaction.
func (s *Store) AppendLog(ctx context.Context, entry domain.OperationLogEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.logInTx(ctx, tx, entry)
	})
}

// OperationLog returns the newest entries up to limit.
func (s *Store) OperationLog(ctx context.Context, limit int) ([]domain.OperationLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(
		`SELECT id, timestamp, operation, sample_id, detail
		 FROM operation_log ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query operation log: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.OperationLogEntry
	for rows.Next() {
		var entry domain.OperationLogEntry
		var ts string
		var sampleID, detail sql.NullString
		if err := rows.Scan(&entry.ID, &ts, &entry.Operation, &sampleID, &detail); err != nil {
			return nil, fmt.Errorf("scan operation log: %w", err)
		}
		entry.Timestamp, _ = time.ParseInLocation(timeLayout, ts, time.UTC)
		entry.SampleID = sampleID.String
		entry.Detail = detail.String
		out = append(out, entry)
	}
	return out, rows.Err()
}
