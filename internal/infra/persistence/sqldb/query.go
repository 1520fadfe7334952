package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"cytocore/pkg/domain"
)

// filterClause renders Filters as a WHERE fragment with ? placeholders.
// Values within a column are OR'd via IN, columns are AND'd.
func filterClause(prefix string, f domain.Filters) (string, []any) {
	var conds []string
	var args []any
	in := func(column string, vals []string) {
		if len(vals) == 0 {
			return
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", ")
		conds = append(conds, fmt.Sprintf("%s%s IN (%s)", prefix, column, marks))
		for _, v := range vals {
			args = append(args, v)
		}
	}
	in("project", f.Projects)
	in("condition", f.Conditions)
	in("treatment", f.Treatments)
	in("sample_type", f.SampleTypes)
	// "All" placeholder values do not restrict, mirroring the filter UI.
	responses := make([]string, 0, len(f.Responses))
	for _, r := range f.Responses {
		if r == "y" || r == "n" {
			responses = append(responses, r)
		}
	}
	in("response", responses)
	if f.TimeFromTreatmentStart != nil {
		conds = append(conds, prefix+"time_from_treatment_start = ?")
		args = append(args, *f.TimeFromTreatmentStart)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

const selectSampleSQL = `SELECT sample_id, project, subject, condition, age, sex,
	treatment, response, sample_type, time_from_treatment_start FROM samples`

func scanSample(rows *sql.Rows) (domain.Sample, error) {
	var smp domain.Sample
	var project, subject, condition, sex, treatment, response, sampleType sql.NullString
	var age, tfts sql.NullInt64
	err := rows.Scan(&smp.SampleID, &project, &subject, &condition, &age, &sex,
		&treatment, &response, &sampleType, &tfts)
	if err != nil {
		return domain.Sample{}, fmt.Errorf("scan sample: %w", err)
	}
	smp.Project = project.String
	smp.Subject = subject.String
	smp.Condition = condition.String
	smp.Sex = sex.String
	smp.Treatment = treatment.String
	smp.Response = response.String
	smp.SampleType = sampleType.String
	if age.Valid {
		smp.Age = domain.IntPtr(int(age.Int64))
	}
	if tfts.Valid {
		smp.TimeFromTreatmentStart = domain.IntPtr(int(tfts.Int64))
	}
	return smp, nil
}

func (s *Store) querySamples(ctx context.Context, f domain.Filters) ([]domain.Sample, error) {
	where, args := filterClause("", f)
	rows, err := s.db.QueryContext(ctx, s.bind(selectSampleSQL+where+" ORDER BY sample_id"), args...)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Sample
	for rows.Next() {
		smp, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

// ListSamples returns filtered samples with counts pivoted per population.
func (s *Store) ListSamples(ctx context.Context, f domain.Filters) ([]domain.SampleRow, error) {
	samples, err := s.querySamples(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT sample_id, population, count FROM cell_counts`)
	if err != nil {
		return nil, fmt.Errorf("query cell counts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	counts := make(map[string]map[string]*int64)
	for rows.Next() {
		var sampleID, population string
		var count sql.NullInt64
		if err := rows.Scan(&sampleID, &population, &count); err != nil {
			return nil, fmt.Errorf("scan cell count: %w", err)
		}
		if counts[sampleID] == nil {
			counts[sampleID] = make(map[string]*int64)
		}
		if count.Valid {
			counts[sampleID][population] = domain.Int64Ptr(count.Int64)
		} else {
			counts[sampleID][population] = nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]domain.SampleRow, 0, len(samples))
	for _, smp := range samples {
		out = append(out, domain.SampleRow{Sample: smp, Counts: counts[smp.SampleID]})
	}
	return out, nil
}

// distinctColumns guards the identifier interpolated into DistinctValues.
var distinctColumns = func() map[string]bool {
	m := make(map[string]bool, len(domain.FilterColumns))
	for _, c := range domain.FilterColumns {
		m[c] = true
	}
	return m
}()

// DistinctValues returns the sorted distinct non-empty values of a sample
// column. Column names cannot be bound as placeholders, so only the known
// filter columns are accepted.
func (s *Store) DistinctValues(ctx context.Context, column string) ([]string, error) {
	if !distinctColumns[column] {
		return nil, fmt.Errorf("distinct values: unknown column %q", column)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT DISTINCT %s FROM samples WHERE %s IS NOT NULL AND %s != '' ORDER BY %s`,
		column, column, column, column))
	if err != nil {
		return nil, fmt.Errorf("query distinct %s: %w", column, err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan distinct %s: %w", column, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// PopulationCounts joins counts with sample metadata for the analytics layer.
func (s *Store) PopulationCounts(ctx context.Context, f domain.Filters) ([]domain.PopulationCount, error) {
	where, args := filterClause("s.", f)
	query := `SELECT s.sample_id, s.condition, s.treatment, s.response, s.sample_type,
		c.population, c.count
		FROM samples s JOIN cell_counts c ON c.sample_id = s.sample_id` +
		where + " ORDER BY s.sample_id, c.population"
	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query population counts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.PopulationCount
	for rows.Next() {
		var pc domain.PopulationCount
		var condition, treatment, response, sampleType sql.NullString
		var count sql.NullInt64
		if err := rows.Scan(&pc.SampleID, &condition, &treatment, &response, &sampleType,
			&pc.Population, &count); err != nil {
			return nil, fmt.Errorf("scan population count: %w", err)
		}
		pc.Condition = condition.String
		pc.Treatment = treatment.String
		pc.Response = response.String
		pc.SampleType = sampleType.String
		if count.Valid {
			pc.Count = domain.Int64Ptr(count.Int64)
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

// BaselineSamples returns the grouping columns for baseline aggregation.
func (s *Store) BaselineSamples(ctx context.Context, f domain.Filters) ([]domain.BaselineSample, error) {
	samples, err := s.querySamples(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]domain.BaselineSample, 0, len(samples))
	for _, smp := range samples {
		out = append(out, domain.BaselineSample{
			SampleID: smp.SampleID,
			Project:  smp.Project,
			Subject:  smp.Subject,
			Response: smp.Response,
			Sex:      smp.Sex,
		})
	}
	return out, nil
}

// ExportSnapshot copies the three durable tables.
func (s *Store) ExportSnapshot(ctx context.Context) (domain.Snapshot, error) {
	snap := domain.Snapshot{CreatedAt: s.now().UTC()}
	samples, err := s.querySamples(ctx, domain.Filters{})
	if err != nil {
		return domain.Snapshot{}, err
	}
	snap.Samples = samples

	rows, err := s.db.QueryContext(ctx, `SELECT id, sample_id, population, count FROM cell_counts ORDER BY sample_id, population`)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("query cell counts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var cc domain.CellCount
		var count sql.NullInt64
		if err := rows.Scan(&cc.ID, &cc.SampleID, &cc.Population, &count); err != nil {
			return domain.Snapshot{}, fmt.Errorf("scan cell count: %w", err)
		}
		if count.Valid {
			cc.Count = domain.Int64Ptr(count.Int64)
		}
		snap.CellCounts = append(snap.CellCounts, cc)
	}
	if err := rows.Err(); err != nil {
		return domain.Snapshot{}, err
	}

	logRows, err := s.db.QueryContext(ctx, `SELECT id, timestamp, operation, sample_id, detail FROM operation_log ORDER BY id`)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("query operation log: %w", err)
	}
	defer func() { _ = logRows.Close() }()
	for logRows.Next() {
		var entry domain.OperationLogEntry
		var ts string
		var sampleID, detail sql.NullString
		if err := logRows.Scan(&entry.ID, &ts, &entry.Operation, &sampleID, &detail); err != nil {
			return domain.Snapshot{}, fmt.Errorf("scan operation log: %w", err)
		}
		entry.Timestamp, _ = time.ParseInLocation(timeLayout, ts, time.UTC)
		entry.SampleID = sampleID.String
		entry.Detail = detail.String
		snap.OperationLog = append(snap.OperationLog, entry)
	}
	return snap, logRows.Err()
}

// ImportSnapshot replaces the three tables wholesale in one transaction.
func (s *Store) ImportSnapshot(ctx context.Context, snap domain.Snapshot) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"operation_log", "cell_counts", "samples"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		for _, smp := range snap.Samples {
			if _, err := tx.ExecContext(ctx, s.bind(insertSampleSQL), sampleArgs(smp)...); err != nil {
				return fmt.Errorf("restore sample %s: %w", smp.SampleID, err)
			}
		}
		for _, cc := range snap.CellCounts {
			if _, err := tx.ExecContext(ctx, s.bind(
				`INSERT INTO cell_counts (id, sample_id, population, count) VALUES (?, ?, ?, ?)`),
				cc.ID, cc.SampleID, cc.Population, nullInt64Ptr(cc.Count)); err != nil {
				return fmt.Errorf("restore cell count %s/%s: %w", cc.SampleID, cc.Population, err)
			}
		}
		for _, entry := range snap.OperationLog {
			if err := s.logInTx(ctx, tx, entry); err != nil {
				return err
			}
		}
		if err := s.logInTx(ctx, tx, domain.OperationLogEntry{Operation: domain.OpRestoreCheckpoint}); err != nil {
			return err
		}
		return s.bumpGeneration(ctx, tx)
	})
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
