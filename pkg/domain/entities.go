package domain

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Population names recorded per sample. The CSV carries one column per
// population; the store keeps one cell_counts row per (sample, population).
const (
	PopulationBCell    = "b_cell"
	PopulationCD8TCell = "cd8_t_cell"
	PopulationCD4TCell = "cd4_t_cell"
	PopulationNKCell   = "nk_cell"
	PopulationMonocyte = "monocyte"
)

// Populations lists the expected cell populations in canonical order.
var Populations = []string{
	PopulationBCell,
	PopulationCD8TCell,
	PopulationCD4TCell,
	PopulationNKCell,
	PopulationMonocyte,
}

// Sample holds clinical metadata for one specimen. Numeric fields are
// pointers because the source data leaves them blank routinely.
type Sample struct {
	SampleID               string `json:"sample_id"`
	Project                string `json:"project,omitempty"`
	Subject                string `json:"subject,omitempty"`
	Condition              string `json:"condition,omitempty"`
	Age                    *int   `json:"age,omitempty"`
	Sex                    string `json:"sex,omitempty"`
	Treatment              string `json:"treatment,omitempty"`
	Response               string `json:"response,omitempty"`
	SampleType             string `json:"sample_type,omitempty"`
	TimeFromTreatmentStart *int   `json:"time_from_treatment_start,omitempty"`
}

// CellCount is one measured population count for a sample. Count is nil when
// the source left the cell blank.
type CellCount struct {
	ID         string `json:"id"`
	SampleID   string `json:"sample_id"`
	Population string `json:"population"`
	Count      *int64 `json:"count"`
}

// SampleRecord bundles a sample with its population counts for loads and the
// add-sample operation.
type SampleRecord struct {
	Sample Sample            `json:"sample"`
	Counts map[string]*int64 `json:"counts"`
}

// SampleRow is a sample with its counts pivoted into per-population columns,
// the tabular view report collaborators consume.
type SampleRow struct {
	Sample
	Counts map[string]*int64 `json:"counts"`
}

// OperationLogEntry is one append-only audit record.
type OperationLogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	SampleID  string    `json:"sample_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Operation kinds recorded in the operation log.
const (
	OpLoadCSV           = "load_csv"
	OpAppendCSV         = "append_csv"
	OpAddSample         = "add_sample"
	OpRemoveSample      = "remove_sample"
	OpCreateCheckpoint  = "create_checkpoint"
	OpRestoreCheckpoint = "restore_checkpoint"
)

// LoadSummary reports what a bulk load actually wrote.
type LoadSummary struct {
	SamplesAdded    int `json:"samples_added"`
	SamplesSkipped  int `json:"samples_skipped"`
	CellCountsAdded int `json:"cell_counts_added"`
}

// Snapshot is a wholesale copy of the three durable tables, the unit of
// checkpoint and restore.
type Snapshot struct {
	CreatedAt    time.Time           `json:"created_at"`
	Samples      []Sample            `json:"samples"`
	CellCounts   []CellCount         `json:"cell_counts"`
	OperationLog []OperationLogEntry `json:"operation_log"`
}

// Filters narrows report queries. Empty slices mean no restriction on that
// column. Values within one column are OR'd, columns are AND'd, matching the
// original dashboard's multiselect semantics.
type Filters struct {
	Projects    []string `json:"projects,omitempty"`
	Conditions  []string `json:"conditions,omitempty"`
	Treatments  []string `json:"treatments,omitempty"`
	Responses   []string `json:"responses,omitempty"`
	SampleTypes []string `json:"sample_types,omitempty"`

	// TimeFromTreatmentStart restricts to an exact timepoint when set.
	TimeFromTreatmentStart *int `json:"time_from_treatment_start,omitempty"`
}

// IsZero reports whether the filter set restricts nothing.
func (f Filters) IsZero() bool {
	return len(f.Projects) == 0 && len(f.Conditions) == 0 && len(f.Treatments) == 0 &&
		len(f.Responses) == 0 && len(f.SampleTypes) == 0 && f.TimeFromTreatmentStart == nil
}

// CacheKey renders a canonical, order-independent key fragment for the
// filter set so equivalent filters hit the same cache entry.
func (f Filters) CacheKey() string {
	var b strings.Builder
	writeDim := func(name string, vals []string) {
		if len(vals) == 0 {
			return
		}
		sorted := append([]string(nil), vals...)
		sort.Strings(sorted)
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strings.Join(sorted, ","))
		b.WriteByte(';')
	}
	writeDim("project", f.Projects)
	writeDim("condition", f.Conditions)
	writeDim("treatment", f.Treatments)
	writeDim("sample_type", f.SampleTypes)
	writeDim("response", f.Responses)
	if f.TimeFromTreatmentStart != nil {
		b.WriteString("t=")
		b.WriteString(strconv.Itoa(*f.TimeFromTreatmentStart))
		b.WriteByte(';')
	}
	return b.String()
}

// PopulationCount is the row shape feeding frequency and response analytics:
// one (sample, population) pair with that sample's metadata attached.
type PopulationCount struct {
	SampleID   string
	Condition  string
	Treatment  string
	Response   string
	SampleType string
	Population string
	Count      *int64
}

// BaselineSample carries the columns the baseline aggregation groups by.
type BaselineSample struct {
	SampleID string
	Project  string
	Subject  string
	Response string
	Sex      string
}

// CheckpointInfo describes a stored checkpoint artifact.
type CheckpointInfo struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Size      int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// IntPtr and Int64Ptr are small literal helpers used pervasively by callers
// building records with optional numerics.
func IntPtr(v int) *int { return &v }

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 { return &v }
