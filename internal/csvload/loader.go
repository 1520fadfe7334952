// Package csvload parses the sample intake CSV into records the store can
// load. Validation is wholesale: a file with any missing column or malformed
// cell is rejected entirely so a partial dataset never reaches the store.
package csvload

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"cytocore/pkg/domain"
)

// The intake header calls the identifier column "sample"; everywhere else it
// is sample_id.
const sampleColumn = "sample"

var metadataColumns = []string{
	sampleColumn, "project", "subject", "condition", "age", "sex",
	"treatment", "response", "sample_type", "time_from_treatment_start",
}

// Parse reads the full CSV and returns one record per row. The error is a
// domain.ValidationError when the file is structurally unacceptable.
func Parse(r io.Reader) ([]domain.SampleRecord, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, domain.ValidationError{Missing: append(append([]string{}, metadataColumns...), domain.Populations...)}
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	var missing []string
	for _, col := range metadataColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	for _, pop := range domain.Populations {
		if _, ok := index[pop]; !ok {
			missing = append(missing, pop)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, domain.ValidationError{Missing: missing}
	}

	var records []domain.SampleRecord
	var malformed []string
	seen := make(map[string]int)
	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}
		cell := func(col string) string {
			i := index[col]
			if i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		id := cell(sampleColumn)
		switch {
		case id == "":
			malformed = append(malformed, fmt.Sprintf("row %d: empty sample id", line))
		case seen[id] != 0:
			malformed = append(malformed, fmt.Sprintf("row %d: duplicate sample id %q (first seen row %d)", line, id, seen[id]))
		default:
			seen[id] = line
		}

		smp := domain.Sample{
			SampleID:   id,
			Project:    cell("project"),
			Subject:    cell("subject"),
			Condition:  strings.ToLower(cell("condition")),
			Sex:        cell("sex"),
			Treatment:  cell("treatment"),
			Response:   strings.ToLower(cell("response")),
			SampleType: cell("sample_type"),
		}
		if v := cell("age"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				malformed = append(malformed, fmt.Sprintf("row %d: age %q is not a non-negative integer", line, v))
			} else {
				smp.Age = domain.IntPtr(n)
			}
		}
		if v := cell("time_from_treatment_start"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				malformed = append(malformed, fmt.Sprintf("row %d: time_from_treatment_start %q is not a non-negative integer", line, v))
			} else {
				smp.TimeFromTreatmentStart = domain.IntPtr(n)
			}
		}

		counts := make(map[string]*int64, len(domain.Populations))
		for _, pop := range domain.Populations {
			v := cell(pop)
			if v == "" {
				counts[pop] = nil
				continue
			}
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				malformed = append(malformed, fmt.Sprintf("row %d: %s count %q is not a non-negative integer", line, pop, v))
				continue
			}
			counts[pop] = domain.Int64Ptr(n)
		}

		records = append(records, domain.SampleRecord{Sample: smp, Counts: counts})
	}
	if len(malformed) > 0 {
		return nil, domain.ValidationError{Malformed: malformed}
	}
	if len(records) == 0 {
		return nil, domain.ValidationError{Malformed: []string{"file contains no data rows"}}
	}
	return records, nil
}
