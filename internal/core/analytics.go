package core

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// FrequencyRow is one sample/population relative frequency.
type FrequencyRow struct {
	SampleID   string  `json:"sample_id"`
	Population string  `json:"population"`
	Count      int64   `json:"count"`
	TotalCount int64   `json:"total_count"`
	Percentage float64 `json:"percentage"`
}

// FrequencyTable holds relative frequencies for every sample in scope.
type FrequencyTable struct {
	Rows []FrequencyRow `json:"rows"`
}

// PopulationStat is the per-population significance test of responder vs
// non-responder relative frequencies.
type PopulationStat struct {
	Population    string  `json:"population"`
	Responders    int     `json:"responders"`
	NonResponders int     `json:"non_responders"`
	TStatistic    float64 `json:"t_statistic"`
	PValue        float64 `json:"p_value"`
	Significant   bool    `json:"significant"`
	// Computed is false when either arm has fewer than two observations.
	Computed bool `json:"computed"`
}

// ResponseComparison bundles the scoped frequency rows with per-population
// test results.
type ResponseComparison struct {
	Rows  []FrequencyRow   `json:"rows"`
	Stats []PopulationStat `json:"stats"`
}

// BaselineStats aggregates baseline (timepoint zero) samples.
type BaselineStats struct {
	SamplesPerProject map[string]int `json:"samples_per_project"`
	ResponseCounts    map[string]int `json:"response_counts"`
	SexCounts         map[string]int `json:"sex_counts"`
	TotalSamples      int            `json:"total_samples"`
	Subjects          []string       `json:"subjects"`
}

// significanceLevel is the p-value threshold for flagging a population.
const significanceLevel = 0.05

// BuildFrequencyTable converts raw (sample, population, count) rows into
// relative frequencies. Rows with nil counts contribute nothing to a
// sample's total and are omitted from the output.
func BuildFrequencyTable(counts []PopulationCount) FrequencyTable {
	totals := make(map[string]int64)
	for _, pc := range counts {
		if pc.Count != nil {
			totals[pc.SampleID] += *pc.Count
		}
	}
	rows := make([]FrequencyRow, 0, len(counts))
	for _, pc := range counts {
		if pc.Count == nil {
			continue
		}
		total := totals[pc.SampleID]
		pct := 0.0
		if total > 0 {
			pct = round2(float64(*pc.Count) / float64(total) * 100)
		}
		rows = append(rows, FrequencyRow{
			SampleID:   pc.SampleID,
			Population: pc.Population,
			Count:      *pc.Count,
			TotalCount: total,
			Percentage: pct,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].SampleID != rows[j].SampleID {
			return rows[i].SampleID < rows[j].SampleID
		}
		return rows[i].Population < rows[j].Population
	})
	return FrequencyTable{Rows: rows}
}

// CompareResponses runs a two-sample pooled-variance t-test per population,
// responders ("y") against non-responders ("n"), over relative frequencies.
// Populations with fewer than two observations in either arm are reported
// uncomputed rather than dropped.
func CompareResponses(counts []PopulationCount) ResponseComparison {
	freq := BuildFrequencyTable(counts)

	responseBySample := make(map[string]string, len(counts))
	for _, pc := range counts {
		responseBySample[pc.SampleID] = pc.Response
	}

	byPopulation := make(map[string]map[string][]float64)
	for _, row := range freq.Rows {
		resp := responseBySample[row.SampleID]
		if resp != "y" && resp != "n" {
			continue
		}
		arms, ok := byPopulation[row.Population]
		if !ok {
			arms = make(map[string][]float64, 2)
			byPopulation[row.Population] = arms
		}
		arms[resp] = append(arms[resp], row.Percentage)
	}

	populations := make([]string, 0, len(byPopulation))
	for pop := range byPopulation {
		populations = append(populations, pop)
	}
	sort.Strings(populations)

	stats := make([]PopulationStat, 0, len(populations))
	for _, pop := range populations {
		arms := byPopulation[pop]
		yes, no := arms["y"], arms["n"]
		ps := PopulationStat{Population: pop, Responders: len(yes), NonResponders: len(no)}
		if len(yes) >= 2 && len(no) >= 2 {
			t, p := twoSampleTTest(yes, no)
			ps.TStatistic = round3(t)
			ps.PValue = round3(p)
			ps.Significant = p < significanceLevel
			ps.Computed = true
		}
		stats = append(stats, ps)
	}
	return ResponseComparison{Rows: freq.Rows, Stats: stats}
}

// twoSampleTTest is the equal-variance (pooled) Student's t-test, the
// default the original analysis used. Returns the statistic and two-sided
// p-value.
func twoSampleTTest(a, b []float64) (tStat, pValue float64) {
	n1, n2 := float64(len(a)), float64(len(b))
	mean1, mean2 := stat.Mean(a, nil), stat.Mean(b, nil)
	var1, var2 := stat.Variance(a, nil), stat.Variance(b, nil)

	df := n1 + n2 - 2
	pooled := ((n1-1)*var1 + (n2-1)*var2) / df
	se := math.Sqrt(pooled * (1/n1 + 1/n2))
	if se == 0 {
		if mean1 == mean2 {
			return 0, 1
		}
		return math.Inf(sign(mean1 - mean2)), 0
	}
	tStat = (mean1 - mean2) / se
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	pValue = 2 * dist.Survival(math.Abs(tStat))
	return tStat, pValue
}

// BuildBaselineStats aggregates baseline samples per project, response and
// sex, mirroring the original baseline breakdown.
func BuildBaselineStats(samples []BaselineSample) BaselineStats {
	out := BaselineStats{
		SamplesPerProject: make(map[string]int),
		ResponseCounts:    make(map[string]int),
		SexCounts:         make(map[string]int),
		TotalSamples:      len(samples),
	}
	subjects := make(map[string]struct{})
	for _, s := range samples {
		if s.Project != "" {
			out.SamplesPerProject[s.Project]++
		}
		if s.Response != "" {
			out.ResponseCounts[s.Response]++
		}
		if s.Sex != "" {
			out.SexCounts[s.Sex]++
		}
		if s.Subject != "" {
			subjects[s.Subject] = struct{}{}
		}
	}
	out.Subjects = make([]string, 0, len(subjects))
	for subj := range subjects {
		out.Subjects = append(out.Subjects, subj)
	}
	sort.Strings(out.Subjects)
	return out
}

func sign(v float64) int {
	if v < 0 {
		return -1
	}
	return 1
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
