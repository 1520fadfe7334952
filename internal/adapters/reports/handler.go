// Package reports provides the HTTP surface over the analytics and
// administration layers.
package reports

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"cytocore/internal/core"
	"cytocore/internal/csvload"
)

// Handler routes the /api/v1 surface. Reads go through the orchestrator so
// every request observes the initialization and cache rules; mutations and
// admin operations go through the service.
type Handler struct {
	Orchestrator *core.Orchestrator
	Service      *core.Service
	Log          zerolog.Logger
}

// NewHandler constructs the API handler.
func NewHandler(orc *core.Orchestrator, svc *core.Service, log zerolog.Logger) *Handler {
	return &Handler{Orchestrator: orc, Service: svc, Log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case r.Method == http.MethodGet && path == "/healthz":
		h.handleHealth(w, r)
	case r.Method == http.MethodGet && path == "/api/v1/reports/frequency":
		h.handleFrequency(w, r, false)
	case r.Method == http.MethodGet && path == "/api/v1/reports/frequency.csv":
		h.handleFrequency(w, r, true)
	case r.Method == http.MethodGet && path == "/api/v1/reports/response":
		h.handleResponse(w, r)
	case r.Method == http.MethodGet && path == "/api/v1/reports/baseline":
		h.handleBaseline(w, r)
	case r.Method == http.MethodGet && path == "/api/v1/samples":
		h.handleListSamples(w, r)
	case r.Method == http.MethodPost && path == "/api/v1/samples":
		h.handleAddSample(w, r)
	case r.Method == http.MethodPost && path == "/api/v1/samples/csv":
		h.handleAppendCSV(w, r)
	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/api/v1/samples/"):
		h.handleRemoveSample(w, r, strings.TrimPrefix(path, "/api/v1/samples/"))
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v1/filters/"):
		h.handleDistinctValues(w, r, strings.TrimPrefix(path, "/api/v1/filters/"))
	case r.Method == http.MethodGet && path == "/api/v1/operations":
		h.handleOperations(w, r)
	case r.Method == http.MethodGet && path == "/api/v1/checkpoints":
		h.handleListCheckpoints(w, r)
	case r.Method == http.MethodPost && path == "/api/v1/checkpoints":
		h.handleCreateCheckpoint(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/restore") && strings.HasPrefix(path, "/api/v1/checkpoints/"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/api/v1/checkpoints/"), "/restore")
		h.handleRestoreCheckpoint(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

// parseFilters reads the multiselect filter dimensions from the query
// string. Repeated parameters OR within a dimension.
func parseFilters(r *http.Request) (core.Filters, error) {
	q := r.URL.Query()
	f := core.Filters{
		Projects:    q["project"],
		Conditions:  q["condition"],
		Treatments:  q["treatment"],
		Responses:   q["response"],
		SampleTypes: q["sample_type"],
	}
	if raw := q.Get("time_from_treatment_start"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return core.Filters{}, core.ValidationError{Malformed: []string{
				fmt.Sprintf("time_from_treatment_start %q is not an integer", raw)}}
		}
		f.TimeFromTreatmentStart = core.IntPtr(n)
	}
	return f, nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrator.EnsureReady(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleFrequency(w http.ResponseWriter, r *http.Request, asCSV bool) {
	f, err := parseFilters(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	table, err := h.Orchestrator.FrequencyTable(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if asCSV {
		writeFrequencyCSV(w, table)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

func writeFrequencyCSV(w http.ResponseWriter, table core.FrequencyTable) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="frequency.csv"`)
	cw := csv.NewWriter(w)
	defer cw.Flush()
	_ = cw.Write([]string{"sample", "total_count", "population", "count", "percentage"})
	for _, row := range table.Rows {
		_ = cw.Write([]string{
			row.SampleID,
			strconv.FormatInt(row.TotalCount, 10),
			row.Population,
			strconv.FormatInt(row.Count, 10),
			strconv.FormatFloat(row.Percentage, 'f', 2, 64),
		})
	}
}

func (h *Handler) handleResponse(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilters(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	cmp, err := h.Orchestrator.ResponseComparison(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (h *Handler) handleBaseline(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilters(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	stats, err := h.Orchestrator.BaselineStats(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleListSamples(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilters(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Orchestrator.EnsureReady(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	rows, err := h.Service.ListSamples(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"samples": rows})
}

func (h *Handler) handleAddSample(w http.ResponseWriter, r *http.Request) {
	var rec core.SampleRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.Service.AddSample(r.Context(), rec); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sample_id": rec.Sample.SampleID})
}

func (h *Handler) handleAppendCSV(w http.ResponseWriter, r *http.Request) {
	records, err := csvload.Parse(r.Body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	summary, err := h.Service.AppendRecords(r.Context(), records)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleRemoveSample(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.Service.RemoveSample(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

func (h *Handler) handleDistinctValues(w http.ResponseWriter, r *http.Request, column string) {
	values, err := h.Service.DistinctValues(r.Context(), column)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"column": column, "values": values})
}

func (h *Handler) handleOperations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeErrorMessage(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := h.Service.OperationLog(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": entries})
}

func (h *Handler) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	infos, err := h.Service.ListCheckpoints(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": infos})
}

func (h *Handler) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	info, err := h.Service.CreateCheckpoint(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *Handler) handleRestoreCheckpoint(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.Service.RestoreCheckpoint(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"restored": id})
}

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var (
		validation  core.ValidationError
		notFound    core.ErrNotFound
		duplicate   core.ErrDuplicateSample
		initTimeout core.InitTimeoutError
		unavailable core.StoreUnavailableError
	)
	switch {
	case errors.As(err, &validation):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &duplicate):
		status = http.StatusConflict
	case errors.As(err, &initTimeout), errors.As(err, &unavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		h.Log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeErrorMessage(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
