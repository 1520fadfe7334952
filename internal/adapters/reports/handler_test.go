package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"cytocore/internal/blob"
	"cytocore/internal/checkpoint"
	"cytocore/internal/core"
	"cytocore/internal/infra/persistence/memory"
)

func testRecords(n int) []core.SampleRecord {
	records := make([]core.SampleRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, core.SampleRecord{
			Sample: core.Sample{
				SampleID:               fmt.Sprintf("s%d", i+1),
				Project:                "prj1",
				Subject:                fmt.Sprintf("sbj%d", i+1),
				Condition:              "melanoma",
				Treatment:              "tr1",
				Response:               []string{"y", "n"}[i%2],
				SampleType:             "PBMC",
				TimeFromTreatmentStart: core.IntPtr(0),
			},
			Counts: map[string]*int64{
				core.PopulationBCell:    core.Int64Ptr(int64(100 + i)),
				core.PopulationCD8TCell: core.Int64Ptr(int64(900 - i)),
			},
		})
	}
	return records
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	store := memory.NewStore()
	cache := core.NewCache()
	source := func(ctx context.Context) ([]core.SampleRecord, error) {
		return testRecords(4), nil
	}
	orc := core.NewOrchestrator(store, cache, source, nil, zerolog.Nop(), core.OrchestratorConfig{})
	svc := core.NewService(store, cache, checkpoint.NewManager(blob.NewMemory()), nil, zerolog.Nop())
	return NewHandler(orc, svc, zerolog.Nop())
}

func doRequest(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body)
	}
}

func TestFrequencyJSON(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(t, h, http.MethodGet, "/api/v1/reports/frequency", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body)
	}
	var table core.FrequencyTable
	if err := json.Unmarshal(rec.Body.Bytes(), &table); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(table.Rows) != 8 {
		t.Fatalf("expected 8 rows got %d", len(table.Rows))
	}
}

func TestFrequencyCSVExport(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(t, h, http.MethodGet, "/api/v1/reports/frequency.csv", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("expected text/csv got %s", ct)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if lines[0] != "sample,total_count,population,count,percentage" {
		t.Fatalf("unexpected header: %s", lines[0])
	}
	if len(lines) != 9 {
		t.Fatalf("expected header plus 8 rows got %d lines", len(lines))
	}
}

func TestFrequencyFilterValidation(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(t, h, http.MethodGet, "/api/v1/reports/frequency?time_from_treatment_start=soon", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d: %s", rec.Code, rec.Body)
	}
}

func TestResponseReport(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(t, h, http.MethodGet, "/api/v1/reports/response", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body)
	}
	var cmp core.ResponseComparison
	if err := json.Unmarshal(rec.Body.Bytes(), &cmp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(cmp.Stats) == 0 {
		t.Fatalf("expected population stats")
	}
}

func TestBaselineReport(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(t, h, http.MethodGet, "/api/v1/reports/baseline", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body)
	}
	var stats core.BaselineStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalSamples != 4 {
		t.Fatalf("expected 4 baseline samples got %d", stats.TotalSamples)
	}
}

func TestAddAndRemoveSample(t *testing.T) {
	h := newTestHandler(t)
	// Populate first so the mutation path hits a ready store.
	if rec := doRequest(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("init failed: %d", rec.Code)
	}

	body := `{"sample":{"sample_id":"sX","project":"prj1","condition":"melanoma"},"counts":{"b_cell":42}}`
	rec := doRequest(t, h, http.MethodPost, "/api/v1/samples", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body)
	}

	// Adding the same id again conflicts.
	rec = doRequest(t, h, http.MethodPost, "/api/v1/samples", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d: %s", rec.Code, rec.Body)
	}

	rec = doRequest(t, h, http.MethodDelete, "/api/v1/samples/sX", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body)
	}
	rec = doRequest(t, h, http.MethodDelete, "/api/v1/samples/sX", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d: %s", rec.Code, rec.Body)
	}
}

func TestAddSampleBadJSON(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(t, h, http.MethodPost, "/api/v1/samples", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestAppendCSV(t *testing.T) {
	h := newTestHandler(t)
	if rec := doRequest(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("init failed: %d", rec.Code)
	}
	csvBody := "sample,project,subject,condition,age,sex,treatment,response,sample_type,time_from_treatment_start,b_cell,cd8_t_cell,cd4_t_cell,nk_cell,monocyte\n" +
		"s1,prj1,sbj1,melanoma,70,F,tr1,y,PBMC,0,1,1,1,1,1\n" +
		"s9,prj1,sbj9,melanoma,70,F,tr1,y,PBMC,0,1,1,1,1,1\n"
	rec := doRequest(t, h, http.MethodPost, "/api/v1/samples/csv", csvBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body)
	}
	var summary core.LoadSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// s1 already exists from the bootstrap load.
	if summary.SamplesAdded != 1 || summary.SamplesSkipped != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestAppendCSVValidation(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(t, h, http.MethodPost, "/api/v1/samples/csv", "sample,project\ns1,prj1\n")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d: %s", rec.Code, rec.Body)
	}
}

func TestDistinctValuesEndpoint(t *testing.T) {
	h := newTestHandler(t)
	if rec := doRequest(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("init failed")
	}
	rec := doRequest(t, h, http.MethodGet, "/api/v1/filters/response", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body)
	}
	var payload struct {
		Column string   `json:"column"`
		Values []string `json:"values"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Column != "response" || len(payload.Values) != 2 {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/v1/filters/secrets", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown column got %d", rec.Code)
	}
}

func TestCheckpointEndpoints(t *testing.T) {
	h := newTestHandler(t)
	if rec := doRequest(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("init failed")
	}

	rec := doRequest(t, h, http.MethodPost, "/api/v1/checkpoints", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body)
	}
	var info core.CheckpointInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/v1/checkpoints", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), info.ID) {
		t.Fatalf("listing missing checkpoint: %d %s", rec.Code, rec.Body)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/v1/checkpoints/"+info.ID+"/restore", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("restore expected 200 got %d: %s", rec.Code, rec.Body)
	}
	rec = doRequest(t, h, http.MethodPost, "/api/v1/checkpoints/ghost/restore", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestOperationsEndpoint(t *testing.T) {
	h := newTestHandler(t)
	if rec := doRequest(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("init failed")
	}
	rec := doRequest(t, h, http.MethodGet, "/api/v1/operations?limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), core.OpLoadCSV) {
		t.Fatalf("expected load entry in %s", rec.Body)
	}
	rec = doRequest(t, h, http.MethodGet, "/api/v1/operations?limit=-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(t, h, http.MethodGet, "/api/v1/unknown", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}
