package csvload

import (
	"errors"
	"strings"
	"testing"

	"cytocore/pkg/domain"
)

const validHeader = "sample,project,subject,condition,age,sex,treatment,response,sample_type,time_from_treatment_start,b_cell,cd8_t_cell,cd4_t_cell,nk_cell,monocyte"

func TestParseValidFile(t *testing.T) {
	data := validHeader + "\n" +
		"s1,prj1,sbj1,melanoma,70,F,tr1,y,PBMC,0,36000,pop1,pop2,pop3,pop4\n"
	data = strings.Replace(data, "pop1,pop2,pop3,pop4", "22000,30000,8000,4000", 1)
	records, err := Parse(strings.NewReader(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record got %d", len(records))
	}
	rec := records[0]
	if rec.Sample.SampleID != "s1" {
		t.Fatalf("expected sample id s1 got %q", rec.Sample.SampleID)
	}
	if rec.Sample.Condition != "melanoma" || rec.Sample.Response != "y" {
		t.Fatalf("unexpected metadata: %+v", rec.Sample)
	}
	if rec.Sample.Age == nil || *rec.Sample.Age != 70 {
		t.Fatalf("expected age 70 got %v", rec.Sample.Age)
	}
	if rec.Sample.TimeFromTreatmentStart == nil || *rec.Sample.TimeFromTreatmentStart != 0 {
		t.Fatalf("expected timepoint 0 got %v", rec.Sample.TimeFromTreatmentStart)
	}
	if got := rec.Counts[domain.PopulationBCell]; got == nil || *got != 36000 {
		t.Fatalf("expected b_cell 36000 got %v", got)
	}
}

func TestParseNormalizesCase(t *testing.T) {
	data := validHeader + "\n" +
		"s1,prj1,sbj1,Melanoma,70,F,tr1,Y,PBMC,0,1,1,1,1,1\n"
	records, err := Parse(strings.NewReader(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if records[0].Sample.Condition != "melanoma" {
		t.Fatalf("condition not lowercased: %q", records[0].Sample.Condition)
	}
	if records[0].Sample.Response != "y" {
		t.Fatalf("response not lowercased: %q", records[0].Sample.Response)
	}
}

func TestParseEmptyCellsBecomeNil(t *testing.T) {
	data := validHeader + "\n" +
		"s1,prj1,sbj1,healthy,,F,none,,PBMC,,100,,300,400,500\n"
	records, err := Parse(strings.NewReader(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rec := records[0]
	if rec.Sample.Age != nil {
		t.Fatalf("expected nil age got %v", *rec.Sample.Age)
	}
	if rec.Counts[domain.PopulationCD8TCell] != nil {
		t.Fatalf("expected nil cd8 count")
	}
	if rec.Counts[domain.PopulationCD4TCell] == nil || *rec.Counts[domain.PopulationCD4TCell] != 300 {
		t.Fatalf("expected cd4 count 300")
	}
}

func TestParseMissingColumns(t *testing.T) {
	data := "sample,project,b_cell\ns1,prj1,100\n"
	_, err := Parse(strings.NewReader(data))
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError got %v", err)
	}
	if len(verr.Missing) == 0 {
		t.Fatalf("expected missing columns listed")
	}
	for _, want := range []string{"condition", "cd8_t_cell", "time_from_treatment_start"} {
		found := false
		for _, got := range verr.Missing {
			if got == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected %s in missing list %v", want, verr.Missing)
		}
	}
}

func TestParseRejectsWholesale(t *testing.T) {
	// One bad row poisons the file: nothing is returned.
	data := validHeader + "\n" +
		"s1,prj1,sbj1,melanoma,70,F,tr1,y,PBMC,0,1,1,1,1,1\n" +
		"s2,prj1,sbj2,melanoma,abc,F,tr1,n,PBMC,0,1,1,1,1,1\n"
	records, err := Parse(strings.NewReader(data))
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError got %v", err)
	}
	if records != nil {
		t.Fatalf("expected no records on malformed file")
	}
	if len(verr.Malformed) != 1 || !strings.Contains(verr.Malformed[0], "age") {
		t.Fatalf("unexpected malformed list: %v", verr.Malformed)
	}
}

func TestParseDuplicateAndEmptySampleIDs(t *testing.T) {
	data := validHeader + "\n" +
		"s1,prj1,sbj1,melanoma,70,F,tr1,y,PBMC,0,1,1,1,1,1\n" +
		"s1,prj1,sbj2,melanoma,60,M,tr1,n,PBMC,0,1,1,1,1,1\n" +
		",prj1,sbj3,melanoma,50,F,tr1,y,PBMC,0,1,1,1,1,1\n"
	_, err := Parse(strings.NewReader(data))
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError got %v", err)
	}
	if len(verr.Malformed) != 2 {
		t.Fatalf("expected 2 malformed entries got %v", verr.Malformed)
	}
}

func TestParseNegativeCount(t *testing.T) {
	data := validHeader + "\n" +
		"s1,prj1,sbj1,melanoma,70,F,tr1,y,PBMC,0,-5,1,1,1,1\n"
	_, err := Parse(strings.NewReader(data))
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError got %v", err)
	}
	if len(verr.Malformed) != 1 || !strings.Contains(verr.Malformed[0], "b_cell") {
		t.Fatalf("unexpected malformed list: %v", verr.Malformed)
	}
}

func TestParseHeaderOnly(t *testing.T) {
	_, err := Parse(strings.NewReader(validHeader + "\n"))
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for empty file got %v", err)
	}
}
