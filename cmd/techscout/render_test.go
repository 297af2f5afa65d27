package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"techscout/internal"
	"techscout/internal/util"
)

func TestPrintReportShowsTablesAndAdvisory(t *testing.T) {
	report := internal.ParsedReport{
		Summary: internal.ReportSummary{Evaluated: 2, Added: 1, Rejected: 1},
		Technologies: internal.TechnologyLists{
			Added:    []internal.ParsedTechnology{{Name: "UV Reactor X200", Provider: "AquaTech", Score: 85, QueueID: util.StringPtr("q-2"), MatchScore: 0.88}},
			Rejected: []internal.ParsedTechnology{{Name: "Bomba X", Provider: "ProvCo", Score: 40}},
		},
		Conclusions:        []string{"Cartera sólida."},
		TechnicalErrors:    []string{"Error de conexión con la fuente"},
		HadTechnicalIssues: true,
	}

	var buf bytes.Buffer
	printReport(&buf, report)
	out := buf.String()

	assert.Contains(t, out, "evaluated=2 added=1 review=0 rejected=1")
	assert.Contains(t, out, "UV Reactor X200")
	assert.Contains(t, out, "q-2 (0.88)")
	assert.Contains(t, out, "unmatched")
	assert.NotContains(t, out, "Review (")
	assert.Contains(t, out, "Cartera sólida.")
	assert.Contains(t, out, "Error de conexión con la fuente")
}

func TestPrintReportWithoutIssues(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, internal.ParsedReport{})
	assert.Contains(t, buf.String(), "No technical issues detected")
}
