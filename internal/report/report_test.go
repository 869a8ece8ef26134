package report_test

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devloop/internal/report"
	"devloop/internal/testloop"
)

func sampleReport() *testloop.Report {
	return &testloop.Report{
		Mode:    testloop.ModeAll,
		Started: time.Now(),
		Phases: []testloop.Phase{
			{Name: "unit", Passed: true, Duration: 1200 * time.Millisecond},
			{Name: "e2e", Passed: false, Infra: true, ExitCode: 3,
				Duration: 20 * time.Second,
				Excerpt:  []string{"health check for app timed out"}},
		},
		ExitCode: 3,
	}
}

func TestFormatTestReport_Text(t *testing.T) {
	var buf bytes.Buffer
	f := report.NewFormatter(&buf, false)
	require.NoError(t, f.FormatTestReport(sampleReport()))

	out := buf.String()
	assert.Contains(t, out, "test run (all)")
	assert.Contains(t, out, "PASS")
	assert.Contains(t, out, "INFRA")
	assert.Contains(t, out, "health check for app timed out")
	assert.Contains(t, out, "environment failure")
}

func TestFormatTestReport_JSON(t *testing.T) {
	var buf bytes.Buffer
	f := report.NewFormatter(&buf, true)
	require.NoError(t, f.FormatTestReport(sampleReport()))

	var decoded testloop.Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, testloop.ModeAll, decoded.Mode)
	require.Len(t, decoded.Phases, 2)
	assert.Equal(t, 3, decoded.ExitCode)
	assert.True(t, decoded.Phases[1].Infra)
}

func TestFormatTestReport_AllPassed(t *testing.T) {
	var buf bytes.Buffer
	f := report.NewFormatter(&buf, false)
	r := &testloop.Report{
		Mode:   testloop.ModeUnit,
		Phases: []testloop.Phase{{Name: "unit", Passed: true}},
	}
	require.NoError(t, f.FormatTestReport(r))
	assert.Contains(t, buf.String(), "all phases passed")
}

func TestFormatStatus(t *testing.T) {
	var buf bytes.Buffer
	f := report.NewFormatter(&buf, false)
	require.NoError(t, f.FormatStatus("engine", "ready"))
	assert.Contains(t, buf.String(), "engine ready")
}

func TestFormatStatus_JSON(t *testing.T) {
	var buf bytes.Buffer
	f := report.NewFormatter(&buf, true)
	require.NoError(t, f.FormatStatus("sidecar", "recovering"))

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "sidecar", decoded["component"])
	assert.Equal(t, "recovering", decoded["state"])
}

func TestFormatError(t *testing.T) {
	var buf bytes.Buffer
	f := report.NewFormatter(&buf, false)
	require.NoError(t, f.FormatError(assert.AnError, []string{"line one", "line two"}))
	out := buf.String()
	assert.Contains(t, out, "error:")
	assert.Contains(t, out, "line one")
}
