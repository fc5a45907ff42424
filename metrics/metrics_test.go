package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestIndependentInstances(t *testing.T) {
	a, b := New(), New()
	a.RecordingsStarted.Inc()

	if out := scrape(t, a); !strings.Contains(out, "lexmic_recordings_started_total 1") {
		t.Errorf("first instance missing its recording:\n%s", out)
	}
	if out := scrape(t, b); !strings.Contains(out, "lexmic_recordings_started_total 0") {
		t.Errorf("second instance shares state:\n%s", out)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.PipelineRuns.WithLabelValues("ok").Inc()
	m.PipelineRuns.WithLabelValues("decode").Add(2)

	out := scrape(t, m)
	for _, want := range []string{
		`lexmic_pipeline_runs_total{result="ok"} 1`,
		`lexmic_pipeline_runs_total{result="decode"} 2`,
		"lexmic_control_clients 0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
