package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func findMetric(t *testing.T, m *Metrics, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, metric := range f.GetMetric() {
			for k, v := range labels {
				found := false
				for _, lp := range metric.GetLabel() {
					if lp.GetName() == k && lp.GetValue() == v {
						found = true
					}
				}
				if !found {
					continue next
				}
			}
			return metric
		}
	}
	return nil
}

func TestU_Metrics_TSA(t *testing.T) {
	m := New()
	m.TSAAttempt("FreeTSA", false, 20*time.Millisecond)
	m.TSAAttempt("FreeTSA", true, 30*time.Millisecond)
	m.TSAAttempt("FreeTSA", true, 30*time.Millisecond)
	m.TSAProbe("DigiCert", true)

	ok := findMetric(t, m, "qsign_tsa_attempts_total", map[string]string{"authority": "FreeTSA", "result": "success"})
	if ok == nil || ok.GetCounter().GetValue() != 2 {
		t.Errorf("success counter = %v", ok)
	}
	alive := findMetric(t, m, "qsign_tsa_alive", map[string]string{"authority": "DigiCert"})
	if alive == nil || alive.GetGauge().GetValue() != 1 {
		t.Errorf("alive gauge = %v", alive)
	}
	m.TSAProbe("DigiCert", false)
	alive = findMetric(t, m, "qsign_tsa_alive", map[string]string{"authority": "DigiCert"})
	if alive.GetGauge().GetValue() != 0 {
		t.Error("probe failure should reset the gauge")
	}
}

func TestU_Metrics_DocumentSigned(t *testing.T) {
	m := New()
	m.DocumentSigned(true, "", true, time.Second)
	m.DocumentSigned(false, "validating", false, time.Millisecond)

	failed := findMetric(t, m, "qsign_documents_signed_total", map[string]string{"result": "failure", "stage": "validating"})
	if failed == nil || failed.GetCounter().GetValue() != 1 {
		t.Errorf("failure counter = %v", failed)
	}
	h := findMetric(t, m, "qsign_sign_duration_seconds", nil)
	if h == nil || h.GetHistogram().GetSampleCount() != 2 {
		t.Errorf("duration histogram = %v", h)
	}
}

func TestU_Metrics_Handler(t *testing.T) {
	m := New()
	m.HTTPRequest("POST", "/api/v1/sign", 200, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `qsign_http_requests_total{method="POST",route="/api/v1/sign",status="200"} 1`) {
		t.Errorf("exposition missing request counter:\n%s", body)
	}
}
