package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandler_ExposesCounters(t *testing.T) {
	m := New()
	m.Ingested("canonical")
	m.Ingested("variant")
	m.Linked("linked")
	m.PointerIssued("anchor")
	m.Verified("ok")
	m.Drift()
	m.Batch(3, 20*time.Millisecond)
	m.StoreStats(func() (int, int64, error) { return 4, 2048, nil })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`tessera_messages_ingested_total{outcome="canonical"} 1`,
		`tessera_links_total{state="linked"} 1`,
		`tessera_pointers_issued_total{role="anchor"} 1`,
		`tessera_pointer_verifications_total{reason="ok"} 1`,
		`tessera_drift_detected_total 1`,
		`tessera_ingest_batch_size_count 1`,
		`tessera_blob_bytes 2048`,
		`go_goroutines`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestNil_NoPanic(t *testing.T) {
	var m *Metrics
	m.Ingested("canonical")
	m.Drift()
	m.Batch(1, time.Second)
}
