package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCountsAndExposes(t *testing.T) {
	// Two collectors in one process must not clash on registration.
	_ = NewPrometheusCollector()
	c := NewPrometheusCollector()

	c.DeviceConnected("source")
	c.DeviceConnected("viewer")
	c.DeviceDisconnected("viewer")
	c.MessageForwarded("offer", 1)
	c.MessageDropped("ice-candidate")

	if got := testutil.ToFloat64(c.activeDevices.WithLabelValues("viewer")); got != 0 {
		t.Fatalf("active viewers = %v", got)
	}
	if got := testutil.ToFloat64(c.connections.WithLabelValues("viewer")); got != 1 {
		t.Fatalf("viewer connections = %v", got)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"beam_messages_forwarded_total", "beam_messages_dropped_total", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition lacks %s", want)
		}
	}
}
