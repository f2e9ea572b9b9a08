package metrics

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

func scrape(t *testing.T, handler http.Handler) (int, string) {
	t.Helper()
	server := httptest.NewServer(handler)
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("Failed to get metrics: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestPrometheusHTTPHandler(t *testing.T) {
	t.Run("basic_metrics_endpoint", func(t *testing.T) {
		SessionsTotal.Reset()
		BackendUp.Reset()

		SessionsTotal.WithLabelValues("accepted").Add(10)
		BackendUp.WithLabelValues("127.0.0.1:9001").Set(1)

		status, body := scrape(t, promhttp.Handler())
		if status != http.StatusOK {
			t.Errorf("Expected status 200, got %d", status)
		}
		if !strings.Contains(body, `balancer_sessions_total{result="accepted"} 10`) {
			t.Error("Expected accepted sessions to be 10")
		}
		if !strings.Contains(body, `balancer_backend_up{backend="127.0.0.1:9001"} 1`) {
			t.Error("Expected backend to be reported UP")
		}
	})

	t.Run("metrics_format", func(t *testing.T) {
		Reloads.Reset()
		Reloads.WithLabelValues("rejected").Inc()

		_, body := scrape(t, promhttp.Handler())
		if !strings.Contains(body, "# TYPE balancer_reloads_total counter") {
			t.Error("Expected TYPE comment for reloads counter")
		}
		if !strings.Contains(body, "# TYPE balancer_pool_size gauge") {
			t.Error("Expected TYPE comment for pool size gauge")
		}
	})

	t.Run("histogram_metrics_format", func(t *testing.T) {
		HealthProbeDuration.Reset()
		HealthProbeDuration.WithLabelValues("b:1").Observe(0.002)
		HealthProbeDuration.WithLabelValues("b:1").Observe(0.2)

		_, body := scrape(t, promhttp.Handler())
		if !strings.Contains(body, `balancer_health_probe_duration_seconds_count{backend="b:1"} 2`) {
			t.Error("Expected histogram count to be 2")
		}
		if !strings.Contains(body, "balancer_health_probe_duration_seconds_bucket{") {
			t.Error("Expected histogram bucket metrics")
		}
	})
}

// Mock error gatherer for testing error handling
type errorGatherer struct{}

func (e *errorGatherer) Gather() ([]*dto.MetricFamily, error) {
	return nil, fmt.Errorf("mock gatherer error")
}

func TestPrometheusHandlerGathererError(t *testing.T) {
	status, _ := scrape(t, promhttp.HandlerFor(&errorGatherer{}, promhttp.HandlerOpts{}))
	if status != http.StatusInternalServerError {
		t.Errorf("Expected status 500 on gatherer error, got %d", status)
	}
}
