package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return NewMetricsWithRegistry(reg, reg)
}

func TestRecordExtraction(t *testing.T) {
	m := newTestMetrics()

	m.RecordExtraction("success", 200*time.Millisecond)
	m.RecordExtraction("success", 300*time.Millisecond)
	m.RecordExtraction("circuit_open", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ExtractionsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExtractionsTotal.WithLabelValues("circuit_open")))
}

func TestRecordReviewAndMatch(t *testing.T) {
	m := newTestMetrics()

	m.RecordReview("approved", true)
	m.RecordReview("approved", false)
	m.RecordMatch("exact")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReviewsTotal.WithLabelValues("approved", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReviewsTotal.WithLabelValues("approved", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MatchesTotal.WithLabelValues("exact")))
}

func TestRecordAttachment(t *testing.T) {
	m := newTestMetrics()

	m.RecordAttachment("stored", 2048)
	m.RecordAttachment("upload_failed", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttachmentsTotal.WithLabelValues("stored")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.AttachmentSize))
}

func TestHTTPHandlerExposesMetrics(t *testing.T) {
	m := newTestMetrics()
	m.RecordWebhookDelivery("accepted")
	m.UpdateSystemMetrics()

	rec := httptest.NewRecorder()
	m.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `brokerinbox_webhook_deliveries_total{outcome="accepted"} 1`)
	assert.Contains(t, rec.Body.String(), "brokerinbox_uptime_seconds")
}
