package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.RulesFired.WithLabelValues("design_to_dev").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.RulesFired.WithLabelValues("design_to_dev")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.RulesFired.WithLabelValues("design_to_dev")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.WorkerStarts.WithLabelValues("architect").Inc()
	m.Progress.Set(35)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `rolerelay_worker_starts_total{role="architect"} 1`)
	assert.Contains(t, string(body), "rolerelay_progress_percent 35")
}
