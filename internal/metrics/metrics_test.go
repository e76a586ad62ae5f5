package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/queuectl/pkg/types"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsEnqueued, "jobsEnqueued counter should be initialized")
	assert.NotNil(t, collector.jobsClaimed, "jobsClaimed counter should be initialized")
	assert.NotNil(t, collector.execDuration, "execDuration histogram should be initialized")
	assert.NotNil(t, collector.jobsByState, "jobsByState gauge should be initialized")
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestCounters(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	for i := 0; i < 3; i++ {
		c.RecordEnqueue()
	}
	c.RecordClaim()
	c.RecordOutcome(types.StateCompleted, 0.2)
	c.RecordOutcome(types.StateFailed, 0.1)
	c.RecordOutcome(types.StateFailed, 0.1)
	c.RecordOutcome(types.StateDead, 0.1)
	c.RecordReclaimed(2)
	c.RecordReclaimed(0)
	c.RecordDLQRetry()
	c.RecordStoreError("claim")

	assert.Equal(t, 3.0, testutil.ToFloat64(c.jobsEnqueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsClaimed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCompleted))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsRetried))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsDead))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsReclaimed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dlqRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.storeErrors.WithLabelValues("claim")))
}

func TestUpdateQueueStats(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.UpdateQueueStats(types.Counts{Pending: 4, Dead: 1})

	assert.Equal(t, 4.0, testutil.ToFloat64(c.jobsByState.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsByState.WithLabelValues("dead")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsByState.WithLabelValues("processing")))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordEnqueue()
		c.RecordClaim()
		c.RecordOutcome(types.StateDead, 1)
		c.RecordReclaimed(1)
		c.RecordDLQRetry()
		c.RecordStoreError("put")
		c.UpdateQueueStats(types.Counts{})
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.RecordEnqueue()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "queuectl_jobs_enqueued_total 1"))
}
