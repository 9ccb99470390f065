package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordSend(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NoError(t, m.Register())

	m.RecordSend("lq.tcp", 5*time.Millisecond, nil)
	m.RecordSend("lq.tcp", 5*time.Millisecond, nil)
	m.RecordSend("lq.tcp", time.Millisecond, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sent.WithLabelValues("lq.tcp", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sent.WithLabelValues("lq.tcp", OutcomeFailure)))

	totals := m.Totals()
	assert.Equal(t, uint64(2), totals.Sent)
	assert.Equal(t, uint64(1), totals.SendFailures)
	assert.False(t, totals.CollectedAt.IsZero())
}

func TestMetrics_RecordJobRun(t *testing.T) {
	m := New(prometheus.NewRegistry())
	require.NoError(t, m.Register())

	m.RecordJobRun("cleanup", "polling", time.Second, nil)
	m.RecordJobRun("cleanup", "polling", time.Second, errors.New("failed"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("cleanup", "polling", OutcomeFailure)))
	assert.Equal(t, uint64(2), m.Totals().JobRuns)
	assert.Equal(t, uint64(1), m.Totals().JobFailures)
}

func TestMetrics_StageAndSubscriptions(t *testing.T) {
	m := New(prometheus.NewRegistry())
	require.NoError(t, m.Register())

	m.RecordStage("transports", "activate", 10*time.Millisecond, nil)
	m.SetSubscriptions(3)
	m.RecordReceive("memory", nil)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.subscriptions))
	assert.Equal(t, 1, testutil.CollectAndCount(m.stageDuration))
	assert.Equal(t, uint64(1), m.Totals().Received)
}

func TestMetrics_RegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := New(reg)
	require.NoError(t, first.Register())
	require.NoError(t, first.Register())

	second := New(reg)
	assert.NoError(t, second.Register(), "already registered collectors are tolerated")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		require.NoError(t, m.Register())
		m.RecordSend("x", time.Second, nil)
		m.RecordReceive("x", nil)
		m.RecordStage("s", "activate", time.Second, nil)
		m.RecordJobRun("j", "scheduled", time.Second, nil)
		m.SetSubscriptions(1)
		m.Reset()
	})
	assert.Zero(t, m.Totals().Sent)
}

func TestMetrics_Reset(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordSend("memory", time.Millisecond, nil)
	m.Reset()
	assert.Zero(t, m.Totals().Sent)
	assert.Equal(t, 0, testutil.CollectAndCount(m.sent))
}
