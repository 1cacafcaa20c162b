package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterAccumulates(t *testing.T) {
	IncrCounter(GroupTransport, "test_counter_total", 1)
	IncrCounter(GroupTransport, "test_counter_total", 2)

	c := getCounter(GroupTransport, "test_counter_total", nil)
	require.NotNil(t, c)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.With(nil)))
}

func TestGaugeTracksLastValue(t *testing.T) {
	UpdateGauge(GroupLoop, "test_gauge", 7)
	UpdateGauge(GroupLoop, "test_gauge", 3)

	g := getGauge(GroupLoop, "test_gauge", nil)
	require.NotNil(t, g)
	assert.Equal(t, 3.0, testutil.ToFloat64(g.With(nil)))
}

func TestDimensionedCounter(t *testing.T) {
	dim := Dimension{"kind": "reliable"}
	IncrCounterWithDim(GroupTransport, "test_dim_total", 5, dim)

	c := getCounter(GroupTransport, "test_dim_total", dim)
	require.NotNil(t, c)
	assert.Equal(t, 5.0, testutil.ToFloat64(c.With(dim)))
}

func TestStopWatchRecordsElapsed(t *testing.T) {
	sw := NewStopWatch(GroupLoop, "test_watch_ms")
	time.Sleep(5 * time.Millisecond)
	d := sw.Stop()
	assert.GreaterOrEqual(t, d, 5*time.Millisecond)

	g := getGauge(GroupLoop, "test_watch_ms", nil)
	require.NotNil(t, g)
	assert.Greater(t, testutil.ToFloat64(g.With(nil)), 0.0)
}
