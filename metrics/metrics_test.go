package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	c.ExecutionStarted()
	c.ExecutionStarted()
	c.ExecutionFinished("parallel_task_graph", "completed")
	c.ExecutionEvicted()
	c.ObserveStep("parallel_task_graph", "success", 10*time.Millisecond)
	c.ObserveStep("parallel_task_graph", "skipped", 0)
	c.EventDropped("ToolUpdate")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.executionsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeExecutions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsFinished.WithLabelValues("parallel_task_graph", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.steps.WithLabelValues("parallel_task_graph", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsDropped.WithLabelValues("ToolUpdate")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.stepDuration))
}

func TestCollector_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := New(reg)
	require.NoError(t, err)
	b, err := New(reg)
	require.NoError(t, err)

	a.ExecutionStarted()
	b.ExecutionStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(a.executionsStarted))
}

func TestCollector_NilIsNoOp(t *testing.T) {
	var c *Collector
	c.ExecutionStarted()
	c.ExecutionFinished("x", "y")
	c.ExecutionEvicted()
	c.ObserveStep("x", "y", time.Second)
	c.EventDropped("Content")
}
