package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, LogLevelWarn, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, LogLevelInfo, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestExecutionLogger_AttachesContext(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelDebug, Format: "json", Output: &buf}).
		WithComponent("strategy").
		WithExecution("exec-1", "parallel_task_graph")

	l.Info("step dispatched", "step_id", "a")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "step dispatched", entry["msg"])
	assert.Equal(t, "strategy", entry["component"])
	assert.Equal(t, "exec-1", entry["execution_id"])
	assert.Equal(t, "parallel_task_graph", entry["strategy"])
	assert.Equal(t, "a", entry["step_id"])
}

func TestExecutionLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelWarn, Output: &buf})
	l.Info("hidden")
	assert.Empty(t, buf.String())

	l.Warn("step.failed", "step_id", "a")
	assert.Contains(t, buf.String(), "step.failed")
}

func TestForExecution(t *testing.T) {
	var buf bytes.Buffer
	l := ForExecution(NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "json", Output: &buf}), "exec-9", "plan_then_solve")

	l.Info("solve.start")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "exec-9", entry["execution_id"])
	assert.Equal(t, "plan_then_solve", entry["strategy"])

	core, logs := observer.New(zap.InfoLevel)
	ForExecution(NewZapAdapter(zap.New(core)), "exec-9", "plan_then_solve").Info("solve.start")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "exec-9", logs.All()[0].ContextMap()["execution_id"])

	assert.Equal(t, Logger(NoOpLogger{}), ForExecution(NoOpLogger{}, "x", "y"))
}

func TestZapAdapter(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewZapAdapter(zap.New(core)).With("component", "manager")

	l.Info("dispatch", "execution_id", "e1")
	l.Error("boom")

	require.Equal(t, 2, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "dispatch", entry.Message)
	assert.Equal(t, "e1", entry.ContextMap()["execution_id"])
	assert.Equal(t, "manager", entry.ContextMap()["component"])
}

func TestNoOpLogger(t *testing.T) {
	var l Logger = NoOpLogger{}
	l.Debug("x")
	l.Error("y", "k", "v")
}
