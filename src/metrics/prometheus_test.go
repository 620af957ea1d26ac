package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Nothing is listening here, so pushes fail fast.
const url = "http://localhost:9999"

func TestNoMetrics(t *testing.T) {
	m := initMetrics(url, 50*time.Millisecond)
	assert.False(t, m.newMetrics)
	m.stop()
	assert.False(t, m.newMetrics, "Stop should not push when there are no metrics")
}

func TestStopPushesRecordedMetrics(t *testing.T) {
	m := initMetrics(url, 50*time.Millisecond)
	RecordCommand("instrument", true, time.Second)
	assert.True(t, m.newMetrics)
	m.stop()
	assert.False(t, m.newMetrics, "Stop should attempt a push when there are metrics")
}

func TestRecordTool(t *testing.T) {
	m := initMetrics(url, 50*time.Millisecond)
	RecordTool("cargo", true, time.Second)
	RecordTool("llvm-profdata", false, time.Second)
	assert.True(t, m.newMetrics)
	m.stop()
	assert.False(t, m.newMetrics)
}

func TestRecordingWithoutInitIsANoop(t *testing.T) {
	m = nil
	RecordCommand("optimize", false, time.Second)
	RecordTool("llvm-bolt", true, time.Second)
	Stop()
}
