package profiler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestOperationStats(t *testing.T) {
	p := New(Options{}, nil)
	for _, ms := range []int{5, 1, 3, 2, 4} {
		p.RecordDuration(OperationForward, time.Duration(ms)*time.Millisecond)
	}

	s, ok := p.Operation(OperationForward)
	require.True(t, ok)
	assert.Equal(t, int64(5), s.Count)
	assert.Equal(t, 3*time.Millisecond, s.Mean)
	assert.Equal(t, time.Millisecond, s.Min)
	assert.Equal(t, 5*time.Millisecond, s.Max)
	assert.Equal(t, 3*time.Millisecond, s.P50)
	assert.Equal(t, 5*time.Millisecond, s.P95)

	_, ok = p.Operation(OperationPostprocess)
	assert.False(t, ok)
}

func TestMaxSamples(t *testing.T) {
	p := New(Options{MaxSamples: 2}, nil)
	p.RecordDuration("op", 10*time.Millisecond)
	p.RecordDuration("op", time.Millisecond)
	p.RecordDuration("op", 3*time.Millisecond)

	s, ok := p.Operation("op")
	require.True(t, ok)
	assert.Equal(t, int64(3), s.Count)
	assert.Equal(t, 2*time.Millisecond, s.Mean)
	assert.Equal(t, 3*time.Millisecond, s.Max)
}

func TestStartOperation(t *testing.T) {
	p := New(Options{}, nil)
	stop := p.StartOperation(OperationFrame)
	time.Sleep(time.Millisecond)
	stop()

	s, ok := p.Operation(OperationFrame)
	require.True(t, ok)
	assert.GreaterOrEqual(t, s.Min, time.Millisecond)
}

func TestMetric(t *testing.T) {
	p := New(Options{}, nil)
	p.RecordMetric("detections", 2)
	p.RecordMetric("detections", 4)

	s, ok := p.Metric("detections")
	require.True(t, ok)
	assert.Equal(t, MetricStats{Count: 2, Mean: 3, Min: 2, Max: 4}, s)

	_, ok = p.Metric("missing")
	assert.False(t, ok)
}

func TestReport(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := New(Options{}, zap.New(core))
	p.RecordDuration(OperationForward, time.Millisecond)
	p.RecordDuration(OperationPostprocess, time.Millisecond)
	p.RecordMetric("detections", 1)

	p.Report()
	assert.Equal(t, 1, logs.FilterMessage("runtime").Len())
	ops := logs.FilterMessage("operation").All()
	require.Len(t, ops, 2)
	assert.Equal(t, OperationForward, ops[0].ContextMap()["name"])
	assert.Equal(t, 1, logs.FilterMessage("metric").Len())
}

func TestStartStop(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := New(Options{ReportInterval: 5 * time.Millisecond}, zap.New(core))
	p.Start(context.Background())
	p.Start(context.Background())

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("runtime").Len() > 0
	}, time.Second, 5*time.Millisecond)
	p.Stop()
	p.Stop()
}
