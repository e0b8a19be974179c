// Package profiler - Timing of detector operations and periodic runtime
// reports.
package profiler

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Operation names recorded by the detector command and the benchmarks.
const (
	OperationPreprocess  = "preprocess"
	OperationForward     = "forward"
	OperationPostprocess = "postprocess"
	OperationFrame       = "frame"
)

// Options configures a Profiler.
type Options struct {
	// ReportInterval is how often Start logs a report (default: 2s).
	ReportInterval time.Duration
	// MaxSamples is the number of recent durations kept per operation
	// (default: 600).
	MaxSamples int
}

// Profiler records the durations of named operations and custom metrics.
// It is safe for concurrent use.
type Profiler struct {
	reportInterval time.Duration
	maxSamples     int
	logger         *zap.Logger

	mu         sync.Mutex
	startTime  time.Time
	operations map[string]*timeTracker
	metrics    map[string]*metricTracker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type timeTracker struct {
	durations []time.Duration
	count     int64
}

type metricTracker struct {
	values []float64
	count  int64
}

// New returns a profiler that logs its reports to logger. A nil logger
// disables reports.
func New(opts Options, logger *zap.Logger) *Profiler {
	if opts.ReportInterval == 0 {
		opts.ReportInterval = 2 * time.Second
	}
	if opts.MaxSamples == 0 {
		opts.MaxSamples = 600
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Profiler{
		reportInterval: opts.ReportInterval,
		maxSamples:     opts.MaxSamples,
		logger:         logger.Named("profiler"),
		startTime:      time.Now(),
		operations:     make(map[string]*timeTracker),
		metrics:        make(map[string]*metricTracker),
	}
}

// Start logs a report every report interval until ctx is done or Stop is
// called. Calling Start on a running profiler does nothing.
func (p *Profiler) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.reportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Report()
			}
		}
	}()
}

// Stop ends the report loop and waits for it to exit.
func (p *Profiler) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

// StartOperation begins timing an operation. The returned function records
// the elapsed time.
func (p *Profiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		p.RecordDuration(name, time.Since(start))
	}
}

// RecordDuration records one duration of an operation.
func (p *Profiler) RecordDuration(name string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.operations[name]
	if !ok {
		t = &timeTracker{}
		p.operations[name] = t
	}
	t.durations = append(t.durations, d)
	if len(t.durations) > p.maxSamples {
		t.durations = t.durations[1:]
	}
	t.count++
}

// RecordMetric records one value of a custom metric.
func (p *Profiler) RecordMetric(name string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.metrics[name]
	if !ok {
		m = &metricTracker{}
		p.metrics[name] = m
	}
	m.values = append(m.values, value)
	if len(m.values) > p.maxSamples {
		m.values = m.values[1:]
	}
	m.count++
}

// OperationStats summarizes the recent durations of an operation.
type OperationStats struct {
	// Count is the number of durations ever recorded.
	Count int64         `json:"count"`
	Mean  time.Duration `json:"mean"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
}

// Operation returns the statistics of an operation, and false if it was never
// recorded.
func (p *Profiler) Operation(name string) (OperationStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.operations[name]
	if !ok {
		return OperationStats{}, false
	}
	return summarize(t.durations, t.count), true
}

// Operations returns the statistics of every recorded operation.
func (p *Profiler) Operations() map[string]OperationStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := make(map[string]OperationStats, len(p.operations))
	for name, t := range p.operations {
		stats[name] = summarize(t.durations, t.count)
	}
	return stats
}

// MetricStats summarizes the recent values of a custom metric.
type MetricStats struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Metric returns the statistics of a custom metric, and false if it was never
// recorded.
func (p *Profiler) Metric(name string) (MetricStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.metrics[name]
	if !ok || len(m.values) == 0 {
		return MetricStats{}, false
	}
	s := MetricStats{Count: m.count, Min: m.values[0], Max: m.values[0]}
	sum := 0.0
	for _, v := range m.values {
		sum += v
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Mean = sum / float64(len(m.values))
	return s, true
}

func summarize(durations []time.Duration, count int64) OperationStats {
	if len(durations) == 0 {
		return OperationStats{Count: count}
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	return OperationStats{
		Count: count,
		Mean:  total / time.Duration(len(sorted)),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
	}
}

// percentile uses the nearest rank of a sorted sample.
func percentile(sorted []time.Duration, q float64) time.Duration {
	rank := int(q*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// MemoryStats is a snapshot of the Go heap.
type MemoryStats struct {
	AllocBytes     uint64 `json:"alloc_bytes"`
	TotalAlloc     uint64 `json:"total_alloc_bytes"`
	SysBytes       uint64 `json:"sys_bytes"`
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	NumGC          uint32 `json:"num_gc"`
}

// ReadMemory returns the current memory statistics of the process.
func ReadMemory() MemoryStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemoryStats{
		AllocBytes:     m.Alloc,
		TotalAlloc:     m.TotalAlloc,
		SysBytes:       m.Sys,
		HeapAllocBytes: m.HeapAlloc,
		NumGC:          m.NumGC,
	}
}

// Report logs the statistics of every operation and metric, and the memory
// usage.
func (p *Profiler) Report() {
	mem := ReadMemory()
	p.logger.Info("runtime",
		zap.Duration("uptime", time.Since(p.startTime).Truncate(time.Millisecond)),
		zap.Int("goroutines", runtime.NumGoroutine()),
		zap.Uint64("heap_alloc_bytes", mem.HeapAllocBytes),
		zap.Uint64("sys_bytes", mem.SysBytes),
		zap.Uint32("num_gc", mem.NumGC),
	)

	operations := p.Operations()
	names := make([]string, 0, len(operations))
	for name := range operations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := operations[name]
		p.logger.Info("operation",
			zap.String("name", name),
			zap.Int64("count", s.Count),
			zap.Duration("mean", s.Mean),
			zap.Duration("p50", s.P50),
			zap.Duration("p95", s.P95),
			zap.Duration("max", s.Max),
		)
	}

	p.mu.Lock()
	metricNames := make([]string, 0, len(p.metrics))
	for name := range p.metrics {
		metricNames = append(metricNames, name)
	}
	p.mu.Unlock()
	sort.Strings(metricNames)
	for _, name := range metricNames {
		if s, ok := p.Metric(name); ok {
			p.logger.Info("metric",
				zap.String("name", name),
				zap.Float64("mean", s.Mean),
				zap.Float64("min", s.Min),
				zap.Float64("max", s.Max),
			)
		}
	}
}
