// Package metrics keeps process-wide workflow counters and duration timers,
// optionally mirroring them to a statsd agent
package metrics

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"

	"github.com/kode4food/cascade/pkg/log"
)

type (
	// Counter names a monotonically increasing workflow counter
	Counter string

	// Timer names a duration distribution
	Timer string

	// Metrics is safe for concurrent use. The zero value is not usable; call
	// New
	Metrics struct {
		counters map[Counter]*atomic.Int64
		timers   map[Timer]*timer
		sink     statsd.ClientInterface
		tags     []string
	}

	// Option configures Metrics
	Option func(*Metrics)

	// Snapshot is an immutable point-in-time copy of all metrics
	Snapshot struct {
		TakenAt  time.Time            `json:"taken_at"`
		Counters map[Counter]int64    `json:"counters"`
		Timers   map[Timer]TimerStats `json:"timers"`
	}

	// TimerStats summarizes the observed durations of a timer
	TimerStats struct {
		Count int64         `json:"count"`
		Total time.Duration `json:"total"`
		Min   time.Duration `json:"min"`
		Max   time.Duration `json:"max"`
		Mean  time.Duration `json:"mean"`
	}

	timer struct {
		mu    sync.Mutex
		stats TimerStats
	}
)

const (
	WorkflowsStarted     Counter = "workflows.started"
	WorkflowsCompleted   Counter = "workflows.completed"
	WorkflowsFailed      Counter = "workflows.failed"
	WorkflowsCancelled   Counter = "workflows.cancelled"
	WorkflowsPaused      Counter = "workflows.paused"
	WorkflowsResumed     Counter = "workflows.resumed"
	WorkflowsCompensated Counter = "workflows.compensated"

	StepsExecuted Counter = "steps.executed"
	StepsComplete Counter = "steps.completed"
	StepsFailed   Counter = "steps.failed"
	StepsRetried  Counter = "steps.retried"
	StepsSkipped  Counter = "steps.skipped"
	StepsTimedOut Counter = "steps.timed_out"

	CompensationsExecuted Counter = "compensations.executed"
	CompensationsFailed   Counter = "compensations.failed"
)

const (
	WorkflowDuration Timer = "workflow.duration"
	StepDuration     Timer = "step.duration"
)

const statsdNamespace = "cascade."

var (
	allCounters = [...]Counter{
		WorkflowsStarted, WorkflowsCompleted, WorkflowsFailed,
		WorkflowsCancelled, WorkflowsPaused, WorkflowsResumed,
		WorkflowsCompensated, StepsExecuted, StepsComplete, StepsFailed,
		StepsRetried, StepsSkipped, StepsTimedOut, CompensationsExecuted,
		CompensationsFailed,
	}

	allTimers = [...]Timer{WorkflowDuration, StepDuration}
)

// New creates an empty metrics registry
func New(opts ...Option) *Metrics {
	m := &Metrics{
		counters: make(map[Counter]*atomic.Int64, len(allCounters)),
		timers:   make(map[Timer]*timer, len(allTimers)),
	}
	for _, c := range allCounters {
		m.counters[c] = &atomic.Int64{}
	}
	for _, t := range allTimers {
		m.timers[t] = &timer{}
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// WithStatsd mirrors every update to the given statsd client
func WithStatsd(c statsd.ClientInterface) Option {
	return func(m *Metrics) {
		m.sink = c
	}
}

// WithTags sets the tags attached to statsd updates
func WithTags(tags ...string) Option {
	return func(m *Metrics) {
		m.tags = tags
	}
}

// NewStatsdClient connects a statsd client to addr
func NewStatsdClient(addr string, tags ...string) (*statsd.Client, error) {
	return statsd.New(addr,
		statsd.WithNamespace(statsdNamespace),
		statsd.WithTags(tags),
	)
}

// Inc adds one to the counter
func (m *Metrics) Inc(c Counter) {
	m.Add(c, 1)
}

// Add adds n to the counter. Unknown counters are ignored
func (m *Metrics) Add(c Counter, n int64) {
	ctr, ok := m.counters[c]
	if !ok {
		return
	}
	ctr.Add(n)
	if m.sink != nil {
		if err := m.sink.Count(string(c), n, m.tags, 1); err != nil {
			slog.Debug("Statsd count failed",
				slog.String("counter", string(c)),
				log.Error(err))
		}
	}
}

// Count returns the current value of a counter
func (m *Metrics) Count(c Counter) int64 {
	if ctr, ok := m.counters[c]; ok {
		return ctr.Load()
	}
	return 0
}

// Observe records a duration against a timer. Unknown timers are ignored
func (m *Metrics) Observe(t Timer, d time.Duration) {
	tm, ok := m.timers[t]
	if !ok {
		return
	}
	tm.observe(d)
	if m.sink != nil {
		if err := m.sink.Timing(string(t), d, m.tags, 1); err != nil {
			slog.Debug("Statsd timing failed",
				slog.String("timer", string(t)),
				log.Error(err))
		}
	}
}

// Timer returns the current statistics of a timer
func (m *Metrics) Timer(t Timer) TimerStats {
	if tm, ok := m.timers[t]; ok {
		return tm.snapshot()
	}
	return TimerStats{}
}

// Snapshot copies every counter and timer
func (m *Metrics) Snapshot() *Snapshot {
	res := &Snapshot{
		TakenAt:  time.Now(),
		Counters: make(map[Counter]int64, len(m.counters)),
		Timers:   make(map[Timer]TimerStats, len(m.timers)),
	}
	for c, ctr := range m.counters {
		res.Counters[c] = ctr.Load()
	}
	for t, tm := range m.timers {
		res.Timers[t] = tm.snapshot()
	}
	return res
}

// Counter returns the value of c at the time of the snapshot
func (s *Snapshot) Counter(c Counter) int64 {
	return s.Counters[c]
}

// Timer returns the statistics of t at the time of the snapshot
func (s *Snapshot) Timer(t Timer) TimerStats {
	return s.Timers[t]
}

func (t *timer) observe(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &t.stats
	if s.Count == 0 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
	s.Count++
	s.Total += d
	s.Mean = s.Total / time.Duration(s.Count)
}

func (t *timer) snapshot() TimerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
