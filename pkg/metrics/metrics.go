// Package metrics keeps in-process counters and timing histograms for the
// playback core. Values are exposed through Snapshot and logged by the run
// command; nothing is exported to an external system.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/latoulicious/Vivace/pkg/logging"
	"github.com/latoulicious/Vivace/pkg/music"
)

// Metric names used across the playback core.
const (
	SearchTotal       = "search.total"
	SearchLatency     = "search.latency"
	SearchStrategy    = "search.strategy"
	AcquireTotal      = "stream.acquire.total"
	AcquireLatency    = "stream.acquire.latency"
	JoinTotal         = "voice.join.total"
	ReconnectTotal    = "voice.reconnect.total"
	PlaybackErrors    = "playback.errors.total"
	PlaybackCompleted = "playback.completed.total"
	PersistTotal      = "session.persist.total"
)

// Type represents the type of metric
type Type int

const (
	CounterType Type = iota
	GaugeType
	TimingType
)

func (t Type) String() string {
	switch t {
	case CounterType:
		return "counter"
	case GaugeType:
		return "gauge"
	case TimingType:
		return "timing"
	default:
		return "unknown"
	}
}

// Metric is a single aggregated measurement. For timings Value holds the last
// observation in milliseconds and Count/Sum/Min/Max the running stats.
type Metric struct {
	Name      string            `json:"name"`
	Type      Type              `json:"type"`
	Value     float64           `json:"value"`
	Count     int64             `json:"count,omitempty"`
	Sum       float64           `json:"sum,omitempty"`
	Min       float64           `json:"min,omitempty"`
	Max       float64           `json:"max,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Avg returns the mean of a timing metric.
func (m Metric) Avg() float64 {
	if m.Count == 0 {
		return 0
	}
	return m.Sum / float64(m.Count)
}

// Snapshot is a point-in-time copy of every metric, keyed by name and tags.
type Snapshot struct {
	Timestamp time.Time         `json:"timestamp"`
	Metrics   map[string]Metric `json:"metrics"`
}

// Collector aggregates metrics in memory. A nil *Collector is valid and
// records nothing, so components can take one optionally.
type Collector struct {
	metrics map[string]Metric
	mu      sync.RWMutex
	logger  logging.Logger
}

// NewCollector creates a new collector
func NewCollector(logger logging.Logger) *Collector {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Collector{
		metrics: make(map[string]Metric),
		logger:  logger,
	}
}

// Counter adds value to a counter.
func (c *Collector) Counter(name string, value int64, tags map[string]string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := buildKey(name, tags)
	m := c.metrics[key]
	if m.Type != CounterType {
		m = Metric{}
	}
	m.Name = name
	m.Type = CounterType
	m.Value += float64(value)
	m.Tags = copyTags(tags)
	m.Timestamp = time.Now()
	c.metrics[key] = m
}

// Gauge sets a gauge to value.
func (c *Collector) Gauge(name string, value float64, tags map[string]string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics[buildKey(name, tags)] = Metric{
		Name:      name,
		Type:      GaugeType,
		Value:     value,
		Tags:      copyTags(tags),
		Timestamp: time.Now(),
	}
}

// Timing records a duration observation in milliseconds.
func (c *Collector) Timing(name string, d time.Duration, tags map[string]string) {
	if c == nil {
		return
	}
	ms := float64(d.Nanoseconds()) / 1e6

	c.mu.Lock()
	defer c.mu.Unlock()

	key := buildKey(name, tags)
	m, exists := c.metrics[key]
	if !exists || m.Type != TimingType {
		m = Metric{Name: name, Type: TimingType, Min: ms, Max: ms}
	}
	m.Value = ms
	m.Count++
	m.Sum += ms
	if ms < m.Min {
		m.Min = ms
	}
	if ms > m.Max {
		m.Max = ms
	}
	m.Tags = copyTags(tags)
	m.Timestamp = time.Now()
	c.metrics[key] = m
}

// Error counts a failure under its taxonomy kind.
func (c *Collector) Error(component string, err error) {
	if c == nil || err == nil {
		return
	}
	c.Counter(PlaybackErrors, 1, map[string]string{
		"component": component,
		"kind":      music.Classify(err).String(),
	})
}

// Get retrieves a specific metric
func (c *Collector) Get(name string, tags map[string]string) (Metric, bool) {
	if c == nil {
		return Metric{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.metrics[buildKey(name, tags)]
	return m, ok
}

// Snapshot returns a copy of all current metrics
func (c *Collector) Snapshot() Snapshot {
	snap := Snapshot{Timestamp: time.Now(), Metrics: make(map[string]Metric)}
	if c == nil {
		return snap
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	for key, m := range c.metrics {
		snap.Metrics[key] = m
	}
	return snap
}

// LogSnapshot writes every metric at info level, sorted by key.
func (c *Collector) LogSnapshot() {
	if c == nil {
		return
	}
	snap := c.Snapshot()
	keys := make([]string, 0, len(snap.Metrics))
	for k := range snap.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		m := snap.Metrics[k]
		fields := []logging.Field{
			logging.String("metric", k),
			logging.String("type", m.Type.String()),
			logging.Float64("value", m.Value),
		}
		if m.Type == TimingType {
			fields = append(fields,
				logging.Int64("count", m.Count),
				logging.Float64("avg_ms", m.Avg()),
				logging.Float64("max_ms", m.Max),
			)
		}
		c.logger.Info("Metric", fields...)
	}
}

// Reset clears all metrics
func (c *Collector) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = make(map[string]Metric)
}

// buildKey creates a stable key from the name and sorted tags.
func buildKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString(",")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(tags[k])
	}
	return b.String()
}

func copyTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
