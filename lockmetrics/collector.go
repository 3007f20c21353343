// Package lockmetrics exports the state of fairsync primitives as
// Prometheus metrics.
package lockmetrics

import (
	"sort"

	"github.com/llxisdsh/fairsync"
	"github.com/llxisdsh/fairsync/internal/syncutil"
	"github.com/prometheus/client_golang/prometheus"
)

// BufferStats is the part of a CircularBuffer the collector reads.
type BufferStats interface {
	Len() int
	Cap() int
	BlockedPushers() int
	BlockedPoppers() int
}

// Collector is a prometheus.Collector over a set of named locks and
// buffers. Values are read at scrape time.
type Collector struct {
	mu      syncutil.Mutex
	frw     map[string]*fairsync.FairRWLock
	irw     map[string]*fairsync.InstrumentedRWLock
	buffers map[string]BufferStats

	frwReaders   *prometheus.Desc
	frwWaiters   *prometheus.Desc
	frwWriter    *prometheus.Desc
	frwSlowPaths *prometheus.Desc

	irwReaders        *prometheus.Desc
	irwWriters        *prometheus.Desc
	irwBlockedReaders *prometheus.Desc
	irwBlockedWriters *prometheus.Desc
	irwExpensive      *prometheus.Desc
	irwContention     *prometheus.Desc

	bufLen            *prometheus.Desc
	bufCap            *prometheus.Desc
	bufBlockedPushers *prometheus.Desc
	bufBlockedPoppers *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns an empty collector whose metric names are prefixed
// with namespace.
func NewCollector(namespace string) *Collector {
	lock := []string{"lock"}
	buf := []string{"buffer"}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		frw:     make(map[string]*fairsync.FairRWLock),
		irw:     make(map[string]*fairsync.InstrumentedRWLock),
		buffers: make(map[string]BufferStats),

		frwReaders:   desc("frw_readers", "Readers holding the fair rwlock.", lock),
		frwWaiters:   desc("frw_waiters", "Goroutines queued on the fair rwlock.", lock),
		frwWriter:    desc("frw_writer_held", "1 if a writer holds the fair rwlock.", lock),
		frwSlowPaths: desc("frw_slow_paths_total", "Acquire and release calls that entered the internal mutex.", lock),

		irwReaders:        desc("irw_readers", "Readers holding the instrumented rwlock.", lock),
		irwWriters:        desc("irw_writers", "Writers holding the instrumented rwlock.", lock),
		irwBlockedReaders: desc("irw_blocked_readers", "Readers waiting for the instrumented rwlock.", lock),
		irwBlockedWriters: desc("irw_blocked_writers", "Writers waiting for the instrumented rwlock.", lock),
		irwExpensive:      desc("irw_write_expensive", "1 if an expensive writer holds or waits for the instrumented rwlock.", lock),
		irwContention: desc("irw_contention_total", "Readers that waited for a writer, by context.",
			[]string{"lock", "blocked", "blocking"}),

		bufLen:            desc("buffer_len", "Elements held by the circular buffer.", buf),
		bufCap:            desc("buffer_capacity", "Capacity of the circular buffer.", buf),
		bufBlockedPushers: desc("buffer_blocked_pushers", "Producers parked on a full circular buffer.", buf),
		bufBlockedPoppers: desc("buffer_blocked_poppers", "Consumers parked on an empty circular buffer.", buf),
	}
}

// AddFairRWLock registers l under name, replacing any lock of that name.
func (c *Collector) AddFairRWLock(name string, l *fairsync.FairRWLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frw[name] = l
}

// AddInstrumentedRWLock registers l under name. The collector takes the
// lock's mutex while reading it.
func (c *Collector) AddInstrumentedRWLock(name string, l *fairsync.InstrumentedRWLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irw[name] = l
}

// AddBuffer registers a circular buffer under name.
func (c *Collector) AddBuffer(name string, b BufferStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffers[name] = b
}

// Remove drops every primitive registered under name.
func (c *Collector) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.frw, name)
	delete(c.irw, name)
	delete(c.buffers, name)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.frwReaders, c.frwWaiters, c.frwWriter, c.frwSlowPaths,
		c.irwReaders, c.irwWriters, c.irwBlockedReaders, c.irwBlockedWriters,
		c.irwExpensive, c.irwContention,
		c.bufLen, c.bufCap, c.bufBlockedPushers, c.bufBlockedPoppers,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, l := range c.frw {
		s := l.State()
		ch <- prometheus.MustNewConstMetric(c.frwReaders, prometheus.GaugeValue, float64(s.Readers), name)
		ch <- prometheus.MustNewConstMetric(c.frwWaiters, prometheus.GaugeValue, float64(s.Waiters), name)
		ch <- prometheus.MustNewConstMetric(c.frwWriter, prometheus.GaugeValue, boolFloat(s.Writer), name)
		ch <- prometheus.MustNewConstMetric(c.frwSlowPaths, prometheus.CounterValue, float64(l.SlowPaths()), name)
	}

	for name, l := range c.irw {
		mu := l.Locker()
		mu.Lock()
		s := l.Stats()
		mu.Unlock()
		ch <- prometheus.MustNewConstMetric(c.irwReaders, prometheus.GaugeValue, float64(s.Readers), name)
		ch <- prometheus.MustNewConstMetric(c.irwWriters, prometheus.GaugeValue, float64(s.Writers), name)
		ch <- prometheus.MustNewConstMetric(c.irwBlockedReaders, prometheus.GaugeValue, float64(s.BlockedReaders), name)
		ch <- prometheus.MustNewConstMetric(c.irwBlockedWriters, prometheus.GaugeValue, float64(s.BlockedWriters), name)
		ch <- prometheus.MustNewConstMetric(c.irwExpensive, prometheus.GaugeValue, boolFloat(s.WriteLockIsExpensive), name)

		var pairs []fairsync.ContentionKey
		counts := make(map[fairsync.ContentionKey]uint64)
		l.Contention().Range(func(k fairsync.ContentionKey, n uint64) bool {
			pairs = append(pairs, k)
			counts[k] = n
			return true
		})
		sort.Slice(pairs, func(i, j int) bool {
			if pairs[i].Blocked != pairs[j].Blocked {
				return pairs[i].Blocked < pairs[j].Blocked
			}
			return pairs[i].Blocking < pairs[j].Blocking
		})
		for _, k := range pairs {
			ch <- prometheus.MustNewConstMetric(c.irwContention, prometheus.CounterValue,
				float64(counts[k]), name, k.Blocked.String(), k.Blocking.String())
		}
	}

	for name, b := range c.buffers {
		ch <- prometheus.MustNewConstMetric(c.bufLen, prometheus.GaugeValue, float64(b.Len()), name)
		ch <- prometheus.MustNewConstMetric(c.bufCap, prometheus.GaugeValue, float64(b.Cap()), name)
		ch <- prometheus.MustNewConstMetric(c.bufBlockedPushers, prometheus.GaugeValue, float64(b.BlockedPushers()), name)
		ch <- prometheus.MustNewConstMetric(c.bufBlockedPoppers, prometheus.GaugeValue, float64(b.BlockedPoppers()), name)
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
