// Package metrics keeps process-wide counters and histograms for the
// marketplace and renders them in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// durationBuckets are the upper bounds, in seconds, shared by every latency
// histogram.
var durationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// family is one metric name with all of its label combinations.
type family interface {
	write(b *strings.Builder)
}

// registry owns a set of families. A single mutex guards every series so that
// a scrape sees a consistent snapshot.
type registry struct {
	mu       sync.Mutex
	families []family
}

var defaultRegistry = &registry{}

func (r *registry) counter(name, help string, labels ...string) *counterVec {
	c := &counterVec{reg: r, name: name, help: help, labels: labels, series: make(map[string]*counterSeries)}
	r.families = append(r.families, c)
	return c
}

func (r *registry) histogram(name, help string, buckets []float64, labels ...string) *histogramVec {
	h := &histogramVec{reg: r, name: name, help: help, labels: labels, buckets: buckets, series: make(map[string]*histogramSeries)}
	r.families = append(r.families, h)
	return h
}

func (r *registry) render() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	b.Grow(4096)
	for _, f := range r.families {
		f.write(&b)
	}
	return b.String()
}

type counterSeries struct {
	values []string
	value  float64
}

// counterVec is a monotonically increasing value per label combination.
type counterVec struct {
	reg    *registry
	name   string
	help   string
	labels []string
	series map[string]*counterSeries
}

func (c *counterVec) add(delta float64, values ...string) {
	key := seriesKey(c.name, c.labels, values)
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	s := c.series[key]
	if s == nil {
		s = &counterSeries{values: append([]string(nil), values...)}
		c.series[key] = s
	}
	s.value += delta
}

func (c *counterVec) inc(values ...string) { c.add(1, values...) }

func (c *counterVec) write(b *strings.Builder) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n", c.name, c.help, c.name)
	if len(c.labels) == 0 && len(c.series) == 0 {
		fmt.Fprintf(b, "%s 0\n", c.name)
		return
	}
	for _, key := range sortedKeys(c.series) {
		s := c.series[key]
		fmt.Fprintf(b, "%s%s %s\n", c.name, formatLabels(c.labels, s.values), formatFloat(s.value))
	}
}

type histogramSeries struct {
	values []string
	hist   *histogram
}

// histogramVec is a cumulative histogram per label combination.
type histogramVec struct {
	reg     *registry
	name    string
	help    string
	labels  []string
	buckets []float64
	series  map[string]*histogramSeries
}

func (h *histogramVec) observe(value float64, values ...string) {
	key := seriesKey(h.name, h.labels, values)
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	s := h.series[key]
	if s == nil {
		s = &histogramSeries{values: append([]string(nil), values...), hist: newHistogram(h.buckets)}
		h.series[key] = s
	}
	s.hist.observe(value)
}

func (h *histogramVec) write(b *strings.Builder) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
	names := append(append([]string(nil), h.labels...), "le")
	for _, key := range sortedKeys(h.series) {
		s := h.series[key]
		with := func(le string) string {
			return formatLabels(names, append(append([]string(nil), s.values...), le))
		}
		for idx, bound := range s.hist.buckets {
			fmt.Fprintf(b, "%s_bucket%s %d\n", h.name, with(formatFloat(bound)), s.hist.counts[idx])
		}
		fmt.Fprintf(b, "%s_bucket%s %d\n", h.name, with("+Inf"), s.hist.count)
		fmt.Fprintf(b, "%s_sum%s %s\n", h.name, formatLabels(h.labels, s.values), formatFloat(s.hist.sum))
		fmt.Fprintf(b, "%s_count%s %d\n", h.name, formatLabels(h.labels, s.values), s.hist.count)
	}
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{buckets: buckets, counts: make([]uint64, len(buckets))}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	// counts are cumulative; values above the last bound land only in +Inf.
	for i := len(h.buckets) - 1; i >= 0 && value <= h.buckets[i]; i-- {
		h.counts[i]++
	}
}

func seriesKey(name string, labels, values []string) string {
	if len(values) != len(labels) {
		panic(fmt.Sprintf("metrics: %s expects %d label values, got %d", name, len(labels), len(values)))
	}
	return strings.Join(values, "\xff")
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatLabels(names, values []string) string {
	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteString(`="`)
		b.WriteString(escape(values[i]))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

func escape(value string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(value)
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
