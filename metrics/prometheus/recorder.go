// Package prometheus exports service counters and histograms through
// client_golang. Metric vectors are created lazily on first use.
package prometheus

import (
	"context"
	"strings"
	"sync"

	"github.com/goliatone/go-adsconnect/core"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultLabels covers every tag the service attaches to its operation metrics.
var DefaultLabels = []string{"operation", "status", "platform", "error_code"}

type Config struct {
	Namespace  string
	Registerer prometheus.Registerer
	// Labels fixes the label set of every vector. Tags outside it are
	// dropped and missing ones are exported as empty strings.
	Labels  []string
	Buckets []float64
}

type Recorder struct {
	namespace  string
	registerer prometheus.Registerer
	labels     []string
	buckets    []float64

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

var _ core.MetricsRecorder = (*Recorder)(nil)

func NewRecorder(cfg Config) *Recorder {
	registerer := cfg.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := cfg.Labels
	if len(labels) == 0 {
		labels = DefaultLabels
	}
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 10000}
	}
	return &Recorder{
		namespace:  SanitizeName(cfg.Namespace),
		registerer: registerer,
		labels:     append([]string(nil), labels...),
		buckets:    append([]float64(nil), buckets...),
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
	}
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	vec := r.counter(name)
	if vec == nil {
		return
	}
	vec.WithLabelValues(r.labelValues(tags)...).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	vec := r.histogram(name)
	if vec == nil {
		return
	}
	vec.WithLabelValues(r.labelValues(tags)...).Observe(value)
}

func (r *Recorder) counter(name string) *prometheus.CounterVec {
	metricName := SanitizeName(name)
	if metricName == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.counters[metricName]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: r.namespace,
		Name:      metricName,
		Help:      "Counter for " + name + ".",
	}, r.labels)
	vec = registerOrExisting(r.registerer, vec)
	r.counters[metricName] = vec
	return vec
}

func (r *Recorder) histogram(name string) *prometheus.HistogramVec {
	metricName := SanitizeName(name)
	if metricName == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.histograms[metricName]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: r.namespace,
		Name:      metricName,
		Help:      "Histogram for " + name + ".",
		Buckets:   r.buckets,
	}, r.labels)
	vec = registerOrExisting(r.registerer, vec)
	r.histograms[metricName] = vec
	return vec
}

// registerOrExisting lets two recorders share one registry.
func registerOrExisting[T prometheus.Collector](registerer prometheus.Registerer, collector T) T {
	if err := registerer.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return collector
}

func (r *Recorder) labelValues(tags map[string]string) []string {
	values := make([]string, len(r.labels))
	for index, label := range r.labels {
		values[index] = tags[label]
	}
	return values
}

// SanitizeName maps a dotted service metric name onto the Prometheus
// name alphabet: "adsconnect.collect.total" becomes "adsconnect_collect_total".
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	for index, char := range name {
		switch {
		case char >= 'a' && char <= 'z', char >= 'A' && char <= 'Z', char == '_', char == ':':
			b.WriteRune(char)
		case char >= '0' && char <= '9':
			if index == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(char)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
