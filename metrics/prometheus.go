package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exports a Registry's metrics as Prometheus gauges on each
// Collect call, giving the pluggable-sink requirement a concrete,
// ecosystem-standard implementation.
type PrometheusSink struct {
	reg       *Registry
	namespace string
	gatherer  *prometheus.Registry
	gauges    map[string]prometheus.Gauge
}

func NewPrometheusSink(reg *Registry, namespace string) *PrometheusSink {
	if reg == nil {
		reg = DefaultRegistry
	}
	return &PrometheusSink{
		reg:       reg,
		namespace: namespace,
		gatherer:  prometheus.NewRegistry(),
		gauges:    make(map[string]prometheus.Gauge),
	}
}

// Collect snapshots every metric in the bound Registry into its Prometheus
// gauge, creating gauges for newly-registered metrics on first sight.
func (s *PrometheusSink) Collect() {
	s.reg.Each(func(name string, metric interface{}) {
		g, ok := s.gauges[name]
		if !ok {
			g = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: s.namespace, Name: sanitizeName(name)})
			s.gatherer.MustRegister(g)
			s.gauges[name] = g
		}
		switch m := metric.(type) {
		case Counter:
			g.Set(float64(m.Snapshot().Count()))
		case Gauge:
			g.Set(float64(m.Snapshot().Value()))
		case Meter:
			g.Set(float64(m.Snapshot().Count()))
		}
	})
}

// Gatherer exposes the underlying prometheus.Registry for HTTP handler
// wiring (e.g. promhttp.HandlerFor).
func (s *PrometheusSink) Gatherer() *prometheus.Registry { return s.gatherer }

func sanitizeName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
