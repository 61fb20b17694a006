package kmetrics

import (
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Bridge periodically copies every named metric in Registry into a
// prometheus registry, so operators can scrape the same numbers that feed
// the rcrowley-backed in-process registry over HTTP. It is a read path
// only: the rcrowley registry remains the single source of truth, exactly
// as the teacher's own metrics.Collect periodically serializes its
// registry to a sink (there, a JSON file; here, prometheus gauges).
type Bridge struct {
	namespace string
	gauges    map[string]prometheus.Gauge
	promReg   *prometheus.Registry
}

// NewBridge creates a Bridge registered against a fresh prometheus
// registry under the given namespace (e.g. "kademlia").
func NewBridge(namespace string) *Bridge {
	return &Bridge{
		namespace: namespace,
		gauges:    make(map[string]prometheus.Gauge),
		promReg:   prometheus.NewRegistry(),
	}
}

// Registry returns the prometheus registry an HTTP handler
// (promhttp.HandlerFor) should serve.
func (b *Bridge) Registry() *prometheus.Registry {
	return b.promReg
}

// Run copies Registry into the prometheus gauges every period until stop is
// closed. It is meant to run in its own goroutine, analogous to the
// teacher's metrics.Collect loop.
func (b *Bridge) Run(period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sample()
		case <-stop:
			return
		}
	}
}

func (b *Bridge) sample() {
	Registry.Each(func(name string, i interface{}) {
		g, ok := b.gauges[name]
		if !ok {
			g = prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: b.namespace,
				Name:      sanitize(name),
				Help:      "bridged from the in-process rcrowley/go-metrics registry",
			})
			b.promReg.MustRegister(g)
			b.gauges[name] = g
		}
		switch m := i.(type) {
		case gometrics.Meter:
			g.Set(float64(m.Count()))
		case gometrics.Counter:
			g.Set(float64(m.Count()))
		case gometrics.Gauge:
			g.Set(float64(m.Value()))
		case gometrics.Timer:
			g.Set(m.Mean())
		}
	})
}

func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
