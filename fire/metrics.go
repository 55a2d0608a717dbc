package fire

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes pipeline exclusions and reconstruction outcomes. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	exclusions      *prometheus.CounterVec
	detections      *prometheus.GaugeVec
	fires           *prometheus.GaugeVec
	reconstructions *prometheus.CounterVec
	reconstructTime prometheus.Histogram
}

// NewMetrics registers the pipeline collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		exclusions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "firemesh_exclusions_total",
			Help: "Detections or fires excluded, by stage and reason",
		}, []string{"stage", "reason"}),
		detections: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "firemesh_stage_detections",
			Help: "Detections surviving each pipeline stage in the last run",
		}, []string{"stage"}),
		fires: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "firemesh_stage_fires",
			Help: "Fires surviving each pipeline stage in the last run",
		}, []string{"stage"}),
		reconstructions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "firemesh_reconstructions_total",
			Help: "Reconstruction units by outcome (polygon or null)",
		}, []string{"outcome"}),
		reconstructTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "firemesh_reconstruction_seconds",
			Help:    "Time spent building one polygon",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
}

func (m *Metrics) exclude(stage, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.exclusions.WithLabelValues(stage, reason).Add(float64(n))
}

func (m *Metrics) stage(stage string, detections, fires int) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(stage).Set(float64(detections))
	m.fires.WithLabelValues(stage).Set(float64(fires))
}

func (m *Metrics) reconstructed(null bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "polygon"
	if null {
		outcome = "null"
	}
	m.reconstructions.WithLabelValues(outcome).Inc()
	m.reconstructTime.Observe(elapsed.Seconds())
}
