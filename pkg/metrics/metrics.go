package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the service's Prometheus collectors on a private
// registry, so tests and the /metrics endpoint see exactly these series.
type Metrics struct {
	registry *prometheus.Registry

	PredictionsTotal   *prometheus.CounterVec
	PredictionDuration prometheus.Histogram
	ModelLoaded        prometheus.Gauge
	ModelRMSE          prometheus.Gauge
	ModelReloadsTotal  prometheus.Counter
	SubprocessRestarts *prometheus.CounterVec
	HTTPRequestsTotal  *prometheus.CounterVec
}

// New creates and registers all collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		PredictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taxi_predictor",
			Name:      "predictions_total",
			Help:      "Prediction requests by outcome (ok, invalid, fault, not_initialized).",
		}, []string{"outcome"}),
		PredictionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "taxi_predictor",
			Name:      "prediction_duration_seconds",
			Help:      "Wall time of the prediction hot path.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		ModelLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taxi_predictor",
			Name:      "model_loaded",
			Help:      "1 when a model is loaded, 0 otherwise.",
		}),
		ModelRMSE: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taxi_predictor",
			Name:      "model_rmse",
			Help:      "Reported error metric of the currently loaded model.",
		}),
		ModelReloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taxi_predictor",
			Name:      "model_reloads_total",
			Help:      "Successful model slot swaps.",
		}),
		SubprocessRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taxi_predictor",
			Name:      "subprocess_restarts_total",
			Help:      "Restarts of supervised auxiliary processes.",
		}, []string{"name"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taxi_predictor",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
	}

	reg.MustRegister(
		m.PredictionsTotal,
		m.PredictionDuration,
		m.ModelLoaded,
		m.ModelRMSE,
		m.ModelReloadsTotal,
		m.SubprocessRestarts,
		m.HTTPRequestsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Gatherer exposes the private registry for promhttp
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// ObservePrediction implements predict.Recorder
func (m *Metrics) ObservePrediction(outcome string, seconds float64) {
	m.PredictionsTotal.WithLabelValues(outcome).Inc()
	m.PredictionDuration.Observe(seconds)
}

// SetModelInfo implements predict.Recorder
func (m *Metrics) SetModelInfo(loaded bool, rmse float64) {
	if loaded {
		m.ModelLoaded.Set(1)
		m.ModelRMSE.Set(rmse)
		m.ModelReloadsTotal.Inc()
		return
	}
	m.ModelLoaded.Set(0)
}
