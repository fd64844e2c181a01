package predict

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/mlopslab/taxi-predictor/pkg/features"
	"github.com/mlopslab/taxi-predictor/pkg/logging"
	"github.com/mlopslab/taxi-predictor/pkg/model"
	"github.com/mlopslab/taxi-predictor/pkg/registry"
)

// ErrNotInitialized is returned before the first successful model load
var ErrNotInitialized = errors.New("prediction service has no model loaded")

// PredictorFaultError wraps a failure inside the predictor itself.
// Surfaced as 500; the model stays loaded because faults are per-request.
type PredictorFaultError struct {
	Err error
}

func (e *PredictorFaultError) Error() string {
	return "predictor fault: " + e.Err.Error()
}

func (e *PredictorFaultError) Unwrap() error { return e.Err }

const (
	maxDurationMinutes = 600.0

	baseConfidence       = 0.85
	longTripConfidence   = 0.90 // multiplier when distance_km > 50
	rushHourConfidence   = 0.95 // multiplier during rush hour
	longTripThresholdKm  = 50.0
	secondsUnitThreshold = 60.0 // heuristic: raw output above this is seconds
)

// Prediction is the transient result returned to callers
type Prediction struct {
	DurationMinutes float64
	Confidence      float64
	ModelVersion    string
	Timestamp       time.Time
	Features        features.Vector
}

// Service owns the single loaded-model slot. Reads are lock-free; reload
// swaps the pointer atomically so a request that began before the swap
// completes against the old model and later requests see the new one.
// The scan and deserialize of a reload happen outside any critical
// section, the swap itself is one pointer store.
type Service struct {
	scanner *registry.Scanner
	builder *features.Builder
	logger  *logging.Logger
	current atomic.Pointer[model.LoadedModel]
	metrics Recorder
}

// Recorder receives prediction outcomes for observability. Optional.
type Recorder interface {
	ObservePrediction(outcome string, seconds float64)
	SetModelInfo(loaded bool, rmse float64)
}

// NewService creates an empty prediction service; call Reload to
// populate the model slot
func NewService(scanner *registry.Scanner, builder *features.Builder, logger *logging.Logger, metrics Recorder) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{
		scanner: scanner,
		builder: builder,
		logger:  logger,
		metrics: metrics,
	}
}

// Current returns the loaded model, or ErrNotInitialized
func (s *Service) Current() (*model.LoadedModel, error) {
	m := s.current.Load()
	if m == nil {
		return nil, ErrNotInitialized
	}
	return m, nil
}

// Reload re-runs the scanner and swaps in the selected model. When the
// registry has nothing loadable the existing model stays in place.
func (s *Service) Reload() (*model.LoadedModel, error) {
	loaded, err := s.scanner.SelectBest()
	if err != nil {
		if prev := s.current.Load(); prev != nil {
			s.logger.Warn("reload found no loadable model, keeping current",
				"current", prev.Version(), "error", err)
		}
		return nil, err
	}

	s.current.Store(loaded)
	if s.metrics != nil {
		s.metrics.SetModelInfo(true, loaded.RMSE)
	}
	s.logger.Info("model slot updated",
		"model_version", loaded.Version(), "rmse", loaded.RMSE, "unit", loaded.Unit)
	return loaded, nil
}

// Predict is the hot path: build features, invoke the cached predictor,
// normalize units, attach the confidence heuristic.
func (s *Service) Predict(req features.Request) (*Prediction, error) {
	start := time.Now()

	m := s.current.Load()
	if m == nil {
		s.observe("not_initialized", start)
		return nil, ErrNotInitialized
	}

	vec, err := s.builder.Build(req)
	if err != nil {
		s.observe("invalid", start)
		return nil, err
	}

	raw, err := m.Predictor.Predict(vec.Values())
	if err != nil {
		s.observe("fault", start)
		s.logger.Error("predictor fault", "model_version", m.Version(), "error", err)
		return nil, &PredictorFaultError{Err: err}
	}

	minutes := s.toMinutes(raw, m)
	minutes = math.Min(math.Max(minutes, 0), maxDurationMinutes)

	confidence := baseConfidence
	if vec.DistanceKm > longTripThresholdKm {
		confidence *= longTripConfidence
	}
	if vec.IsRushHour == 1 {
		confidence *= rushHourConfidence
	}
	confidence = math.Round(confidence*1000) / 1000

	s.observe("ok", start)
	return &Prediction{
		DurationMinutes: minutes,
		Confidence:      confidence,
		ModelVersion:    m.Version(),
		Timestamp:       time.Now().UTC(),
		Features:        vec,
	}, nil
}

// toMinutes normalizes the predictor's raw output. The training pipeline
// is not consistent across model families: the metadata unit is
// authoritative, and when it is absent a value above 60 is read as
// seconds.
func (s *Service) toMinutes(raw float64, m *model.LoadedModel) float64 {
	switch m.Unit {
	case "seconds":
		return raw / 60
	case "minutes":
		return raw
	default:
		s.logger.Warn("model metadata has no unit, applying heuristic",
			"model_version", m.Version(), "raw", fmt.Sprintf("%.2f", raw))
		if raw > secondsUnitThreshold {
			return raw / 60
		}
		return raw
	}
}

func (s *Service) observe(outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObservePrediction(outcome, time.Since(start).Seconds())
	}
}
