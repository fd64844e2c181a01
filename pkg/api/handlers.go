package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mlopslab/taxi-predictor/pkg/features"
	"github.com/mlopslab/taxi-predictor/pkg/predict"
	"github.com/mlopslab/taxi-predictor/pkg/registry"
)

// predictionRequest is the POST /api/v1/predict body. Unknown fields are
// ignored for forward compatibility; missing required fields fail
// validation below.
type predictionRequest struct {
	PickupLatitude   *float64 `json:"pickup_latitude"`
	PickupLongitude  *float64 `json:"pickup_longitude"`
	DropoffLatitude  *float64 `json:"dropoff_latitude"`
	DropoffLongitude *float64 `json:"dropoff_longitude"`
	PassengerCount   *int     `json:"passenger_count"`
	VendorID         *int     `json:"vendor_id"`
	PickupDatetime   string   `json:"pickup_datetime"`
}

type predictionResponse struct {
	PredictedDurationMinutes float64      `json:"predicted_duration_minutes"`
	ConfidenceScore          float64      `json:"confidence_score"`
	ModelVersion             string       `json:"model_version"`
	PredictionTimestamp      string       `json:"prediction_timestamp"`
	FeaturesUsed             featuresUsed `json:"features_used"`
}

type featuresUsed struct {
	DistanceKm     float64 `json:"distance_km"`
	PassengerCount int     `json:"passenger_count"`
	VendorID       int     `json:"vendor_id"`
	HourOfDay      int     `json:"hour_of_day"`
	DayOfWeek      int     `json:"day_of_week"`
	Month          int     `json:"month"`
	IsWeekend      int     `json:"is_weekend"`
	IsRushHour     int     `json:"is_rush_hour"`
}

type errorResponse struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// pickupLayouts accepted for pickup_datetime, naive local time first
var pickupLayouts = []string{
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "taxi-predictor",
		"version": Version,
		"status":  "running",
		"endpoints": map[string]string{
			"predict":    "/api/v1/predict",
			"health":     "/api/v1/health",
			"model_info": "/api/v1/health/model",
			"reload":     "/api/v1/model/reload",
			"stats":      "/api/v1/stats/trips",
			"metrics":    "/metrics",
		},
	})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			ErrorKind: "ValidationError",
			Message:   "Content-Type must be application/json",
		})
		return
	}

	var body predictionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			ErrorKind: "ValidationError",
			Message:   "malformed JSON body: " + err.Error(),
		})
		return
	}

	req, errResp := s.toRequest(&body)
	if errResp != nil {
		writeJSON(w, http.StatusBadRequest, *errResp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.PredictionTimeout)
	defer cancel()

	type result struct {
		pred *predict.Prediction
		err  error
	}
	done := make(chan result, 1)
	go func() {
		p, err := s.service.Predict(req)
		done <- result{pred: p, err: err}
	}()

	select {
	case <-ctx.Done():
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{
			ErrorKind: "Timeout",
			Message:   "prediction exceeded its deadline",
		})
		return
	case res := <-done:
		if res.err != nil {
			s.writePredictError(w, res.err)
			return
		}
		writeJSON(w, http.StatusOK, toResponse(res.pred))
	}
}

// toRequest validates presence of required fields and parses the pickup
// timestamp in the operating timezone
func (s *Server) toRequest(body *predictionRequest) (features.Request, *errorResponse) {
	missing := []string{}
	if body.PickupLatitude == nil {
		missing = append(missing, "pickup_latitude")
	}
	if body.PickupLongitude == nil {
		missing = append(missing, "pickup_longitude")
	}
	if body.DropoffLatitude == nil {
		missing = append(missing, "dropoff_latitude")
	}
	if body.DropoffLongitude == nil {
		missing = append(missing, "dropoff_longitude")
	}
	if body.PassengerCount == nil {
		missing = append(missing, "passenger_count")
	}
	if body.VendorID == nil {
		missing = append(missing, "vendor_id")
	}
	if body.PickupDatetime == "" {
		missing = append(missing, "pickup_datetime")
	}
	if len(missing) > 0 {
		return features.Request{}, &errorResponse{
			ErrorKind: "ValidationError",
			Message:   "missing required fields: " + strings.Join(missing, ", "),
		}
	}

	var pickup time.Time
	var err error
	for _, layout := range pickupLayouts {
		pickup, err = time.ParseInLocation(layout, body.PickupDatetime, s.cfg.Location)
		if err == nil {
			break
		}
	}
	if err != nil {
		return features.Request{}, &errorResponse{
			ErrorKind: string(features.KindInvalidTimestamp),
			Message:   "pickup_datetime is not an ISO-8601 timestamp: " + body.PickupDatetime,
		}
	}

	return features.Request{
		PickupLatitude:   *body.PickupLatitude,
		PickupLongitude:  *body.PickupLongitude,
		DropoffLatitude:  *body.DropoffLatitude,
		DropoffLongitude: *body.DropoffLongitude,
		PassengerCount:   *body.PassengerCount,
		VendorID:         *body.VendorID,
		PickupTime:       pickup,
	}, nil
}

func (s *Server) writePredictError(w http.ResponseWriter, err error) {
	var verr *features.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			ErrorKind: string(verr.Kind),
			Message:   verr.Message,
		})
		return
	}

	if errors.Is(err, predict.ErrNotInitialized) {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			ErrorKind: "NoModelAvailable",
			Message:   "no model is loaded yet",
		})
		return
	}

	var fault *predict.PredictorFaultError
	if errors.As(err, &fault) {
		// Opaque message; the cause is already logged by the service
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			ErrorKind: "PredictorFault",
			Message:   "prediction failed",
		})
		return
	}

	writeJSON(w, http.StatusInternalServerError, errorResponse{
		ErrorKind: "Internal",
		Message:   "prediction failed",
	})
}

func toResponse(p *predict.Prediction) predictionResponse {
	return predictionResponse{
		PredictedDurationMinutes: p.DurationMinutes,
		ConfidenceScore:          p.Confidence,
		ModelVersion:             p.ModelVersion,
		PredictionTimestamp:      p.Timestamp.UTC().Format(time.RFC3339),
		FeaturesUsed: featuresUsed{
			DistanceKm:     p.Features.DistanceKm,
			PassengerCount: p.Features.PassengerCount,
			VendorID:       p.Features.VendorID,
			HourOfDay:      p.Features.HourOfDay,
			DayOfWeek:      p.Features.DayOfWeek,
			Month:          p.Features.Month,
			IsWeekend:      p.Features.IsWeekend,
			IsRushHour:     p.Features.IsRushHour,
		},
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthTimeout)
	defer cancel()

	_, err := s.service.Current()
	loaded := err == nil

	status := "degraded"
	if loaded {
		status = "healthy"
	}

	if ctx.Err() != nil {
		s.writeDeadlineExceeded(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"model_loaded":   loaded,
		"uptime_seconds": int64(s.Uptime().Seconds()),
	})
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthTimeout)
	defer cancel()

	m, err := s.service.Current()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no_model"})
		return
	}

	if ctx.Err() != nil {
		s.writeDeadlineExceeded(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model_version": m.Version(),
		"model_type":    m.ModelType,
		"rmse":          m.RMSE,
		"loaded_at":     m.LoadedAt.UTC().Format(time.RFC3339),
		"feature_order": m.FeatureOrder,
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	loaded, err := s.service.Reload()
	if err != nil {
		if errors.Is(err, registry.ErrNoModelAvailable) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no_model"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			ErrorKind: "Internal",
			Message:   "reload failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "success",
		"model_version": loaded.Version(),
		"rmse":          loaded.RMSE,
	})
}

func (s *Server) handleTripStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "trip store not configured"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthTimeout)
	defer cancel()

	stats, err := s.stats.TripStats(ctx)
	if err != nil {
		s.logger.Warn("trip stats query failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "trip store unreachable"})
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// writeDeadlineExceeded reports a request that outlived its per-route
// deadline
func (s *Server) writeDeadlineExceeded(w http.ResponseWriter) {
	writeJSON(w, http.StatusGatewayTimeout, errorResponse{
		ErrorKind: "Timeout",
		Message:   "request exceeded its deadline",
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
