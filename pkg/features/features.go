package features

import (
	"fmt"
	"math"
	"time"

	"github.com/mlopslab/taxi-predictor/pkg/config"
)

// Order is the fixed feature ordering shared with trained models. It is
// part of the external contract: a predictor receives exactly this vector.
var Order = []string{
	"distance_km",
	"passenger_count",
	"vendor_id",
	"hour_of_day",
	"day_of_week",
	"month",
	"is_weekend",
	"is_rush_hour",
}

const (
	earthRadiusKm = 6371.0
	maxDistanceKm = 200.0

	minPassengers = 1
	maxPassengers = 6
)

// rushHours are the morning and evening peak hours in the operating city
var rushHours = map[int]bool{7: true, 8: true, 9: true, 17: true, 18: true, 19: true}

// Kind identifies a validation failure. The value is returned verbatim
// as error_kind in HTTP 400 responses.
type Kind string

const (
	KindInvalidCoordinate     Kind = "InvalidCoordinate"
	KindOutsideBoundingBox    Kind = "OutsideBoundingBox"
	KindInvalidPassengerCount Kind = "InvalidPassengerCount"
	KindInvalidVendor         Kind = "InvalidVendor"
	KindInvalidTimestamp      Kind = "InvalidTimestamp"
	KindDistanceExceedsLimit  Kind = "DistanceExceedsLimit"
)

// ValidationError reports a malformed prediction request. These are client
// mistakes, recovered by returning 400; they are never logged as errors.
type ValidationError struct {
	Kind    Kind
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Request is a transient prediction input
type Request struct {
	PickupLatitude   float64
	PickupLongitude  float64
	DropoffLatitude  float64
	DropoffLongitude float64
	PassengerCount   int
	VendorID         int
	PickupTime       time.Time
}

// Vector is the immutable 8-tuple derived from a Request
type Vector struct {
	DistanceKm     float64
	PassengerCount int
	VendorID       int
	HourOfDay      int
	DayOfWeek      int // Monday=0
	Month          int
	IsWeekend      int
	IsRushHour     int
}

// Values returns the vector in the fixed Order, ready for a predictor
func (v Vector) Values() []float64 {
	return []float64{
		v.DistanceKm,
		float64(v.PassengerCount),
		float64(v.VendorID),
		float64(v.HourOfDay),
		float64(v.DayOfWeek),
		float64(v.Month),
		float64(v.IsWeekend),
		float64(v.IsRushHour),
	}
}

// Builder derives feature vectors. Pure and stateless apart from its
// deployment-time configuration.
type Builder struct {
	box config.BoundingBox
	loc *time.Location
}

// NewBuilder creates a feature builder for the given bounding box and
// operating timezone
func NewBuilder(box config.BoundingBox, loc *time.Location) *Builder {
	if loc == nil {
		loc = time.Local
	}
	return &Builder{box: box, loc: loc}
}

// Build validates the request and derives its feature vector
func (b *Builder) Build(req Request) (Vector, error) {
	coords := []struct {
		name     string
		lat, lon float64
	}{
		{"pickup", req.PickupLatitude, req.PickupLongitude},
		{"dropoff", req.DropoffLatitude, req.DropoffLongitude},
	}

	for _, c := range coords {
		if !isFinite(c.lat) || !isFinite(c.lon) {
			return Vector{}, &ValidationError{
				Kind:    KindInvalidCoordinate,
				Message: fmt.Sprintf("%s coordinates are not finite numbers", c.name),
			}
		}
		if !b.box.Contains(c.lat, c.lon) {
			return Vector{}, &ValidationError{
				Kind: KindOutsideBoundingBox,
				Message: fmt.Sprintf("%s (%.4f, %.4f) is outside the service area [%.1f,%.1f]x[%.1f,%.1f]",
					c.name, c.lat, c.lon, b.box.MinLat, b.box.MaxLat, b.box.MinLon, b.box.MaxLon),
			}
		}
	}

	if req.PassengerCount < minPassengers || req.PassengerCount > maxPassengers {
		return Vector{}, &ValidationError{
			Kind:    KindInvalidPassengerCount,
			Message: fmt.Sprintf("passenger count %d not in [%d,%d]", req.PassengerCount, minPassengers, maxPassengers),
		}
	}

	if req.VendorID != 1 && req.VendorID != 2 {
		return Vector{}, &ValidationError{
			Kind:    KindInvalidVendor,
			Message: fmt.Sprintf("vendor id %d is not a known vendor", req.VendorID),
		}
	}

	if req.PickupTime.IsZero() {
		return Vector{}, &ValidationError{
			Kind:    KindInvalidTimestamp,
			Message: "pickup timestamp is missing",
		}
	}

	distance := Haversine(req.PickupLatitude, req.PickupLongitude, req.DropoffLatitude, req.DropoffLongitude)
	if distance > maxDistanceKm {
		return Vector{}, &ValidationError{
			Kind:    KindDistanceExceedsLimit,
			Message: fmt.Sprintf("trip distance %.1f km exceeds the %.0f km limit", distance, maxDistanceKm),
		}
	}

	// Decompose in the operating city's timezone: rush hour is a local
	// concept, not a UTC one.
	pickup := req.PickupTime.In(b.loc)
	hour := pickup.Hour()
	dow := mondayIndexed(pickup.Weekday())

	v := Vector{
		DistanceKm:     distance,
		PassengerCount: req.PassengerCount,
		VendorID:       req.VendorID,
		HourOfDay:      hour,
		DayOfWeek:      dow,
		Month:          int(pickup.Month()),
	}
	if dow >= 5 {
		v.IsWeekend = 1
	}
	if rushHours[hour] {
		v.IsRushHour = 1
	}

	return v, nil
}

// Haversine computes the great-circle distance between two points in km
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)

	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

// mondayIndexed converts Go's Sunday=0 weekday to the Monday=0 convention
// the models were trained with
func mondayIndexed(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
