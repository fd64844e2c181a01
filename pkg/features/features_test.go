package features

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlopslab/taxi-predictor/pkg/config"
)

func nycBox(t *testing.T) config.BoundingBox {
	t.Helper()
	box, err := config.ParseBoundingBox("40.5,-74.3,40.9,-73.7")
	require.NoError(t, err)
	return box
}

func TestBuildManhattanRushHour(t *testing.T) {
	b := NewBuilder(nycBox(t), time.UTC)

	// Times Square to Central Park South, Thursday 17:30
	req := Request{
		PickupLatitude:   40.7580,
		PickupLongitude:  -73.9855,
		DropoffLatitude:  40.7614,
		DropoffLongitude: -73.9776,
		PassengerCount:   1,
		VendorID:         1,
		PickupTime:       time.Date(2024, 3, 14, 17, 30, 0, 0, time.UTC),
	}

	v, err := b.Build(req)
	require.NoError(t, err)

	assert.InDelta(t, 0.77, v.DistanceKm, 0.05)
	assert.Equal(t, 17, v.HourOfDay)
	assert.Equal(t, 3, v.DayOfWeek) // Thursday, Monday=0
	assert.Equal(t, 3, v.Month)
	assert.Equal(t, 0, v.IsWeekend)
	assert.Equal(t, 1, v.IsRushHour)
}

func TestBuildAirportWeekend(t *testing.T) {
	b := NewBuilder(nycBox(t), time.UTC)

	// Midtown to JFK, Saturday 13:00
	req := Request{
		PickupLatitude:   40.7580,
		PickupLongitude:  -73.9855,
		DropoffLatitude:  40.6413,
		DropoffLongitude: -73.7781,
		PassengerCount:   2,
		VendorID:         2,
		PickupTime:       time.Date(2024, 3, 16, 13, 0, 0, 0, time.UTC),
	}

	v, err := b.Build(req)
	require.NoError(t, err)

	assert.InDelta(t, 21.8, v.DistanceKm, 0.5)
	assert.Equal(t, 5, v.DayOfWeek) // Saturday
	assert.Equal(t, 1, v.IsWeekend)
	assert.Equal(t, 0, v.IsRushHour)
}

func TestBuildValidationFailures(t *testing.T) {
	b := NewBuilder(nycBox(t), time.UTC)

	base := Request{
		PickupLatitude:   40.7580,
		PickupLongitude:  -73.9855,
		DropoffLatitude:  40.7614,
		DropoffLongitude: -73.9776,
		PassengerCount:   1,
		VendorID:         1,
		PickupTime:       time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name   string
		mutate func(*Request)
		kind   Kind
	}{
		{
			name:   "los angeles pickup",
			mutate: func(r *Request) { r.PickupLatitude = 34.0522; r.PickupLongitude = -118.2437 },
			kind:   KindOutsideBoundingBox,
		},
		{
			name:   "nan latitude",
			mutate: func(r *Request) { r.DropoffLatitude = math.NaN() },
			kind:   KindInvalidCoordinate,
		},
		{
			name:   "infinite longitude",
			mutate: func(r *Request) { r.PickupLongitude = math.Inf(1) },
			kind:   KindInvalidCoordinate,
		},
		{
			name:   "zero passengers",
			mutate: func(r *Request) { r.PassengerCount = 0 },
			kind:   KindInvalidPassengerCount,
		},
		{
			name:   "seven passengers",
			mutate: func(r *Request) { r.PassengerCount = 7 },
			kind:   KindInvalidPassengerCount,
		},
		{
			name:   "unknown vendor",
			mutate: func(r *Request) { r.VendorID = 9 },
			kind:   KindInvalidVendor,
		},
		{
			name:   "missing timestamp",
			mutate: func(r *Request) { r.PickupTime = time.Time{} },
			kind:   KindInvalidTimestamp,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)

			_, err := b.Build(req)
			require.Error(t, err)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.kind, verr.Kind)
		})
	}
}

func TestBuildRanges(t *testing.T) {
	b := NewBuilder(nycBox(t), time.UTC)

	// Sweep every hour of a week and check the derived ranges
	start := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC) // a Monday
	for i := 0; i < 7*24; i++ {
		ts := start.Add(time.Duration(i) * time.Hour)
		v, err := b.Build(Request{
			PickupLatitude:   40.7580,
			PickupLongitude:  -73.9855,
			DropoffLatitude:  40.7614,
			DropoffLongitude: -73.9776,
			PassengerCount:   1,
			VendorID:         1,
			PickupTime:       ts,
		})
		require.NoError(t, err)

		assert.GreaterOrEqual(t, v.HourOfDay, 0)
		assert.LessOrEqual(t, v.HourOfDay, 23)
		assert.GreaterOrEqual(t, v.DayOfWeek, 0)
		assert.LessOrEqual(t, v.DayOfWeek, 6)
		assert.GreaterOrEqual(t, v.Month, 1)
		assert.LessOrEqual(t, v.Month, 12)
		assert.GreaterOrEqual(t, v.DistanceKm, 0.0)
		assert.LessOrEqual(t, v.DistanceKm, 200.0)

		wantWeekend := 0
		if v.DayOfWeek >= 5 {
			wantWeekend = 1
		}
		assert.Equal(t, wantWeekend, v.IsWeekend)
	}
}

func TestHaversineSymmetry(t *testing.T) {
	points := [][2]float64{
		{40.7580, -73.9855},
		{40.6413, -73.7781},
		{40.5001, -74.2999},
		{40.8999, -73.7001},
	}

	for _, a := range points {
		for _, b := range points {
			d1 := Haversine(a[0], a[1], b[0], b[1])
			d2 := Haversine(b[0], b[1], a[0], a[1])
			assert.InDelta(t, d1, d2, 1e-9)
		}
	}

	assert.Zero(t, Haversine(40.7580, -73.9855, 40.7580, -73.9855))
}

func TestMondayIndexed(t *testing.T) {
	assert.Equal(t, 0, mondayIndexed(time.Monday))
	assert.Equal(t, 4, mondayIndexed(time.Friday))
	assert.Equal(t, 5, mondayIndexed(time.Saturday))
	assert.Equal(t, 6, mondayIndexed(time.Sunday))
}

func TestVectorValuesOrder(t *testing.T) {
	v := Vector{
		DistanceKm:     1.5,
		PassengerCount: 2,
		VendorID:       1,
		HourOfDay:      8,
		DayOfWeek:      0,
		Month:          3,
		IsWeekend:      0,
		IsRushHour:     1,
	}

	vals := v.Values()
	require.Len(t, vals, len(Order))
	assert.Equal(t, []float64{1.5, 2, 1, 8, 0, 3, 0, 1}, vals)
}
