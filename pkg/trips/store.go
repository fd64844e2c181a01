// Package trips reads aggregate statistics from the relational trip
// history store. It is an external collaborator: read-only, never on the
// prediction hot path, and entirely optional — without a database URL the
// stats endpoint reports unavailable.
package trips

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Stats is the aggregate view served by the stats endpoint
type Stats struct {
	TotalTrips         int64     `json:"total_trips"`
	AvgDurationMinutes float64   `json:"avg_duration_minutes"`
	EarliestTrip       time.Time `json:"earliest_trip"`
	LatestTrip         time.Time `json:"latest_trip"`
	LastUpdated        time.Time `json:"last_updated"`
}

// StatsProvider is the named interface the HTTP layer depends on
type StatsProvider interface {
	TripStats(ctx context.Context) (*Stats, error)
	Close()
}

// Store implements StatsProvider over PostgreSQL
type Store struct {
	pool *pgxpool.Pool
}

var _ StatsProvider = (*Store)(nil)

// Connect opens a connection pool to the trip history database
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect trip store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// TripStats runs the single aggregate query
func (s *Store) TripStats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT
			COUNT(*) AS total_trips,
			COALESCE(AVG(trip_duration_seconds), 0) AS avg_duration_seconds,
			MIN(pickup_datetime) AS earliest_trip,
			MAX(pickup_datetime) AS latest_trip
		FROM taxi_trips
	`

	var stats Stats
	var avgSeconds float64
	err := s.pool.QueryRow(ctx, query).Scan(
		&stats.TotalTrips,
		&avgSeconds,
		&stats.EarliestTrip,
		&stats.LatestTrip,
	)
	if err != nil {
		return nil, fmt.Errorf("trip stats query: %w", err)
	}

	stats.AvgDurationMinutes = avgSeconds / 60
	stats.LastUpdated = time.Now().UTC()
	return &stats, nil
}

// Close releases the pool
func (s *Store) Close() {
	s.pool.Close()
}
