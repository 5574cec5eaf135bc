package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lifelinkhq/matchflow/api/schemas"
)

// Get fetches one request by id.
func (s *Store) Get(ctx context.Context, requestID string) (*schemas.Request, error) {
	var (
		req    schemas.Request
		status string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, blood_group, urgency, units_required, lat, lon, city,
		       hospital_name, requester_id, status, flagged, fraud_score, created_at
		FROM requests WHERE id = $1;`, requestID).Scan(
		&req.ID, &req.BloodGroup, &req.Urgency, &req.UnitsRequired,
		&req.Location.Lat, &req.Location.Lon, &req.City,
		&req.HospitalName, &req.RequesterID, &status, &req.Flagged,
		&req.FraudScore, &req.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("request %s: %w", requestID, ErrRequestNotFound)
		}
		return nil, fmt.Errorf("failed to query request: %w", err)
	}
	req.Approved = status == "approved"
	return &req, nil
}

// IsOpen reports whether a request is still pending a match. Unknown
// requests are treated as closed.
func (s *Store) IsOpen(ctx context.Context, requestID string) (bool, error) {
	var open bool
	err := s.pool.QueryRow(ctx, `
		SELECT status IN ('pending', 'approved') FROM requests WHERE id = $1;`, requestID).Scan(&open)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check request status: %w", err)
	}
	return open, nil
}

// CountActive counts requests currently pending or approved.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM requests WHERE status IN ('pending', 'approved');`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active requests: %w", err)
	}
	return count, nil
}

// CountSince counts requests created at or after the cutoff.
func (s *Store) CountSince(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM requests WHERE created_at >= $1;`, cutoff.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent requests: %w", err)
	}
	return count, nil
}
