package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lifelinkhq/matchflow/api/schemas"
	"github.com/lifelinkhq/matchflow/internal/geo"
)

const candidateColumns = `id, blood_group, lat, lon, city, state, available, medically_fit,
	last_donation_at, total_donations, reliability_score, registered_at, held_by, hold_until`

// availableCond excludes unavailable, unfit, and currently held
// candidates.
const availableCond = `available AND medically_fit AND (hold_until IS NULL OR hold_until < now())`

// CountAvailable counts available, medically fit candidates with a
// compatible blood group.
func (s *Store) CountAvailable(ctx context.Context, groups []schemas.BloodGroup) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM candidates
		WHERE blood_group = ANY($1) AND `+availableCond+`;`,
		groupStrings(groups)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count available candidates: %w", err)
	}
	return count, nil
}

// CountEligible counts available candidates also past the donation
// cooldown.
func (s *Store) CountEligible(ctx context.Context, groups []schemas.BloodGroup, cooldown time.Duration) (int, error) {
	cutoff := time.Now().Add(-cooldown)
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM candidates
		WHERE blood_group = ANY($1) AND `+availableCond+`
		  AND (last_donation_at IS NULL OR last_donation_at <= $2);`,
		groupStrings(groups), cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count eligible candidates: %w", err)
	}
	return count, nil
}

// ListNear returns available compatible candidates within maxKm of
// origin, nearest first, capped at limit. A bounding box narrows the
// scan in SQL; the exact great-circle check runs here.
func (s *Store) ListNear(ctx context.Context, groups []schemas.BloodGroup, origin schemas.GeoPoint, maxKm float64, limit int) ([]schemas.Candidate, error) {
	if !geo.Valid(origin.Lat, origin.Lon) {
		return nil, geo.ErrInvalidLocation
	}
	if limit <= 0 {
		limit = 50
	}

	dLat, dLon := geo.BoundingBox(origin.Lat, maxKm)
	rows, err := s.pool.Query(ctx, `
		SELECT `+candidateColumns+`
		FROM candidates
		WHERE blood_group = ANY($1) AND `+availableCond+`
		  AND lat BETWEEN $2 AND $3
		  AND lon BETWEEN $4 AND $5;`,
		groupStrings(groups),
		origin.Lat-dLat, origin.Lat+dLat,
		origin.Lon-dLon, origin.Lon+dLon,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates near point: %w", err)
	}
	defer rows.Close()

	type withDistance struct {
		candidate schemas.Candidate
		km        float64
	}
	var nearby []withDistance

	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		km, err := geo.Haversine(origin.Lat, origin.Lon, c.Location.Lat, c.Location.Lon)
		if err != nil {
			s.log.Warn("Skipping candidate with malformed coordinates",
				zap.String("candidate_id", c.ID))
			continue
		}
		if km <= maxKm {
			nearby = append(nearby, withDistance{candidate: c, km: km})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	sort.Slice(nearby, func(i, j int) bool {
		if nearby[i].km != nearby[j].km {
			return nearby[i].km < nearby[j].km
		}
		return nearby[i].candidate.ID < nearby[j].candidate.ID
	})
	if len(nearby) > limit {
		nearby = nearby[:limit]
	}

	out := make([]schemas.Candidate, len(nearby))
	for i, n := range nearby {
		out[i] = n.candidate
	}
	return out, nil
}

// Reserve places a time-bounded exclusive hold on a candidate for a
// request. The write is a single conditional UPDATE: it succeeds only
// if the candidate has no live hold, or already holds for the same
// request (making step retries idempotent).
func (s *Store) Reserve(ctx context.Context, candidateID, requestID string, until time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE candidates
		SET held_by = $2, hold_until = $3
		WHERE id = $1
		  AND (held_by = $2 OR hold_until IS NULL OR hold_until < now());`,
		candidateID, requestID, until.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to reserve candidate %s: %w", candidateID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// The conditional update matched nothing: either the candidate is
	// unknown or another request holds it.
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM candidates WHERE id = $1);`, candidateID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check candidate %s: %w", candidateID, err)
	}
	if !exists {
		return fmt.Errorf("candidate %s: %w", candidateID, ErrCandidateNotFound)
	}
	return fmt.Errorf("candidate %s: %w", candidateID, ErrCandidateHeld)
}

func groupStrings(groups []schemas.BloodGroup) []string {
	out := make([]string, len(groups))
	for i, g := range groups {
		out[i] = string(g)
	}
	return out
}

func scanCandidate(row interface{ Scan(...any) error }) (schemas.Candidate, error) {
	var (
		c         schemas.Candidate
		heldBy    *string
		holdUntil *time.Time
	)
	err := row.Scan(
		&c.ID, &c.BloodGroup, &c.Location.Lat, &c.Location.Lon, &c.City, &c.State,
		&c.Available, &c.MedicallyFit, &c.LastDonationAt, &c.TotalDonations,
		&c.ReliabilityScore, &c.RegisteredAt, &heldBy, &holdUntil,
	)
	if err != nil {
		return schemas.Candidate{}, fmt.Errorf("failed to scan candidate row: %w", err)
	}
	if heldBy != nil {
		c.HeldBy = *heldBy
	}
	c.HoldUntil = holdUntil
	return c, nil
}
