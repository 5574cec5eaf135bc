// Package observer implements the Observe phase: a read-only,
// bounded-time aggregation of the candidate pool and system load into
// an immutable snapshot for one request.
package observer

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/lifelinkhq/matchflow/api/schemas"
	"github.com/lifelinkhq/matchflow/internal/clock"
	"github.com/lifelinkhq/matchflow/internal/config"
	"github.com/lifelinkhq/matchflow/internal/geo"
)

// inRadiusSample caps how many nearby candidates feed the average
// distance figure.
const inRadiusSample = 20

// Observer builds observation snapshots and scoring feature vectors.
// All operations are count/limited queries, never full scans.
type Observer struct {
	pool     schemas.CandidatePool
	requests schemas.RequestReader
	clock    clock.Clock
	cfg      config.ObserverConfig
	log      *zap.Logger
}

// New creates an Observer.
func New(pool schemas.CandidatePool, requests schemas.RequestReader, clk clock.Clock, cfg config.ObserverConfig, logger *zap.Logger) *Observer {
	return &Observer{
		pool:     pool,
		requests: requests,
		clock:    clk,
		cfg:      cfg,
		log:      logger.Named("observer"),
	}
}

// CollectSnapshot builds the write-once world-state snapshot for one
// request.
func (o *Observer) CollectSnapshot(ctx context.Context, req *schemas.Request) (schemas.Observation, error) {
	if !geo.Valid(req.Location.Lat, req.Location.Lon) {
		return schemas.Observation{}, fmt.Errorf("request %s: %w", req.ID, geo.ErrInvalidLocation)
	}

	now := o.clock.Now()
	obs := schemas.Observation{
		BloodGroup:    req.BloodGroup,
		Urgency:       req.Urgency,
		UnitsRequired: req.UnitsRequired,
		Location:      req.Location,
		City:          req.City,
		HospitalName:  req.HospitalName,
		RequestedAt:   req.CreatedAt,
		TimeOfDay:     timeOfDay(now),
		Weekend:       isWeekend(now),
		AdminVerified: req.Approved,
		Flagged:       req.Flagged,
		FraudScore:    req.FraudScore,
	}
	if obs.RequestedAt.IsZero() {
		obs.RequestedAt = now
	}

	groups := schemas.CompatibleGroups(req.BloodGroup)

	total, err := o.pool.CountAvailable(ctx, groups)
	if err != nil {
		return schemas.Observation{}, fmt.Errorf("failed to count available candidates: %w", err)
	}
	obs.TotalAvailable = total

	eligible, err := o.pool.CountEligible(ctx, groups, o.cfg.Cooldown)
	if err != nil {
		return schemas.Observation{}, fmt.Errorf("failed to count eligible candidates: %w", err)
	}
	obs.EligibleByCooldown = eligible

	nearby, err := o.pool.ListNear(ctx, groups, req.Location, o.cfg.PoolRadiusKm, inRadiusSample)
	if err != nil {
		return schemas.Observation{}, fmt.Errorf("failed to list in-radius candidates: %w", err)
	}
	obs.InRadius = len(nearby)
	obs.AvgDistanceKm = averageDistance(req.Location, nearby)

	active, err := o.requests.CountActive(ctx)
	if err != nil {
		return schemas.Observation{}, fmt.Errorf("failed to count active requests: %w", err)
	}
	obs.ActiveRequests = active

	recent, err := o.requests.CountSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return schemas.Observation{}, fmt.Errorf("failed to count recent requests: %w", err)
	}
	obs.RequestsLast24h = recent

	o.log.Debug("Snapshot collected",
		zap.String("request_id", req.ID),
		zap.Int("total_available", obs.TotalAvailable),
		zap.Int("in_radius", obs.InRadius),
		zap.String("time_of_day", string(obs.TimeOfDay)),
	)
	return obs, nil
}

// ScoringCandidates returns the per-candidate feature vectors fed to
// the decision engine, capped at the configured maximum to bound
// downstream cost.
func (o *Observer) ScoringCandidates(ctx context.Context, req *schemas.Request, maxDistanceKm float64) ([]schemas.CandidateFeatures, error) {
	if !geo.Valid(req.Location.Lat, req.Location.Lon) {
		return nil, fmt.Errorf("request %s: %w", req.ID, geo.ErrInvalidLocation)
	}
	if maxDistanceKm <= 0 {
		maxDistanceKm = o.cfg.ScoringRadiusKm
	}

	groups := schemas.CompatibleGroups(req.BloodGroup)
	candidates, err := o.pool.ListNear(ctx, groups, req.Location, maxDistanceKm, o.cfg.MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("failed to list scoring candidates: %w", err)
	}

	now := o.clock.Now()
	features := make([]schemas.CandidateFeatures, 0, len(candidates))
	for _, c := range candidates {
		km, err := geo.Haversine(req.Location.Lat, req.Location.Lon, c.Location.Lat, c.Location.Lon)
		if err != nil {
			o.log.Warn("Dropping candidate with malformed coordinates", zap.String("candidate_id", c.ID))
			continue
		}
		features = append(features, schemas.CandidateFeatures{
			CandidateID:           c.ID,
			BloodGroup:            c.BloodGroup,
			DistanceKm:            round2(km),
			ReliabilityScore:      c.ReliabilityScore,
			Eligible:              eligibleByCooldown(c.LastDonationAt, now, o.cfg.Cooldown),
			DaysSinceLastDonation: daysSince(c.LastDonationAt, now),
			Available:             c.Available,
			LastActiveHours:       lastActiveHours(c.RegisteredAt, now),
			TotalDonations:        c.TotalDonations,
			City:                  c.City,
			State:                 c.State,
		})
	}
	return features, nil
}

func averageDistance(origin schemas.GeoPoint, candidates []schemas.Candidate) float64 {
	if len(candidates) == 0 {
		return 0
	}
	var total float64
	var counted int
	for _, c := range candidates {
		km, err := geo.Haversine(origin.Lat, origin.Lon, c.Location.Lat, c.Location.Lon)
		if err != nil {
			continue
		}
		total += km
		counted++
	}
	if counted == 0 {
		return 0
	}
	return round2(total / float64(counted))
}

func eligibleByCooldown(lastDonation *time.Time, now time.Time, cooldown time.Duration) bool {
	if lastDonation == nil {
		return true
	}
	return now.Sub(*lastDonation) >= cooldown
}

// daysSince reports full days since the last donation, or 999 when the
// candidate has never donated.
func daysSince(lastDonation *time.Time, now time.Time) int {
	if lastDonation == nil {
		return 999
	}
	return int(now.Sub(*lastDonation).Hours() / 24)
}

// lastActiveHours approximates recency from account age, capped at
// three days.
func lastActiveHours(registeredAt time.Time, now time.Time) int {
	if registeredAt.IsZero() {
		return 24
	}
	hours := int(now.Sub(registeredAt).Hours())
	if hours > 72 {
		return 72
	}
	if hours < 0 {
		return 0
	}
	return hours
}

func timeOfDay(t time.Time) schemas.TimeOfDay {
	switch hour := t.Hour(); {
	case hour >= 22 || hour < 6:
		return schemas.TimeNight
	case hour < 12:
		return schemas.TimeMorning
	case hour < 17:
		return schemas.TimeAfternoon
	default:
		return schemas.TimeEvening
	}
}

func isWeekend(t time.Time) bool {
	day := t.Weekday()
	return day == time.Saturday || day == time.Sunday
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
