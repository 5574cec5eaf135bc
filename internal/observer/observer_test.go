package observer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lifelinkhq/matchflow/api/schemas"
	"github.com/lifelinkhq/matchflow/internal/clock"
	"github.com/lifelinkhq/matchflow/internal/config"
)

type mockCandidatePool struct {
	mock.Mock
}

func (m *mockCandidatePool) CountAvailable(ctx context.Context, groups []schemas.BloodGroup) (int, error) {
	args := m.Called(ctx, groups)
	return args.Int(0), args.Error(1)
}

func (m *mockCandidatePool) CountEligible(ctx context.Context, groups []schemas.BloodGroup, cooldown time.Duration) (int, error) {
	args := m.Called(ctx, groups, cooldown)
	return args.Int(0), args.Error(1)
}

func (m *mockCandidatePool) ListNear(ctx context.Context, groups []schemas.BloodGroup, origin schemas.GeoPoint, maxKm float64, limit int) ([]schemas.Candidate, error) {
	args := m.Called(ctx, groups, origin, maxKm, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Candidate), args.Error(1)
}

func (m *mockCandidatePool) Reserve(ctx context.Context, candidateID, requestID string, holdUntil time.Time) error {
	args := m.Called(ctx, candidateID, requestID, holdUntil)
	return args.Error(0)
}

type mockRequestReader struct {
	mock.Mock
}

func (m *mockRequestReader) Get(ctx context.Context, requestID string) (*schemas.Request, error) {
	args := m.Called(ctx, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.Request), args.Error(1)
}

func (m *mockRequestReader) IsOpen(ctx context.Context, requestID string) (bool, error) {
	args := m.Called(ctx, requestID)
	return args.Bool(0), args.Error(1)
}

func (m *mockRequestReader) CountActive(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockRequestReader) CountSince(ctx context.Context, cutoff time.Time) (int, error) {
	args := m.Called(ctx, cutoff)
	return args.Int(0), args.Error(1)
}

func testObserverConfig() config.ObserverConfig {
	return config.ObserverConfig{
		PoolRadiusKm:    25,
		ScoringRadiusKm: 50,
		MaxCandidates:   50,
		Cooldown:        90 * 24 * time.Hour,
	}
}

func testRequest() *schemas.Request {
	return &schemas.Request{
		ID:            "req-1",
		BloodGroup:    "A+",
		Urgency:       schemas.UrgencyUrgent,
		UnitsRequired: 2,
		Location:      schemas.GeoPoint{Lat: 12.9716, Lon: 77.5946},
		City:          "Bengaluru",
		HospitalName:  "City General",
		Approved:      true,
		CreatedAt:     time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC),
	}
}

func TestCollectSnapshot(t *testing.T) {
	fixed := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC) // Tuesday morning
	clk := clock.NewFake(fixed)

	pool := new(mockCandidatePool)
	requests := new(mockRequestReader)
	obs := New(pool, requests, clk, testObserverConfig(), zap.NewNop())

	req := testRequest()
	groups := schemas.CompatibleGroups(req.BloodGroup)

	nearby := []schemas.Candidate{
		{ID: "c1", Location: schemas.GeoPoint{Lat: 12.98, Lon: 77.60}},
		{ID: "c2", Location: schemas.GeoPoint{Lat: 13.00, Lon: 77.55}},
	}
	pool.On("CountAvailable", mock.Anything, groups).Return(40, nil)
	pool.On("CountEligible", mock.Anything, groups, mock.Anything).Return(25, nil)
	pool.On("ListNear", mock.Anything, groups, req.Location, 25.0, inRadiusSample).Return(nearby, nil)
	requests.On("CountActive", mock.Anything).Return(3, nil)
	requests.On("CountSince", mock.Anything, fixed.Add(-24*time.Hour)).Return(7, nil)

	snapshot, err := obs.CollectSnapshot(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 40, snapshot.TotalAvailable)
	assert.Equal(t, 25, snapshot.EligibleByCooldown)
	assert.Equal(t, 2, snapshot.InRadius)
	assert.Greater(t, snapshot.AvgDistanceKm, 0.0)
	assert.Equal(t, 3, snapshot.ActiveRequests)
	assert.Equal(t, 7, snapshot.RequestsLast24h)
	assert.Equal(t, schemas.TimeMorning, snapshot.TimeOfDay)
	assert.False(t, snapshot.Weekend)
	assert.True(t, snapshot.AdminVerified)
	assert.Equal(t, req.CreatedAt, snapshot.RequestedAt)

	pool.AssertExpectations(t)
	requests.AssertExpectations(t)
}

func TestCollectSnapshotRejectsInvalidLocation(t *testing.T) {
	obs := New(new(mockCandidatePool), new(mockRequestReader), clock.NewFake(time.Now()), testObserverConfig(), zap.NewNop())

	req := testRequest()
	req.Location = schemas.GeoPoint{Lat: 120, Lon: 0}

	_, err := obs.CollectSnapshot(context.Background(), req)
	assert.Error(t, err)
}

func TestScoringCandidates(t *testing.T) {
	fixed := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(fixed)

	pool := new(mockCandidatePool)
	obs := New(pool, new(mockRequestReader), clk, testObserverConfig(), zap.NewNop())

	req := testRequest()
	groups := schemas.CompatibleGroups(req.BloodGroup)

	lastDonation := fixed.Add(-40 * 24 * time.Hour)
	candidates := []schemas.Candidate{
		{
			ID:               "c1",
			BloodGroup:       "O-",
			Location:         schemas.GeoPoint{Lat: 12.98, Lon: 77.60},
			Available:        true,
			ReliabilityScore: 80,
			TotalDonations:   5,
			RegisteredAt:     fixed.Add(-400 * time.Hour),
		},
		{
			ID:             "c2",
			BloodGroup:     "A+",
			Location:       schemas.GeoPoint{Lat: 13.00, Lon: 77.55},
			Available:      true,
			LastDonationAt: &lastDonation,
			RegisteredAt:   fixed.Add(-10 * time.Hour),
		},
	}
	pool.On("ListNear", mock.Anything, groups, req.Location, 50.0, 50).Return(candidates, nil)

	features, err := obs.ScoringCandidates(context.Background(), req, 0)
	require.NoError(t, err)
	require.Len(t, features, 2)

	assert.Equal(t, "c1", features[0].CandidateID)
	assert.True(t, features[0].Eligible)
	assert.Equal(t, 999, features[0].DaysSinceLastDonation)
	assert.Equal(t, 72, features[0].LastActiveHours)

	assert.Equal(t, "c2", features[1].CandidateID)
	assert.False(t, features[1].Eligible, "inside cooldown window")
	assert.Equal(t, 40, features[1].DaysSinceLastDonation)
	assert.Equal(t, 10, features[1].LastActiveHours)
	assert.Greater(t, features[1].DistanceKm, 0.0)
}

func TestScoringCandidatesDropsBadCoordinates(t *testing.T) {
	pool := new(mockCandidatePool)
	obs := New(pool, new(mockRequestReader), clock.NewFake(time.Now()), testObserverConfig(), zap.NewNop())

	req := testRequest()
	groups := schemas.CompatibleGroups(req.BloodGroup)
	pool.On("ListNear", mock.Anything, groups, req.Location, 50.0, 50).Return([]schemas.Candidate{
		{ID: "bad", Location: schemas.GeoPoint{Lat: 200, Lon: 0}},
		{ID: "good", Location: schemas.GeoPoint{Lat: 12.98, Lon: 77.60}},
	}, nil)

	features, err := obs.ScoringCandidates(context.Background(), req, 0)
	require.NoError(t, err)
	require.Len(t, features, 1)
	assert.Equal(t, "good", features[0].CandidateID)
}

func TestTimeOfDayBuckets(t *testing.T) {
	cases := []struct {
		hour int
		want schemas.TimeOfDay
	}{
		{23, schemas.TimeNight},
		{2, schemas.TimeNight},
		{6, schemas.TimeMorning},
		{11, schemas.TimeMorning},
		{12, schemas.TimeAfternoon},
		{16, schemas.TimeAfternoon},
		{17, schemas.TimeEvening},
		{21, schemas.TimeEvening},
	}
	for _, tc := range cases {
		got := timeOfDay(time.Date(2024, 3, 5, tc.hour, 0, 0, 0, time.UTC))
		assert.Equal(t, tc.want, got, "hour %d", tc.hour)
	}
}
