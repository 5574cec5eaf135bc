package decision

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lifelinkhq/matchflow/api/schemas"
	"github.com/lifelinkhq/matchflow/internal/config"
)

func scoringConfig(url string) config.ScoringConfig {
	return config.ScoringConfig{Enabled: true, BaseURL: url, Timeout: 2 * time.Second}
}

func TestNewHTTPScoringClientDisabled(t *testing.T) {
	assert.Nil(t, NewHTTPScoringClient(config.ScoringConfig{Enabled: false}, zap.NewNop()))
	assert.Nil(t, NewHTTPScoringClient(config.ScoringConfig{Enabled: true, BaseURL: ""}, zap.NewNop()))
}

func TestScoreCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/score-candidates", r.URL.Path)

		var in scoreRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, schemas.BloodGroup("A+"), in.RequestContext.BloodGroup)
		require.Len(t, in.Candidates, 1)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"scored_candidates": [
				{"candidate_id": "c1", "total_score": 87.5, "confidence": 0.9,
				 "predictions": {"response_time_minutes": 14, "success_probability": 0.75},
				 "reason": "close and reliable"}
			]
		}`))
	}))
	defer srv.Close()

	client := NewHTTPScoringClient(scoringConfig(srv.URL), zap.NewNop())
	require.NotNil(t, client)

	scored, err := client.ScoreCandidates(context.Background(),
		[]schemas.CandidateFeatures{{CandidateID: "c1", DistanceKm: 4.2}},
		schemas.ScoringContext{BloodGroup: "A+", Urgency: schemas.UrgencyUrgent})
	require.NoError(t, err)
	require.Len(t, scored, 1)
	assert.Equal(t, "c1", scored[0].CandidateID)
	assert.Equal(t, 87.5, scored[0].TotalScore)
	assert.Equal(t, 0.75, scored[0].Predictions.SuccessProbability)
}

func TestRecommendStrategy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/recommend-strategy", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"strategy": {"type": "escalation", "confidence": 0.7,
			             "top_candidate_count": 3, "reasoning": "thin pool"}
		}`))
	}))
	defer srv.Close()

	client := NewHTTPScoringClient(scoringConfig(srv.URL), zap.NewNop())

	rec, err := client.RecommendStrategy(context.Background(), nil, schemas.ScoringContext{})
	require.NoError(t, err)
	assert.Equal(t, schemas.StrategyEscalation, rec.Suggested)
	assert.Equal(t, 3, rec.TopCandidateCount)
	assert.Equal(t, "thin pool", rec.Reasoning)
}

func TestUpdateLearning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/update-learning", r.URL.Path)

		var in schemas.LearningUpdate
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "c1", in.CandidateID)
		assert.Equal(t, 12.5, in.ResponseTimeMinutes)
		assert.True(t, in.Success)

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewHTTPScoringClient(scoringConfig(srv.URL), zap.NewNop())

	err := client.UpdateLearning(context.Background(), schemas.LearningUpdate{
		CandidateID:         "c1",
		ResponseTimeMinutes: 12.5,
		Success:             true,
	})
	require.NoError(t, err)
}

func TestScoringClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewHTTPScoringClient(scoringConfig(srv.URL), zap.NewNop())

	_, err := client.ScoreCandidates(context.Background(), nil, schemas.ScoringContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestScoringClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := scoringConfig(srv.URL)
	cfg.Timeout = 20 * time.Millisecond
	client := NewHTTPScoringClient(cfg, zap.NewNop())

	_, err := client.ScoreCandidates(context.Background(), nil, schemas.ScoringContext{})
	assert.Error(t, err)
}
