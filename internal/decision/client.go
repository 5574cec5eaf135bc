package decision

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/lifelinkhq/matchflow/api/schemas"
	"github.com/lifelinkhq/matchflow/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HTTPScoringClient talks to the remote scoring service over JSON.
// Every call is bounded by the configured timeout.
type HTTPScoringClient struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

// NewHTTPScoringClient builds a scoring client from config. Returns
// nil when scoring is disabled so callers can pass it straight to
// NewEngine.
func NewHTTPScoringClient(cfg config.ScoringConfig, logger *zap.Logger) *HTTPScoringClient {
	if !cfg.Enabled || cfg.BaseURL == "" {
		return nil
	}
	return &HTTPScoringClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		log:     logger.Named("scoring"),
	}
}

type scoreRequest struct {
	Candidates     []schemas.CandidateFeatures `json:"candidates"`
	RequestContext schemas.ScoringContext      `json:"request_context"`
}

type scoreResponse struct {
	ScoredCandidates []schemas.ScoredCandidate `json:"scored_candidates"`
}

// ScoreCandidates posts the feature vectors and returns the service's
// per-candidate scores.
func (c *HTTPScoringClient) ScoreCandidates(ctx context.Context, candidates []schemas.CandidateFeatures, req schemas.ScoringContext) ([]schemas.ScoredCandidate, error) {
	var out scoreResponse
	if err := c.post(ctx, "/score-candidates", scoreRequest{
		Candidates:     candidates,
		RequestContext: req,
	}, &out); err != nil {
		return nil, err
	}
	return out.ScoredCandidates, nil
}

type strategyRequest struct {
	ScoredCandidates []schemas.ScoredCandidate `json:"scored_candidates"`
	RequestContext   schemas.ScoringContext    `json:"request_context"`
}

type strategyResponse struct {
	Strategy struct {
		Type              schemas.StrategyType `json:"type"`
		Confidence        float64              `json:"confidence"`
		TopCandidateCount int                  `json:"top_candidate_count"`
		Reasoning         string               `json:"reasoning"`
	} `json:"strategy"`
}

// RecommendStrategy asks the service for an outreach strategy over an
// already scored pool.
func (c *HTTPScoringClient) RecommendStrategy(ctx context.Context, scored []schemas.ScoredCandidate, req schemas.ScoringContext) (schemas.StrategyRecommendation, error) {
	var out strategyResponse
	if err := c.post(ctx, "/recommend-strategy", strategyRequest{
		ScoredCandidates: scored,
		RequestContext:   req,
	}, &out); err != nil {
		return schemas.StrategyRecommendation{}, err
	}
	return schemas.StrategyRecommendation{
		Suggested:         out.Strategy.Type,
		Confidence:        out.Strategy.Confidence,
		TopCandidateCount: out.Strategy.TopCandidateCount,
		Reasoning:         out.Strategy.Reasoning,
	}, nil
}

// UpdateLearning pushes one observed response back to the service. The
// service folds these into its prediction model; callers treat failures
// as advisory.
func (c *HTTPScoringClient) UpdateLearning(ctx context.Context, update schemas.LearningUpdate) error {
	return c.post(ctx, "/update-learning", update, nil)
}

func (c *HTTPScoringClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode scoring payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build scoring request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("scoring request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("scoring service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode scoring response: %w", err)
	}
	return nil
}
