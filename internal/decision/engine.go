// Package decision implements the Decide phase: candidate ranking and
// strategy selection, remote-first with a deterministic local fallback
// so a scoring outage never blocks a request.
package decision

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/lifelinkhq/matchflow/api/schemas"
	"github.com/lifelinkhq/matchflow/internal/clock"
)

const (
	fallbackConfidence         = 0.6
	fallbackResponseMinutes    = 20
	fallbackSuccessProbability = 0.5
	fallbackReason             = "rule-based scoring (scoring service unavailable)"
)

// Engine ranks candidates and picks an outreach strategy. The scoring
// client may be nil, in which case every decision is local.
type Engine struct {
	scorer schemas.ScoringClient
	clock  clock.Clock
	log    *zap.Logger
}

// NewEngine creates a decision engine.
func NewEngine(scorer schemas.ScoringClient, clk clock.Clock, logger *zap.Logger) *Engine {
	return &Engine{
		scorer: scorer,
		clock:  clk,
		log:    logger.Named("decision"),
	}
}

// Decide produces the decision block for one request. It never returns
// an error for scoring failures; those degrade to the local heuristic.
func (e *Engine) Decide(ctx context.Context, obs schemas.Observation, features []schemas.CandidateFeatures) schemas.Decision {
	started := e.clock.Now()

	if len(features) == 0 {
		return schemas.Decision{
			Ranked:   []schemas.RankedCandidate{},
			Strategy: schemas.StrategyBroadcast,
			Recommendation: schemas.StrategyRecommendation{
				Suggested:  schemas.StrategyBroadcast,
				Confidence: 0.5,
				Reasoning:  "no candidates available, broadcast as the pool fills",
			},
			DecidedAt:        started,
			ProcessingTimeMs: e.clock.Now().Sub(started).Milliseconds(),
		}
	}

	scCtx := schemas.ScoringContext{
		BloodGroup:    obs.BloodGroup,
		Urgency:       obs.Urgency,
		Location:      obs.Location,
		UnitsRequired: obs.UnitsRequired,
	}

	decision, ok := e.remoteDecision(ctx, features, scCtx)
	if !ok {
		decision = e.localDecision(features, scCtx)
	}
	decision.DecidedAt = started
	decision.ProcessingTimeMs = e.clock.Now().Sub(started).Milliseconds()
	return decision
}

func (e *Engine) remoteDecision(ctx context.Context, features []schemas.CandidateFeatures, scCtx schemas.ScoringContext) (schemas.Decision, bool) {
	if e.scorer == nil {
		return schemas.Decision{}, false
	}

	scored, err := e.scorer.ScoreCandidates(ctx, features, scCtx)
	if err != nil {
		e.log.Warn("Remote scoring failed, falling back to local ranking", zap.Error(err))
		return schemas.Decision{}, false
	}

	byID := make(map[string]schemas.CandidateFeatures, len(features))
	for _, f := range features {
		byID[f.CandidateID] = f
	}

	ranked := make([]schemas.RankedCandidate, 0, len(scored))
	for _, s := range scored {
		f := byID[s.CandidateID]
		reliability := f.ReliabilityScore
		if reliability == 0 {
			reliability = 50
		}
		ranked = append(ranked, schemas.RankedCandidate{
			CandidateID:              s.CandidateID,
			Score:                    s.TotalScore,
			Confidence:               s.Confidence,
			DistanceKm:               f.DistanceKm,
			ReliabilityScore:         reliability,
			PredictedResponseMinutes: s.Predictions.ResponseTimeMinutes,
			SuccessProbability:       s.Predictions.SuccessProbability,
			Reason:                   s.Reason,
		})
	}
	sortRanked(ranked)

	rec, err := e.scorer.RecommendStrategy(ctx, scored, scCtx)
	if err != nil {
		e.log.Warn("Strategy recommendation failed, falling back to local ranking", zap.Error(err))
		return schemas.Decision{}, false
	}
	if !rec.Suggested.Valid() {
		e.log.Warn("Scoring service suggested unknown strategy", zap.String("strategy", string(rec.Suggested)))
		return schemas.Decision{}, false
	}
	if rec.TopCandidateCount == 0 {
		rec.TopCandidateCount = len(ranked)
	}

	return schemas.Decision{
		Ranked:         ranked,
		Strategy:       rec.Suggested,
		Recommendation: rec,
	}, true
}

// localDecision is the deterministic heuristic used whenever the
// scoring service is absent or failing.
func (e *Engine) localDecision(features []schemas.CandidateFeatures, scCtx schemas.ScoringContext) schemas.Decision {
	ranked := make([]schemas.RankedCandidate, 0, len(features))
	for _, f := range features {
		score := 100 - f.DistanceKm*2
		if f.Eligible {
			score += 20
		}
		if f.Available {
			score += 10
		}
		if f.BloodGroup == scCtx.BloodGroup {
			score += 15
		}
		if score < 0 {
			score = 0
		}
		ranked = append(ranked, schemas.RankedCandidate{
			CandidateID:              f.CandidateID,
			Score:                    score,
			Confidence:               fallbackConfidence,
			DistanceKm:               f.DistanceKm,
			ReliabilityScore:         f.ReliabilityScore,
			PredictedResponseMinutes: fallbackResponseMinutes,
			SuccessProbability:       fallbackSuccessProbability,
			Reason:                   fallbackReason,
		})
	}
	sortRanked(ranked)

	strategy := schemas.StrategyBroadcast
	if scCtx.Urgency == schemas.UrgencyNormal {
		strategy = schemas.StrategyTargeted
	}
	topCount := len(ranked)
	if topCount > 5 {
		topCount = 5
	}

	return schemas.Decision{
		Ranked:   ranked,
		Strategy: strategy,
		Recommendation: schemas.StrategyRecommendation{
			Suggested:         strategy,
			Confidence:        fallbackConfidence,
			TopCandidateCount: topCount,
			Reasoning:         "rule-based fallback strategy (scoring service unavailable)",
		},
	}
}

// sortRanked orders by score descending, then distance ascending, then
// candidate ID, so equal scores always rank the same way with the
// nearer candidate first.
func sortRanked(ranked []schemas.RankedCandidate) {
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].DistanceKm != ranked[j].DistanceKm {
			return ranked[i].DistanceKm < ranked[j].DistanceKm
		}
		return ranked[i].CandidateID < ranked[j].CandidateID
	})
}
