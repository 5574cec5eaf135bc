// Package learning implements the Learn phase: feedback capture,
// per-request performance metrics, advisory improvement notes and the
// rolling system-wide insight aggregate.
package learning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lifelinkhq/matchflow/api/schemas"
	"github.com/lifelinkhq/matchflow/internal/clock"
	"github.com/lifelinkhq/matchflow/internal/store"
)

const (
	maxTopImprovements   = 5
	retrainAccuracyFloor = 0.6
	retrainSampleSize    = 100
)

// effectivenessThresholds are the target completion times in minutes
// per urgency tier.
var effectivenessThresholds = map[schemas.Urgency]float64{
	schemas.UrgencyCritical: 30,
	schemas.UrgencyUrgent:   60,
	schemas.UrgencyNormal:   120,
}

// Outcome is the caller-supplied final result of a request.
type Outcome struct {
	Matched            bool
	MatchedCandidateID string
	Delivered          bool
	RaterScore         float64
	OperatorIntervened bool
}

// FeedbackSink receives per-response learning updates, typically the
// scoring service. Delivery is best-effort; failures never fail the
// response path.
type FeedbackSink interface {
	UpdateLearning(ctx context.Context, update schemas.LearningUpdate) error
}

// Service records feedback against agent states and aggregates it.
type Service struct {
	states schemas.StateStore
	sink   FeedbackSink
	clock  clock.Clock
	log    *zap.Logger
}

// New creates a learning service. sink may be nil when no scoring
// service is configured.
func New(states schemas.StateStore, sink FeedbackSink, clk clock.Clock, logger *zap.Logger) *Service {
	return &Service{states: states, sink: sink, clock: clk, log: logger.Named("learning")}
}

// RecordResponse appends one candidate accept/reject to the request's
// response log, comparing the actual response time against the
// decision engine's prediction. A missing agent state is logged and
// swallowed; responses can legitimately arrive after manual
// intervention removed the state.
func (s *Service) RecordResponse(ctx context.Context, requestID, candidateID string, accepted bool, rejectionReason string) (*schemas.CandidateResponse, error) {
	state, err := s.states.GetByRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrStateNotFound) {
			s.log.Warn("No agent state for response, skipping",
				zap.String("request_id", requestID),
				zap.String("candidate_id", candidateID))
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load state for response: %w", err)
	}

	now := s.clock.Now()
	actualMin := now.Sub(state.CreatedAt).Minutes()

	var predictedMin float64
	if rc, ok := state.RankedCandidateByID(candidateID); ok {
		predictedMin = rc.PredictedResponseMinutes
	}

	response := schemas.CandidateResponse{
		CandidateID:     candidateID,
		RespondedAt:     now,
		ResponseTimeMin: round2(actualMin),
		Accepted:        accepted,
		RejectionReason: rejectionReason,
		PredictedVsActual: schemas.PredictedVsActual{
			PredictedMin: predictedMin,
			ActualMin:    actualMin,
			Accuracy:     accuracy(predictedMin, actualMin),
		},
	}

	state.Learning.Responses = append(state.Learning.Responses, response)
	if err := s.states.Update(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to persist response: %w", err)
	}

	if s.sink != nil {
		update := schemas.LearningUpdate{
			CandidateID:         candidateID,
			ResponseTimeMinutes: response.ResponseTimeMin,
			Success:             accepted,
		}
		if err := s.sink.UpdateLearning(ctx, update); err != nil {
			s.log.Warn("Failed to push learning update", zap.Error(err))
		}
	}

	s.log.Info("Response recorded",
		zap.String("request_id", requestID),
		zap.String("candidate_id", candidateID),
		zap.Bool("accepted", accepted),
		zap.Float64("response_time_min", response.ResponseTimeMin),
	)
	return &response, nil
}

// RecordFinalOutcome writes the final outcome, derives the performance
// metrics and improvement notes, and stamps the feedback time. A
// missing agent state is logged and swallowed; requests processed
// before the agent existed produce no feedback.
func (s *Service) RecordFinalOutcome(ctx context.Context, requestID string, outcome Outcome) (*schemas.Learning, error) {
	state, err := s.states.GetByRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrStateNotFound) {
			s.log.Warn("No agent state for outcome, skipping feedback", zap.String("request_id", requestID))
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load state for outcome: %w", err)
	}

	now := s.clock.Now()
	totalMin := now.Sub(state.CreatedAt).Minutes()

	state.Learning.FinalOutcome = schemas.FinalOutcome{
		Matched:            outcome.Matched,
		MatchedCandidateID: outcome.MatchedCandidateID,
		CompletedAt:        now,
		TotalTimeMin:       round2(totalMin),
		Delivered:          outcome.Delivered,
		RaterScore:         outcome.RaterScore,
		OperatorIntervened: outcome.OperatorIntervened,
	}

	metrics := computeMetrics(state)
	state.Learning.Metrics = metrics
	state.Learning.Improvements = generateImprovements(state, metrics, now)
	state.Learning.FeedbackAt = &now

	if err := s.states.Update(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to persist outcome: %w", err)
	}

	s.log.Info("Final outcome recorded",
		zap.String("request_id", requestID),
		zap.Bool("matched", outcome.Matched),
		zap.Float64("total_time_min", state.Learning.FinalOutcome.TotalTimeMin),
		zap.String("strategy", string(state.Decision.Strategy)),
	)
	return &state.Learning, nil
}

// Insights aggregates all states with feedback inside the trailing
// window.
func (s *Service) Insights(ctx context.Context, windowDays int) (schemas.Insights, error) {
	if windowDays <= 0 {
		windowDays = 7
	}
	cutoff := s.clock.Now().AddDate(0, 0, -windowDays)

	states, err := s.states.ListWithFeedbackSince(ctx, cutoff)
	if err != nil {
		return schemas.Insights{}, fmt.Errorf("failed to list feedback states: %w", err)
	}

	insights := schemas.Insights{
		WindowDays: windowDays,
		ByUrgency:  make(map[schemas.Urgency]schemas.OutcomeBreakdown),
		ByStrategy: make(map[schemas.StrategyType]schemas.OutcomeBreakdown),
	}
	if len(states) == 0 {
		return insights, nil
	}

	insights.TotalRequests = len(states)

	var matched int
	var sums schemas.PerformanceMetrics
	for _, state := range states {
		if state.Learning.FinalOutcome.Matched {
			matched++
		}
		sums.ResponseRate += state.Learning.Metrics.ResponseRate
		sums.SuccessRate += state.Learning.Metrics.SuccessRate
		sums.AvgResponseTimeMin += state.Learning.Metrics.AvgResponseTimeMin
		sums.StrategyEffectiveness += state.Learning.Metrics.StrategyEffectiveness
		sums.PredictionAccuracy += state.Learning.Metrics.PredictionAccuracy

		b := insights.ByUrgency[state.Observation.Urgency]
		b.Total++
		if state.Learning.FinalOutcome.Matched {
			b.Matched++
			b.AvgTimeMin += state.Learning.FinalOutcome.TotalTimeMin
		}
		insights.ByUrgency[state.Observation.Urgency] = b

		if strategy := state.Decision.Strategy; strategy != "" {
			sb := insights.ByStrategy[strategy]
			sb.Total++
			if state.Learning.FinalOutcome.Matched {
				sb.Matched++
				sb.AvgTimeMin += state.Learning.FinalOutcome.TotalTimeMin
			}
			insights.ByStrategy[strategy] = sb
		}
	}

	n := float64(len(states))
	insights.MatchRate = round2(float64(matched) / n * 100)
	insights.AverageMetrics = schemas.PerformanceMetrics{
		ResponseRate:          round2(sums.ResponseRate / n),
		SuccessRate:           round2(sums.SuccessRate / n),
		AvgResponseTimeMin:    round2(sums.AvgResponseTimeMin / n),
		StrategyEffectiveness: round2(sums.StrategyEffectiveness / n),
		PredictionAccuracy:    round2(sums.PredictionAccuracy / n),
	}

	for urgency, b := range insights.ByUrgency {
		if b.Matched > 0 {
			b.AvgTimeMin = round2(b.AvgTimeMin / float64(b.Matched))
		}
		if b.Total > 0 {
			b.MatchRate = round2(float64(b.Matched) / float64(b.Total) * 100)
		}
		insights.ByUrgency[urgency] = b
	}
	for strategy, b := range insights.ByStrategy {
		if b.Matched > 0 {
			b.AvgTimeMin = round2(b.AvgTimeMin / float64(b.Matched))
		}
		if b.Total > 0 {
			b.MatchRate = round2(float64(b.Matched) / float64(b.Total) * 100)
		}
		insights.ByStrategy[strategy] = b
	}

	insights.TopImprovements = topImprovements(states)
	return insights, nil
}

// ShouldRetrain reports whether the scoring model wants retraining:
// accuracy has drifted low, or enough fresh samples have accumulated.
func (s *Service) ShouldRetrain(ctx context.Context) (bool, error) {
	insights, err := s.Insights(ctx, 7)
	if err != nil {
		return false, err
	}
	if insights.TotalRequests == 0 {
		return false, nil
	}
	return insights.AverageMetrics.PredictionAccuracy < retrainAccuracyFloor ||
		insights.TotalRequests >= retrainSampleSize, nil
}

// computeMetrics derives the per-request performance metrics from the
// response log and the final outcome.
func computeMetrics(state *schemas.AgentState) schemas.PerformanceMetrics {
	responses := state.Learning.Responses
	contacted := len(state.Execution.Contacted)
	if contacted == 0 {
		contacted = 1
	}

	responseRate := float64(len(responses)) / float64(contacted) * 100

	var accepted int
	var totalTime float64
	for _, r := range responses {
		if r.Accepted {
			accepted++
		}
		totalTime += r.ResponseTimeMin
	}

	var successRate, avgResponseTime float64
	if len(responses) > 0 {
		successRate = float64(accepted) / float64(len(responses)) * 100
		avgResponseTime = totalTime / float64(len(responses))
	}

	var effectiveness float64
	if state.Learning.FinalOutcome.Matched {
		threshold, ok := effectivenessThresholds[state.Observation.Urgency]
		if !ok {
			threshold = effectivenessThresholds[schemas.UrgencyNormal]
		}
		effectiveness = clamp01(1 - state.Learning.FinalOutcome.TotalTimeMin/threshold)
	}

	var accuracySum float64
	var accuracyCount int
	for _, r := range responses {
		if r.PredictedVsActual.Accuracy > 0 {
			accuracySum += r.PredictedVsActual.Accuracy
			accuracyCount++
		}
	}
	var predictionAccuracy float64
	if accuracyCount > 0 {
		predictionAccuracy = accuracySum / float64(accuracyCount)
	}

	return schemas.PerformanceMetrics{
		ResponseRate:          round2(responseRate),
		SuccessRate:           round2(successRate),
		AvgResponseTimeMin:    round2(avgResponseTime),
		StrategyEffectiveness: round2(effectiveness),
		PredictionAccuracy:    round2(predictionAccuracy),
	}
}

// generateImprovements applies the fixed advisory thresholds. At most
// five notes come out, one per rule.
func generateImprovements(state *schemas.AgentState, metrics schemas.PerformanceMetrics, now time.Time) []schemas.Improvement {
	var improvements []schemas.Improvement

	if metrics.ResponseRate < 30 {
		improvements = append(improvements, schemas.Improvement{
			Aspect:              "candidate_selection",
			Observation:         fmt.Sprintf("Low response rate (%.2f%%)", metrics.ResponseRate),
			SuggestedAdjustment: "Increase candidate pool size or improve targeting criteria",
			NotedAt:             now,
		})
	}
	if metrics.AvgResponseTimeMin > 30 {
		improvements = append(improvements, schemas.Improvement{
			Aspect:              "timing",
			Observation:         fmt.Sprintf("Slow average response time (%.2f minutes)", metrics.AvgResponseTimeMin),
			SuggestedAdjustment: "Consider time-of-day factors or notification preferences",
			NotedAt:             now,
		})
	}
	if metrics.StrategyEffectiveness < 0.5 && state.Learning.FinalOutcome.Matched {
		improvements = append(improvements, schemas.Improvement{
			Aspect:              "strategy",
			Observation:         fmt.Sprintf("Strategy took longer than optimal (effectiveness: %.2f)", metrics.StrategyEffectiveness),
			SuggestedAdjustment: fmt.Sprintf("Try a different strategy for %s requests", state.Observation.Urgency),
			NotedAt:             now,
		})
	}
	if metrics.PredictionAccuracy < 0.6 {
		improvements = append(improvements, schemas.Improvement{
			Aspect:              "prediction",
			Observation:         fmt.Sprintf("Response-time predictions inaccurate (%.2f)", metrics.PredictionAccuracy),
			SuggestedAdjustment: "Retrain scoring model with recent feedback data",
			NotedAt:             now,
		})
	}
	if !state.Learning.FinalOutcome.Matched {
		improvements = append(improvements, schemas.Improvement{
			Aspect:              "strategy",
			Observation:         "Failed to match a candidate",
			SuggestedAdjustment: "Expand search radius earlier or use hybrid strategy",
			NotedAt:             now,
		})
	}
	return improvements
}

// topImprovements counts recurring suggestions and returns the five
// most common, ties broken by suggestion text.
func topImprovements(states []*schemas.AgentState) []schemas.TopImprovement {
	counts := make(map[string]int)
	for _, state := range states {
		for _, imp := range state.Learning.Improvements {
			counts[imp.Aspect+": "+imp.SuggestedAdjustment]++
		}
	}
	if len(counts) == 0 {
		return nil
	}

	top := make([]schemas.TopImprovement, 0, len(counts))
	for suggestion, count := range counts {
		top = append(top, schemas.TopImprovement{Suggestion: suggestion, Count: count})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Suggestion < top[j].Suggestion
	})
	if len(top) > maxTopImprovements {
		top = top[:maxTopImprovements]
	}
	return top
}

// accuracy scores a response-time prediction between 0 and 1. A zero
// prediction scores zero.
func accuracy(predicted, actual float64) float64 {
	if predicted == 0 {
		return 0
	}
	errAbs := math.Abs(predicted - actual)
	return clamp01(1 - errAbs/math.Max(predicted, actual))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
