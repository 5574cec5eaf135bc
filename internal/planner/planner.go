// Package planner implements the Plan phase: turning a decision into
// an ordered, timed step sequence, plus the escalation policy that
// governs when and how the plan widens.
package planner

import (
	"time"

	"go.uber.org/zap"

	"github.com/lifelinkhq/matchflow/api/schemas"
	"github.com/lifelinkhq/matchflow/internal/clock"
)

const (
	targetedTopCount    = 5
	escalationBatchSize = 3
	escalationMaxSteps  = 4
)

// responseWindows maps urgency to the targeted-plan response window in
// minutes.
var responseWindows = map[schemas.Urgency]int{
	schemas.UrgencyCritical: 10,
	schemas.UrgencyUrgent:   20,
	schemas.UrgencyNormal:   30,
}

// Context carries the request attributes a plan depends on.
type Context struct {
	RequestID string
	Urgency   schemas.Urgency
}

// Feedback is the mid-flight signal used to adjust a live plan.
type Feedback struct {
	ResponseCount int
	Urgency       schemas.Urgency
}

// Planner builds and evolves plans. All times come from the injected
// clock so tests can pin them.
type Planner struct {
	clock clock.Clock
	log   *zap.Logger
}

// New creates a Planner.
func New(clk clock.Clock, logger *zap.Logger) *Planner {
	return &Planner{clock: clk, log: logger.Named("planner")}
}

// Build creates the plan for a chosen strategy over the ranked pool.
// Unknown strategies get the targeted plan.
func (p *Planner) Build(strategy schemas.StrategyType, ranked []schemas.RankedCandidate, planCtx Context) schemas.Plan {
	switch strategy {
	case schemas.StrategyBroadcast:
		return p.broadcastPlan(ranked, planCtx)
	case schemas.StrategyEscalation:
		return p.escalationPlan(ranked, planCtx)
	case schemas.StrategyHybrid:
		return p.hybridPlan(ranked, planCtx)
	case schemas.StrategyTargeted:
		return p.targetedPlan(ranked, planCtx)
	default:
		p.log.Warn("Unknown strategy, building targeted plan",
			zap.String("strategy", string(strategy)),
			zap.String("request_id", planCtx.RequestID),
		)
		return p.targetedPlan(ranked, planCtx)
	}
}

// targetedPlan notifies the top candidates, then opens chats with the
// same set two minutes later.
func (p *Planner) targetedPlan(ranked []schemas.RankedCandidate, planCtx Context) schemas.Plan {
	now := p.clock.Now()
	top := candidateIDs(ranked, targetedTopCount)
	window := windowFor(planCtx.Urgency)

	return schemas.Plan{
		Steps: []schemas.PlanStep{
			{
				Number:      1,
				Action:      schemas.ActionNotifyCandidates,
				Targets:     top,
				ScheduledAt: now,
				Timeout:     time.Duration(window) * time.Minute,
				Fallback:    schemas.FallbackEscalate,
				Status:      schemas.StepPending,
			},
			{
				Number:      2,
				Action:      schemas.ActionOpenChat,
				Targets:     top,
				ScheduledAt: now.Add(2 * time.Minute),
				Status:      schemas.StepPending,
			},
		},
		ResponseWindowMin: window,
		Trigger:           schemas.TriggerNoResponse,
		Escalation: schemas.EscalationPolicy{
			Enabled:         true,
			TriggerAfterMin: window,
			ExpandRadiusKm:  10,
			BroadcastToAll:  planCtx.Urgency == schemas.UrgencyCritical,
		},
		CreatedAt: now,
	}
}

// broadcastPlan notifies everyone in one shot at a radius scaled to
// urgency.
func (p *Planner) broadcastPlan(ranked []schemas.RankedCandidate, planCtx Context) schemas.Plan {
	now := p.clock.Now()
	radius := 10.0
	if planCtx.Urgency == schemas.UrgencyCritical {
		radius = 20.0
	}

	return schemas.Plan{
		Steps: []schemas.PlanStep{
			{
				Number:      1,
				Action:      schemas.ActionBroadcast,
				Targets:     candidateIDs(ranked, len(ranked)),
				ScheduledAt: now,
				Timeout:     15 * time.Minute,
				Fallback:    schemas.FallbackExpandRadius,
				Status:      schemas.StepPending,
				RadiusKm:    radius,
			},
		},
		ResponseWindowMin: 15,
		Trigger:           schemas.TriggerInsufficientDonors,
		Escalation: schemas.EscalationPolicy{
			Enabled:         true,
			TriggerAfterMin: 15,
			ExpandRadiusKm:  radius + 10,
			BroadcastToAll:  true,
		},
		CreatedAt: now,
	}
}

// escalationPlan works the ranking in batches of three at ten-minute
// intervals, at most four batches.
func (p *Planner) escalationPlan(ranked []schemas.RankedCandidate, planCtx Context) schemas.Plan {
	now := p.clock.Now()

	maxSteps := (len(ranked) + escalationBatchSize - 1) / escalationBatchSize
	if maxSteps > escalationMaxSteps {
		maxSteps = escalationMaxSteps
	}

	steps := make([]schemas.PlanStep, 0, maxSteps)
	for i := 0; i < maxSteps; i++ {
		start := i * escalationBatchSize
		end := start + escalationBatchSize
		if end > len(ranked) {
			end = len(ranked)
		}
		fallback := schemas.FallbackNextBatch
		if i == maxSteps-1 {
			fallback = schemas.FallbackBroadcast
		}
		steps = append(steps, schemas.PlanStep{
			Number:      i + 1,
			Action:      schemas.ActionNotifyCandidates,
			Targets:     candidateIDsRange(ranked, start, end),
			ScheduledAt: now.Add(time.Duration(i) * 10 * time.Minute),
			Timeout:     10 * time.Minute,
			Fallback:    fallback,
			Status:      schemas.StepPending,
		})
	}

	return schemas.Plan{
		Steps:             steps,
		ResponseWindowMin: 10,
		Trigger:           schemas.TriggerTimeCritical,
		Escalation: schemas.EscalationPolicy{
			Enabled:         true,
			TriggerAfterMin: maxSteps * 10,
			ExpandRadiusKm:  15,
			BroadcastToAll:  false,
		},
		CreatedAt: now,
	}
}

// hybridPlan hits the top candidates first, then broadcasts to the
// remainder five minutes later.
func (p *Planner) hybridPlan(ranked []schemas.RankedCandidate, planCtx Context) schemas.Plan {
	now := p.clock.Now()
	topCount := targetedTopCount
	if topCount > len(ranked) {
		topCount = len(ranked)
	}

	return schemas.Plan{
		Steps: []schemas.PlanStep{
			{
				Number:      1,
				Action:      schemas.ActionNotifyCandidates,
				Targets:     candidateIDsRange(ranked, 0, topCount),
				ScheduledAt: now,
				Timeout:     5 * time.Minute,
				Fallback:    schemas.FallbackBroadcast,
				Status:      schemas.StepPending,
			},
			{
				Number:      2,
				Action:      schemas.ActionBroadcast,
				Targets:     candidateIDsRange(ranked, topCount, len(ranked)),
				ScheduledAt: now.Add(5 * time.Minute),
				Timeout:     10 * time.Minute,
				Fallback:    schemas.FallbackExpandRadius,
				Status:      schemas.StepPending,
				RadiusKm:    15,
			},
		},
		ResponseWindowMin: 15,
		Trigger:           schemas.TriggerNoResponse,
		Escalation: schemas.EscalationPolicy{
			Enabled:         true,
			TriggerAfterMin: 15,
			ExpandRadiusKm:  25,
			BroadcastToAll:  true,
		},
		CreatedAt: now,
	}
}

// ShouldEscalate reports whether the state's escalation policy has
// armed and its trigger condition holds.
func (p *Planner) ShouldEscalate(state *schemas.AgentState) bool {
	if !state.Plan.Escalation.Enabled {
		return false
	}

	elapsed := p.clock.Now().Sub(state.CreatedAt).Minutes()
	if elapsed < float64(state.Plan.Escalation.TriggerAfterMin) {
		return false
	}

	switch state.Plan.Trigger {
	case schemas.TriggerNoResponse:
		return len(state.Learning.Responses) == 0
	case schemas.TriggerInsufficientDonors:
		return len(state.Learning.Responses) < 2
	case schemas.TriggerTimeCritical:
		return !state.Learning.FinalOutcome.Matched
	}
	return false
}

// Escalate appends one expanded broadcast step and disarms further
// escalation. The plan escalates at most once.
func (p *Planner) Escalate(plan schemas.Plan, targets []string) schemas.Plan {
	plan.Steps = append(plan.Steps, schemas.PlanStep{
		Number:      len(plan.Steps) + 1,
		Action:      schemas.ActionBroadcast,
		Targets:     targets,
		ScheduledAt: p.clock.Now(),
		Timeout:     20 * time.Minute,
		Fallback:    schemas.FallbackOperatorAlert,
		Status:      schemas.StepPending,
		RadiusKm:    plan.Escalation.ExpandRadiusKm,
		Escalated:   true,
	})
	plan.Escalation.Enabled = false
	return plan
}

// AdjustPlan tunes a live plan from response feedback: any response
// disarms escalation, and a critical request with none halves the
// trigger time down to a five-minute floor.
func (p *Planner) AdjustPlan(plan schemas.Plan, feedback Feedback) schemas.Plan {
	if feedback.ResponseCount > 0 {
		plan.Escalation.Enabled = false
	}
	if feedback.Urgency == schemas.UrgencyCritical && feedback.ResponseCount == 0 {
		half := plan.Escalation.TriggerAfterMin / 2
		if half < 5 {
			half = 5
		}
		plan.Escalation.TriggerAfterMin = half
	}
	return plan
}

func windowFor(urgency schemas.Urgency) int {
	if w, ok := responseWindows[urgency]; ok {
		return w
	}
	return responseWindows[schemas.UrgencyNormal]
}

func candidateIDs(ranked []schemas.RankedCandidate, limit int) []string {
	if limit > len(ranked) {
		limit = len(ranked)
	}
	return candidateIDsRange(ranked, 0, limit)
}

func candidateIDsRange(ranked []schemas.RankedCandidate, start, end int) []string {
	ids := make([]string, 0, end-start)
	for _, rc := range ranked[start:end] {
		ids = append(ids, rc.CandidateID)
	}
	return ids
}
