// Package orchestrator wires the five phases into the full
// Observe→Decide→Plan→Act→Learn loop and owns the background
// processing pool and the escalation sweeper.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lifelinkhq/matchflow/api/schemas"
	"github.com/lifelinkhq/matchflow/internal/clock"
	"github.com/lifelinkhq/matchflow/internal/config"
	"github.com/lifelinkhq/matchflow/internal/decision"
	"github.com/lifelinkhq/matchflow/internal/executor"
	"github.com/lifelinkhq/matchflow/internal/learning"
	"github.com/lifelinkhq/matchflow/internal/observer"
	"github.com/lifelinkhq/matchflow/internal/planner"
)

const agentVersion = "1.0.0"

// sweepBatchSize caps how many awaiting states one sweep examines.
const sweepBatchSize = 50

// StateStore is the orchestrator's persistence surface: the shared
// store interface plus the sweeper's listing.
type StateStore interface {
	schemas.StateStore
	ListAwaitingResponse(ctx context.Context, limit int) ([]*schemas.AgentState, error)
}

// Orchestrator runs the agent loop for blood requests.
type Orchestrator struct {
	states   StateStore
	requests schemas.RequestReader
	observer *observer.Observer
	engine   *decision.Engine
	planner  *planner.Planner
	executor *executor.Executor
	learning *learning.Service
	clock    clock.Clock
	cfg      config.OrchestratorConfig
	log      *zap.Logger

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	cancel context.CancelFunc
	bg     context.Context
}

// New creates an Orchestrator. Call Close to drain background work.
func New(
	states StateStore,
	requests schemas.RequestReader,
	obs *observer.Observer,
	engine *decision.Engine,
	plnr *planner.Planner,
	exec *executor.Executor,
	learn *learning.Service,
	clk clock.Clock,
	cfg config.OrchestratorConfig,
	logger *zap.Logger,
) *Orchestrator {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		states:   states,
		requests: requests,
		observer: obs,
		engine:   engine,
		planner:  plnr,
		executor: exec,
		learning: learn,
		clock:    clk,
		cfg:      cfg,
		log:      logger.Named("orchestrator"),
		sem:      semaphore.NewWeighted(maxConcurrent),
		bg:       bg,
		cancel:   cancel,
	}
}

// Submit schedules a request for background processing and returns
// immediately. Processing failures are logged, never surfaced to the
// submitter.
func (o *Orchestrator) Submit(req *schemas.Request) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("Request processing panicked",
					zap.String("request_id", req.ID),
					zap.Any("panic", r),
				)
			}
		}()

		if err := o.sem.Acquire(o.bg, 1); err != nil {
			o.log.Warn("Submission dropped during shutdown", zap.String("request_id", req.ID))
			return
		}
		defer o.sem.Release(1)

		if _, err := o.ProcessRequest(o.bg, req); err != nil {
			o.log.Error("Request processing failed",
				zap.String("request_id", req.ID),
				zap.Error(err),
			)
		}
	}()
}

// ProcessRequest runs the full loop for one request: observe, decide,
// plan, persist the agent state, then act step by step.
func (o *Orchestrator) ProcessRequest(ctx context.Context, req *schemas.Request) (*schemas.ProcessResult, error) {
	started := o.clock.Now()
	log := o.log.With(zap.String("request_id", req.ID))
	log.Info("Processing request",
		zap.String("blood_group", string(req.BloodGroup)),
		zap.String("urgency", string(req.Urgency)),
	)

	// Observe.
	obs, err := o.observer.CollectSnapshot(ctx, req)
	if err != nil {
		return failedResult(started, o.clock.Now()), fmt.Errorf("observe phase failed: %w", err)
	}
	features, err := o.observer.ScoringCandidates(ctx, req, 0)
	if err != nil {
		return failedResult(started, o.clock.Now()), fmt.Errorf("observe phase failed: %w", err)
	}
	log.Info("Observation collected",
		zap.Int("candidates", len(features)),
		zap.String("time_of_day", string(obs.TimeOfDay)),
		zap.Bool("weekend", obs.Weekend),
	)

	// Decide.
	dec := o.engine.Decide(ctx, obs, features)
	log.Info("Decision made",
		zap.String("strategy", string(dec.Strategy)),
		zap.Int("ranked", len(dec.Ranked)),
		zap.String("reasoning", dec.Recommendation.Reasoning),
	)

	// Plan.
	plan := o.planner.Build(dec.Strategy, dec.Ranked, planner.Context{
		RequestID: req.ID,
		Urgency:   req.Urgency,
	})
	log.Info("Plan built",
		zap.Int("steps", len(plan.Steps)),
		zap.Int("response_window_min", plan.ResponseWindowMin),
		zap.Bool("escalation_enabled", plan.Escalation.Enabled),
	)

	state := &schemas.AgentState{
		RequestID:      req.ID,
		Observation:    obs,
		Decision:       dec,
		Plan:           plan,
		Execution:      schemas.Execution{Status: schemas.ExecInitialized},
		LoopIterations: 1,
		AgentVersion:   agentVersion,
		CreatedAt:      started,
	}
	if err := o.states.Create(ctx, state); err != nil {
		return failedResult(started, o.clock.Now()), fmt.Errorf("failed to create agent state: %w", err)
	}

	// Act.
	if err := o.executePlan(ctx, state, req); err != nil {
		return failedResult(started, o.clock.Now()), fmt.Errorf("act phase failed: %w", err)
	}

	elapsed := o.clock.Now().Sub(started)
	log.Info("Request processed",
		zap.String("status", string(state.Execution.Status)),
		zap.Int("contacted", len(state.Execution.Contacted)),
		zap.Int("actions", len(state.Execution.Actions)),
		zap.Duration("elapsed", elapsed),
	)

	return &schemas.ProcessResult{
		Success:             true,
		AgentStateID:        state.ID,
		CandidatesContacted: len(state.Execution.Contacted),
		Strategy:            dec.Strategy,
		ProcessingTimeMs:    elapsed.Milliseconds(),
	}, nil
}

// executePlan runs every pending step in order with the configured
// inter-step delay, persisting after each step. Step failures are
// recorded and do not stop the plan.
func (o *Orchestrator) executePlan(ctx context.Context, state *schemas.AgentState, req *schemas.Request) error {
	state.Execution.Status = schemas.ExecExecuting
	if err := o.states.Update(ctx, state); err != nil {
		return fmt.Errorf("failed to mark state executing: %w", err)
	}

	for i := range state.Plan.Steps {
		step := &state.Plan.Steps[i]
		if step.Status != schemas.StepPending {
			continue
		}

		record := o.executor.Execute(ctx, step, state, req)
		if !record.Success {
			o.log.Warn("Plan step failed",
				zap.String("request_id", req.ID),
				zap.Int("step", step.Number),
				zap.String("error", record.ErrorMessage),
			)
		}

		if err := o.states.Update(ctx, state); err != nil {
			return fmt.Errorf("failed to persist step %d: %w", step.Number, err)
		}

		if i < len(state.Plan.Steps)-1 && o.cfg.StepDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.StepDelay):
			}
		}
	}

	// Escalated is sticky; anything else settles into awaiting.
	if state.Execution.Status != schemas.ExecEscalated {
		state.Execution.Status = schemas.ExecAwaitingResponse
	}
	if err := o.states.Update(ctx, state); err != nil {
		return fmt.Errorf("failed to mark state awaiting: %w", err)
	}
	return nil
}

// HandleCandidateResponse records an accept/reject and feeds it back
// into the live plan.
func (o *Orchestrator) HandleCandidateResponse(ctx context.Context, requestID, candidateID string, accepted bool, rejectionReason string) error {
	response, err := o.learning.RecordResponse(ctx, requestID, candidateID, accepted, rejectionReason)
	if err != nil || response == nil {
		return err
	}

	state, err := o.states.GetByRequestID(ctx, requestID)
	if err != nil {
		return fmt.Errorf("failed to reload state after response: %w", err)
	}

	state.Plan = o.planner.AdjustPlan(state.Plan, planner.Feedback{
		ResponseCount: len(state.Learning.Responses),
		Urgency:       state.Observation.Urgency,
	})
	if err := o.states.Update(ctx, state); err != nil {
		return fmt.Errorf("failed to persist adjusted plan: %w", err)
	}
	return nil
}

// RecordFinalOutcome closes the loop for a request and settles the
// terminal execution status.
func (o *Orchestrator) RecordFinalOutcome(ctx context.Context, requestID string, outcome learning.Outcome) (*schemas.Learning, error) {
	result, err := o.learning.RecordFinalOutcome(ctx, requestID, outcome)
	if err != nil || result == nil {
		return result, err
	}

	state, err := o.states.GetByRequestID(ctx, requestID)
	if err != nil {
		return result, fmt.Errorf("failed to reload state after outcome: %w", err)
	}
	if outcome.Matched {
		state.Execution.Status = schemas.ExecCompleted
	} else {
		state.Execution.Status = schemas.ExecFailed
	}
	if err := o.states.Update(ctx, state); err != nil {
		return result, fmt.Errorf("failed to persist terminal status: %w", err)
	}

	retrain, err := o.learning.ShouldRetrain(ctx)
	if err != nil {
		o.log.Warn("Retraining check failed", zap.Error(err))
	} else if retrain {
		o.log.Info("Model retraining recommended", zap.String("request_id", requestID))
	}
	return result, nil
}

// CheckAndEscalate re-evaluates one request and widens the search if
// the escalation policy has armed. Safe to call repeatedly; the policy
// disarms after the first escalation, and a request closed externally
// is never escalated.
func (o *Orchestrator) CheckAndEscalate(ctx context.Context, requestID string) (*schemas.EscalationResult, error) {
	state, err := o.states.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load state for escalation: %w", err)
	}

	if !o.planner.ShouldEscalate(state) {
		return &schemas.EscalationResult{Escalated: false, Reason: "escalation conditions not met"}, nil
	}

	open, err := o.requests.IsOpen(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to check request status: %w", err)
	}
	if !open {
		return &schemas.EscalationResult{Escalated: false, Reason: "request closed"}, nil
	}

	req, err := o.requests.Get(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load request for escalation: %w", err)
	}

	o.log.Warn("Escalation triggered", zap.String("request_id", requestID))

	// Widen the pool past the plan's original reach.
	features, err := o.observer.ScoringCandidates(ctx, req, state.Plan.Escalation.ExpandRadiusKm+state.Observation.AvgDistanceKm+25)
	if err != nil {
		return nil, fmt.Errorf("failed to expand candidate pool: %w", err)
	}
	targets := make([]string, 0, len(features))
	for _, f := range features {
		targets = append(targets, f.CandidateID)
	}

	state.Plan = o.planner.Escalate(state.Plan, targets)
	state.LoopIterations++
	if err := o.states.Update(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to persist escalated plan: %w", err)
	}

	for i := range state.Plan.Steps {
		step := &state.Plan.Steps[i]
		if !step.Escalated || step.Status != schemas.StepPending {
			continue
		}
		o.executor.Execute(ctx, step, state, req)
	}
	if err := o.states.Update(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to persist escalation execution: %w", err)
	}

	return &schemas.EscalationResult{Escalated: true, NewCandidates: len(targets)}, nil
}

// StartSweeper begins the periodic scan of awaiting-response states.
// It returns immediately; Close stops the loop.
func (o *Orchestrator) StartSweeper() {
	if o.cfg.SweepInterval <= 0 {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-o.bg.Done():
				return
			case <-ticker.C:
				o.sweep(o.bg)
			}
		}
	}()
}

// sweep runs one escalation pass over awaiting states.
func (o *Orchestrator) sweep(ctx context.Context) {
	states, err := o.states.ListAwaitingResponse(ctx, sweepBatchSize)
	if err != nil {
		o.log.Error("Sweep listing failed", zap.Error(err))
		return
	}
	for _, state := range states {
		result, err := o.CheckAndEscalate(ctx, state.RequestID)
		if err != nil {
			o.log.Warn("Sweep escalation check failed",
				zap.String("request_id", state.RequestID),
				zap.Error(err),
			)
			continue
		}
		if result.Escalated {
			o.log.Info("Sweep escalated request",
				zap.String("request_id", state.RequestID),
				zap.Int("new_candidates", result.NewCandidates),
			)
		}
	}
}

// Close stops the sweeper, rejects new submissions and waits for
// in-flight processing to finish.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func failedResult(started, now time.Time) *schemas.ProcessResult {
	return &schemas.ProcessResult{
		Success:          false,
		Fallback:         "rule_based",
		ProcessingTimeMs: now.Sub(started).Milliseconds(),
	}
}
