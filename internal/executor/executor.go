// Package executor implements the Act phase: the only place outward
// side effects happen. Each plan step maps to one typed action
// handler; a handler failure or panic is captured into the execution
// record and never aborts the rest of the plan.
package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lifelinkhq/matchflow/api/schemas"
	"github.com/lifelinkhq/matchflow/internal/clock"
	"github.com/lifelinkhq/matchflow/internal/config"
)

// Executor runs plan steps against the outbound collaborators.
type Executor struct {
	pool      schemas.CandidatePool
	notifier  schemas.Notifier
	chats     schemas.ChatService
	operator  schemas.OperatorAlerter
	requester schemas.RequesterSignaler
	clock     clock.Clock
	cfg       config.ExecutorConfig
	log       *zap.Logger
}

// New creates an Executor.
func New(
	pool schemas.CandidatePool,
	notifier schemas.Notifier,
	chats schemas.ChatService,
	operator schemas.OperatorAlerter,
	requester schemas.RequesterSignaler,
	clk clock.Clock,
	cfg config.ExecutorConfig,
	logger *zap.Logger,
) *Executor {
	return &Executor{
		pool:      pool,
		notifier:  notifier,
		chats:     chats,
		operator:  operator,
		requester: requester,
		clock:     clk,
		cfg:       cfg,
		log:       logger.Named("executor"),
	}
}

// Execute runs one pending step, mutating the step status and the
// state's execution block, and appends the resulting record to the
// action log. Non-pending steps are skipped without side effects.
func (e *Executor) Execute(ctx context.Context, step *schemas.PlanStep, state *schemas.AgentState, req *schemas.Request) schemas.ExecutionRecord {
	record := schemas.ExecutionRecord{
		ActionID:    uuid.NewString(),
		Type:        step.Action,
		TargetCount: len(step.Targets),
		ExecutedAt:  e.clock.Now(),
	}

	if step.Status != schemas.StepPending {
		record.ErrorMessage = "step already " + string(step.Status)
		return record
	}
	step.Status = schemas.StepExecuting

	err := e.run(ctx, step, state, req, &record)
	if err != nil {
		record.Success = false
		record.ErrorMessage = err.Error()
		step.Status = schemas.StepFailed
		e.log.Error("Step failed",
			zap.String("request_id", req.ID),
			zap.Int("step", step.Number),
			zap.String("action", string(step.Action)),
			zap.Error(err),
		)
	} else {
		record.Success = true
		step.Status = schemas.StepCompleted
	}

	state.Execution.Actions = append(state.Execution.Actions, record)
	state.Execution.CurrentStep = step.Number
	return record
}

// run dispatches to the handler for the step's action, converting a
// handler panic into an error.
func (e *Executor) run(ctx context.Context, step *schemas.PlanStep, state *schemas.AgentState, req *schemas.Request, record *schemas.ExecutionRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()

	switch step.Action {
	case schemas.ActionNotifyCandidates:
		return e.notifyCandidates(ctx, step.Targets, state, req)
	case schemas.ActionBroadcast:
		return e.broadcast(ctx, step, state, req)
	case schemas.ActionOpenChat:
		return e.openChats(ctx, step.Targets, state, req)
	case schemas.ActionReserveSlot:
		return e.reserveSlot(ctx, step.Targets, req, record)
	case schemas.ActionEscalate:
		return e.escalate(ctx, state, req)
	case schemas.ActionOperatorAlert:
		return e.operatorAlert(ctx, req)
	default:
		return fmt.Errorf("unknown action type: %s", step.Action)
	}
}

// notifyCandidates sends one targeted notification per candidate,
// annotated with the candidate's ranking entry when one exists. A
// partial delivery still succeeds; only total failure fails the step.
func (e *Executor) notifyCandidates(ctx context.Context, targets []string, state *schemas.AgentState, req *schemas.Request) error {
	if len(targets) == 0 {
		return nil
	}

	var delivered int
	for _, candidateID := range targets {
		n := schemas.Notification{
			Kind:       "blood_request",
			Title:      fmt.Sprintf("%s Blood Request", strings.ToUpper(string(req.Urgency))),
			Message:    fmt.Sprintf("%s blood needed at %s. %d unit(s) required.", req.BloodGroup, req.HospitalName, req.UnitsRequired),
			RequestID:  req.ID,
			Urgency:    req.Urgency,
			BloodGroup: req.BloodGroup,
			Hospital:   req.HospitalName,
			Reason:     "compatible donor",
		}
		if rc, ok := state.RankedCandidateByID(candidateID); ok {
			n.DistanceKm = rc.DistanceKm
			n.Score = rc.Score
			if rc.Reason != "" {
				n.Reason = rc.Reason
			}
		}

		if err := e.notifier.NotifyCandidate(ctx, candidateID, n); err != nil {
			e.log.Warn("Notification delivery failed",
				zap.String("request_id", req.ID),
				zap.String("candidate_id", candidateID),
				zap.Error(err),
			)
			continue
		}
		delivered++
		state.Execution.NotificationsSent++
		if !state.Execution.HasContacted(candidateID) {
			state.Execution.Contacted = append(state.Execution.Contacted, candidateID)
		}
	}

	if delivered == 0 {
		return fmt.Errorf("all %d notification deliveries failed", len(targets))
	}
	return nil
}

// broadcast notifies the listed candidates and additionally publishes
// an area alert on the request's city channel.
func (e *Executor) broadcast(ctx context.Context, step *schemas.PlanStep, state *schemas.AgentState, req *schemas.Request) error {
	if len(step.Targets) > 0 {
		if err := e.notifyCandidates(ctx, step.Targets, state, req); err != nil {
			return err
		}
	}

	if req.City == "" {
		return nil
	}
	n := schemas.Notification{
		Kind:       "broadcast_request",
		Title:      fmt.Sprintf("%s Blood Alert", strings.ToUpper(string(req.Urgency))),
		Message:    fmt.Sprintf("%s blood urgently needed in %s", req.BloodGroup, req.City),
		RequestID:  req.ID,
		Urgency:    req.Urgency,
		BloodGroup: req.BloodGroup,
		Hospital:   req.HospitalName,
		RadiusKm:   step.RadiusKm,
	}
	if err := e.notifier.BroadcastArea(ctx, req.City, n); err != nil {
		return fmt.Errorf("area broadcast failed: %w", err)
	}
	return nil
}

// openChats opens a seeded conversation with each target candidate.
func (e *Executor) openChats(ctx context.Context, targets []string, state *schemas.AgentState, req *schemas.Request) error {
	message := fmt.Sprintf("Hello! I urgently need %s blood at %s. Can you help?", req.BloodGroup, req.HospitalName)

	var opened int
	for _, candidateID := range targets {
		if err := e.chats.OpenConversation(ctx, req.RequesterID, candidateID, req.ID, message); err != nil {
			e.log.Warn("Chat open failed",
				zap.String("request_id", req.ID),
				zap.String("candidate_id", candidateID),
				zap.Error(err),
			)
			continue
		}
		opened++
		state.Execution.ChatSessionsOpened++
	}

	if opened == 0 && len(targets) > 0 {
		return fmt.Errorf("all %d chat opens failed", len(targets))
	}
	return nil
}

// reserveSlot places a time-bounded exclusive hold on the first
// target. The store does the compare-and-set; a lost race surfaces as
// ErrCandidateHeld in the record.
func (e *Executor) reserveSlot(ctx context.Context, targets []string, req *schemas.Request, record *schemas.ExecutionRecord) error {
	if len(targets) == 0 {
		return fmt.Errorf("reserve_slot step has no target")
	}
	candidateID := targets[0]
	record.TargetID = candidateID

	until := e.clock.Now().Add(e.cfg.ReserveHold)
	if err := e.pool.Reserve(ctx, candidateID, req.ID, until); err != nil {
		return fmt.Errorf("failed to reserve candidate %s: %w", candidateID, err)
	}

	e.log.Info("Candidate reserved",
		zap.String("request_id", req.ID),
		zap.String("candidate_id", candidateID),
		zap.Time("hold_until", until),
	)
	return nil
}

// escalate flips the agent to escalated and tells the requester the
// search is widening. The wider outreach itself arrives as an appended
// broadcast step.
func (e *Executor) escalate(ctx context.Context, state *schemas.AgentState, req *schemas.Request) error {
	state.Execution.Status = schemas.ExecEscalated

	err := e.requester.SignalEscalation(ctx, req.RequesterID, req.ID,
		"We are expanding the search to find more donors for you.")
	if err != nil {
		return fmt.Errorf("failed to signal requester: %w", err)
	}
	return nil
}

func (e *Executor) operatorAlert(ctx context.Context, req *schemas.Request) error {
	if err := e.operator.Alert(ctx, req.ID, req.Urgency, "no donor responses after escalation"); err != nil {
		return fmt.Errorf("failed to raise operator alert: %w", err)
	}
	return nil
}
