package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lifelinkhq/matchflow/api/schemas"
)

const stateColumns = `id, request_id, urgency, strategy, status, loop_iterations, agent_version,
	observation, decision, plan, execution, learning, feedback_at, created_at, updated_at`

// Create inserts a new agent state. The request_id unique constraint
// enforces the one-state-per-request invariant.
func (s *Store) Create(ctx context.Context, state *schemas.AgentState) error {
	if state.ID == "" {
		state.ID = uuid.NewString()
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = state.CreatedAt
	}

	blocks, err := marshalBlocks(state)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_states (`+stateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);`,
		state.ID, state.RequestID, string(state.Observation.Urgency), string(state.Decision.Strategy),
		string(state.Execution.Status), state.LoopIterations, state.AgentVersion,
		blocks.observation, blocks.decision, blocks.plan, blocks.execution, blocks.learning,
		state.Learning.FeedbackAt, state.CreatedAt.UTC(), state.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("request %s: %w", state.RequestID, ErrDuplicateState)
		}
		return fmt.Errorf("failed to insert agent state: %w", err)
	}
	return nil
}

// GetByRequestID fetches the state for a request.
func (s *Store) GetByRequestID(ctx context.Context, requestID string) (*schemas.AgentState, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+stateColumns+`
		FROM agent_states WHERE request_id = $1;`, requestID)

	state, err := scanState(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("request %s: %w", requestID, ErrStateNotFound)
		}
		return nil, err
	}
	return state, nil
}

// Update rewrites the mutable blocks of an existing state.
func (s *Store) Update(ctx context.Context, state *schemas.AgentState) error {
	blocks, err := marshalBlocks(state)
	if err != nil {
		return err
	}
	state.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_states
		SET strategy = $2, status = $3, loop_iterations = $4,
		    decision = $5, plan = $6, execution = $7, learning = $8,
		    feedback_at = $9, updated_at = $10
		WHERE id = $1;`,
		state.ID, string(state.Decision.Strategy), string(state.Execution.Status),
		state.LoopIterations, blocks.decision, blocks.plan, blocks.execution, blocks.learning,
		state.Learning.FeedbackAt, state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("state %s: %w", state.ID, ErrStateNotFound)
	}
	return nil
}

// List pages states newest-first with optional urgency/strategy
// filters.
func (s *Store) List(ctx context.Context, filter schemas.StateFilter) ([]*schemas.AgentState, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.Urgency != "" {
		args = append(args, string(filter.Urgency))
		conds = append(conds, fmt.Sprintf("urgency = $%d", len(args)))
	}
	if filter.Strategy != "" {
		args = append(args, string(filter.Strategy))
		conds = append(conds, fmt.Sprintf("strategy = $%d", len(args)))
	}

	query := `SELECT ` + stateColumns + ` FROM agent_states`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return s.queryStates(ctx, query+";", args...)
}

// ListWithFeedbackSince returns states whose feedback was collected at
// or after the cutoff.
func (s *Store) ListWithFeedbackSince(ctx context.Context, cutoff time.Time) ([]*schemas.AgentState, error) {
	return s.queryStates(ctx, `
		SELECT `+stateColumns+`
		FROM agent_states
		WHERE feedback_at IS NOT NULL AND feedback_at >= $1
		ORDER BY feedback_at DESC;`, cutoff.UTC())
}

// ListAwaitingResponse returns states that may be due for escalation,
// oldest first. Consumed by the escalation sweeper.
func (s *Store) ListAwaitingResponse(ctx context.Context, limit int) ([]*schemas.AgentState, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryStates(ctx, `
		SELECT `+stateColumns+`
		FROM agent_states
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2;`, string(schemas.ExecAwaitingResponse), limit)
}

func (s *Store) queryStates(ctx context.Context, query string, args ...interface{}) ([]*schemas.AgentState, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent states: %w", err)
	}
	defer rows.Close()

	var states []*schemas.AgentState
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return states, nil
}

type stateBlocks struct {
	observation, decision, plan, execution, learning []byte
}

func marshalBlocks(state *schemas.AgentState) (stateBlocks, error) {
	var (
		b   stateBlocks
		err error
	)
	if b.observation, err = json.Marshal(state.Observation); err != nil {
		return b, fmt.Errorf("failed to marshal observation: %w", err)
	}
	if b.decision, err = json.Marshal(state.Decision); err != nil {
		return b, fmt.Errorf("failed to marshal decision: %w", err)
	}
	if b.plan, err = json.Marshal(state.Plan); err != nil {
		return b, fmt.Errorf("failed to marshal plan: %w", err)
	}
	if b.execution, err = json.Marshal(state.Execution); err != nil {
		return b, fmt.Errorf("failed to marshal execution: %w", err)
	}
	if b.learning, err = json.Marshal(state.Learning); err != nil {
		return b, fmt.Errorf("failed to marshal learning: %w", err)
	}
	return b, nil
}

func scanState(row pgx.Row) (*schemas.AgentState, error) {
	var (
		state                                            schemas.AgentState
		urgency, strategy, status                        string
		observation, decision, plan, execution, learning []byte
		feedbackAt                                       *time.Time
	)

	err := row.Scan(
		&state.ID, &state.RequestID, &urgency, &strategy, &status,
		&state.LoopIterations, &state.AgentVersion,
		&observation, &decision, &plan, &execution, &learning,
		&feedbackAt, &state.CreatedAt, &state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(observation, &state.Observation); err != nil {
		return nil, fmt.Errorf("failed to unmarshal observation: %w", err)
	}
	if err := json.Unmarshal(decision, &state.Decision); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
	}
	if err := json.Unmarshal(plan, &state.Plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	if err := json.Unmarshal(execution, &state.Execution); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	if err := json.Unmarshal(learning, &state.Learning); err != nil {
		return nil, fmt.Errorf("failed to unmarshal learning: %w", err)
	}
	state.Learning.FeedbackAt = feedbackAt

	// Columns are denormalized from the JSON blocks; the blocks win on
	// any drift except status, which the columns track for indexing.
	state.Execution.Status = schemas.ExecutionStatus(status)

	return &state, nil
}
