package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/lifelinkhq/matchflow/api/schemas"
	"github.com/lifelinkhq/matchflow/internal/clock"
	"github.com/lifelinkhq/matchflow/internal/config"
	"github.com/lifelinkhq/matchflow/internal/decision"
	"github.com/lifelinkhq/matchflow/internal/executor"
	"github.com/lifelinkhq/matchflow/internal/learning"
	"github.com/lifelinkhq/matchflow/internal/observer"
	"github.com/lifelinkhq/matchflow/internal/planner"
	"github.com/lifelinkhq/matchflow/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- In-memory fakes --

// memStateStore is an in-memory StateStore keyed by request ID.
type memStateStore struct {
	mu     sync.Mutex
	clk    *clock.Fake
	states map[string]*schemas.AgentState
}

func newMemStateStore(clk *clock.Fake) *memStateStore {
	return &memStateStore{clk: clk, states: make(map[string]*schemas.AgentState)}
}

func (m *memStateStore) Create(ctx context.Context, state *schemas.AgentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.states[state.RequestID]; exists {
		return store.ErrDuplicateState
	}
	state.ID = uuid.NewString()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = m.clk.Now()
	}
	state.UpdatedAt = state.CreatedAt
	cp := *state
	m.states[state.RequestID] = &cp
	return nil
}

func (m *memStateStore) GetByRequestID(ctx context.Context, requestID string) (*schemas.AgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[requestID]
	if !ok {
		return nil, store.ErrStateNotFound
	}
	cp := *state
	return &cp, nil
}

func (m *memStateStore) Update(ctx context.Context, state *schemas.AgentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[state.RequestID]; !ok {
		return store.ErrStateNotFound
	}
	cp := *state
	m.states[state.RequestID] = &cp
	return nil
}

func (m *memStateStore) List(ctx context.Context, filter schemas.StateFilter) ([]*schemas.AgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*schemas.AgentState, 0, len(m.states))
	for _, s := range m.states {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStateStore) ListWithFeedbackSince(ctx context.Context, cutoff time.Time) ([]*schemas.AgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schemas.AgentState
	for _, s := range m.states {
		if s.Learning.FeedbackAt != nil && !s.Learning.FeedbackAt.Before(cutoff) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStateStore) ListAwaitingResponse(ctx context.Context, limit int) ([]*schemas.AgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schemas.AgentState
	for _, s := range m.states {
		if s.Execution.Status == schemas.ExecAwaitingResponse {
			cp := *s
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// memPool serves a fixed candidate set.
type memPool struct {
	mu         sync.Mutex
	candidates []schemas.Candidate
	reserved   map[string]string
}

func newMemPool(candidates ...schemas.Candidate) *memPool {
	return &memPool{candidates: candidates, reserved: make(map[string]string)}
}

func (p *memPool) CountAvailable(ctx context.Context, groups []schemas.BloodGroup) (int, error) {
	return len(p.candidates), nil
}

func (p *memPool) CountEligible(ctx context.Context, groups []schemas.BloodGroup, cooldown time.Duration) (int, error) {
	return len(p.candidates), nil
}

func (p *memPool) ListNear(ctx context.Context, groups []schemas.BloodGroup, origin schemas.GeoPoint, maxKm float64, limit int) ([]schemas.Candidate, error) {
	out := p.candidates
	if len(out) > limit {
		out = out[:limit]
	}
	return append([]schemas.Candidate(nil), out...), nil
}

func (p *memPool) Reserve(ctx context.Context, candidateID, requestID string, until time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if holder, held := p.reserved[candidateID]; held && holder != requestID {
		return store.ErrCandidateHeld
	}
	p.reserved[candidateID] = requestID
	return nil
}

// memRequests serves one request and its open flag.
type memRequests struct {
	mu   sync.Mutex
	req  *schemas.Request
	open bool
}

func (r *memRequests) Get(ctx context.Context, requestID string) (*schemas.Request, error) {
	if r.req == nil || r.req.ID != requestID {
		return nil, store.ErrRequestNotFound
	}
	cp := *r.req
	return &cp, nil
}

func (r *memRequests) IsOpen(ctx context.Context, requestID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open, nil
}

func (r *memRequests) CountActive(ctx context.Context) (int, error) { return 1, nil }

func (r *memRequests) CountSince(ctx context.Context, cutoff time.Time) (int, error) { return 1, nil }

// nullOutbound swallows every side effect while counting deliveries.
type nullOutbound struct {
	mu            sync.Mutex
	notifications int
	broadcasts    int
	chats         int
	alerts        int
	signals       int
}

func (n *nullOutbound) NotifyCandidate(ctx context.Context, candidateID string, notif schemas.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications++
	return nil
}

func (n *nullOutbound) BroadcastArea(ctx context.Context, city string, notif schemas.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts++
	return nil
}

func (n *nullOutbound) OpenConversation(ctx context.Context, requesterID, candidateID, requestID, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chats++
	return nil
}

func (n *nullOutbound) Alert(ctx context.Context, requestID string, urgency schemas.Urgency, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts++
	return nil
}

func (n *nullOutbound) SignalEscalation(ctx context.Context, requesterID, requestID, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signals++
	return nil
}

// -- Fixture --

var orchEpoch = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

type harness struct {
	orch     *Orchestrator
	states   *memStateStore
	requests *memRequests
	outbound *nullOutbound
	clk      *clock.Fake
}

func newHarness(t *testing.T, candidates ...schemas.Candidate) *harness {
	t.Helper()

	clk := clock.NewFake(orchEpoch)
	logger := zap.NewNop()
	states := newMemStateStore(clk)
	pool := newMemPool(candidates...)
	requests := &memRequests{open: true, req: orchRequest()}
	outbound := &nullOutbound{}

	obsCfg := config.ObserverConfig{PoolRadiusKm: 25, ScoringRadiusKm: 50, MaxCandidates: 50, Cooldown: 90 * 24 * time.Hour}
	obs := observer.New(pool, requests, clk, obsCfg, logger)
	engine := decision.NewEngine(nil, clk, logger)
	plnr := planner.New(clk, logger)
	exec := executor.New(pool, outbound, outbound, outbound, outbound, clk,
		config.ExecutorConfig{ReserveHold: 2 * time.Hour}, logger)
	learn := learning.New(states, nil, clk, logger)

	orch := New(states, requests, obs, engine, plnr, exec, learn, clk,
		config.OrchestratorConfig{MaxConcurrent: 4, StepDelay: 0}, logger)
	t.Cleanup(orch.Close)

	return &harness{orch: orch, states: states, requests: requests, outbound: outbound, clk: clk}
}

func orchRequest() *schemas.Request {
	return &schemas.Request{
		ID:            "req-1",
		BloodGroup:    "A+",
		Urgency:       schemas.UrgencyNormal,
		UnitsRequired: 1,
		Location:      schemas.GeoPoint{Lat: 12.9716, Lon: 77.5946},
		City:          "Bengaluru",
		HospitalName:  "City General",
		RequesterID:   "requester-1",
		Approved:      true,
		CreatedAt:     orchEpoch,
	}
}

func nearbyCandidates(n int) []schemas.Candidate {
	out := make([]schemas.Candidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, schemas.Candidate{
			ID:           "c" + string(rune('1'+i)),
			BloodGroup:   "A+",
			Location:     schemas.GeoPoint{Lat: 12.975, Lon: 77.596},
			Available:    true,
			MedicallyFit: true,
			RegisteredAt: orchEpoch.Add(-100 * time.Hour),
		})
	}
	return out
}

// -- Tests --

func TestProcessRequestFullLoop(t *testing.T) {
	h := newHarness(t, nearbyCandidates(3)...)

	result, err := h.orch.ProcessRequest(context.Background(), orchRequest())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.NotEmpty(t, result.AgentStateID)
	assert.Equal(t, schemas.StrategyTargeted, result.Strategy, "normal urgency selects targeted locally")
	assert.Equal(t, 3, result.CandidatesContacted)

	state, err := h.states.GetByRequestID(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, schemas.ExecAwaitingResponse, state.Execution.Status)
	assert.Equal(t, 1, state.LoopIterations)
	assert.Equal(t, agentVersion, state.AgentVersion)
	require.Len(t, state.Plan.Steps, 2, "notify then open_chat")
	for _, step := range state.Plan.Steps {
		assert.Equal(t, schemas.StepCompleted, step.Status)
	}
	assert.Equal(t, 3, state.Execution.NotificationsSent)
	assert.Equal(t, 3, state.Execution.ChatSessionsOpened)
}

func TestProcessRequestEmptyPoolBroadcasts(t *testing.T) {
	h := newHarness(t)

	result, err := h.orch.ProcessRequest(context.Background(), orchRequest())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, schemas.StrategyBroadcast, result.Strategy)
	assert.Equal(t, 0, result.CandidatesContacted)

	// City-level broadcast still goes out even with nobody ranked.
	assert.Equal(t, 1, h.outbound.broadcasts)
}

func TestProcessRequestDuplicateState(t *testing.T) {
	h := newHarness(t, nearbyCandidates(2)...)

	_, err := h.orch.ProcessRequest(context.Background(), orchRequest())
	require.NoError(t, err)

	result, err := h.orch.ProcessRequest(context.Background(), orchRequest())
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "rule_based", result.Fallback)
}

func TestSubmitProcessesInBackground(t *testing.T) {
	h := newHarness(t, nearbyCandidates(2)...)

	h.orch.Submit(orchRequest())

	require.Eventually(t, func() bool {
		state, err := h.states.GetByRequestID(context.Background(), "req-1")
		return err == nil && state.Execution.Status == schemas.ExecAwaitingResponse
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleCandidateResponseDisarmsEscalation(t *testing.T) {
	h := newHarness(t, nearbyCandidates(2)...)

	_, err := h.orch.ProcessRequest(context.Background(), orchRequest())
	require.NoError(t, err)

	err = h.orch.HandleCandidateResponse(context.Background(), "req-1", "c1", true, "")
	require.NoError(t, err)

	state, err := h.states.GetByRequestID(context.Background(), "req-1")
	require.NoError(t, err)
	require.Len(t, state.Learning.Responses, 1)
	assert.True(t, state.Learning.Responses[0].Accepted)
	assert.False(t, state.Plan.Escalation.Enabled, "a response disarms escalation")
}

func TestHandleCandidateResponseUnknownRequestIsNoOp(t *testing.T) {
	h := newHarness(t)

	err := h.orch.HandleCandidateResponse(context.Background(), "req-unknown", "c1", true, "")
	require.NoError(t, err, "responses without a tracked state are dropped")

	_, err = h.states.GetByRequestID(context.Background(), "req-unknown")
	assert.ErrorIs(t, err, store.ErrStateNotFound)
}

func TestRecordFinalOutcomeSettlesStatus(t *testing.T) {
	h := newHarness(t, nearbyCandidates(2)...)

	_, err := h.orch.ProcessRequest(context.Background(), orchRequest())
	require.NoError(t, err)

	h.clk.Advance(30 * time.Minute)
	result, err := h.orch.RecordFinalOutcome(context.Background(), "req-1", learning.Outcome{
		Matched:            true,
		MatchedCandidateID: "c1",
		Delivered:          true,
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	state, err := h.states.GetByRequestID(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, schemas.ExecCompleted, state.Execution.Status)
	assert.Equal(t, 30.0, state.Learning.FinalOutcome.TotalTimeMin)
}

func TestRecordFinalOutcomeUnknownRequestIsNoOp(t *testing.T) {
	h := newHarness(t)

	result, err := h.orch.RecordFinalOutcome(context.Background(), "req-ghost", learning.Outcome{Matched: true})
	assert.NoError(t, err)
	assert.Nil(t, result)
}

func TestCheckAndEscalate(t *testing.T) {
	h := newHarness(t, nearbyCandidates(3)...)

	_, err := h.orch.ProcessRequest(context.Background(), orchRequest())
	require.NoError(t, err)

	// Before the trigger time nothing happens.
	result, err := h.orch.CheckAndEscalate(context.Background(), "req-1")
	require.NoError(t, err)
	assert.False(t, result.Escalated)

	h.clk.Advance(40 * time.Minute)
	result, err = h.orch.CheckAndEscalate(context.Background(), "req-1")
	require.NoError(t, err)
	assert.True(t, result.Escalated)
	assert.Equal(t, 3, result.NewCandidates)

	state, err := h.states.GetByRequestID(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, 2, state.LoopIterations)
	assert.False(t, state.Plan.Escalation.Enabled)

	last := state.Plan.Steps[len(state.Plan.Steps)-1]
	assert.True(t, last.Escalated)
	assert.Equal(t, schemas.ActionBroadcast, last.Action)
	assert.Equal(t, schemas.StepCompleted, last.Status)

	// A second pass is a no-op: the policy disarmed.
	result, err = h.orch.CheckAndEscalate(context.Background(), "req-1")
	require.NoError(t, err)
	assert.False(t, result.Escalated)
}

func TestCheckAndEscalateRefusesClosedRequest(t *testing.T) {
	h := newHarness(t, nearbyCandidates(2)...)

	_, err := h.orch.ProcessRequest(context.Background(), orchRequest())
	require.NoError(t, err)

	h.clk.Advance(40 * time.Minute)
	h.requests.mu.Lock()
	h.requests.open = false
	h.requests.mu.Unlock()

	result, err := h.orch.CheckAndEscalate(context.Background(), "req-1")
	require.NoError(t, err)
	assert.False(t, result.Escalated)
	assert.Equal(t, "request closed", result.Reason)

	state, err := h.states.GetByRequestID(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.LoopIterations, "nothing appended")
}

func TestSweeperEscalatesAwaitingStates(t *testing.T) {
	h := newHarness(t, nearbyCandidates(2)...)

	_, err := h.orch.ProcessRequest(context.Background(), orchRequest())
	require.NoError(t, err)

	h.clk.Advance(40 * time.Minute)
	h.orch.sweep(context.Background())

	state, err := h.states.GetByRequestID(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, 2, state.LoopIterations, "sweep triggered the escalation")
}
