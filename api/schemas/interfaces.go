package schemas

import (
	"context"
	"time"
)

// -- Store Interfaces --

// StateStore persists AgentState aggregates. Implementations must keep
// the one-state-per-request invariant.
type StateStore interface {
	// Create inserts a new agent state and returns it with its ID set.
	Create(ctx context.Context, state *AgentState) error
	// GetByRequestID fetches the state for a request. Returns
	// ErrStateNotFound when no state exists.
	GetByRequestID(ctx context.Context, requestID string) (*AgentState, error)
	// Update rewrites the mutable blocks of an existing state.
	Update(ctx context.Context, state *AgentState) error
	// List pages states newest-first with optional urgency/strategy filters.
	List(ctx context.Context, filter StateFilter) ([]*AgentState, error)
	// ListWithFeedbackSince returns states whose feedback was collected
	// at or after the cutoff.
	ListWithFeedbackSince(ctx context.Context, cutoff time.Time) ([]*AgentState, error)
}

// StateFilter narrows and pages a state listing.
type StateFilter struct {
	Urgency  Urgency
	Strategy StrategyType
	Limit    int
	Offset   int
}

// CandidatePool is the read/reserve surface over the candidate store.
// It is the only cross-request shared resource.
type CandidatePool interface {
	// CountAvailable counts available, medically fit candidates with a
	// compatible group.
	CountAvailable(ctx context.Context, groups []BloodGroup) (int, error)
	// CountEligible counts available candidates also past the donation
	// cooldown.
	CountEligible(ctx context.Context, groups []BloodGroup, cooldown time.Duration) (int, error)
	// ListNear returns available compatible candidates within maxKm of
	// origin, capped at limit.
	ListNear(ctx context.Context, groups []BloodGroup, origin GeoPoint, maxKm float64, limit int) ([]Candidate, error)
	// Reserve places a time-bounded exclusive hold for a request. The
	// write is conditional on the candidate not being held; a lost race
	// returns ErrCandidateHeld.
	Reserve(ctx context.Context, candidateID, requestID string, until time.Time) error
}

// RequestReader exposes the request-management collaborator's view
// needed by the orchestrator.
type RequestReader interface {
	// Get fetches one request by id.
	Get(ctx context.Context, requestID string) (*Request, error)
	// IsOpen reports whether the request is still pending a match.
	IsOpen(ctx context.Context, requestID string) (bool, error)
	// CountActive counts requests currently pending or approved.
	CountActive(ctx context.Context) (int, error)
	// CountSince counts requests created at or after the cutoff.
	CountSince(ctx context.Context, cutoff time.Time) (int, error)
}

// -- Outbound Side-Effect Interfaces --
// These are the only outward-facing APIs the Act phase may call.

// Notification is the payload handed to the notification collaborator.
// Channel selection (push, email, SMS) is the collaborator's concern.
type Notification struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	RequestID  string     `json:"request_id"`
	Urgency    Urgency    `json:"urgency"`
	BloodGroup BloodGroup `json:"blood_group"`
	Hospital   string     `json:"hospital"`
	DistanceKm float64    `json:"distance_km,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Score      float64    `json:"score,omitempty"`
	RadiusKm   float64    `json:"radius_km,omitempty"`
}

// Notifier dispatches candidate-facing notifications. Delivery is
// at-least-once and best-effort.
type Notifier interface {
	// NotifyCandidate sends one notification to one candidate.
	NotifyCandidate(ctx context.Context, candidateID string, n Notification) error
	// BroadcastArea sends a notification to everyone subscribed to a
	// city-level area channel.
	BroadcastArea(ctx context.Context, city string, n Notification) error
}

// ChatService opens requester-candidate conversations.
type ChatService interface {
	OpenConversation(ctx context.Context, requesterID, candidateID, requestID, message string) error
}

// OperatorAlerter raises operator-facing alerts for manual
// intervention.
type OperatorAlerter interface {
	Alert(ctx context.Context, requestID string, urgency Urgency, reason string) error
}

// RequesterSignaler pushes status signals back to the requester.
type RequesterSignaler interface {
	SignalEscalation(ctx context.Context, requesterID, requestID, message string) error
}

// -- Scoring Service Interface --

// ScoringClient talks to the optional remote scoring service. Both
// calls carry a bounded timeout; any failure is recovered locally by
// the decision engine.
type ScoringClient interface {
	// ScoreCandidates returns per-candidate scores and predictions.
	ScoreCandidates(ctx context.Context, candidates []CandidateFeatures, req ScoringContext) ([]ScoredCandidate, error)
	// RecommendStrategy returns a strategy recommendation for an
	// already scored pool.
	RecommendStrategy(ctx context.Context, scored []ScoredCandidate, req ScoringContext) (StrategyRecommendation, error)
}

// ScoringContext is the request context sent to the scoring service.
type ScoringContext struct {
	BloodGroup    BloodGroup `json:"blood_group"`
	Urgency       Urgency    `json:"urgency"`
	Location      GeoPoint   `json:"location"`
	UnitsRequired int        `json:"units_required"`
}

// ScoredCandidate is the scoring service's per-candidate result.
type ScoredCandidate struct {
	CandidateID string            `json:"candidate_id"`
	TotalScore  float64           `json:"total_score"`
	Confidence  float64           `json:"confidence"`
	Predictions ScoringPrediction `json:"predictions"`
	Reason      string            `json:"reason"`
}

// ScoringPrediction holds the service's per-candidate forecasts.
type ScoringPrediction struct {
	ResponseTimeMinutes float64 `json:"response_time_minutes"`
	SuccessProbability  float64 `json:"success_probability"`
}

// LearningUpdate is one observed candidate response pushed back to the
// scoring service so it can refine its predictions.
type LearningUpdate struct {
	CandidateID         string  `json:"candidate_id"`
	ResponseTimeMinutes float64 `json:"response_time_minutes"`
	Success             bool    `json:"success"`
}
