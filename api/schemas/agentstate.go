package schemas

import "time"

// AgentState is the persisted aggregate tracking one request through
// the Observe -> Decide -> Plan -> Act -> Learn loop. Exactly one
// exists per request; it is created after Decide+Plan succeed and is
// never deleted.
type AgentState struct {
	ID             string      `json:"id"`
	RequestID      string      `json:"request_id"`
	Observation    Observation `json:"observation"`
	Decision       Decision    `json:"decision"`
	Plan           Plan        `json:"plan"`
	Execution      Execution   `json:"execution"`
	Learning       Learning    `json:"learning"`
	LoopIterations int         `json:"loop_iterations"`
	AgentVersion   string      `json:"agent_version"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Observation is the write-once snapshot of world state collected for
// one request.
type Observation struct {
	BloodGroup    BloodGroup `json:"blood_group"`
	Urgency       Urgency    `json:"urgency"`
	UnitsRequired int        `json:"units_required"`
	Location      GeoPoint   `json:"location"`
	City          string     `json:"city"`
	HospitalName  string     `json:"hospital_name"`
	RequestedAt   time.Time  `json:"requested_at"`

	TimeOfDay TimeOfDay `json:"time_of_day"`
	Weekend   bool      `json:"weekend"`

	TotalAvailable     int     `json:"total_available"`
	EligibleByCooldown int     `json:"eligible_by_cooldown"`
	InRadius           int     `json:"in_radius"`
	AvgDistanceKm      float64 `json:"avg_distance_km"`

	ActiveRequests  int `json:"active_requests"`
	RequestsLast24h int `json:"requests_last_24h"`

	AdminVerified bool    `json:"admin_verified"`
	Flagged       bool    `json:"flagged"`
	FraudScore    float64 `json:"fraud_score"`
}

// RankedCandidate is one scored entry of the decision ranking.
type RankedCandidate struct {
	CandidateID              string  `json:"candidate_id"`
	Score                    float64 `json:"score"`
	Confidence               float64 `json:"confidence"`
	DistanceKm               float64 `json:"distance_km"`
	ReliabilityScore         float64 `json:"reliability_score"`
	PredictedResponseMinutes float64 `json:"predicted_response_minutes"`
	SuccessProbability       float64 `json:"success_probability"`
	Reason                   string  `json:"reason"`
}

// StrategyRecommendation carries the scorer's (or the fallback
// heuristic's) strategy suggestion and reasoning.
type StrategyRecommendation struct {
	Suggested         StrategyType `json:"suggested"`
	Confidence        float64      `json:"confidence"`
	TopCandidateCount int          `json:"top_candidate_count"`
	Reasoning         string       `json:"reasoning"`
}

// Decision is written once per decision cycle and re-written on
// escalation re-decision.
type Decision struct {
	Ranked           []RankedCandidate      `json:"ranked"`
	Strategy         StrategyType           `json:"strategy"`
	Recommendation   StrategyRecommendation `json:"recommendation"`
	DecidedAt        time.Time              `json:"decided_at"`
	ProcessingTimeMs int64                  `json:"processing_time_ms"`
}

// PlanStep is one scheduled unit of outreach.
type PlanStep struct {
	Number      int            `json:"number"`
	Action      StepAction     `json:"action"`
	Targets     []string       `json:"targets"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	Timeout     time.Duration  `json:"timeout"`
	Fallback    FallbackAction `json:"fallback,omitempty"`
	Status      StepStatus     `json:"status"`
	RadiusKm    float64        `json:"radius_km,omitempty"`
	Escalated   bool           `json:"escalated,omitempty"`
}

// EscalationPolicy bounds the at-most-once autonomous expansion of
// outreach.
type EscalationPolicy struct {
	Enabled         bool    `json:"enabled"`
	TriggerAfterMin int     `json:"trigger_after_min"`
	ExpandRadiusKm  float64 `json:"expand_radius_km"`
	BroadcastToAll  bool    `json:"broadcast_to_all"`
}

// Plan is the ordered, timed step sequence for one strategy. Steps are
// only ever appended.
type Plan struct {
	Steps             []PlanStep        `json:"steps"`
	ResponseWindowMin int               `json:"response_window_min"`
	Trigger           EscalationTrigger `json:"trigger"`
	Escalation        EscalationPolicy  `json:"escalation"`
	CreatedAt         time.Time         `json:"created_at"`
}

// ExecutionRecord is one entry of the append-only action log.
type ExecutionRecord struct {
	ActionID     string     `json:"action_id"`
	Type         StepAction `json:"type"`
	TargetID     string     `json:"target_id,omitempty"`
	TargetCount  int        `json:"target_count"`
	ExecutedAt   time.Time  `json:"executed_at"`
	Success      bool       `json:"success"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Execution tracks the Act phase: the action log plus running
// counters and the agent-level status.
type Execution struct {
	Actions            []ExecutionRecord `json:"actions"`
	NotificationsSent  int               `json:"notifications_sent"`
	ChatSessionsOpened int               `json:"chat_sessions_opened"`
	Contacted          []string          `json:"contacted"`
	CurrentStep        int               `json:"current_step"`
	Status             ExecutionStatus   `json:"status"`
}

// PredictedVsActual compares the decision engine's response-time
// prediction with what actually happened.
type PredictedVsActual struct {
	PredictedMin float64 `json:"predicted_min"`
	ActualMin    float64 `json:"actual_min"`
	Accuracy     float64 `json:"accuracy"`
}

// CandidateResponse records one candidate's accept/reject.
type CandidateResponse struct {
	CandidateID       string            `json:"candidate_id"`
	RespondedAt       time.Time         `json:"responded_at"`
	ResponseTimeMin   float64           `json:"response_time_min"`
	Accepted          bool              `json:"accepted"`
	RejectionReason   string            `json:"rejection_reason,omitempty"`
	PredictedVsActual PredictedVsActual `json:"predicted_vs_actual"`
}

// FinalOutcome is written once when the request is fulfilled or closed.
type FinalOutcome struct {
	Matched            bool      `json:"matched"`
	MatchedCandidateID string    `json:"matched_candidate_id,omitempty"`
	CompletedAt        time.Time `json:"completed_at,omitempty"`
	TotalTimeMin       float64   `json:"total_time_min"`
	Delivered          bool      `json:"delivered"`
	RaterScore         float64   `json:"rater_score,omitempty"`
	OperatorIntervened bool      `json:"operator_intervened"`
}

// PerformanceMetrics are computed from the responses and the final
// outcome when feedback is recorded.
type PerformanceMetrics struct {
	ResponseRate          float64 `json:"response_rate"`
	SuccessRate           float64 `json:"success_rate"`
	AvgResponseTimeMin    float64 `json:"avg_response_time_min"`
	StrategyEffectiveness float64 `json:"strategy_effectiveness"`
	PredictionAccuracy    float64 `json:"prediction_accuracy"`
}

// Improvement is an advisory note generated from fixed thresholds.
// It is never acted on automatically.
type Improvement struct {
	Aspect              string    `json:"aspect"`
	Observation         string    `json:"observation"`
	SuggestedAdjustment string    `json:"suggested_adjustment"`
	NotedAt             time.Time `json:"noted_at"`
}

// Learning holds the append-only feedback log and the metrics derived
// from it.
type Learning struct {
	Responses    []CandidateResponse `json:"responses"`
	FinalOutcome FinalOutcome        `json:"final_outcome"`
	Metrics      PerformanceMetrics  `json:"metrics"`
	Improvements []Improvement       `json:"improvements"`
	FeedbackAt   *time.Time          `json:"feedback_at,omitempty"`
}

// RankedCandidateByID returns the decision entry for a candidate, if
// one exists.
func (s *AgentState) RankedCandidateByID(candidateID string) (RankedCandidate, bool) {
	for _, rc := range s.Decision.Ranked {
		if rc.CandidateID == candidateID {
			return rc, true
		}
	}
	return RankedCandidate{}, false
}

// HasContacted reports whether a candidate has already been contacted.
func (e *Execution) HasContacted(candidateID string) bool {
	for _, id := range e.Contacted {
		if id == candidateID {
			return true
		}
	}
	return false
}

// Insights is the aggregate learning view over a trailing window.
type Insights struct {
	WindowDays      int                               `json:"window_days"`
	TotalRequests   int                               `json:"total_requests"`
	MatchRate       float64                           `json:"match_rate"`
	AverageMetrics  PerformanceMetrics                `json:"average_metrics"`
	ByUrgency       map[Urgency]OutcomeBreakdown      `json:"by_urgency"`
	ByStrategy      map[StrategyType]OutcomeBreakdown `json:"by_strategy"`
	TopImprovements []TopImprovement                  `json:"top_improvements"`
}

// OutcomeBreakdown summarizes outcomes for one urgency tier or one
// strategy.
type OutcomeBreakdown struct {
	Total      int     `json:"total"`
	Matched    int     `json:"matched"`
	MatchRate  float64 `json:"match_rate"`
	AvgTimeMin float64 `json:"avg_time_min"`
}

// TopImprovement is a recurring improvement suggestion with its count.
type TopImprovement struct {
	Suggestion string `json:"suggestion"`
	Count      int    `json:"count"`
}
