package schemas

import "time"

// Urgency classifies how quickly a request must be fulfilled.
type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyUrgent   Urgency = "urgent"
	UrgencyNormal   Urgency = "normal"
)

// Valid reports whether u is one of the known urgency tiers.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyCritical, UrgencyUrgent, UrgencyNormal:
		return true
	}
	return false
}

// StrategyType determines the shape of the outreach plan.
type StrategyType string

const (
	StrategyTargeted   StrategyType = "targeted"
	StrategyBroadcast  StrategyType = "broadcast"
	StrategyEscalation StrategyType = "escalation"
	StrategyHybrid     StrategyType = "hybrid"
)

// Valid reports whether s is one of the known strategies.
func (s StrategyType) Valid() bool {
	switch s {
	case StrategyTargeted, StrategyBroadcast, StrategyEscalation, StrategyHybrid:
		return true
	}
	return false
}

// StepAction identifies the side effect a plan step performs.
type StepAction string

const (
	ActionNotifyCandidates StepAction = "notify_candidates"
	ActionBroadcast        StepAction = "broadcast"
	ActionOpenChat         StepAction = "open_chat"
	ActionReserveSlot      StepAction = "reserve_slot"
	ActionEscalate         StepAction = "escalate"
	ActionOperatorAlert    StepAction = "operator_alert"
)

// FallbackAction names what the plan falls back to when a step's
// response window elapses. Not every fallback is itself a step action.
type FallbackAction string

const (
	FallbackNone          FallbackAction = ""
	FallbackEscalate      FallbackAction = "escalate"
	FallbackBroadcast     FallbackAction = "broadcast"
	FallbackNextBatch     FallbackAction = "next_batch"
	FallbackExpandRadius  FallbackAction = "expand_radius"
	FallbackOperatorAlert FallbackAction = "operator_alert"
)

// StepStatus tracks a single plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepExecuting StepStatus = "executing"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ExecutionStatus is the agent-level state machine. It only moves
// forward, except for the explicit escalated -> executing re-entry.
type ExecutionStatus string

const (
	ExecInitialized      ExecutionStatus = "initialized"
	ExecExecuting        ExecutionStatus = "executing"
	ExecAwaitingResponse ExecutionStatus = "awaiting_response"
	ExecEscalated        ExecutionStatus = "escalated"
	ExecCompleted        ExecutionStatus = "completed"
	ExecFailed           ExecutionStatus = "failed"
)

// EscalationTrigger names the condition that arms an escalation.
type EscalationTrigger string

const (
	TriggerNoResponse         EscalationTrigger = "no_response"
	TriggerInsufficientDonors EscalationTrigger = "insufficient_donors"
	TriggerTimeCritical       EscalationTrigger = "time_critical"
)

// TimeOfDay buckets wall-clock time for the observation snapshot.
type TimeOfDay string

const (
	TimeNight     TimeOfDay = "night"
	TimeMorning   TimeOfDay = "morning"
	TimeAfternoon TimeOfDay = "afternoon"
	TimeEvening   TimeOfDay = "evening"
)

// BloodGroup is a blood type code ("A+", "O-", ...).
type BloodGroup string

// compatibleGroups is the fixed directed compatibility relation:
// requested group -> groups a candidate may carry.
var compatibleGroups = map[BloodGroup][]BloodGroup{
	"A+":  {"A+", "A-", "O+", "O-"},
	"A-":  {"A-", "O-"},
	"B+":  {"B+", "B-", "O+", "O-"},
	"B-":  {"B-", "O-"},
	"AB+": {"A+", "A-", "B+", "B-", "AB+", "AB-", "O+", "O-"},
	"AB-": {"A-", "B-", "AB-", "O-"},
	"O+":  {"O+", "O-"},
	"O-":  {"O-"},
}

// CompatibleGroups returns the candidate blood groups acceptable for a
// requested group. Unknown groups map to themselves.
func CompatibleGroups(requested BloodGroup) []BloodGroup {
	if groups, ok := compatibleGroups[requested]; ok {
		out := make([]BloodGroup, len(groups))
		copy(out, groups)
		return out
	}
	return []BloodGroup{requested}
}

// GeoPoint is a WGS84 coordinate pair.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Request is the resource request being matched. Owned by the
// request-management collaborator; the orchestrator only reads it.
type Request struct {
	ID            string     `json:"id"`
	BloodGroup    BloodGroup `json:"blood_group"`
	Urgency       Urgency    `json:"urgency"`
	UnitsRequired int        `json:"units_required"`
	Location      GeoPoint   `json:"location"`
	City          string     `json:"city"`
	HospitalName  string     `json:"hospital_name"`
	RequesterID   string     `json:"requester_id"`
	Approved      bool       `json:"approved"`
	Flagged       bool       `json:"flagged"`
	FraudScore    float64    `json:"fraud_score"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Candidate is an entity eligible to fulfill part of a request.
type Candidate struct {
	ID               string     `json:"id"`
	BloodGroup       BloodGroup `json:"blood_group"`
	Location         GeoPoint   `json:"location"`
	City             string     `json:"city"`
	State            string     `json:"state"`
	Available        bool       `json:"available"`
	MedicallyFit     bool       `json:"medically_fit"`
	LastDonationAt   *time.Time `json:"last_donation_at,omitempty"`
	TotalDonations   int        `json:"total_donations"`
	ReliabilityScore float64    `json:"reliability_score"`
	RegisteredAt     time.Time  `json:"registered_at"`
	HeldBy           string     `json:"held_by,omitempty"`
	HoldUntil        *time.Time `json:"hold_until,omitempty"`
}

// CandidateFeatures is the per-candidate feature vector fed to the
// decision engine.
type CandidateFeatures struct {
	CandidateID           string     `json:"candidate_id"`
	BloodGroup            BloodGroup `json:"blood_group"`
	DistanceKm            float64    `json:"distance_km"`
	ReliabilityScore      float64    `json:"reliability_score"`
	Eligible              bool       `json:"eligible"`
	DaysSinceLastDonation int        `json:"days_since_last_donation"`
	Available             bool       `json:"available"`
	LastActiveHours       int        `json:"last_active_hours"`
	TotalDonations        int        `json:"total_donations"`
	City                  string     `json:"city"`
	State                 string     `json:"state"`
}

// ProcessResult is returned to the asynchronous caller of
// ProcessRequest.
type ProcessResult struct {
	Success             bool         `json:"success"`
	AgentStateID        string       `json:"agent_state_id,omitempty"`
	CandidatesContacted int          `json:"candidates_contacted"`
	Strategy            StrategyType `json:"strategy,omitempty"`
	Fallback            string       `json:"fallback,omitempty"`
	ProcessingTimeMs    int64        `json:"processing_time_ms"`
}

// EscalationResult reports the outcome of an escalation check.
type EscalationResult struct {
	Escalated     bool   `json:"escalated"`
	Reason        string `json:"reason,omitempty"`
	NewCandidates int    `json:"new_candidates,omitempty"`
}
