// Package notify implements the outbound side-effect collaborators:
// candidate notifications, area broadcasts, chat conversations,
// operator alerts and requester signals. All dispatch goes through one
// rate limiter so a broadcast burst cannot starve the rest of the
// system.
package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lifelinkhq/matchflow/api/schemas"
	"github.com/lifelinkhq/matchflow/internal/config"
)

// Transport delivers one message to one channel. Channels are
// candidate IDs, city area topics, requester IDs or the operator
// queue.
type Transport interface {
	Deliver(ctx context.Context, channel string, payload any) error
}

// Dispatcher is the single outbound dispatch point. It implements
// Notifier, ChatService, OperatorAlerter and RequesterSignaler.
type Dispatcher struct {
	transport Transport
	limiter   *rate.Limiter
	log       *zap.Logger
}

// NewDispatcher creates a rate-limited dispatcher over a transport.
func NewDispatcher(transport Transport, cfg config.NotifyConfig, logger *zap.Logger) *Dispatcher {
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Dispatcher{
		transport: transport,
		limiter:   rate.NewLimiter(limit, burst),
		log:       logger.Named("notify"),
	}
}

// NotifyCandidate sends one notification to one candidate channel.
func (d *Dispatcher) NotifyCandidate(ctx context.Context, candidateID string, n schemas.Notification) error {
	n.ID = uuid.NewString()
	if err := d.send(ctx, "candidate:"+candidateID, n); err != nil {
		return fmt.Errorf("failed to notify candidate %s: %w", candidateID, err)
	}
	d.log.Debug("Candidate notified",
		zap.String("candidate_id", candidateID),
		zap.String("request_id", n.RequestID),
		zap.String("kind", n.Kind),
	)
	return nil
}

// BroadcastArea publishes one notification to a city-level area topic.
func (d *Dispatcher) BroadcastArea(ctx context.Context, city string, n schemas.Notification) error {
	n.ID = uuid.NewString()
	if err := d.send(ctx, "area:"+city, n); err != nil {
		return fmt.Errorf("failed to broadcast to %s: %w", city, err)
	}
	d.log.Info("Area broadcast sent",
		zap.String("city", city),
		zap.String("request_id", n.RequestID),
		zap.Float64("radius_km", n.RadiusKm),
	)
	return nil
}

type chatPayload struct {
	ConversationID string `json:"conversation_id"`
	RequesterID    string `json:"requester_id"`
	CandidateID    string `json:"candidate_id"`
	RequestID      string `json:"request_id"`
	Message        string `json:"message"`
}

// OpenConversation opens a requester-candidate chat seeded with an
// initial message.
func (d *Dispatcher) OpenConversation(ctx context.Context, requesterID, candidateID, requestID, message string) error {
	payload := chatPayload{
		ConversationID: uuid.NewString(),
		RequesterID:    requesterID,
		CandidateID:    candidateID,
		RequestID:      requestID,
		Message:        message,
	}
	if err := d.send(ctx, "chat:"+candidateID, payload); err != nil {
		return fmt.Errorf("failed to open conversation with %s: %w", candidateID, err)
	}
	return nil
}

type operatorAlert struct {
	AlertID   string          `json:"alert_id"`
	RequestID string          `json:"request_id"`
	Urgency   schemas.Urgency `json:"urgency"`
	Reason    string          `json:"reason"`
}

// Alert raises an operator-facing alert for manual intervention.
func (d *Dispatcher) Alert(ctx context.Context, requestID string, urgency schemas.Urgency, reason string) error {
	payload := operatorAlert{
		AlertID:   uuid.NewString(),
		RequestID: requestID,
		Urgency:   urgency,
		Reason:    reason,
	}
	if err := d.send(ctx, "operator", payload); err != nil {
		return fmt.Errorf("failed to alert operator for request %s: %w", requestID, err)
	}
	d.log.Warn("Operator alerted",
		zap.String("request_id", requestID),
		zap.String("urgency", string(urgency)),
		zap.String("reason", reason),
	)
	return nil
}

type requesterSignal struct {
	SignalID  string `json:"signal_id"`
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

// SignalEscalation tells the requester their request was escalated.
func (d *Dispatcher) SignalEscalation(ctx context.Context, requesterID, requestID, message string) error {
	payload := requesterSignal{
		SignalID:  uuid.NewString(),
		RequestID: requestID,
		Message:   message,
	}
	if err := d.send(ctx, "requester:"+requesterID, payload); err != nil {
		return fmt.Errorf("failed to signal requester %s: %w", requesterID, err)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, channel string, payload any) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	return d.transport.Deliver(ctx, channel, payload)
}
