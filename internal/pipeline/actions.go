package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"techscout/internal"
)

var (
	ErrUnmatched       = errors.New("technology is not matched to a queue record")
	ErrUnknownDecision = errors.New("unknown decision")
)

// QueueTransitioner is the single outbound call behind every decision.
type QueueTransitioner interface {
	TransitionQueueRecord(ctx context.Context, queueID string, decision internal.Decision) error
}

type ActionService struct {
	backend QueueTransitioner
	log     *logrus.Entry
}

func NewActionService(backend QueueTransitioner, logger *logrus.Logger) *ActionService {
	return &ActionService{backend: backend, log: logger.WithField("module", "actions")}
}

func (s *ActionService) Approve(ctx context.Context, tech internal.ParsedTechnology) error {
	return s.Decide(ctx, tech, internal.DecisionApprove)
}

func (s *ActionService) Reject(ctx context.Context, tech internal.ParsedTechnology) error {
	return s.Decide(ctx, tech, internal.DecisionReject)
}

func (s *ActionService) Reconsider(ctx context.Context, tech internal.ParsedTechnology) error {
	return s.Decide(ctx, tech, internal.DecisionReconsider)
}

// Decide is gated on a successful reconciliation: only a technology carrying a
// queue id can be acted on.
func (s *ActionService) Decide(ctx context.Context, tech internal.ParsedTechnology, decision internal.Decision) error {
	if tech.QueueID == nil || strings.TrimSpace(*tech.QueueID) == "" {
		return fmt.Errorf("%s %q: %w", decision, tech.Name, ErrUnmatched)
	}
	return s.DecideByID(ctx, *tech.QueueID, decision)
}

func (s *ActionService) DecideByID(ctx context.Context, queueID string, decision internal.Decision) error {
	switch decision {
	case internal.DecisionApprove, internal.DecisionReject, internal.DecisionReconsider:
	default:
		return fmt.Errorf("%w %q", ErrUnknownDecision, decision)
	}
	if err := s.backend.TransitionQueueRecord(ctx, queueID, decision); err != nil {
		return fmt.Errorf("%s %s: %w", decision, queueID, err)
	}
	s.log.WithFields(logrus.Fields{"queueId": queueID, "decision": decision}).Info("queue record transitioned")
	return nil
}
