package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/events"
	"github.com/pesio-ai/be-edu-approvals/internal/logger"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
	"github.com/pesio-ai/be-edu-approvals/internal/telemetry"
)

// SchedulerConfig tunes one escalation pass.
type SchedulerConfig struct {
	// RepeatInterval separates successive overdue notices for one request.
	RepeatInterval time.Duration
	// WarningWindow is how close to the deadline deadline_approaching fires.
	WarningWindow time.Duration
	BatchSize     int
}

// PassSummary reports what one scheduler pass did.
type PassSummary struct {
	Scanned      int `json:"scanned"`
	AutoAdvanced int `json:"auto_advanced"`
	Escalated    int `json:"escalated"`
	Warned       int `json:"warned"`
	Expired      int `json:"delegations_expired"`
	Skipped      int `json:"skipped"`
	Errors       int `json:"errors"`
}

// EscalationScheduler periodically looks for stalled requests. It is the
// only component that advances a request without a human decision, and it
// does so through the same transition path as Act.
type EscalationScheduler struct {
	store       repository.Store
	engine      *ApprovalRoutingService
	delegations *DelegationService
	publisher   events.Publisher
	cfg         SchedulerConfig
	tel         *telemetry.Telemetry
	log         *logger.Logger
	now         func() time.Time
}

// NewEscalationScheduler creates a new EscalationScheduler.
func NewEscalationScheduler(
	store repository.Store,
	engine *ApprovalRoutingService,
	delegations *DelegationService,
	publisher events.Publisher,
	cfg SchedulerConfig,
	tel *telemetry.Telemetry,
	log *logger.Logger,
) *EscalationScheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if tel == nil {
		tel = telemetry.New()
	}
	return &EscalationScheduler{
		store:       store,
		engine:      engine,
		delegations: delegations,
		publisher:   publisher,
		cfg:         cfg,
		tel:         tel,
		log:         log,
		now:         time.Now,
	}
}

// RunOnce performs a full pass. Per-request failures are logged, counted and
// skipped; only a failure to list requests aborts the pass.
func (s *EscalationScheduler) RunOnce(ctx context.Context) (sum PassSummary, err error) {
	ctx, span := s.tel.Start(ctx, "approvals.EscalationPass")
	defer func() { telemetry.End(span, err) }()

	expired, err := s.delegations.ExpireLapsed(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to expire lapsed delegations")
		sum.Errors++
	}
	sum.Expired = expired

	defs := make(map[string]*repository.WorkflowDefinition)
	for offset := 0; ; offset += s.cfg.BatchSize {
		batch, err := s.store.ListRequests(ctx, repository.RequestFilter{
			Statuses: repository.OpenStatuses,
			Limit:    s.cfg.BatchSize,
			Offset:   offset,
		})
		if err != nil {
			return sum, err
		}

		for _, req := range batch {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			sum.Scanned++
			if err := s.process(ctx, req, defs, &sum); err != nil {
				sum.Errors++
				s.log.Warn().Err(err).Str("request_id", req.ID).Msg("Escalation check failed; skipping request")
			}
		}
		// Auto-advanced requests may leave the open set and shift later pages;
		// they will be picked up next pass.
		if len(batch) < s.cfg.BatchSize {
			break
		}
	}

	s.log.Info().
		Int("scanned", sum.Scanned).
		Int("auto_advanced", sum.AutoAdvanced).
		Int("escalated", sum.Escalated).
		Int("warned", sum.Warned).
		Int("delegations_expired", sum.Expired).
		Int("errors", sum.Errors).
		Msg("Escalation pass completed")
	return sum, nil
}

func (s *EscalationScheduler) process(
	ctx context.Context,
	req *repository.ApprovalRequest,
	defs map[string]*repository.WorkflowDefinition,
	sum *PassSummary,
) error {
	def, ok := defs[req.WorkflowID]
	if !ok {
		var err error
		def, err = s.store.GetDefinition(ctx, req.WorkflowID)
		if err != nil {
			return err
		}
		defs[req.WorkflowID] = def
	}
	level, ok := def.LevelAt(req.CurrentLevel)
	if !ok {
		return errors.InvalidState("request level is outside its chain")
	}

	now := s.now()
	if req.Deadline == nil {
		return nil
	}
	if !now.After(*req.Deadline) {
		if req.DeadlineWarnedAt == nil && req.Deadline.Sub(now) <= s.cfg.WarningWindow {
			if err := s.store.MarkDeadlineWarned(ctx, req.ID, now); err != nil {
				return err
			}
			s.publish(ctx, events.New(events.DeadlineApproaching, req, repository.SystemActor, now))
			sum.Warned++
		}
		return nil
	}

	// Past the deadline: skip an optional level that has waited long enough,
	// otherwise escalate.
	levelStale := def.Policy.AutoApproveAfter != nil &&
		now.Sub(req.LevelEnteredAt) >= time.Duration(*def.Policy.AutoApproveAfter)
	if levelStale && !level.Required && def.Policy.AllowSkipLevels && !def.Policy.RequireAllLevels {
		_, err := s.engine.AutoAdvance(ctx, req, def)
		if errors.Is(err, errors.ErrCodeConcurrentModification) {
			// someone acted while we were looking; their decision stands
			sum.Skipped++
			return nil
		}
		if err != nil {
			return err
		}
		sum.AutoAdvanced++
		return nil
	}

	if req.LastEscalatedAt != nil && now.Sub(*req.LastEscalatedAt) < s.cfg.RepeatInterval {
		return nil
	}
	count := req.EscalationCount + 1
	if err := s.store.RecordEscalation(ctx, req.ID, count, now); err != nil {
		return err
	}
	ev := events.New(events.Overdue, req, repository.SystemActor, now)
	ev.EscalationCount = count
	ev.Priority = escalatedPriority(req.Priority, count)
	s.publish(ctx, ev)
	telemetry.Add(ctx, s.tel.Metrics.Escalations, telemetry.LevelKey.Int(req.CurrentLevel))
	sum.Escalated++
	return nil
}

func (s *EscalationScheduler) publish(ctx context.Context, e events.Event) {
	if s.publisher != nil {
		s.publisher.Publish(ctx, e)
	}
}

// escalatedPriority raises the notice priority with each repeat: the first
// overdue notice is at least high, later ones urgent.
func escalatedPriority(base repository.Priority, count int) repository.Priority {
	p := repository.PriorityHigh
	if count >= 2 {
		p = repository.PriorityUrgent
	}
	if base.Rank() > p.Rank() {
		return base
	}
	return p
}
