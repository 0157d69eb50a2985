package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/events"
	"github.com/pesio-ai/be-edu-approvals/internal/logger"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
	"github.com/pesio-ai/be-edu-approvals/internal/telemetry"
)

// Message is what the external notification channel receives.
type Message struct {
	NotificationID string                      `json:"notification_id"`
	RequestID      string                      `json:"request_id"`
	RecipientID    string                      `json:"recipient_id"`
	Type           repository.NotificationType `json:"type"`
	Title          string                      `json:"title"`
	Message        string                      `json:"message"`
	Priority       repository.Priority         `json:"priority"`
	ScheduledFor   time.Time                   `json:"scheduled_for"`
}

// Channel hands a message to the delivery collaborator.
type Channel interface {
	Send(ctx context.Context, m Message) error
}

// Enqueuer schedules delivery of a stored notification out of band.
type Enqueuer interface {
	EnqueueDelivery(ctx context.Context, notificationID string) error
}

// DispatcherConfig tunes recipient selection and delivery.
type DispatcherConfig struct {
	DeliveryTimeout time.Duration
	// MaxAttempts bounds delivery tries per notification across the queue,
	// inline delivery and redelivery sweeps.
	MaxAttempts int
	// SupervisorAfter is the escalation count from which the next level's
	// role holders are added to overdue recipients.
	SupervisorAfter int
}

// NotificationDispatcher turns workflow events into per-recipient
// notifications and delivers them. Nothing here can fail a transition.
type NotificationDispatcher struct {
	store       repository.Store
	dir         Directory
	delegations *DelegationService
	channel     Channel
	enqueuer    Enqueuer
	cfg         DispatcherConfig
	tel         *telemetry.Telemetry
	log         *logger.Logger
	now         func() time.Time
}

// NewNotificationDispatcher creates a new NotificationDispatcher. Call
// SetEnqueuer before handling events; without one, delivery runs inline.
func NewNotificationDispatcher(
	store repository.Store,
	dir Directory,
	delegations *DelegationService,
	channel Channel,
	cfg DispatcherConfig,
	tel *telemetry.Telemetry,
	log *logger.Logger,
) *NotificationDispatcher {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if tel == nil {
		tel = telemetry.New()
	}
	return &NotificationDispatcher{
		store:       store,
		dir:         dir,
		delegations: delegations,
		channel:     channel,
		cfg:         cfg,
		tel:         tel,
		log:         log,
		now:         time.Now,
	}
}

// SetEnqueuer installs the out-of-band delivery queue.
func (d *NotificationDispatcher) SetEnqueuer(e Enqueuer) { d.enqueuer = e }

// ── Event handling ────────────────────────────────────────────────────────────

type recipient struct {
	userID string
	kind   repository.NotificationType
}

// Handle is the bus subscriber. Errors are logged, never returned.
func (d *NotificationDispatcher) Handle(ctx context.Context, e events.Event) {
	if err := d.dispatch(ctx, e); err != nil {
		d.log.Warn().Err(err).
			Str("event_id", e.ID).
			Str("event_type", string(e.Type)).
			Str("request_id", e.RequestID).
			Msg("Failed to dispatch notifications")
	}
}

func (d *NotificationDispatcher) dispatch(ctx context.Context, e events.Event) error {
	recipients, err := d.recipients(ctx, e)
	if err != nil {
		return err
	}

	for _, r := range recipients {
		title, body := render(r.kind, e)
		n := &repository.Notification{
			RequestID:    e.RequestID,
			RecipientID:  r.userID,
			Type:         r.kind,
			Title:        title,
			Message:      body,
			Priority:     e.Priority,
			Status:       repository.NotificationPending,
			ScheduledFor: d.now(),
			DedupeKey:    e.ID + ":" + r.userID + ":" + string(r.kind),
		}
		created, err := d.store.CreateNotification(ctx, n)
		if err != nil {
			d.log.Warn().Err(err).Str("recipient_id", r.userID).Msg("Failed to store notification")
			continue
		}
		if !created {
			continue
		}
		d.schedule(ctx, n)
	}
	return nil
}

// schedule hands n to the queue, or delivers it inline when there is no
// queue. A failed inline attempt leaves n pending for RedeliverPending.
func (d *NotificationDispatcher) schedule(ctx context.Context, n *repository.Notification) {
	if d.enqueuer != nil {
		err := d.enqueuer.EnqueueDelivery(ctx, n.ID)
		if err == nil {
			return
		}
		d.log.Warn().Err(err).Str("notification_id", n.ID).Msg("Enqueue failed; delivering inline")
	}
	if err := d.Deliver(ctx, n.ID, n.Attempts+1, d.cfg.MaxAttempts); err != nil {
		d.log.Warn().Err(err).Str("notification_id", n.ID).Msg("Inline delivery failed; will retry")
	}
}

// RedeliverPending retries notifications that are still pending after at
// least one failed attempt. It returns how many were rescheduled.
func (d *NotificationDispatcher) RedeliverPending(ctx context.Context) (int, error) {
	pending, err := d.store.ListNotifications(ctx, repository.NotificationFilter{
		Statuses: []repository.NotificationStatus{repository.NotificationPending},
	})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, n := range pending {
		if n.Attempts == 0 {
			continue
		}
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		d.schedule(ctx, n)
		count++
	}
	if count > 0 {
		d.log.Info().Int("count", count).Msg("Pending notifications rescheduled")
	}
	return count, nil
}

// recipients applies the per-event routing rules and removes duplicates.
func (d *NotificationDispatcher) recipients(ctx context.Context, e events.Event) ([]recipient, error) {
	var out []recipient
	add := func(kind repository.NotificationType, users ...string) {
		for _, u := range users {
			if u == "" || u == repository.SystemActor {
				continue
			}
			if slices.ContainsFunc(out, func(r recipient) bool { return r.userID == u }) {
				continue
			}
			out = append(out, recipient{userID: u, kind: kind})
		}
	}

	approvers := func(level int) ([]string, error) {
		def, err := d.store.GetDefinition(ctx, e.WorkflowID)
		if err != nil {
			return nil, err
		}
		cl, ok := def.LevelAt(level)
		if !ok {
			return nil, nil
		}
		return d.approversFor(ctx, e, cl.RequiredRole)
	}

	switch e.Type {
	case events.Submitted, events.LevelAdvanced:
		users, err := approvers(e.Level)
		if err != nil {
			return nil, err
		}
		add(repository.NotifyApprovalRequired, users...)
		if e.Type == events.Submitted {
			add(repository.NotifyRequestSubmitted, e.SubmitterID)
		}

	case events.Approved:
		add(repository.NotifyApproved, e.SubmitterID)

	case events.Rejected:
		add(repository.NotifyRejected, e.SubmitterID)

	case events.Returned:
		add(repository.NotifyReturned, e.SubmitterID)
		users, err := approvers(1)
		if err != nil {
			return nil, err
		}
		add(repository.NotifyApprovalRequired, users...)

	case events.Delegated:
		add(repository.NotifyDelegated, e.DelegateTo)

	case events.Cancelled:
		users, err := approvers(e.Level)
		if err != nil {
			return nil, err
		}
		add(repository.NotifyCancelled, users...)

	case events.DeadlineApproaching, events.Overdue:
		kind := repository.NotifyDeadlineApproaching
		if e.Type == events.Overdue {
			kind = repository.NotifyOverdue
		}
		users, err := approvers(e.Level)
		if err != nil {
			return nil, err
		}
		add(kind, users...)
		if e.Type == events.Overdue && d.cfg.SupervisorAfter > 0 && e.EscalationCount >= d.cfg.SupervisorAfter {
			next, err := approvers(e.Level + 1)
			if err != nil {
				return nil, err
			}
			add(kind, next...)
		}
	}
	return out, nil
}

// approversFor returns the role holders for the event's institution with
// active delegates substituted.
func (d *NotificationDispatcher) approversFor(ctx context.Context, e events.Event, role string) ([]string, error) {
	holders, err := roleHolders(ctx, d.dir, e.InstitutionID, role)
	if err != nil {
		return nil, err
	}
	at := d.now()
	out := make([]string, 0, len(holders))
	for _, h := range holders {
		u, err := d.dir.GetUser(ctx, h)
		if err != nil {
			out = append(out, h)
			continue
		}
		effective, _, err := d.delegations.Resolve(ctx, h, u.InstitutionID, e.DataType, at)
		if err != nil {
			d.log.Warn().Err(err).Str("user_id", h).Msg("Delegation unresolved; notifying the role holder")
			out = append(out, h)
			continue
		}
		out = append(out, effective)
	}
	return out, nil
}

func render(kind repository.NotificationType, e events.Event) (string, string) {
	subject := fmt.Sprintf("%s #%d", e.SubjectType, e.SubjectID)
	switch kind {
	case repository.NotifyRequestSubmitted:
		return "Request submitted", fmt.Sprintf("Your %s request for %s was submitted for approval.", e.DataType, subject)
	case repository.NotifyApprovalRequired:
		return "Approval required", fmt.Sprintf("%s (%s) awaits your decision at level %d.", subject, e.DataType, e.Level)
	case repository.NotifyApproved:
		return "Request approved", fmt.Sprintf("%s (%s) was approved.", subject, e.DataType)
	case repository.NotifyRejected:
		return "Request rejected", fmt.Sprintf("%s (%s) was rejected at level %d.", subject, e.DataType, e.Level)
	case repository.NotifyReturned:
		return "Returned for revision", fmt.Sprintf("%s (%s) was returned for revision.", subject, e.DataType)
	case repository.NotifyCancelled:
		return "Request cancelled", fmt.Sprintf("%s (%s) was withdrawn.", subject, e.DataType)
	case repository.NotifyDelegated:
		return "Approval delegated to you", fmt.Sprintf("%s (%s) was delegated to you at level %d.", subject, e.DataType, e.Level)
	case repository.NotifyDeadlineApproaching:
		return "Deadline approaching", fmt.Sprintf("The deadline for %s (%s) is approaching.", subject, e.DataType)
	case repository.NotifyOverdue:
		return "Approval overdue", fmt.Sprintf("%s (%s) is overdue at level %d (escalation %d).", subject, e.DataType, e.Level, e.EscalationCount)
	}
	return string(kind), subject
}

// ── Delivery ──────────────────────────────────────────────────────────────────

// Deliver sends one notification. attempt is 1-based. Failures before the
// last attempt return an error so the queue retries; the last failure marks
// the notification failed and returns nil. Attempts already recorded on the
// notification count toward maxAttempts. Anything not pending is skipped,
// which makes redelivery of the same id harmless.
func (d *NotificationDispatcher) Deliver(ctx context.Context, notificationID string, attempt, maxAttempts int) error {
	n, err := d.store.GetNotification(ctx, notificationID)
	if err != nil {
		return err
	}
	if n.Status != repository.NotificationPending {
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	sendErr := d.channel.Send(sendCtx, Message{
		NotificationID: n.ID,
		RequestID:      n.RequestID,
		RecipientID:    n.RecipientID,
		Type:           n.Type,
		Title:          n.Title,
		Message:        n.Message,
		Priority:       n.Priority,
		ScheduledFor:   n.ScheduledFor,
	})
	if sendErr == nil {
		telemetry.Add(ctx, d.tel.Metrics.Deliveries, telemetry.NotifyOutcomeKey.String("sent"))
		return d.store.MarkNotificationSent(ctx, n.ID, d.now())
	}

	permanent := attempt >= maxAttempts || n.Attempts+1 >= maxAttempts
	if err := d.store.RecordDeliveryFailure(ctx, n.ID, sendErr.Error(), permanent); err != nil {
		d.log.Warn().Err(err).Str("notification_id", n.ID).Msg("Failed to record delivery failure")
	}
	outcome := "retry"
	if permanent {
		outcome = "failed"
	}
	telemetry.Add(ctx, d.tel.Metrics.Deliveries, telemetry.NotifyOutcomeKey.String(outcome))
	d.log.Warn().Err(sendErr).
		Str("notification_id", n.ID).
		Int("attempt", attempt).
		Int("max_attempts", maxAttempts).
		Bool("permanent", permanent).
		Msg("Notification delivery failed")

	if permanent {
		return nil
	}
	return sendErr
}

// ReportDelivery records the channel collaborator's asynchronous verdict.
func (d *NotificationDispatcher) ReportDelivery(ctx context.Context, notificationID string, delivered bool, reason string) error {
	if delivered {
		return d.store.MarkNotificationSent(ctx, notificationID, d.now())
	}
	if reason == "" {
		reason = "reported undeliverable"
	}
	return d.store.RecordDeliveryFailure(ctx, notificationID, reason, true)
}

// ── Inbox ─────────────────────────────────────────────────────────────────────

// Inbox lists a recipient's notifications.
func (d *NotificationDispatcher) Inbox(ctx context.Context, recipientID string, statuses []repository.NotificationStatus, limit, offset int) ([]*repository.Notification, error) {
	return d.store.ListNotifications(ctx, repository.NotificationFilter{
		RecipientID: recipientID,
		Statuses:    statuses,
		Limit:       limit,
		Offset:      offset,
	})
}

// MarkRead marks the actor's own notification read.
func (d *NotificationDispatcher) MarkRead(ctx context.Context, actorID, notificationID string) error {
	if err := d.assertRecipient(ctx, actorID, notificationID); err != nil {
		return err
	}
	return d.store.MarkNotificationRead(ctx, notificationID, d.now())
}

// Dismiss hides the actor's own notification.
func (d *NotificationDispatcher) Dismiss(ctx context.Context, actorID, notificationID string) error {
	if err := d.assertRecipient(ctx, actorID, notificationID); err != nil {
		return err
	}
	return d.store.MarkNotificationDismissed(ctx, notificationID, d.now())
}

func (d *NotificationDispatcher) assertRecipient(ctx context.Context, actorID, notificationID string) error {
	n, err := d.store.GetNotification(ctx, notificationID)
	if err != nil {
		return err
	}
	if n.RecipientID != actorID {
		return errors.Unauthorized("notification belongs to another user")
	}
	return nil
}
