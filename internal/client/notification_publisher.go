package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-edu-approvals/internal/service"
)

// streamPublisher is the slice of jetstream.JetStream the publisher needs.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NotificationPublisher is the notification channel: it hands each message
// to NATS JetStream for the delivery service to pick up.
//
// Subject convention: <prefix>.<notification_type>, e.g.
// notifications.approvals.approval_required. The notification id is the
// JetStream message id, so a redelivered job inside the stream's duplicate
// window is dropped by the server.
type NotificationPublisher struct {
	js      streamPublisher
	prefix  string
	timeout time.Duration
	log     zerolog.Logger
}

var _ service.Channel = (*NotificationPublisher)(nil)

// ConnectNATS opens a connection that reconnects forever.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NewNotificationPublisher creates a publisher backed by JetStream and makes
// sure the stream capturing <prefix>.> exists.
func NewNotificationPublisher(ctx context.Context, nc *nats.Conn, stream, prefix string, timeout time.Duration, log zerolog.Logger) (*NotificationPublisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to open JetStream: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{prefix + ".>"},
		MaxAge:   7 * 24 * time.Hour,
	}); err != nil {
		return nil, fmt.Errorf("failed to ensure stream %s: %w", stream, err)
	}
	return newNotificationPublisher(js, prefix, timeout, log), nil
}

func newNotificationPublisher(js streamPublisher, prefix string, timeout time.Duration, log zerolog.Logger) *NotificationPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NotificationPublisher{js: js, prefix: prefix, timeout: timeout, log: log}
}

// Send publishes m and waits for the stream acknowledgement. Errors are
// returned so the delivery job can retry.
func (p *NotificationPublisher) Send(ctx context.Context, m service.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	subject := p.subject(string(m.Type))
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(m.NotificationID)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("notification_id", m.NotificationID).
		Str("recipient_id", m.RecipientID).
		Msg("Notification published")
	return nil
}

func (p *NotificationPublisher) subject(kind string) string {
	return p.prefix + "." + kind
}

// ── Delivery reports ──────────────────────────────────────────────────────────

// DeliveryReport is what the delivery service sends back once it has tried
// to reach the recipient.
type DeliveryReport struct {
	NotificationID string `json:"notification_id"`
	Delivered      bool   `json:"delivered"`
	Reason         string `json:"reason,omitempty"`
}

// ReportSubject is where delivery reports for prefix arrive. It sits
// outside the notification stream's subjects.
func ReportSubject(prefix string) string {
	return "reports." + prefix
}

// ReportFunc records a delivery report.
type ReportFunc func(ctx context.Context, notificationID string, delivered bool, reason string) error

// SubscribeReports listens on subject for delivery reports and forwards them
// to report. Malformed or failing reports are logged and dropped.
func SubscribeReports(nc *nats.Conn, subject string, report ReportFunc, timeout time.Duration, log zerolog.Logger) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		handleReport(msg.Data, report, timeout, log)
	})
}

func handleReport(data []byte, report ReportFunc, timeout time.Duration, log zerolog.Logger) {
	var r DeliveryReport
	if err := json.Unmarshal(data, &r); err != nil || r.NotificationID == "" {
		log.Warn().Err(err).Msg("Ignoring malformed delivery report")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := report(ctx, r.NotificationID, r.Delivered, r.Reason); err != nil {
		log.Warn().Err(err).Str("notification_id", r.NotificationID).Msg("Failed to record delivery report")
	}
}

// LogChannel writes notifications to the log instead of a broker. It is the
// channel when no NATS URL is configured.
type LogChannel struct {
	Log zerolog.Logger
}

var _ service.Channel = LogChannel{}

func (c LogChannel) Send(_ context.Context, m service.Message) error {
	c.Log.Info().
		Str("notification_id", m.NotificationID).
		Str("recipient_id", m.RecipientID).
		Str("type", string(m.Type)).
		Str("title", m.Title).
		Msg("Notification (log channel)")
	return nil
}
