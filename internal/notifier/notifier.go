package notifier

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Message template types. Delivery transport (chat, SMS) is external; the
// engine only emits fire-and-forget requests keyed by transaction and template.
const (
	TemplatePaymentHeld     = "payment_held"
	TemplateShipped         = "shipped"
	TemplateShipReminder    = "ship_reminder"
	TemplateConfirmReminder = "confirm_reminder"
	TemplateAutoReleased    = "auto_released"
	TemplateReleased        = "released"
	TemplateRefunded        = "refunded"
	TemplateDisputeOpened   = "dispute_opened"
	TemplateDisputeResolved = "dispute_resolved"
	TemplateCancelled       = "cancelled"
)

// Message is one notification request.
type Message struct {
	RecipientID   uuid.UUID
	TransactionID string
	Template      string
	Fields        map[string]string
}

// Notifier delivers notification requests. Implementations must not block the
// caller on downstream delivery; failures are logged, never propagated into
// transaction handling.
type Notifier interface {
	Send(ctx context.Context, msg Message)
}

// LogNotifier writes notification requests to the structured log. It stands in
// for the real delivery pipeline in local runs and tests.
type LogNotifier struct{}

func NewLogNotifier() LogNotifier {
	return LogNotifier{}
}

func (LogNotifier) Send(_ context.Context, msg Message) {
	zap.L().Info("notification",
		zap.String("template", msg.Template),
		zap.String("transaction_id", msg.TransactionID),
		zap.String("recipient", msg.RecipientID.String()),
		zap.Any("fields", msg.Fields),
	)
}
