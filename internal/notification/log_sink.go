package notification

import (
	"context"

	"github.com/smallbiznis/bookingcore/internal/observability/logger"
	"go.uber.org/zap"
)

type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notification.log")}
}

func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	logger.WithContext(ctx, n.log).Info("notification",
		zap.String("kind", event.Kind),
		zap.String("booking_id", event.BookingID),
		zap.String("customer_id", event.CustomerID),
		zap.String("provider_id", event.ProviderID),
		zap.String("from_status", event.FromStatus),
		zap.String("to_status", event.ToStatus),
		zap.String("refund_status", event.RefundStatus),
		zap.String("refund_amount", event.RefundAmount),
		zap.String("currency", event.Currency),
	)
	return nil
}
