package notification

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultStreamMaxLen = 10000

// StreamNotifier appends events to a redis stream for downstream consumers.
type StreamNotifier struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewStreamNotifier(client *redis.Client, stream string) (*StreamNotifier, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	stream = strings.TrimSpace(stream)
	if stream == "" {
		return nil, errors.New("notification stream is required")
	}
	return &StreamNotifier{client: client, stream: stream, maxLen: defaultStreamMaxLen}, nil
}

func (n *StreamNotifier) Notify(ctx context.Context, event Event) error {
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	return n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		MaxLen: n.maxLen,
		Approx: true,
		Values: map[string]any{
			"kind":          event.Kind,
			"booking_id":    event.BookingID,
			"customer_id":   event.CustomerID,
			"provider_id":   event.ProviderID,
			"from_status":   event.FromStatus,
			"to_status":     event.ToStatus,
			"reason":        event.Reason,
			"override":      strconv.FormatBool(event.Override),
			"refund_status": event.RefundStatus,
			"refund_method": event.RefundMethod,
			"refund_amount": event.RefundAmount,
			"currency":      event.Currency,
			"occurred_at":   occurredAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
}
