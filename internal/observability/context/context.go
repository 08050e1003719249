package context

import (
	stdctx "context"
	"strings"
)

type requestIDKey struct{}
type bookingIDKey struct{}
type actorKey struct{}

type actor struct {
	actorType string
	actorID   string
}

func WithRequestID(ctx stdctx.Context, requestID string) stdctx.Context {
	return stdctx.WithValue(ctx, requestIDKey{}, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx stdctx.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

func WithBookingID(ctx stdctx.Context, bookingID string) stdctx.Context {
	return stdctx.WithValue(ctx, bookingIDKey{}, strings.TrimSpace(bookingID))
}

func BookingIDFromContext(ctx stdctx.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(bookingIDKey{}).(string)
	return value
}

func WithActor(ctx stdctx.Context, actorType, actorID string) stdctx.Context {
	return stdctx.WithValue(ctx, actorKey{}, actor{
		actorType: strings.TrimSpace(actorType),
		actorID:   strings.TrimSpace(actorID),
	})
}

func ActorFromContext(ctx stdctx.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	value, ok := ctx.Value(actorKey{}).(actor)
	if !ok {
		return "", ""
	}
	return value.actorType, value.actorID
}

type clientKey struct{}

type client struct {
	ipAddress string
	userAgent string
}

// WithClient stores the caller's network identity for audit records.
func WithClient(ctx stdctx.Context, ipAddress, userAgent string) stdctx.Context {
	return stdctx.WithValue(ctx, clientKey{}, client{
		ipAddress: strings.TrimSpace(ipAddress),
		userAgent: strings.TrimSpace(userAgent),
	})
}

func ClientFromContext(ctx stdctx.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	value, ok := ctx.Value(clientKey{}).(client)
	if !ok {
		return "", ""
	}
	return value.ipAddress, value.userAgent
}
