// Package contextkeys provides centralized context key definitions
//
// All context keys used across the engine are defined here so their setters
// and readers stay discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/portfolio-authz/pkg/contextkeys"
//	ctx = contextkeys.WithActorID(ctx, 42)
//	actorID, ok := contextkeys.GetActorID(ctx)
package contextkeys

import (
	"context"
	"time"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, error responses
	// Type: string
	RequestIDKey Key = "request_id"

	// ActorIDKey contains the id of the authenticated user making the request
	// Set by: api.ActorMiddleware from the X-User-ID header
	// Used by: Handlers, Logger
	// Type: int64
	ActorIDKey Key = "actor_id"

	// LoggerKey contains *observability.Logger
	// Set by: httputil.LoggingMiddleware
	// Used by: Handlers and the membership service
	// Type: *observability.Logger
	LoggerKey Key = "logger"

	// RequestStartTimeKey contains request start timestamp
	// Set by: httputil.LoggingMiddleware
	// Type: time.Time
	RequestStartTimeKey Key = "request_start_time"
)

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithActorID adds the acting user id to the context
func WithActorID(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, ActorIDKey, actorID)
}

// WithRequestStartTime adds request start time to the context
func WithRequestStartTime(ctx context.Context, startTime time.Time) context.Context {
	return context.WithValue(ctx, RequestStartTimeKey, startTime)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetActorID retrieves the acting user id from context
func GetActorID(ctx context.Context) (int64, bool) {
	actorID, ok := ctx.Value(ActorIDKey).(int64)
	return actorID, ok
}

// GetRequestStartTime retrieves the request start time from context
func GetRequestStartTime(ctx context.Context) (time.Time, bool) {
	start, ok := ctx.Value(RequestStartTimeKey).(time.Time)
	return start, ok
}
