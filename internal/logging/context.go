package logging

import (
	"context"
	"time"
)

// DetachContext returns a context that keeps parent's values but is not
// cancelled with it.
func DetachContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

// DetachContextWithTimeout returns a detached context with its own deadline.
// Conversation logging uses it so a write finishes even after the request
// that produced the answer has returned.
//
//	logCtx, cancel := logging.DetachContextWithTimeout(ctx, 5*time.Second)
//	defer cancel()
//	err := log.Record(logCtx, entry)
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
