package store

import (
	"context"
	"time"

	uerr "github.com/kestrelsec/kestrel-backend/internal/pkg/errors"
	"github.com/kestrelsec/kestrel-backend/internal/types"
)

// WithDeadline derives the operation deadline: an explicit ctx deadline
// wins, then the tenant context's timeout_ms, then the backend default.
func WithDeadline(ctx context.Context, tc *types.TenantContext, defaultMS int) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	ms := defaultMS
	if tc != nil && tc.TimeoutMS > 0 {
		ms = tc.TimeoutMS
	}
	if ms <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
}

// CheckContext maps an elapsed or cancelled context to the Connection kind.
func CheckContext(ctx context.Context) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return uerr.Connection("timeout")
	default:
		return uerr.Connection("cancelled: %v", ctx.Err())
	}
}
