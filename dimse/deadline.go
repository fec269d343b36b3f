package dimse

import (
	"context"
	"time"
)

type deadliner interface {
	SetDeadline(t time.Time) error
}

// watchContext applies ctx's deadline to conn and interrupts blocked I/O when
// ctx is cancelled. The returned func restores the connection.
func watchContext(ctx context.Context, conn any) func() {
	d, ok := conn.(deadliner)
	if !ok {
		return func() {}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = d.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = d.SetDeadline(time.Now())
	})
	return func() {
		stop()
		_ = d.SetDeadline(time.Time{})
	}
}

// WatchContext is watchContext for callers outside the package.
func WatchContext(ctx context.Context, conn any) func() {
	return watchContext(ctx, conn)
}
