package client

import (
	"context"
	"net"
	"time"
)

// deadlineConn applies per-read and per-write timeouts bounded by the deadline
// of the operation currently using the connection.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
	ctx          context.Context
}

// use binds ctx to the connection until the returned func is called.
// Cancelling ctx interrupts blocked reads and writes.
func (c *deadlineConn) use(ctx context.Context) func() {
	c.ctx = ctx
	stop := context.AfterFunc(ctx, func() {
		_ = c.Conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		c.ctx = context.Background()
	}
}

func (c *deadlineConn) deadline(timeout time.Duration) time.Time {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := c.ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	if err := c.Conn.SetReadDeadline(c.deadline(c.readTimeout)); err != nil {
		return 0, err
	}
	// Cancellation may have fired between the check and the new deadline.
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	if err := c.Conn.SetWriteDeadline(c.deadline(c.writeTimeout)); err != nil {
		return 0, err
	}
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}
