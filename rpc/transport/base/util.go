package base

import (
	"context"
	"errors"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
	"io"
	"net"
	"os"
	"time"
)

// setDeadline applies the earlier of the context deadline and now+timeout to conn.
// A zero timeout and a context without deadline clear the deadline.
func setDeadline(ctx context.Context, conn net.Conn, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return conn.SetDeadline(deadline)
}

// commError classifies an io error of a stream connection
func commError(err error, format string, args ...interface{}) error {
	var cErr *common.Error
	if errors.As(err, &cErr) {
		return err
	}
	return common.WrapError(common.ErrCCommunication, err, format, args...)
}

// isTimeout reports whether err is a deadline error
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isClosed reports whether err signals a cleanly closed connection
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
