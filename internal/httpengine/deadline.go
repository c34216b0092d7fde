package httpengine

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptrace"
	"time"
)

// connCapture records the net.Conn a request's round trip actually used, so
// a caller holding only the resulting *http.Response can still drive
// SetReadDeadline on the socket its body reads from. http.Response.Body
// doesn't expose the connection any other way.
type connCapture struct {
	conn net.Conn
}

// withConnCapture attaches an httptrace.ClientTrace to ctx that records the
// connection GotConn reports. Use the returned context for the request
// whose connection cc should capture.
func withConnCapture(ctx context.Context, cc *connCapture) context.Context {
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			cc.conn = info.Conn
		},
	}
	return httptrace.WithClientTrace(ctx, trace)
}

// deadlineReader enforces a per-read deadline on the captured connection
// instead of one fixed deadline for the whole response body: every read
// that makes progress renews the deadline, a read that times out gets one
// retry at a longer deadline, and only a run of consecutive timeouts or a
// long stretch with no progress at all gives up for good. This is what
// lets a multi-gigabyte transfer survive on a connection that's merely
// slow, while a connection that's actually gone still gets declared dead.
type deadlineReader struct {
	r           io.Reader
	conn        net.Conn
	readTimeout time.Duration

	reads          int
	consecutiveTOs int
	progressAt     time.Time
}

const (
	deadlineRenewEvery    = 100
	deadlineRetryDelay    = 200 * time.Millisecond
	deadlineMaxTimeouts   = 10
	deadlineNoProgressCap = 3
)

// newDeadlineReader wraps r, applying conn.SetReadDeadline before every
// underlying read. conn may be nil (the trace never fired, e.g. a request
// that failed before connecting) — reads then pass through undeadlined.
func newDeadlineReader(r io.Reader, conn net.Conn, readTimeout time.Duration) *deadlineReader {
	dr := &deadlineReader{r: r, conn: conn, readTimeout: readTimeout, progressAt: time.Now()}
	dr.setDeadline(2 * readTimeout)
	return dr
}

func (dr *deadlineReader) setDeadline(d time.Duration) {
	if dr.conn == nil {
		return
	}
	dr.conn.SetReadDeadline(time.Now().Add(d))
}

// stop clears the deadline so a pooled connection isn't left with a stale
// one applied to whatever request reuses it next.
func (dr *deadlineReader) stop() {
	if dr.conn == nil {
		return
	}
	dr.conn.SetReadDeadline(time.Time{})
}

func (dr *deadlineReader) Read(p []byte) (int, error) {
	for {
		n, err := dr.r.Read(p)
		if n > 0 {
			dr.reads++
			dr.consecutiveTOs = 0
			dr.progressAt = time.Now()
			if dr.reads%deadlineRenewEvery == 0 {
				dr.setDeadline(2 * dr.readTimeout)
			}
			return n, err
		}
		if err == nil || !isReadTimeout(err) {
			return n, err
		}

		dr.consecutiveTOs++
		if dr.consecutiveTOs >= deadlineMaxTimeouts ||
			time.Since(dr.progressAt) >= deadlineNoProgressCap*dr.readTimeout {
			return n, err
		}

		time.Sleep(deadlineRetryDelay)
		dr.setDeadline(3 * dr.readTimeout)
	}
}

func isReadTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
