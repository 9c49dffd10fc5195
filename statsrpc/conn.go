package statsrpc

import (
	"net"
	"time"
)

// deadlineConn applies a write deadline on every Write. TSocket resets the
// write deadline before each write when no socket timeout is configured, so
// a deadline set on the raw connection would be lost.
//
// deadline is guarded by the write lock of the owning client or server
// connection.
type deadlineConn struct {
	net.Conn
	deadline time.Time
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if !c.deadline.IsZero() {
		if err := c.Conn.SetWriteDeadline(c.deadline); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}
