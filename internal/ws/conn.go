package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ErrSendQueueFull is returned by Send when a slow client has let its
// outbound queue fill up; the connection is torn down.
var ErrSendQueueFull = errors.New("ws: send queue full")

const (
	writeTimeout = 10 * time.Second
	drainTimeout = 2 * time.Second
)

// Conn wraps a websocket connection with a bounded outbound queue so that one
// slow device cannot block the goroutine producing its frames. It implements
// registry.Sender and wakeword.Sender.
type Conn struct {
	ws *websocket.Conn

	ctx    context.Context
	cancel context.CancelCauseFunc
	queue  chan any

	closeOnce sync.Once
}

// newConn starts the writer goroutine for an accepted websocket.
func newConn(parent context.Context, wsc *websocket.Conn, queueSize int) *Conn {
	ctx, cancel := context.WithCancelCause(parent)
	c := &Conn{
		ws:     wsc,
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan any, queueSize),
	}
	go c.writeLoop()
	return c
}

// Send enqueues a frame for delivery. A full queue means the client has
// stopped draining; the connection is torn down rather than blocking the
// caller.
func (c *Conn) Send(frame any) error {
	select {
	case <-c.ctx.Done():
		return context.Cause(c.ctx)
	case c.queue <- frame:
		return nil
	default:
		c.Close(int(websocket.StatusPolicyViolation), "send queue overflow")
		return ErrSendQueueFull
	}
}

// Close flushes queued frames best-effort and closes the websocket with the
// given close code. Safe to call more than once.
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.drain()
		c.cancel(nil)
		err = c.ws.Close(websocket.StatusCode(code), reason)
	})
	return err
}

// drain waits briefly for the writer to empty the queue so frames sent just
// before Close still reach the peer.
func (c *Conn) drain() {
	deadline := time.Now().Add(drainTimeout)
	for len(c.queue) > 0 && time.Now().Before(deadline) {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// writeLoop marshals and writes queued frames until the connection dies.
// Queued frames are preferred over shutdown so Close can flush.
func (c *Conn) writeLoop() {
	for {
		select {
		case frame := <-c.queue:
			if !c.write(frame) {
				return
			}
		default:
			select {
			case <-c.ctx.Done():
				return
			case frame := <-c.queue:
				if !c.write(frame) {
					return
				}
			}
		}
	}
}

// write delivers one frame with its own timeout, independent of connection
// shutdown, so an in-flight write is never cut off by Close.
func (c *Conn) write(frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.cancel(err)
		return false
	}
	return true
}
