package ws

import (
	"fmt"
	"sync"

	"nhooyr.io/websocket"
)

// conn is one live websocket connection. Outbound frames are queued on a
// buffered channel drained by a dedicated writer goroutine, so a stalled
// socket never blocks the event handler that produced the frame.
type conn struct {
	id     string
	sock   *websocket.Conn
	outbox chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id string, sock *websocket.Conn, bufferSize int) *conn {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &conn{
		id:     id,
		sock:   sock,
		outbox: make(chan []byte, bufferSize),
		done:   make(chan struct{}),
	}
}

// enqueue queues one outbound frame without blocking.
//
// Postcondition: Returns an error if the connection is closed or the queue is
// full; the caller decides whether a full queue is grounds for disconnection.
func (c *conn) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection %s is closed", c.id)
	default:
	}
	select {
	case c.outbox <- frame:
		return nil
	default:
		return fmt.Errorf("connection %s outbound queue full", c.id)
	}
}

// shutdown closes the socket and stops the writer goroutine. Safe to call
// from any goroutine, any number of times.
func (c *conn) shutdown(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.sock.Close(status, reason)
	})
}

// closed reports whether shutdown has run.
func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
