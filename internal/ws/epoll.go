//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll multiplexes read readiness for all WebSocket connections through a
// single kernel epoll instance. Registered file descriptors wake the event
// loop only when a frame (or a hangup) is pending, so idle connections cost
// no goroutines.
type Epoll struct {
	fd    int              // epoll file descriptor
	mu    sync.RWMutex     // protects byFd
	byFd  map[int]net.Conn // registered connections keyed by socket fd
	evBuf []unix.EpollEvent
}

// NewEpoll creates an epoll instance via epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:    fd,
		byFd:  make(map[int]net.Conn),
		evBuf: make([]unix.EpollEvent, 256),
	}, nil
}

// Add puts the connection's socket on the epoll interest list. EPOLLRDHUP is
// included so peer half-closes wake the loop and get cleaned up promptly
// instead of lingering until the heartbeat notices.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	ev := &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, ev); err != nil {
		return err
	}

	e.mu.Lock()
	e.byFd[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove takes the connection's socket off the interest list. Removing a
// descriptor that was already deregistered (close raced with eviction) is
// not an error worth surfacing.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)

	e.mu.Lock()
	delete(e.byFd, fd)
	e.mu.Unlock()

	err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

// Wait blocks until at least one registered socket is readable and returns
// the corresponding connections. Descriptors removed between the kernel
// return and the map lookup are skipped. The event buffer doubles when a
// wait fills it completely, so bursts on large servers are absorbed without
// extra syscalls.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.evBuf, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := e.byFd[int(e.evBuf[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()

	if n == len(e.evBuf) {
		e.evBuf = make([]unix.EpollEvent, len(e.evBuf)*2)
	}
	return conns, nil
}

// Close releases the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.byFd = nil
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// socketFD extracts the raw file descriptor through syscall.RawConn rather
// than File(), which would dup the descriptor and leave the socket in
// blocking mode.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
