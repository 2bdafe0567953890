package videoimport

import (
	"context"
	"net"
	"sync"
)

// pipeListener is an in-memory net.Listener backed by net.Pipe.
type pipeListener struct {
	once   sync.Once
	conns  chan net.Conn
	closed chan struct{}
}

func (l *pipeListener) init() {
	l.once.Do(func() {
		l.conns = make(chan net.Conn)
		l.closed = make(chan struct{})
	})
}

func (l *pipeListener) Accept() (net.Conn, error) {
	l.init()
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	l.init()
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *pipeListener) Addr() net.Addr {
	return pipeAddr{}
}

// Dialer returns the client end of a new connection.
func (l *pipeListener) Dialer(ctx context.Context) (net.Conn, error) {
	l.init()
	server, client := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.closed:
		server.Close()
		client.Close()
		return nil, net.ErrClosed
	case <-ctx.Done():
		server.Close()
		client.Close()
		return nil, ctx.Err()
	}
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
