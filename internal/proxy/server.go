package proxy

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cm4all/myproxy/internal/config"
)

// Listener is the MySQL-only accept loop (component J), generalized from
// the teacher's dual Postgres/MySQL Server.acceptLoop/handleConnection:
// Postgres support is out of scope for this proxy, but the single
// accept-loop-plus-live-connection-registry shape carries over unchanged.
type Listener struct {
	deps *Deps
	ln   net.Listener

	nextID atomic.Uint64
	conns  sync.Map // uint64 -> *Connection

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewListener creates a Listener bound to lc.Address:lc.Port.
func NewListener(deps *Deps, lc config.ListenConfig) (*Listener, error) {
	addr := fmt.Sprintf("%s:%d", lc.Address, lc.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{deps: deps, ln: ln, ctx: ctx, cancel: cancel}
	log.Printf("[proxy] listening on %s", addr)
	return l, nil
}

// Serve runs the accept loop until Stop is called.
func (l *Listener) Serve() {
	l.wg.Add(1)
	defer l.wg.Done()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return
			default:
				log.Printf("[proxy] accept error: %v", err)
				continue
			}
		}

		id := l.nextID.Add(1)
		l.deps.Metrics.ConnectionAccepted()

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(id, conn)
		}()
	}
}

func (l *Listener) handle(id uint64, conn net.Conn) {
	c := NewConnection(id, conn, l.deps)
	l.conns.Store(id, c)
	defer l.conns.Delete(id)

	if err := c.Run(l.ctx); err != nil {
		log.Printf("[proxy] connection %d error: %v", id, err)
	}
}

// CloseConnectionsIf closes every live connection matching predicate,
// returning the number closed. Used by the admin control plane's
// DISCONNECT_DATABASE and its REST equivalent.
func (l *Listener) CloseConnectionsIf(predicate func(*Connection) bool) int {
	n := 0
	l.conns.Range(func(_, v any) bool {
		c := v.(*Connection)
		if predicate(c) {
			c.Close()
			n++
		}
		return true
	})
	return n
}

// Stop closes the listening socket and every live connection, then waits
// for all accept/connection goroutines to exit.
func (l *Listener) Stop() {
	l.cancel()
	l.ln.Close()
	l.conns.Range(func(_, v any) bool {
		v.(*Connection).Close()
		return true
	})
	l.wg.Wait()
	log.Printf("[proxy] listener stopped")
}
