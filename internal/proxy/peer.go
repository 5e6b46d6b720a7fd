package proxy

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cm4all/myproxy/internal/mysql"
)

// Result is returned by a PacketHandler to say what Relay should do with
// the packet it just inspected.
type Result int

const (
	// ResultForward forwards the packet's raw bytes unchanged.
	ResultForward Result = iota
	// ResultIgnore drops the packet without forwarding it.
	ResultIgnore
	// ResultClosed tears down both peers.
	ResultClosed
)

// errPeerClosed is returned by Relay when a handler requests ResultClosed.
var errPeerClosed = errors.New("proxy: peer closed by handler")

// Peer owns one side (client-facing or server-facing) of a proxied MySQL
// connection: a socket plus the framed-packet codec (component A) over
// it. Component E's OnRaw chunk-forwarding collapses here into plain
// whole-packet forwarding, since internal/mysql.Reader already
// reassembles a logical packet (including >16MB fragments) into memory
// before Relay ever sees it — there is no partial-packet state to stream
// byte-by-byte the way a single-threaded event loop needs to.
type Peer struct {
	conn        net.Conn
	reader      *mysql.Reader
	writer      *mysql.Writer
	idleTimeout time.Duration
}

// NewPeer wraps conn. idleTimeout of zero disables the per-read deadline.
func NewPeer(conn net.Conn, idleTimeout time.Duration) *Peer {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &Peer{
		conn:        conn,
		reader:      mysql.NewReader(conn),
		writer:      mysql.NewWriter(conn),
		idleTimeout: idleTimeout,
	}
}

// Conn returns the underlying socket.
func (p *Peer) Conn() net.Conn { return p.conn }

// ReadPacket reads one logical packet, applying the idle timeout (§4.5:
// "60s default per direction") as a read deadline before each read.
func (p *Peer) ReadPacket() (seq byte, payload []byte, err error) {
	if p.idleTimeout > 0 {
		p.conn.SetReadDeadline(time.Now().Add(p.idleTimeout))
	}
	return p.reader.ReadLogicalPacket()
}

// WritePacket writes one logical packet, splitting across physical
// packets if payload exceeds mysql.MaxPayloadLen.
func (p *Peer) WritePacket(seq byte, payload []byte) (nextSeq byte, err error) {
	return p.writer.WritePacket(seq, payload)
}

// Close closes the underlying socket.
func (p *Peer) Close() error { return p.conn.Close() }

// PacketHandler inspects a packet arriving on one Peer before Relay
// forwards it to the other, returning what to do with it.
type PacketHandler func(seq byte, payload []byte) (Result, error)

// Relay copies logical packets from src to dst until either side closes,
// ctx is cancelled, or handler returns ResultClosed. Per component E's
// Go realization note, backpressure comes for free: a blocked WritePacket
// on dst simply blocks this goroutine, which stops calling ReadPacket on
// src — there is no explicit "unschedule read" step to implement.
func Relay(ctx context.Context, src, dst *Peer, handler PacketHandler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		seq, payload, err := src.ReadPacket()
		if err != nil {
			return err
		}

		if handler != nil {
			result, err := handler(seq, payload)
			if err != nil {
				return err
			}
			switch result {
			case ResultClosed:
				return errPeerClosed
			case ResultIgnore:
				continue
			}
		}

		if _, err := dst.WritePacket(seq, payload); err != nil {
			return err
		}
	}
}
