package admin

import (
	"bytes"
	"fmt"
	"log"
	"net"
	"strings"

	"github.com/cm4all/myproxy/internal/config"
)

// UDPServer implements the single recognized datagram command,
// "DISCONNECT_DATABASE <account>", mirroring
// original_source/src/Control.cxx's Instance::DisconnectDatabase
// synchronous loop over live connections.
type UDPServer struct {
	conns ConnectionCloser
	conn  *net.UDPConn
}

// NewUDPServer binds the UDP control socket.
func NewUDPServer(conns ConnectionCloser, ac config.AdminConfig) (*UDPServer, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(ac.UDPBind), Port: ac.UDPPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding admin UDP socket: %w", err)
	}
	return &UDPServer{conns: conns, conn: conn}, nil
}

const disconnectCommand = "DISCONNECT_DATABASE"

// Serve reads datagrams until the socket is closed.
func (s *UDPServer) Serve() {
	log.Printf("[admin] UDP control listening on %s", s.conn.LocalAddr())
	buf := make([]byte, 2048)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		s.handle(bytes.TrimSpace(buf[:n]), from)
	}
}

func (s *UDPServer) handle(datagram []byte, from *net.UDPAddr) {
	fields := strings.Fields(string(datagram))
	if len(fields) != 2 || fields[0] != disconnectCommand {
		log.Printf("[admin] UDP: unrecognized command from %s: %q", from, datagram)
		return
	}
	account := fields[1]
	n := s.conns.CloseConnectionsIf(func(a string) bool { return a == account })
	log.Printf("[admin] UDP: disconnected %d connection(s) for account %q", n, account)
}

// Close closes the UDP socket.
func (s *UDPServer) Close() error { return s.conn.Close() }
