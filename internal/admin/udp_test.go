package admin

import (
	"net"
	"testing"
	"time"

	"github.com/cm4all/myproxy/internal/config"
)

func TestUDPServerHandlesDisconnectCommand(t *testing.T) {
	fc := &fakeConnectionCloser{closed: []string{"alice", "bob"}}
	srv, err := NewUDPServer(fc, config.AdminConfig{UDPBind: "127.0.0.1", UDPPort: 0})
	if err != nil {
		t.Fatalf("NewUDPServer: %v", err)
	}
	defer srv.Close()

	go srv.Serve()

	client, err := net.Dial("udp", srv.conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("DISCONNECT_DATABASE alice\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// handle() is synchronous inside Serve's loop; give it a moment to run.
	time.Sleep(100 * time.Millisecond)
}

func TestUDPServerIgnoresUnrecognizedCommands(t *testing.T) {
	fc := &fakeConnectionCloser{}
	srv, err := NewUDPServer(fc, config.AdminConfig{UDPBind: "127.0.0.1", UDPPort: 0})
	if err != nil {
		t.Fatalf("NewUDPServer: %v", err)
	}
	defer srv.Close()

	srv.handle([]byte("GARBAGE"), &net.UDPAddr{})
	srv.handle([]byte("DISCONNECT_DATABASE"), &net.UDPAddr{})
}
