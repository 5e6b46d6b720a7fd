package proxy

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cm4all/myproxy/internal/metrics"
	"github.com/cm4all/myproxy/internal/mysql"
	"github.com/cm4all/myproxy/internal/policy"
)

func loadPolicyScript(t *testing.T, body string) *policy.Hook {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.lua")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	h, err := policy.Load(path)
	if err != nil {
		t.Fatalf("policy.Load: %v", err)
	}
	return h
}

// fakeClient plays the client side of the initial handshake over a
// net.Pipe: it reads the synthetic greeting and replies with a minimal
// HandshakeResponse41, then reports what it reads back.
func fakeClient(t *testing.T, conn net.Conn, username string) <-chan []byte {
	t.Helper()
	result := make(chan []byte, 1)
	go func() {
		reader := mysql.NewReader(conn)
		writer := mysql.NewWriter(conn)

		_, _, err := reader.ReadPacket()
		if err != nil {
			close(result)
			return
		}

		resp := mysql.HandshakeResponse41Builder{
			ClientFlag:   mysql.ClientProtocol41 | mysql.ClientSecureConnection,
			Username:     username,
			AuthResponse: []byte{1, 2, 3, 4},
		}
		built, err := resp.Build()
		if err != nil {
			close(result)
			return
		}
		if _, err := writer.WritePacket(1, built); err != nil {
			close(result)
			return
		}

		_, payload, err := reader.ReadPacket()
		if err != nil {
			close(result)
			return
		}
		result <- payload
	}()
	return result
}

func TestConnectionRunSendsErrOnPolicyRejection(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	hook := loadPolicyScript(t, `
function policy(c)
  return c:err("no access")
end
`)

	deps := &Deps{
		Policy:        hook,
		Metrics:       metrics.New(),
		ServerVersion: "8.0.34-test",
	}
	conn := NewConnection(1, serverSide, deps)

	resultCh := fakeClient(t, clientSide, "nobody")

	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(context.Background()) }()

	select {
	case payload, ok := <-resultCh:
		if !ok {
			t.Fatal("fake client failed before reading the final reply")
		}
		if !mysql.IsErr(payload) {
			t.Fatalf("expected an ERR packet, got %x", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the client-visible reply")
	}

	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	if conn.Account() != "" {
		t.Errorf("account should remain empty after a policy rejection, got %q", conn.Account())
	}
}

func TestConnectionRunAppliesDelayBeforeErr(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	hook := loadPolicyScript(t, `
function policy(c)
  return c:delay(10):err("slow no")
end
`)

	deps := &Deps{
		Policy:        hook,
		Metrics:       metrics.New(),
		ServerVersion: "8.0.34-test",
	}
	conn := NewConnection(1, serverSide, deps)

	resultCh := fakeClient(t, clientSide, "nobody")

	start := time.Now()
	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(context.Background()) }()

	select {
	case payload, ok := <-resultCh:
		if !ok {
			t.Fatal("fake client failed before reading the final reply")
		}
		if !mysql.IsErr(payload) {
			t.Fatalf("expected an ERR packet, got %x", payload)
		}
		if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
			t.Errorf("reply arrived after %v, expected at least the 10ms delay", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the client-visible reply")
	}

	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestConnectionRunUsesScriptAssignedAccount(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	hook := loadPolicyScript(t, `
function policy(c)
  c:set_account("tenant-7")
  return c:connect("127.0.0.1:1", {user = "backend-user"})
end
`)

	deps := &Deps{
		Policy:        hook,
		Metrics:       metrics.New(),
		ServerVersion: "8.0.34-test",
	}
	conn := NewConnection(1, serverSide, deps)

	fakeClient(t, clientSide, "nobody")

	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(context.Background()) }()

	// The backend dial to 127.0.0.1:1 fails, so Run returns an error, but
	// the account label is already stored before that dial is attempted.
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	if got := conn.Account(); got != "tenant-7" {
		t.Errorf("account = %q, want the script-assigned label, not the backend user", got)
	}
}
