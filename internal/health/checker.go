// Package health implements the backend health-check sub-state-machine
// (component H): a transient connection that performs the server
// handshake and, optionally, a read_only probe, then reports a
// single-shot result.
package health

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cm4all/myproxy/internal/mysql"
	"github.com/cm4all/myproxy/internal/mysql/auth"
)

// Status is the outcome of a single health check, mirroring the
// {OK, DEAD, READ_ONLY} result vocabulary of §4.8.
type Status int

const (
	StatusUnknown Status = iota
	StatusOK
	StatusDead
	StatusReadOnly
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDead:
		return "dead"
	case StatusReadOnly:
		return "read_only"
	default:
		return "unknown"
	}
}

// checkTimeout bounds a single probe end to end, matching the original
// implementation's 10 second ConnectSocket timeout plus handshake read.
const checkTimeout = 10 * time.Second

// Credentials authenticate the read_only probe against a password-protected
// backend. ProbeReadOnly without credentials only confirms the server sent a
// valid handshake; it never issues the probe query.
type Credentials struct {
	User     string
	Password string
}

// CheckServer dials address, reads the server's handshake, and — if
// probeReadOnly is set — authenticates with creds and issues
// "SHOW GLOBAL VARIABLES LIKE 'read_only'" to distinguish a writable
// primary from a read-only replica. The callback fires exactly once; if
// ctx is cancelled before the check completes the callback is never
// invoked, matching the cancellation contract in §4.8 ("the callback is
// never invoked after cancel").
func CheckServer(ctx context.Context, address string, probeReadOnly bool, creds Credentials, cb func(Status)) {
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)

	result := make(chan Status, 1)
	go func() {
		result <- doCheck(checkCtx, address, probeReadOnly, creds)
	}()

	go func() {
		defer cancel()
		select {
		case <-ctx.Done():
			return
		case status := <-result:
			if ctx.Err() != nil {
				return
			}
			cb(status)
		}
	}()
}

func doCheck(ctx context.Context, address string, probeReadOnly bool, creds Credentials) Status {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		slog.Warn("health check: connect failed", "address", address, "err", err)
		return StatusDead
	}
	defer conn.Close()

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	reader := mysql.NewReader(conn)
	_, payload, err := reader.ReadPacket()
	if err != nil {
		slog.Warn("health check: reading handshake failed", "address", address, "err", err)
		return StatusDead
	}

	greeting, err := mysql.ParseHandshakeV10(payload)
	if err != nil {
		slog.Warn("health check: malformed handshake", "address", address, "err", err)
		return StatusDead
	}

	if !probeReadOnly || creds.User == "" {
		return StatusOK
	}

	writer := mysql.NewWriter(conn)
	if err := authenticate(reader, writer, greeting, creds); err != nil {
		slog.Warn("health check: probe authentication failed", "address", address, "err", err)
		return StatusDead
	}

	readOnly, err := probeReadOnlyVariable(conn, reader)
	if err != nil {
		slog.Warn("health check: read_only probe failed", "address", address, "err", err)
		return StatusDead
	}
	if readOnly {
		return StatusReadOnly
	}
	return StatusOK
}

// authenticate performs a HandshakeResponse41 exchange against greeting,
// the same plugin-by-name negotiation connection.go's backendHandshake
// uses for the client-facing backend login, so that the subsequent
// COM_QUERY probe is sent in the command phase rather than during login.
func authenticate(reader *mysql.Reader, writer *mysql.Writer, greeting *mysql.HandshakeV10, creds Credentials) error {
	pluginName := greeting.AuthPluginName
	if pluginName == "" {
		pluginName = "mysql_native_password"
	}
	data1 := greeting.AuthPluginData
	var data2 []byte
	if len(data1) > 8 {
		data2 = data1[8:]
		data1 = data1[:8]
	}

	authResponse, err := answerChallenge(pluginName, creds, data1, data2)
	if err != nil {
		return fmt.Errorf("generating auth response: %w", err)
	}

	resp, err := (mysql.HandshakeResponse41Builder{
		ClientFlag:   greeting.Capabilities,
		MaxPacket:    mysql.MaxPayloadLen,
		CharacterSet: greeting.CharacterSet,
		Username:     creds.User,
		AuthResponse: authResponse,
		PluginName:   pluginName,
	}).Build()
	if err != nil {
		return fmt.Errorf("building handshake response: %w", err)
	}
	if _, err := writer.WritePacket(1, resp); err != nil {
		return fmt.Errorf("writing handshake response: %w", err)
	}

	seq := byte(2)
	for {
		_, reply, err := reader.ReadPacket()
		if err != nil {
			return fmt.Errorf("reading auth reply: %w", err)
		}
		switch {
		case mysql.IsOK(reply):
			return nil
		case mysql.IsErr(reply):
			e, _ := mysql.ParseErr(reply, greeting.Capabilities)
			return fmt.Errorf("probe login rejected: %s", e.Message)
		case mysql.IsAuthSwitchRequest(reply):
			sw, err := mysql.ParseAuthSwitchRequest(reply)
			if err != nil {
				return fmt.Errorf("malformed auth switch: %w", err)
			}
			var switchData1, switchData2 []byte
			if len(sw.PluginData) > 8 {
				switchData1, switchData2 = sw.PluginData[:8], sw.PluginData[8:]
			} else {
				switchData1 = sw.PluginData
			}
			resp, err := answerChallenge(sw.PluginName, creds, switchData1, switchData2)
			if err != nil {
				return fmt.Errorf("answering auth switch: %w", err)
			}
			if _, err := writer.WritePacket(seq, resp); err != nil {
				return fmt.Errorf("writing auth switch response: %w", err)
			}
			seq++
		case mysql.IsAuthMoreData(reply):
			if pluginName == "caching_sha2_password" {
				if err := (auth.CachingSha2Password{}).HandlePacket(reply); err != nil {
					return err
				}
				continue
			}
		default:
			return fmt.Errorf("unexpected packet during probe auth: 0x%02x", reply[0])
		}
	}
}

func answerChallenge(pluginName string, creds Credentials, data1, data2 []byte) ([]byte, error) {
	handler, err := auth.MakeHandler(pluginName, false)
	if err != nil {
		return nil, err
	}
	var sha1sum []byte
	if creds.Password != "" {
		sum := sha1.Sum([]byte(creds.Password))
		sha1sum = sum[:]
	}
	if len(data1)+len(data2) == 20 {
		// The handshake parsers strip the nonce's trailing NUL; the
		// algorithms expect it.
		data2 = append(append([]byte{}, data2...), 0x00)
	}
	resp, err := handler.GenerateResponse(creds.Password, sha1sum, data1, data2)
	if err == nil && handler.Name() == "mysql_clear_password" {
		resp = append(resp, 0x00)
	}
	return resp, err
}

// probeReadOnlyVariable issues the probe query over an authenticated
// connection and inspects its result set for read_only=ON.
func probeReadOnlyVariable(conn net.Conn, reader *mysql.Reader) (bool, error) {
	writer := mysql.NewWriter(conn)
	if _, err := writer.WritePacket(0, mysql.BuildQuery("SHOW GLOBAL VARIABLES LIKE 'read_only'")); err != nil {
		return false, fmt.Errorf("sending probe query: %w", err)
	}

	parser := mysql.NewTextResultsetParser(false)
	for !parser.Done() {
		_, payload, err := reader.ReadPacket()
		if err != nil {
			return false, err
		}
		if mysql.IsErr(payload) {
			return false, nil
		}
		if err := parser.Feed(payload); err != nil {
			return false, err
		}
	}

	for _, row := range parser.Rows {
		if len(row) == 2 && row[1] == "ON" {
			return true, nil
		}
	}
	return false, nil
}
