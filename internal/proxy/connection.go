package proxy

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/cm4all/myproxy/internal/cluster"
	"github.com/cm4all/myproxy/internal/metrics"
	"github.com/cm4all/myproxy/internal/mysql"
	"github.com/cm4all/myproxy/internal/mysql/auth"
	"github.com/cm4all/myproxy/internal/policy"
	"github.com/cm4all/myproxy/internal/resolver"
)

// ConnState names the Connection state machine's states (component F).
type ConnState int

const (
	StateAwaitClientHR ConnState = iota
	StatePolicyPending
	StateServerConnecting
	StateServerHandshake
	StateCommandPhase
	StateDelayed
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateAwaitClientHR:
		return "AWAIT_CLIENT_HR"
	case StatePolicyPending:
		return "POLICY_PENDING"
	case StateServerConnecting:
		return "SERVER_CONNECTING"
	case StateServerHandshake:
		return "SERVER_HANDSHAKE"
	case StateCommandPhase:
		return "COMMAND_PHASE"
	case StateDelayed:
		return "DELAYED"
	default:
		return "CLOSING"
	}
}

const (
	idlePeerTimeout  = 60 * time.Second
	backendDialDelay = 30 * time.Second

	// slowQueryThreshold flags a query as slow for the backend_slow_queries_total
	// counter; matches the teacher's QueryDuration-based reasoning in proxy/mysql.go.
	slowQueryThreshold = time.Second

	// OK_Packet status flag bits relevant to the no-index-use metrics
	// (protocol-defined, not myproxy-specific).
	statusNoGoodIndexUsed uint16 = 0x0010
	statusNoIndexUsed     uint16 = 0x0020
)

// Deps bundles a Connection's collaborators, built once at startup and
// shared by every accepted connection.
type Deps struct {
	Cluster       *cluster.Cluster
	Policy        *policy.Hook
	Resolver      *resolver.Resolver
	Metrics       *metrics.Collector
	ServerVersion string
}

// Connection runs one client's session end to end: client handshake,
// policy-hook routing decision, backend handshake, and command-phase
// relay. Grounded on the teacher's MySQLHandler.Handle in proxy/mysql.go,
// generalized from "synthetic-handshake-then-pool-acquire" to
// "synthetic-handshake-then-policy-hook-then-dial" (§4.6).
type Connection struct {
	id       uint64
	deps     *Deps
	client   net.Conn
	server   net.Conn
	state    ConnState
	account  atomic.Value // string
	reqStart atomic.Int64 // UnixNano of the in-flight query's start, 0 if none
	backend  string
	timer    *time.Timer // single per-connection delay timer (§9 "Delay and timers")
}

// NewConnection wraps an accepted client socket.
func NewConnection(id uint64, clientConn net.Conn, deps *Deps) *Connection {
	c := &Connection{id: id, deps: deps, client: clientConn, state: StateAwaitClientHR}
	c.account.Store("")
	return c
}

// Account returns the account label the policy hook assigned, or "" if
// the connection never reached POLICY_PENDING successfully. Used by the
// admin control plane's DISCONNECT_DATABASE.
func (c *Connection) Account() string {
	v, _ := c.account.Load().(string)
	return v
}

// Close tears down both sockets.
func (c *Connection) Close() {
	if c.client != nil {
		c.client.Close()
	}
	if c.server != nil {
		c.server.Close()
	}
}

// Run drives the connection through every state until CLOSING. The
// returned error is for logging only — by the time it surfaces the
// client has already either been told ERR or has simply lost its
// connection, matching the "one backend failure does not leak which
// backend was chosen" rationale in §4.6.
func (c *Connection) Run(ctx context.Context) error {
	defer c.Close()

	if tc, ok := c.client.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	reader := mysql.NewReader(c.client)
	writer := mysql.NewWriter(c.client)

	hr, hrSeq, err := c.awaitClientHR(reader, writer)
	if err != nil {
		return fmt.Errorf("client handshake: %w", err)
	}
	c.deps.Metrics.ClientHandshakeResponse()

	c.state = StatePolicyPending
	action, client, err := c.runPolicy(ctx, hr)
	if err != nil {
		slog.Error("policy hook failed", "connection", c.id, "err", err)
		c.deps.Metrics.LuaError()
		action = policy.Action{Err: &policy.ErrAction{Msg: "policy error"}}
	}

	action, err = c.applyDelay(ctx, action)
	if err != nil {
		return fmt.Errorf("delay: %w", err)
	}
	c.state = StatePolicyPending

	replySeq := hrSeq + 1
	if action.Err != nil {
		c.deps.Metrics.ClientAuthErr()
		writer.WritePacket(replySeq, mysql.BuildErr(mysql.ErrPacket{
			Code:    1045,
			Message: action.Err.Msg,
		}, hr.Capabilities))
		c.state = StateClosing
		return nil
	}

	c.deps.Metrics.ClientAuthOK()
	c.account.Store(connectAccount(action, client))
	if _, err := writer.WritePacket(replySeq, mysql.BuildOK(mysql.OkPacket{}, hr.Capabilities)); err != nil {
		return fmt.Errorf("finalizing client login: %w", err)
	}

	c.state = StateServerConnecting
	connectAction := action.Connect
	if err := c.connectBackend(ctx, connectAction); err != nil {
		return fmt.Errorf("connecting backend: %w", err)
	}
	defer c.server.Close()

	c.state = StateServerHandshake
	if err := c.backendHandshake(ctx, connectAction); err != nil {
		return fmt.Errorf("backend handshake: %w", err)
	}

	c.state = StateCommandPhase
	return c.commandPhase(ctx, reader, writer, hr.Capabilities)
}

// awaitClientHR writes the synthetic HandshakeV10 and reads the client's
// HandshakeResponse41.
func (c *Connection) awaitClientHR(reader *mysql.Reader, writer *mysql.Writer) (*mysql.HandshakeResponse41, byte, error) {
	nonce := make([]byte, 20)
	if _, err := rand.Read(nonce); err != nil {
		return nil, 0, fmt.Errorf("generating auth nonce: %w", err)
	}
	for i := range nonce {
		if nonce[i] == 0 {
			nonce[i] = 1
		}
	}

	greeting := mysql.BuildHandshakeV10(uint32(c.id), nonce, c.deps.ServerVersion)
	if _, err := writer.WritePacket(0, greeting); err != nil {
		return nil, 0, fmt.Errorf("writing greeting: %w", err)
	}

	seq, payload, err := reader.ReadPacket()
	if err != nil {
		return nil, 0, fmt.Errorf("reading handshake response: %w", err)
	}
	c.deps.Metrics.ClientPacketReceived()
	c.deps.Metrics.ClientBytesReceived(len(payload))

	hr, err := mysql.ParseHandshakeResponse41(payload)
	if err != nil {
		c.deps.Metrics.ClientMalformedPacket()
		return nil, 0, fmt.Errorf("malformed handshake response: %w", err)
	}
	return hr, seq, nil
}

// connectAccount picks the connection's account label: a script-assigned
// client:set_account(...) label takes precedence (§4.6's "mutable account
// label" contract for admin DISCONNECT_DATABASE targeting), falling back
// to the backend login username when the script never set one.
func connectAccount(action policy.Action, client *policy.Client) string {
	if client != nil && client.Account != "" {
		return client.Account
	}
	if action.Connect == nil {
		return ""
	}
	return action.Connect.User
}

// runPolicy builds the Client descriptor and resumes the policy hook. The
// Client pointer is returned alongside the Action so callers can observe
// fields the script mutated in place (Account, Notes) after Resume
// returns. Peer-credential fields (pid/uid/gid/cgroup) are left at their
// zero values: populating them requires SO_PEERCRED over a Unix-domain
// listener socket, which needs golang.org/x/sys/unix — a dependency this
// proxy only ever pulls in indirectly (via prometheus/procfs), not
// imported directly anywhere, so wiring it for this one field would
// violate the "go.mod lists only deps your code imports" rule. Scripts
// can still reach every other Client field.
func (c *Connection) runPolicy(ctx context.Context, hr *mysql.HandshakeResponse41) (policy.Action, *policy.Client, error) {
	client := &policy.Client{
		Address:       c.client.RemoteAddr().String(),
		Username:      hr.Username,
		Database:      hr.Database,
		ServerVersion: c.deps.ServerVersion,
	}
	action, err := c.deps.Policy.Resume(ctx, client)
	return action, client, err
}

// applyDelay resolves a chain of client:delay(ms) calls: each time the
// script's returned Action carries a Delay, the FSM enters DELAYED,
// unschedules the client read implicitly (Run is blocked here, not
// reading), arms the timer, and on fire applies the wrapped Then action.
// Only one timer is ever outstanding at a time, matching §9's "at most
// one outstanding delay" rule — Reset reuses the same *time.Timer rather
// than starting a second one.
func (c *Connection) applyDelay(ctx context.Context, action policy.Action) (policy.Action, error) {
	for action.Delay != nil {
		c.state = StateDelayed
		d := time.Duration(action.Delay.Millis) * time.Millisecond
		if c.timer == nil {
			c.timer = time.NewTimer(d)
		} else {
			if !c.timer.Stop() {
				<-c.timer.C
			}
			c.timer.Reset(d)
		}

		select {
		case <-c.timer.C:
		case <-ctx.Done():
			return policy.Action{}, ctx.Err()
		}

		action = action.Delay.Then
	}
	return action, nil
}

// connectBackend resolves and dials the policy-chosen address; when the
// hook gives no address it falls back to the cluster's rendezvous pick,
// keyed on the backend user name.
func (c *Connection) connectBackend(ctx context.Context, action *policy.ConnectAction) error {
	dialCtx, cancel := context.WithTimeout(ctx, backendDialDelay)
	defer cancel()

	target := action.Address
	if target == "" {
		picked, err := c.deps.Cluster.Pick(action.User)
		if err != nil {
			return fmt.Errorf("picking cluster node: %w", err)
		}
		target = picked
	}

	addr, err := c.deps.Resolver.Resolve(dialCtx, target)
	if err != nil {
		c.deps.Metrics.BackendConnectError(target)
		return fmt.Errorf("resolving %q: %w", target, err)
	}
	c.backend = addr

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		c.deps.Metrics.BackendConnectError(addr)
		return fmt.Errorf("dialing %q: %w", addr, err)
	}
	c.server = conn
	c.deps.Metrics.BackendConnect(addr)
	return nil
}

// backendHandshake performs the server-facing login: read Handshake,
// pick an auth algorithm by plugin name, answer it (handling any
// AuthSwitchRequests), and wait for OK.
func (c *Connection) backendHandshake(ctx context.Context, action *policy.ConnectAction) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.server.SetDeadline(deadline)
	}
	defer c.server.SetDeadline(time.Time{})

	reader := mysql.NewReader(c.server)
	writer := mysql.NewWriter(c.server)

	_, payload, err := reader.ReadPacket()
	if err != nil {
		return fmt.Errorf("reading server handshake: %w", err)
	}
	greeting, err := mysql.ParseHandshakeV10(payload)
	if err != nil {
		return fmt.Errorf("parsing server handshake: %w", err)
	}

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

	authResponse, err := c.answerChallenge(pluginName, action, data1, data2)
	if err != nil {
		return fmt.Errorf("generating auth response: %w", err)
	}

	resp, err := (mysql.HandshakeResponse41Builder{
		ClientFlag:   greeting.Capabilities,
		MaxPacket:    mysql.MaxPayloadLen,
		CharacterSet: greeting.CharacterSet,
		Username:     action.User,
		AuthResponse: authResponse,
		Database:     action.Database,
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
			return fmt.Errorf("backend rejected login: %s", e.Message)
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
			resp, err := c.answerChallenge(sw.PluginName, action, switchData1, switchData2)
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
			return fmt.Errorf("unexpected packet during backend auth: 0x%02x", reply[0])
		}
	}
}

func (c *Connection) answerChallenge(pluginName string, action *policy.ConnectAction, data1, data2 []byte) ([]byte, error) {
	handler, err := auth.MakeHandler(pluginName, false)
	if err != nil {
		return nil, err
	}
	sha1sum := action.PasswordSHA1
	if sha1sum == nil && action.Password != "" {
		sum := sha1.Sum([]byte(action.Password))
		sha1sum = sum[:]
	}
	if len(data1)+len(data2) == 20 {
		// The handshake parsers strip the nonce's trailing NUL; the
		// algorithms expect it.
		data2 = append(append([]byte{}, data2...), 0x00)
	}
	resp, err := handler.GenerateResponse(action.Password, sha1sum, data1, data2)
	if err == nil && handler.Name() == "mysql_clear_password" {
		resp = append(resp, 0x00)
	}
	return resp, err
}

// commandPhase relays packets bidirectionally, tracking per-query wait
// time (§4.6's request_time rule) via two Peer-mediated Relay loops.
func (c *Connection) commandPhase(ctx context.Context, clientReader *mysql.Reader, clientWriter *mysql.Writer, capabilities mysql.Capability) error {
	clientPeer := &Peer{conn: c.client, reader: clientReader, writer: clientWriter, idleTimeout: idlePeerTimeout}
	serverPeer := NewPeer(c.server, idlePeerTimeout)

	errCh := make(chan error, 2)

	go func() {
		errCh <- Relay(ctx, clientPeer, serverPeer, func(seq byte, payload []byte) (Result, error) {
			c.deps.Metrics.ClientPacketReceived()
			c.deps.Metrics.ClientBytesReceived(len(payload))
			if len(payload) > 0 && payload[0] == mysql.ComQuery {
				c.reqStart.Store(time.Now().UnixNano())
				c.deps.Metrics.ClientQuery()
				c.deps.Metrics.BackendQuery(c.backend)
			}
			return ResultForward, nil
		})
	}()

	go func() {
		errCh <- Relay(ctx, serverPeer, clientPeer, func(seq byte, payload []byte) (Result, error) {
			c.deps.Metrics.BackendPacketReceived(c.backend)
			c.deps.Metrics.BackendBytesReceived(c.backend, len(payload))
			if mysql.IsErr(payload) {
				c.deps.Metrics.BackendQueryError(c.backend)
			}
			if !(mysql.IsOK(payload) || mysql.IsErr(payload) || mysql.IsEOF(payload)) {
				return ResultForward, nil
			}
			if start := c.reqStart.Swap(0); start != 0 {
				wait := time.Since(time.Unix(0, start))
				c.deps.Metrics.BackendQueryWait(c.backend, wait.Seconds())
				if wait > slowQueryThreshold {
					c.deps.Metrics.BackendSlowQuery(c.backend)
				}
				if ok, err := mysql.ParseOK(payload, capabilities); err == nil && mysql.IsOK(payload) {
					c.deps.Metrics.BackendAffectedRows(c.backend, ok.AffectedRows)
					if ok.StatusFlags&statusNoGoodIndexUsed != 0 {
						c.deps.Metrics.BackendNoGoodIndex(c.backend)
					}
					if ok.StatusFlags&statusNoIndexUsed != 0 {
						c.deps.Metrics.BackendNoIndex(c.backend)
					}
					if ok.Warnings > 0 {
						c.deps.Metrics.BackendQueryWarning(c.backend)
					}
				}
			}
			return ResultForward, nil
		})
	}()

	err := <-errCh
	c.Close()
	<-errCh
	if err != nil {
		slog.Debug("connection relay ended", "connection", c.id, "account", c.Account(), "err", err)
	}
	return nil
}
