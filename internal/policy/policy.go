// Package policy adapts the connection state machine's POLICY_PENDING
// suspension point (component I) to an embedded Lua script, the same
// mechanism the original implementation uses (a real Lua coroutine)
// rather than a hand-rolled callback protocol. gravitational-teleport's
// dependency graph already carries github.com/yuin/gopher-lua for its
// own scripting surface, making it the pack-grounded choice here.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Client is the descriptor handed to the policy script for one
// connection: address, negotiated identity, and a mutable Account label
// plus free-form Notes the script may set for the benefit of later
// stages (health-aware routing, admin disconnects by account).
type Client struct {
	Address       string
	Account       string
	Notes         map[string]string
	PID           int
	UID           int
	GID           int
	HasPeerCreds  bool
	Cgroup        string
	ServerVersion string
	Username      string
	Database      string

	// delayMillis accumulates a pending client:delay(ms) call so the next
	// client:err/client:connect call can fold it into the returned Action.
	delayMillis int
}

// ConnectAction is returned by a successful policy decision.
type ConnectAction struct {
	Address      string
	User         string
	Password     string
	PasswordSHA1 []byte
	Database     string
}

// ErrAction is returned when the policy rejects the connection.
type ErrAction struct {
	Msg string
}

// DelayAction is returned when the script calls client:delay(ms) before
// its final err/connect call. The FSM arms a timer for Millis and, once
// it fires, applies Then — the action the script actually decided on.
type DelayAction struct {
	Millis int
	Then   Action
}

// Action is the sum type the hook resumes the FSM with — exactly one of
// Err, Connect, or Delay is set.
type Action struct {
	Err     *ErrAction
	Connect *ConnectAction
	Delay   *DelayAction
}

const clientMetatableName = "myproxy.client"

// Hook loads a single Lua chunk exposing a global `policy(client)`
// function and evaluates it once per connection. One *lua.LState is used
// per concurrent call rather than shared, since gopher-lua states are
// not safe for concurrent use; a sync.Pool amortizes the cost of
// re-loading the chunk on every connection.
type Hook struct {
	scriptPath string
	pool       sync.Pool
}

// Load reads and compiles the policy script at path, failing fast if it
// has a syntax error rather than deferring that to the first connection.
func Load(path string) (*Hook, error) {
	h := &Hook{scriptPath: path}
	l := lua.NewState()
	defer l.Close()
	if err := l.DoFile(path); err != nil {
		return nil, fmt.Errorf("policy: loading %s: %w", path, err)
	}

	h.pool.New = func() any {
		st := lua.NewState()
		if err := st.DoFile(path); err != nil {
			// Load already validated the script; a failure here means
			// the file changed or disappeared underneath us.
			slog.Error("policy: reloading script failed", "path", path, "err", err)
			st.Close()
			return nil
		}
		return st
	}
	return h, nil
}

// Resume evaluates the policy script against client and returns the
// single Action it produced. "One resume delivers one Action; a second
// resume is a bug" (§9) holds structurally here: the Lua call returns at
// most one value, and client:err/client:connect each just build and
// return that value rather than reaching back into the FSM themselves.
func (h *Hook) Resume(ctx context.Context, client *Client) (Action, error) {
	v := h.pool.Get()
	st, ok := v.(*lua.LState)
	if !ok || st == nil {
		return Action{}, fmt.Errorf("policy: script %s unavailable", h.scriptPath)
	}
	running := false
	defer func() {
		if !running {
			h.pool.Put(st)
		}
	}()

	ud := st.NewUserData()
	ud.Value = client
	mt := st.NewTypeMetatable(clientMetatableName)
	st.SetField(mt, "__index", st.SetFuncs(st.NewTable(), clientMethods))
	ud.Metatable = mt

	fn := st.GetGlobal("policy")
	if fn.Type() != lua.LTFunction {
		return Action{}, fmt.Errorf("policy: script %s does not define policy(client)", h.scriptPath)
	}

	done := make(chan struct{})
	var ret lua.LValue
	var callErr error
	go func() {
		defer close(done)
		callErr = st.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, ud)
		if callErr == nil {
			ret = st.Get(-1)
			st.Pop(1)
		}
	}()

	select {
	case <-ctx.Done():
		// The script is still executing on st, so it is not returned to
		// the pool.
		running = true
		return Action{}, ctx.Err()
	case <-done:
	}

	if callErr != nil {
		return Action{}, fmt.Errorf("policy: script error: %w", callErr)
	}
	return decodeAction(ret)
}

func decodeAction(v lua.LValue) (Action, error) {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return Action{}, fmt.Errorf("policy: script must return client:err(...) or client:connect(...)")
	}
	action, err := decodeActionTable(tbl)
	if err != nil {
		return Action{}, err
	}
	if ms, ok := tbl.RawGetString("delay_ms").(lua.LNumber); ok && ms > 0 {
		return Action{Delay: &DelayAction{Millis: int(ms), Then: action}}, nil
	}
	return action, nil
}

func decodeActionTable(tbl *lua.LTable) (Action, error) {
	kind := lua.LVAsString(tbl.RawGetString("kind"))
	switch kind {
	case "err":
		return Action{Err: &ErrAction{Msg: lua.LVAsString(tbl.RawGetString("msg"))}}, nil
	case "connect":
		var shaBytes []byte
		if sha, ok := tbl.RawGetString("password_sha1").(lua.LString); ok && sha != "" {
			shaBytes = []byte(sha)
		}
		return Action{Connect: &ConnectAction{
			Address:      lua.LVAsString(tbl.RawGetString("address")),
			User:         lua.LVAsString(tbl.RawGetString("user")),
			Password:     lua.LVAsString(tbl.RawGetString("password")),
			PasswordSHA1: shaBytes,
			Database:     lua.LVAsString(tbl.RawGetString("database")),
		}}, nil
	default:
		return Action{}, fmt.Errorf("policy: unrecognized action kind %q", kind)
	}
}

var clientMethods = map[string]lua.LGFunction{
	"err":     luaClientErr,
	"connect": luaClientConnect,
	"delay":   luaClientDelay,
}

func checkClient(st *lua.LState) *Client {
	ud := st.CheckUserData(1)
	c, _ := ud.Value.(*Client)
	return c
}

func luaClientErr(st *lua.LState) int {
	c := checkClient(st)
	msg := st.CheckString(2)
	tbl := st.NewTable()
	tbl.RawSetString("kind", lua.LString("err"))
	tbl.RawSetString("msg", lua.LString(msg))
	if c.delayMillis > 0 {
		tbl.RawSetString("delay_ms", lua.LNumber(c.delayMillis))
	}
	st.Push(tbl)
	return 1
}

func luaClientConnect(st *lua.LState) int {
	c := checkClient(st)
	address := st.CheckString(2)
	opts := st.OptTable(3, st.NewTable())

	tbl := st.NewTable()
	tbl.RawSetString("kind", lua.LString("connect"))
	tbl.RawSetString("address", lua.LString(address))
	tbl.RawSetString("user", opts.RawGetString("user"))
	tbl.RawSetString("password", opts.RawGetString("password"))
	tbl.RawSetString("password_sha1", opts.RawGetString("password_sha1"))
	tbl.RawSetString("database", opts.RawGetString("database"))
	if c.delayMillis > 0 {
		tbl.RawSetString("delay_ms", lua.LNumber(c.delayMillis))
	}
	st.Push(tbl)
	return 1
}

// luaClientDelay implements client:delay(ms), which arms the FSM's
// per-connection timer (§4.6's "any -> DELAYED" transition) before the
// script's next err/connect call is applied. It returns client itself so
// scripts can chain, e.g. client:delay(500):connect(...).
func luaClientDelay(st *lua.LState) int {
	c := checkClient(st)
	c.delayMillis = st.CheckInt(2)
	st.Push(st.CheckUserData(1))
	return 1
}

// Client fields are exposed to scripts as accessor methods
// (client:address(), client:account(), client:note(key), ...) in the same
// __index table that Resume builds for err/connect/delay, not as plain
// fields.
func init() {
	clientMethods["address"] = func(st *lua.LState) int { st.Push(lua.LString(checkClient(st).Address)); return 1 }
	clientMethods["account"] = func(st *lua.LState) int { st.Push(lua.LString(checkClient(st).Account)); return 1 }
	clientMethods["username"] = func(st *lua.LState) int { st.Push(lua.LString(checkClient(st).Username)); return 1 }
	clientMethods["database"] = func(st *lua.LState) int { st.Push(lua.LString(checkClient(st).Database)); return 1 }
	clientMethods["server_version"] = func(st *lua.LState) int { st.Push(lua.LString(checkClient(st).ServerVersion)); return 1 }
	clientMethods["cgroup"] = func(st *lua.LState) int { st.Push(lua.LString(checkClient(st).Cgroup)); return 1 }
	clientMethods["note"] = func(st *lua.LState) int {
		c := checkClient(st)
		key := st.CheckString(2)
		st.Push(lua.LString(c.Notes[key]))
		return 1
	}
	clientMethods["set_note"] = func(st *lua.LState) int {
		c := checkClient(st)
		key := st.CheckString(2)
		val := st.CheckString(3)
		if c.Notes == nil {
			c.Notes = make(map[string]string)
		}
		c.Notes[key] = val
		return 0
	}
	clientMethods["set_account"] = func(st *lua.LState) int {
		c := checkClient(st)
		c.Account = st.CheckString(2)
		return 0
	}
}
