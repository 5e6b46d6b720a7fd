package mysql

// Packet type markers shared by both directions of the protocol.
const (
	HeaderOK               byte = 0x00
	HeaderEOF              byte = 0xfe
	HeaderErr              byte = 0xff
	HeaderAuthSwitch       byte = 0xfe
	HeaderAuthMoreData     byte = 0x01
)

// Command bytes (COM_*) relevant to the core; the full set is a
// Non-goal beyond what the connection state machine and the health
// checker need to recognize.
const (
	ComQuit          byte = 0x01
	ComInitDB        byte = 0x02
	ComQuery         byte = 0x03
	ComFieldList     byte = 0x04
	ComResetConn     byte = 0x1f
	ComStmtPrepare   byte = 0x16
	ComSetOption     byte = 0x1b
)

// OkPacket is the server's success response.
type OkPacket struct {
	AffectedRows uint64
	LastInsertID uint64
	StatusFlags  uint16
	Warnings     uint16
	Info         string
}

// ErrPacket is the server's failure response.
type ErrPacket struct {
	Code     uint16
	SQLState string
	Message  string
}

// IsOK reports whether the first byte of a packet is the 0x00 OK header.
// The 0xFE-headed OK form is not matched here; IsEOF reports the short
// 0xFE form.
func IsOK(payload []byte) bool {
	return len(payload) > 0 && payload[0] == HeaderOK
}

// IsErr reports whether payload is an ERR_Packet.
func IsErr(payload []byte) bool {
	return len(payload) > 0 && payload[0] == HeaderErr
}

// IsEOF reports whether payload is the short EOF_Packet form (as opposed
// to a long OK payload that happens to start with 0xFE).
func IsEOF(payload []byte) bool {
	return len(payload) > 0 && payload[0] == HeaderEOF && len(payload) < 9
}

// ParseOK decodes an OK_Packet. capabilities gates the optional trailing
// sections exactly as the server negotiated them.
func ParseOK(payload []byte, capabilities Capability) (*OkPacket, error) {
	r := NewFieldReader(payload)
	if _, err := r.Int1(); err != nil { // header (0x00 or 0xFE)
		return nil, err
	}
	ok := &OkPacket{}
	var err error
	if ok.AffectedRows, err = r.LengthEncodedInt(); err != nil {
		return nil, err
	}
	if ok.LastInsertID, err = r.LengthEncodedInt(); err != nil {
		return nil, err
	}
	if capabilities.Has(ClientProtocol41) {
		if ok.StatusFlags, err = r.Int2(); err != nil {
			return nil, err
		}
		if ok.Warnings, err = r.Int2(); err != nil {
			return nil, err
		}
	} else if capabilities.Has(ClientTransactions) {
		if ok.StatusFlags, err = r.Int2(); err != nil {
			return nil, err
		}
	}
	if r.Len() > 0 {
		ok.Info = string(r.RestOfPacket())
	}
	return ok, nil
}

// ParseErr decodes an ERR_Packet.
func ParseErr(payload []byte, capabilities Capability) (*ErrPacket, error) {
	r := NewFieldReader(payload)
	if _, err := r.Int1(); err != nil { // 0xFF marker
		return nil, err
	}
	e := &ErrPacket{}
	var err error
	if e.Code, err = r.Int2(); err != nil {
		return nil, err
	}
	if capabilities.Has(ClientProtocol41) {
		marker, err := r.Int1()
		if err != nil {
			return nil, err
		}
		if marker != '#' {
			return nil, ErrMalformedPacket
		}
		sqlState, err := r.FixedString(5)
		if err != nil {
			return nil, err
		}
		e.SQLState = string(sqlState)
	}
	e.Message = string(r.RestOfPacket())
	return e, nil
}

// BuildOK constructs a minimal OK_Packet payload.
func BuildOK(ok OkPacket, capabilities Capability) []byte {
	w := NewFieldWriter()
	w.Int1(HeaderOK)
	w.LengthEncodedInt(ok.AffectedRows)
	w.LengthEncodedInt(ok.LastInsertID)
	if capabilities.Has(ClientProtocol41) {
		w.Int2(ok.StatusFlags)
		w.Int2(ok.Warnings)
	}
	if ok.Info != "" {
		w.RawBytes([]byte(ok.Info))
	}
	return w.Bytes()
}

// BuildErr constructs an ERR_Packet payload. An empty SQLState defaults
// to "HY000" (general error), matching the forwarding helper's behavior
// in the original implementation.
func BuildErr(e ErrPacket, capabilities Capability) []byte {
	if e.SQLState == "" {
		e.SQLState = "HY000"
	}
	w := NewFieldWriter()
	w.Int1(HeaderErr)
	w.Int2(e.Code)
	if capabilities.Has(ClientProtocol41) {
		w.RawBytes([]byte{'#'})
		sqlState := e.SQLState
		if len(sqlState) > 5 {
			sqlState = sqlState[:5]
		}
		for len(sqlState) < 5 {
			sqlState += "0"
		}
		w.RawBytes([]byte(sqlState))
	}
	w.RawBytes([]byte(e.Message))
	return w.Bytes()
}

// BuildQuery constructs a COM_QUERY payload.
func BuildQuery(sql string) []byte {
	w := NewFieldWriter()
	w.Int1(ComQuery)
	w.RawBytes([]byte(sql))
	return w.Bytes()
}

// AuthSwitchRequest is sent by the server mid-handshake to request a
// different client-side auth plugin.
type AuthSwitchRequest struct {
	PluginName string
	PluginData []byte
}

// IsAuthSwitchRequest reports whether payload is an AuthSwitchRequest
// rather than an OK/ERR/AuthMoreData packet during SERVER_HANDSHAKE.
func IsAuthSwitchRequest(payload []byte) bool {
	return len(payload) > 0 && payload[0] == HeaderAuthSwitch && !IsEOF(payload)
}

// ParseAuthSwitchRequest decodes an AuthSwitchRequest packet.
func ParseAuthSwitchRequest(payload []byte) (*AuthSwitchRequest, error) {
	r := NewFieldReader(payload)
	if _, err := r.Int1(); err != nil {
		return nil, err
	}
	name, err := r.NullTerminatedString()
	if err != nil {
		return nil, err
	}
	data := r.RestOfPacket()
	// the plugin data arrives with a trailing NUL in practice; strip it.
	if len(data) > 0 && data[len(data)-1] == 0x00 {
		data = data[:len(data)-1]
	}
	return &AuthSwitchRequest{PluginName: name, PluginData: append([]byte{}, data...)}, nil
}

// IsAuthMoreData reports whether payload is a caching_sha2_password
// AuthMoreData packet ({0x01, status}).
func IsAuthMoreData(payload []byte) bool {
	return len(payload) >= 1 && payload[0] == HeaderAuthMoreData
}
