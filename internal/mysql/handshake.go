package mysql

// Capability is the handshake capability-flags bitset. Represented as a
// plain uint32 with pure set-algebra methods rather than an enum/virtual
// hierarchy, per the protocol's own bitmap design.
type Capability uint32

const (
	ClientLongPassword               Capability = 0x00000001
	ClientFoundRows                  Capability = 0x00000002
	ClientLongFlag                   Capability = 0x00000004
	ClientConnectWithDB              Capability = 0x00000008
	ClientNoSchema                   Capability = 0x00000010
	ClientCompress                   Capability = 0x00000020
	ClientODBC                       Capability = 0x00000040
	ClientLocalFiles                 Capability = 0x00000080
	ClientIgnoreSpace                Capability = 0x00000100
	ClientProtocol41                 Capability = 0x00000200
	ClientInteractive                Capability = 0x00000400
	ClientSSL                        Capability = 0x00000800
	ClientIgnoreSigpipe              Capability = 0x00001000
	ClientTransactions               Capability = 0x00002000
	ClientReserved                   Capability = 0x00004000
	ClientSecureConnection           Capability = 0x00008000
	ClientMultiStatements            Capability = 0x00010000
	ClientMultiResults               Capability = 0x00020000
	ClientPSMultiResults             Capability = 0x00040000
	ClientPluginAuth                 Capability = 0x00080000
	ClientConnectAttrs               Capability = 0x00100000
	ClientPluginAuthLenencClientData Capability = 0x00200000
	ClientCanHandleExpiredPasswords  Capability = 0x00400000
	ClientSessionTrack               Capability = 0x00800000
	ClientDeprecateEOF               Capability = 0x01000000
	ClientRememberOptions            Capability = 0x80000000
)

// Has reports whether all bits of flag are set in c.
func (c Capability) Has(flag Capability) bool { return c&flag == flag }

// With returns c with flag set.
func (c Capability) With(flag Capability) Capability { return c | flag }

// Without returns c with flag cleared.
func (c Capability) Without(flag Capability) Capability { return c &^ flag }

// proxyServerCapabilities is the fixed capability set this proxy
// advertises in its synthetic HandshakeV10 to clients.
const proxyServerCapabilities = ClientLongPassword | ClientProtocol41 | ClientConnectWithDB |
	ClientSecureConnection | ClientPluginAuth | ClientPluginAuthLenencClientData |
	ClientSessionTrack | ClientDeprecateEOF | ClientTransactions

// HandshakeV10 is the server's initial greeting packet.
type HandshakeV10 struct {
	ProtocolVersion  uint8
	ServerVersion    string
	ThreadID         uint32
	AuthPluginData   []byte // 20 effective bytes (8 + 12), trailing NUL stripped
	Capabilities     Capability
	CharacterSet     uint8
	StatusFlags      uint16
	AuthPluginName   string
}

// BuildHandshakeV10 constructs the payload for a server greeting. The
// proxy's own advertised capability set is fixed; callers only supply
// identity fields and the nonce.
func BuildHandshakeV10(threadID uint32, authPluginData []byte, serverVersion string) []byte {
	if len(authPluginData) < 20 {
		padded := make([]byte, 20)
		copy(padded, authPluginData)
		authPluginData = padded
	}
	w := NewFieldWriter()
	w.Int1(10) // protocol_version
	w.NullTerminatedString(serverVersion)
	w.Int4(threadID)
	w.RawBytes(authPluginData[:8])
	w.Zero(1) // filler
	caps := uint32(proxyServerCapabilities)
	w.Int2(uint16(caps))
	w.Int1(0x21) // character_set: utf8_general_ci
	w.Int2(0x0002)
	w.Int2(uint16(caps >> 16))
	w.Int1(uint8(len(authPluginData) + 1)) // auth_plugin_data_len, +1 for trailing NUL
	w.Zero(10)
	w.RawBytes(authPluginData[8:])
	w.Int1(0x00) // trailing NUL of auth_plugin_data2
	w.NullTerminatedString("mysql_native_password")
	return w.Bytes()
}

// ParseHandshakeV10 decodes a server greeting.
func ParseHandshakeV10(payload []byte) (*HandshakeV10, error) {
	r := NewFieldReader(payload)
	h := &HandshakeV10{}
	var err error
	if h.ProtocolVersion, err = r.Int1(); err != nil {
		return nil, err
	}
	if h.ProtocolVersion != 10 {
		return nil, ErrUnsupportedProtocol
	}
	if h.ServerVersion, err = r.NullTerminatedString(); err != nil {
		return nil, err
	}
	if h.ThreadID, err = r.Int4(); err != nil {
		return nil, err
	}
	data1, err := r.FixedString(8)
	if err != nil {
		return nil, err
	}
	if err := r.Skip(1); err != nil {
		return nil, err
	}
	capLow, err := r.Int2()
	if err != nil {
		return nil, err
	}
	h.CharacterSet, err = r.Int1()
	if err != nil {
		return nil, err
	}
	if h.StatusFlags, err = r.Int2(); err != nil {
		return nil, err
	}
	capHigh, err := r.Int2()
	if err != nil {
		return nil, err
	}
	h.Capabilities = Capability(uint32(capLow) | uint32(capHigh)<<16)

	authPluginDataLen, err := r.Int1()
	if err != nil {
		return nil, err
	}
	if err := r.Skip(10); err != nil {
		return nil, err
	}

	h.AuthPluginData = append([]byte{}, data1...)
	if h.Capabilities.Has(ClientSecureConnection) || h.Capabilities.Has(ClientPluginAuth) {
		n := int(authPluginDataLen) - 8
		if n < 12 {
			n = 12
		}
		data2, err := r.FixedString(n)
		if err != nil {
			return nil, err
		}
		// strip the trailing NUL documented by the protocol
		if len(data2) > 0 && data2[len(data2)-1] == 0x00 {
			data2 = data2[:len(data2)-1]
		}
		h.AuthPluginData = append(h.AuthPluginData, data2...)
	}

	if h.Capabilities.Has(ClientPluginAuth) && r.Len() > 0 {
		h.AuthPluginName, _ = r.NullTerminatedString()
	}

	return h, nil
}

// HandshakeResponse41 is the client's response to HandshakeV10.
type HandshakeResponse41 struct {
	Capabilities   Capability
	MaxPacketSize  uint32
	CharacterSet   uint8
	Username       string
	AuthResponse   []byte
	Database       string
	PluginName     string
}

// ParseHandshakeResponse41 decodes a client login packet. Per §3, the
// database, plugin-name, and attributes sections are each independently
// optional regardless of what the capability bits claim: an early
// end-of-packet in any of them is not an error.
func ParseHandshakeResponse41(payload []byte) (*HandshakeResponse41, error) {
	r := NewFieldReader(payload)
	h := &HandshakeResponse41{}

	capLow, err := r.Int4()
	if err != nil {
		return nil, err
	}
	h.Capabilities = Capability(capLow)

	if h.MaxPacketSize, err = r.Int4(); err != nil {
		return nil, err
	}
	if h.CharacterSet, err = r.Int1(); err != nil {
		return nil, err
	}
	if err := r.Skip(23); err != nil {
		return nil, err
	}
	if h.Username, err = r.NullTerminatedString(); err != nil {
		return nil, err
	}

	if r.Len() == 0 {
		return h, nil
	}
	if h.Capabilities.Has(ClientPluginAuthLenencClientData) {
		h.AuthResponse, err = r.LengthEncodedString()
	} else {
		n, lerr := r.Int1()
		if lerr != nil {
			return h, nil
		}
		h.AuthResponse, err = r.FixedString(int(n))
	}
	if err != nil {
		return h, nil
	}

	if r.Len() == 0 {
		return h, nil
	}
	if h.Capabilities.Has(ClientConnectWithDB) {
		if db, derr := r.NullTerminatedString(); derr == nil {
			h.Database = db
		} else {
			return h, nil
		}
	}

	if r.Len() == 0 {
		return h, nil
	}
	if h.Capabilities.Has(ClientPluginAuth) {
		if name, perr := r.NullTerminatedString(); perr == nil {
			h.PluginName = name
		}
	}

	return h, nil
}

// NullTerminatedString2 reads a NUL-terminated byte string (the
// auth_response variant used by pre-4.1.1 clients that negotiate neither
// SECURE_CONNECTION nor PLUGIN_AUTH_LENENC_CLIENT_DATA).
func (r *FieldReader) NullTerminatedString2() ([]byte, error) {
	s, err := r.NullTerminatedString()
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// HandshakeResponse41Builder captures the policy-supplied credentials
// used to build the proxy's own login packet to the backend.
type HandshakeResponse41Builder struct {
	ClientFlag   Capability
	MaxPacket    uint32
	CharacterSet uint8
	Username     string
	AuthResponse []byte
	Database     string
	PluginName   string
}

// Build normalizes capabilities per §4.3: forces PROTOCOL_41, clears the
// capabilities this proxy never implements downstream (SSL, COMPRESS,
// SECURE_CONNECTION, PLUGIN_AUTH, PLUGIN_AUTH_LENENC_CLIENT_DATA,
// CONNECT_ATTRS, CONNECT_WITH_DB), then reapplies CONNECT_WITH_DB and the
// plugin-auth bits iff the corresponding fields are non-empty. This
// ensures the proxy never promises a capability it has not implemented.
func (b HandshakeResponse41Builder) Build() ([]byte, error) {
	caps := b.ClientFlag
	caps = caps.With(ClientProtocol41)
	caps = caps.Without(ClientConnectWithDB | ClientCompress | ClientSSL |
		ClientSecureConnection | ClientPluginAuth | ClientPluginAuthLenencClientData |
		ClientConnectAttrs)

	if b.Database != "" {
		caps = caps.With(ClientConnectWithDB)
	}
	if b.PluginName != "" {
		caps = caps.With(ClientPluginAuth | ClientPluginAuthLenencClientData)
	}

	w := NewFieldWriter()
	w.Int4(uint32(caps))
	w.Int4(b.MaxPacket)
	w.Int1(b.CharacterSet)
	w.Zero(23)
	w.NullTerminatedString(b.Username)

	if caps.Has(ClientPluginAuthLenencClientData) {
		w.LengthEncodedString(b.AuthResponse)
	} else {
		w.Int1(uint8(len(b.AuthResponse)))
		w.RawBytes(b.AuthResponse)
	}

	if caps.Has(ClientConnectWithDB) {
		w.NullTerminatedString(b.Database)
	}
	if caps.Has(ClientPluginAuth) {
		w.NullTerminatedString(b.PluginName)
	}

	out := w.Bytes()
	if len(out) > MaxPayloadLen {
		return nil, ErrPacketTooLarge
	}
	return out, nil
}
