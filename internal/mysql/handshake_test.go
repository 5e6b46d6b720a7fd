package mysql

import (
	"bytes"
	"testing"
)

func TestBuildParseHandshakeV10RoundTrip(t *testing.T) {
	nonce := bytes.Repeat([]byte{0x42}, 20)
	payload := BuildHandshakeV10(7, nonce, "8.0.34-myproxy")

	h, err := ParseHandshakeV10(payload)
	if err != nil {
		t.Fatalf("ParseHandshakeV10: %v", err)
	}
	if h.ProtocolVersion != 10 {
		t.Errorf("protocol version = %d, want 10", h.ProtocolVersion)
	}
	if h.ServerVersion != "8.0.34-myproxy" {
		t.Errorf("server version = %q", h.ServerVersion)
	}
	if h.ThreadID != 7 {
		t.Errorf("thread id = %d, want 7", h.ThreadID)
	}
	if len(h.AuthPluginData) != 20 {
		t.Fatalf("auth plugin data length = %d, want 20", len(h.AuthPluginData))
	}
	if !bytes.Equal(h.AuthPluginData, nonce) {
		t.Errorf("auth plugin data = %x, want %x", h.AuthPluginData, nonce)
	}
	if h.AuthPluginName != "mysql_native_password" {
		t.Errorf("auth plugin name = %q", h.AuthPluginName)
	}
}

func TestParseHandshakeV10RejectsUnsupportedProtocol(t *testing.T) {
	payload := append([]byte{9}, []byte("5.7\x00")...)
	if _, err := ParseHandshakeV10(payload); err != ErrUnsupportedProtocol {
		t.Fatalf("got %v, want ErrUnsupportedProtocol", err)
	}
}

func buildHandshakeResponse41(caps Capability, username, database, plugin string, authResponse []byte) []byte {
	w := NewFieldWriter()
	w.Int4(uint32(caps))
	w.Int4(1 << 24)
	w.Int1(33)
	w.Zero(23)
	w.NullTerminatedString(username)
	if caps.Has(ClientPluginAuthLenencClientData) {
		w.LengthEncodedString(authResponse)
	} else {
		w.Int1(uint8(len(authResponse)))
		w.RawBytes(authResponse)
	}
	if caps.Has(ClientConnectWithDB) {
		w.NullTerminatedString(database)
	}
	if caps.Has(ClientPluginAuth) {
		w.NullTerminatedString(plugin)
	}
	return w.Bytes()
}

func TestParseHandshakeResponse41FullPacket(t *testing.T) {
	caps := ClientProtocol41 | ClientSecureConnection | ClientPluginAuth | ClientConnectWithDB
	payload := buildHandshakeResponse41(caps, "root", "app", "mysql_native_password", []byte{1, 2, 3, 4})

	hr, err := ParseHandshakeResponse41(payload)
	if err != nil {
		t.Fatalf("ParseHandshakeResponse41: %v", err)
	}
	if hr.Username != "root" || hr.Database != "app" || hr.PluginName != "mysql_native_password" {
		t.Fatalf("got %+v", hr)
	}
	if !bytes.Equal(hr.AuthResponse, []byte{1, 2, 3, 4}) {
		t.Errorf("auth response = %x", hr.AuthResponse)
	}
}

func TestParseHandshakeResponse41TolerantOfMissingOptionalSections(t *testing.T) {
	caps := ClientProtocol41 | ClientSecureConnection
	payload := buildHandshakeResponse41(caps, "root", "", "", []byte{9, 9})

	hr, err := ParseHandshakeResponse41(payload)
	if err != nil {
		t.Fatalf("ParseHandshakeResponse41: %v", err)
	}
	if hr.Username != "root" {
		t.Errorf("username = %q", hr.Username)
	}
	if hr.Database != "" || hr.PluginName != "" {
		t.Errorf("expected no database/plugin, got %+v", hr)
	}
}

func TestHandshakeResponse41BuilderNormalizesCapabilities(t *testing.T) {
	b := HandshakeResponse41Builder{
		ClientFlag:   ClientSSL | ClientCompress | ClientConnectAttrs,
		Username:     "app_user",
		AuthResponse: []byte{1, 2, 3},
		Database:     "orders",
	}
	out, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	got, err := ParseHandshakeResponse41(out)
	if err != nil {
		t.Fatalf("re-parsing built response: %v", err)
	}
	if got.Capabilities.Has(ClientSSL) || got.Capabilities.Has(ClientCompress) {
		t.Errorf("capabilities %v still carry SSL/COMPRESS", got.Capabilities)
	}
	if !got.Capabilities.Has(ClientProtocol41) {
		t.Error("PROTOCOL_41 must always be set")
	}
	if !got.Capabilities.Has(ClientConnectWithDB) {
		t.Error("CONNECT_WITH_DB should be reapplied since Database is non-empty")
	}
	if got.Capabilities.Has(ClientPluginAuth) {
		t.Error("PLUGIN_AUTH should not be set when PluginName is empty")
	}
	if got.Database != "orders" {
		t.Errorf("database = %q", got.Database)
	}
}

func TestHandshakeResponse41BuilderReappliesPluginAuthWhenNamed(t *testing.T) {
	b := HandshakeResponse41Builder{
		AuthResponse: []byte{1},
		PluginName:   "caching_sha2_password",
	}
	out, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got, err := ParseHandshakeResponse41(out)
	if err != nil {
		t.Fatalf("re-parsing: %v", err)
	}
	if got.PluginName != "caching_sha2_password" {
		t.Errorf("plugin name = %q", got.PluginName)
	}
	if !got.Capabilities.Has(ClientPluginAuth) {
		t.Error("PLUGIN_AUTH should be set when PluginName is non-empty")
	}
}
