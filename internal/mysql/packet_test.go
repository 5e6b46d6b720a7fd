package mysql

import (
	"net"
	"testing"
)

func TestWriterReaderFramingRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	w := NewWriter(client)
	r := NewReader(server)

	done := make(chan error, 1)
	go func() {
		_, err := w.WritePacket(0, []byte("select 1"))
		done <- err
	}()

	seq, payload, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if seq != 0 || string(payload) != "select 1" {
		t.Fatalf("got seq=%d payload=%q", seq, payload)
	}
}

func TestWriterSequenceWrapsModulo256(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	w := NewWriter(client)
	next := make(chan byte, 1)
	go func() {
		nextSeq, _ := w.WritePacket(255, []byte("x"))
		next <- nextSeq
	}()

	r := NewReader(server)
	seq, _, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if seq != 255 {
		t.Fatalf("expected seq 255, got %d", seq)
	}

	if nextSeq := <-next; nextSeq != 0 {
		t.Fatalf("expected next seq to wrap to 0, got %d", nextSeq)
	}
}

func TestReadLogicalPacketReassemblesFragments(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	big := make([]byte, MaxPayloadLen)
	for i := range big {
		big[i] = byte(i)
	}
	extra := []byte("tail")
	payload := append(append([]byte{}, big...), extra...)

	go func() {
		NewWriter(client).WritePacket(0, payload)
	}()

	_, got, err := NewReader(server).ReadLogicalPacket()
	if err != nil {
		t.Fatalf("ReadLogicalPacket: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("got %d bytes, want %d", len(got), len(payload))
	}
	if string(got[len(big):]) != "tail" {
		t.Fatalf("tail mismatch: %q", got[len(big):])
	}
}
