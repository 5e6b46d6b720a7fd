package mysql

import "testing"

func TestFieldWriterReaderRoundTripFixedInts(t *testing.T) {
	w := NewFieldWriter()
	w.Int1(0x7f).Int2(0x1234).Int3(0x010203).Int4(0xdeadbeef).Int8(0x0102030405060708)
	r := NewFieldReader(w.Bytes())

	if v, err := r.Int1(); err != nil || v != 0x7f {
		t.Fatalf("Int1: got %v, %v", v, err)
	}
	if v, err := r.Int2(); err != nil || v != 0x1234 {
		t.Fatalf("Int2: got %v, %v", v, err)
	}
	if v, err := r.Int3(); err != nil || v != 0x010203 {
		t.Fatalf("Int3: got %v, %v", v, err)
	}
	if v, err := r.Int4(); err != nil || v != 0xdeadbeef {
		t.Fatalf("Int4: got %v, %v", v, err)
	}
	if v, err := r.Int8(); err != nil || v != 0x0102030405060708 {
		t.Fatalf("Int8: got %v, %v", v, err)
	}
}

func TestLengthEncodedIntRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 250, 251, 65535, 65536, 1 << 24, 1<<32 + 7}
	for _, v := range values {
		w := NewFieldWriter()
		w.LengthEncodedInt(v)
		r := NewFieldReader(w.Bytes())
		got, err := r.LengthEncodedInt()
		if err != nil {
			t.Fatalf("value %d: unexpected error: %v", v, err)
		}
		if got != v {
			t.Errorf("value %d: round-tripped as %d", v, got)
		}
		if r.Len() != 0 {
			t.Errorf("value %d: %d trailing bytes", v, r.Len())
		}
	}
}

func TestLengthEncodedIntRejectsNullMarker(t *testing.T) {
	r := NewFieldReader([]byte{0xfb})
	if _, err := r.LengthEncodedInt(); err == nil {
		t.Fatal("expected error decoding the NULL marker (0xfb) as an integer")
	}
}

func TestLengthEncodedStringRoundTrip(t *testing.T) {
	w := NewFieldWriter()
	w.LengthEncodedString([]byte("hello, world"))
	w.LengthEncodedString(nil)
	r := NewFieldReader(w.Bytes())

	got, err := r.LengthEncodedString()
	if err != nil || string(got) != "hello, world" {
		t.Fatalf("got %q, %v", got, err)
	}
	got, err = r.LengthEncodedString()
	if err != nil || len(got) != 0 {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestNullTerminatedStringRoundTrip(t *testing.T) {
	w := NewFieldWriter()
	w.NullTerminatedString("root")
	w.RawBytes([]byte("trailer"))
	r := NewFieldReader(w.Bytes())

	s, err := r.NullTerminatedString()
	if err != nil || s != "root" {
		t.Fatalf("got %q, %v", s, err)
	}
	if string(r.RestOfPacket()) != "trailer" {
		t.Errorf("rest of packet mismatch: %q", r.RestOfPacket())
	}
}

func TestFieldReaderTruncatedBufferErrors(t *testing.T) {
	r := NewFieldReader([]byte{1, 2})
	if _, err := r.Int4(); err == nil {
		t.Fatal("expected error reading Int4 from a 2-byte buffer")
	}
	if _, err := r.FixedString(10); err == nil {
		t.Fatal("expected error reading 10 fixed bytes from a 2-byte buffer")
	}
}
