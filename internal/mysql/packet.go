package mysql

import (
	"bufio"
	"io"
	"net"
)

// Reader decodes the `[length:uint24 LE][sequence:uint8][payload]` framing
// off a buffered connection. It generalizes the inline readMySQLPacket
// helper the pool package duplicated per backend-dial call site into a
// single codec shared by both the client-facing and server-facing halves
// of a proxied connection.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps conn with protocol-sized buffering.
func NewReader(conn net.Conn) *Reader {
	return &Reader{br: bufio.NewReaderSize(conn, 32*1024)}
}

// ReadPacket reads one physical packet and returns its sequence ID and
// payload. A zero-length payload is valid. The returned slice is only
// valid until the next call to ReadPacket.
func (r *Reader) ReadPacket() (seq byte, payload []byte, err error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r.br, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
	seq = hdr[3]
	payload = make([]byte, length)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		return 0, nil, err
	}
	return seq, payload, nil
}

// ReadLogicalPacket reads and reassembles a possibly-fragmented logical
// packet (one whose payload spans more than MaxPayloadLen bytes across
// consecutive physical packets). The sequence ID returned is that of the
// first fragment.
func (r *Reader) ReadLogicalPacket() (seq byte, payload []byte, err error) {
	seq, payload, err = r.ReadPacket()
	if err != nil {
		return 0, nil, err
	}
	for len(payload)%MaxPayloadLen == 0 && len(payload) > 0 {
		_, next, err := r.ReadPacket()
		if err != nil {
			return 0, nil, err
		}
		payload = append(payload, next...)
		if len(next) < MaxPayloadLen {
			break
		}
	}
	return seq, payload, nil
}

// Writer encodes outbound packets, splitting payloads larger than
// MaxPayloadLen across consecutive physical packets with wrapping
// sequence IDs, matching the framing rules a fragmented HandshakeResponse
// or large result row would require.
type Writer struct {
	w io.Writer
}

// NewWriter wraps conn for packet writes.
func NewWriter(conn net.Conn) *Writer {
	return &Writer{w: conn}
}

// WritePacket frames and writes payload as one or more physical packets
// starting at the given sequence ID, returning the next unused sequence
// ID (mod 256).
func (w *Writer) WritePacket(seq byte, payload []byte) (nextSeq byte, err error) {
	for {
		chunk := payload
		if len(chunk) > MaxPayloadLen {
			chunk = chunk[:MaxPayloadLen]
		}
		var hdr [4]byte
		hdr[0] = byte(len(chunk))
		hdr[1] = byte(len(chunk) >> 8)
		hdr[2] = byte(len(chunk) >> 16)
		hdr[3] = seq
		if _, err := w.w.Write(hdr[:]); err != nil {
			return seq, err
		}
		if len(chunk) > 0 {
			if _, err := w.w.Write(chunk); err != nil {
				return seq, err
			}
		}
		seq++
		payload = payload[len(chunk):]
		if len(chunk) < MaxPayloadLen {
			return seq, nil
		}
		if len(payload) == 0 {
			// exact multiple of MaxPayloadLen: a zero-length terminator
			// fragment is required so the peer can detect the boundary.
			var zero [4]byte
			zero[3] = seq
			if _, err := w.w.Write(zero[:]); err != nil {
				return seq, err
			}
			return seq + 1, nil
		}
	}
}
