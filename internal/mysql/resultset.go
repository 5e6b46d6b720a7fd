package mysql

// ResultsetState names the text-resultset parser's position, mirroring
// the COLUMN_COUNT -> COLUMN_DEFINITION -> ROW state machine of the
// original implementation's text resultset parser.
type ResultsetState int

const (
	StateColumnCount ResultsetState = iota
	StateColumnDefinition
	StateColumnEOF
	StateRow
	StateDone
)

// TextResultsetParser consumes the packet sequence of a COM_QUERY text
// resultset: a column-count packet, that many column-definition packets,
// an EOF (unless DEPRECATE_EOF was negotiated), then zero or more row
// packets terminated by a final EOF/OK. It only cares about reaching the
// end-of-result boundary and decoding row column values as strings — it
// never inspects a row for anything beyond that, per the Non-goals.
type TextResultsetParser struct {
	state        ResultsetState
	deprecateEOF bool
	columnCount  uint64
	columnsSeen  uint64
	Rows         [][]string
}

// NewTextResultsetParser starts a parser. deprecateEOF mirrors whether
// CLIENT_DEPRECATE_EOF was negotiated, which changes the terminal marker
// from EOF_Packet to OK_Packet and removes the post-columns EOF.
func NewTextResultsetParser(deprecateEOF bool) *TextResultsetParser {
	return &TextResultsetParser{state: StateColumnCount, deprecateEOF: deprecateEOF}
}

// Done reports whether the resultset has reached its terminal packet.
func (p *TextResultsetParser) Done() bool { return p.state == StateDone }

// Feed processes one packet payload and advances the state machine.
func (p *TextResultsetParser) Feed(payload []byte) error {
	switch p.state {
	case StateColumnCount:
		if IsErr(payload) {
			p.state = StateDone
			return nil
		}
		r := NewFieldReader(payload)
		n, err := r.LengthEncodedInt()
		if err != nil {
			return err
		}
		p.columnCount = n
		if p.columnCount == 0 {
			p.state = StateRow
		} else {
			p.state = StateColumnDefinition
		}
		return nil

	case StateColumnDefinition:
		p.columnsSeen++
		if p.columnsSeen >= p.columnCount {
			if p.deprecateEOF {
				p.state = StateRow
			} else {
				p.state = StateColumnEOF
			}
		}
		return nil

	case StateColumnEOF:
		// the EOF terminating column definitions; the row phase starts
		// with the next packet regardless of its own content.
		p.state = StateRow
		return nil

	case StateRow:
		if IsEOF(payload) || IsOK(payload) || IsErr(payload) {
			p.state = StateDone
			return nil
		}
		row, err := parseTextRow(payload, int(p.columnCount))
		if err != nil {
			return err
		}
		p.Rows = append(p.Rows, row)
		return nil

	default:
		return nil
	}
}

func parseTextRow(payload []byte, columnCount int) ([]string, error) {
	r := NewFieldReader(payload)
	row := make([]string, 0, columnCount)
	for r.Len() > 0 {
		if r.buf[r.pos] == 0xfb {
			r.pos++
			row = append(row, "")
			continue
		}
		v, err := r.LengthEncodedString()
		if err != nil {
			return nil, err
		}
		row = append(row, string(v))
	}
	return row, nil
}
