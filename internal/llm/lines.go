package llm

import "strings"

// LineBuffer reassembles complete logical lines from arbitrarily split
// transport chunks. A chunk may end mid-line; the trailing remainder is
// retained until a later chunk completes it. No byte is ever dropped or
// duplicated across calls.
type LineBuffer struct {
	pending strings.Builder
}

// Feed appends raw into the buffer and returns every complete line found,
// with line terminators stripped. CRLF and bare LF are both accepted.
func (b *LineBuffer) Feed(raw []byte) []string {
	b.pending.Write(raw)
	data := b.pending.String()

	idx := strings.LastIndexByte(data, '\n')
	if idx < 0 {
		return nil
	}

	complete := data[:idx]
	b.pending.Reset()
	b.pending.WriteString(data[idx+1:])

	lines := strings.Split(complete, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}

// Rest returns the buffered trailing fragment without consuming it.
func (b *LineBuffer) Rest() string {
	return b.pending.String()
}
