package transcriber

import "github.com/loqalabs/loqa-stream/internal/decoder"

// frontier describes how much real audio the last decode saw.
type frontier struct {
	offset    int
	available int
	padding   int
	// final is set once the source is exhausted and the whole remaining
	// buffer fits in the window; a segment may then end exactly at the tail.
	final bool
}

func (f frontier) stable(r Run, seg Segment) bool {
	if !r.Closed {
		return false
	}
	limit := f.offset + f.available
	if f.final {
		return seg.EndPos <= limit
	}
	return seg.EndPos+f.padding < limit
}

// stableSegments maps runs to segments and keeps the leading stable ones.
// Everything from the first provisional run onwards is re-decoded later.
// End positions must strictly increase so the commit point only moves
// forward. Runs without text are silence: they are not returned but still
// advance end, the position up to which the buffer may be committed.
func stableSegments(h decoder.Hypothesis, m Mapper, f frontier, tok decoder.Tokenizer) (out []Segment, end int) {
	end = f.offset
	for _, run := range Split(h) {
		seg := m.Segment(run, h, tok)
		if !f.stable(run, seg) || seg.EndPos <= end {
			break
		}
		end = seg.EndPos
		if seg.Text != "" {
			out = append(out, seg)
		}
	}
	return out, end
}
