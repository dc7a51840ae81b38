package transcriber

import (
	"strings"
	"time"

	"github.com/loqalabs/loqa-stream/internal/decoder"
)

// Segment is a finalized piece of transcript with absolute stream positions
// in feature frames.
type Segment struct {
	Text             string        `json:"text"`
	Tokens           []int         `json:"tokens"`
	Start            time.Duration `json:"start"`
	End              time.Duration `json:"end"`
	StartPos         int           `json:"start_pos"`
	EndPos           int           `json:"end_pos"`
	AvgLogprob       float64       `json:"avg_logprob"`
	CompressionRatio float64       `json:"compression_ratio"`
	NoSpeechProb     float64       `json:"no_speech_prob"`
	Temperature      float64       `json:"temperature"`
}

func (s Segment) Quality() Quality {
	return Quality{AvgLogprob: s.AvgLogprob, CompressionRatio: s.CompressionRatio, NoSpeechProb: s.NoSpeechProb}
}

// Run is one timestamp-delimited slice of a hypothesis. A run is closed when
// it ends on a timestamp token; the trailing run of a hypothesis may not.
type Run struct {
	Tokens []int
	Pieces []string
	Closed bool
}

// Split partitions the hypothesis tokens into runs. The first token is the
// reference timestamp R; each run ends at the first later token greater than
// R. Concatenating the runs always yields the input tokens.
func Split(h decoder.Hypothesis) []Run {
	tokens := h.Tokens
	if len(tokens) == 0 {
		return nil
	}
	withPieces := len(h.Pieces) == len(tokens)
	ref := tokens[0]

	var runs []Run
	i := 0
	for i < len(tokens) {
		end := -1
		for k := i + 1; k < len(tokens); k++ {
			if tokens[k] > ref {
				end = k
				break
			}
		}
		closed := end >= 0
		if !closed {
			end = len(tokens) - 1
		}
		run := Run{Tokens: tokens[i : end+1], Closed: closed}
		if withPieces {
			run.Pieces = h.Pieces[i : end+1]
		}
		runs = append(runs, run)
		i = end + 1
	}
	return runs
}

// Text is the run's inner text, without its boundary tokens.
func (r Run) Text(tok decoder.Tokenizer) string {
	if len(r.Tokens) < 3 {
		return ""
	}
	if len(r.Pieces) == len(r.Tokens) {
		return strings.TrimSpace(strings.Join(r.Pieces[1:len(r.Pieces)-1], ""))
	}
	if tok != nil {
		return strings.TrimSpace(tok.DecodeTokens(r.Tokens[1 : len(r.Tokens)-1]))
	}
	return ""
}

// Mapper converts timestamp tokens to absolute frame positions:
// pos = Offset + (token - Origin) * Stride.
type Mapper struct {
	Offset     int
	Origin     int
	Stride     int
	HopLength  int
	SampleRate int
}

func (m Mapper) Position(token int) int {
	return m.Offset + (token-m.Origin)*m.Stride
}

func (m Mapper) Time(pos int) time.Duration {
	if m.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(pos)*int64(m.HopLength)) * time.Second / time.Duration(m.SampleRate)
}

func (m Mapper) Segment(r Run, h decoder.Hypothesis, tok decoder.Tokenizer) Segment {
	startPos := m.Position(r.Tokens[0])
	endPos := m.Position(r.Tokens[len(r.Tokens)-1])
	return Segment{
		Text:             r.Text(tok),
		Tokens:           append([]int(nil), r.Tokens...),
		Start:            m.Time(startPos),
		End:              m.Time(endPos),
		StartPos:         startPos,
		EndPos:           endPos,
		AvgLogprob:       h.AvgLogprob,
		CompressionRatio: h.CompressionRatio,
		NoSpeechProb:     h.NoSpeechProb,
		Temperature:      h.Temperature,
	}
}
