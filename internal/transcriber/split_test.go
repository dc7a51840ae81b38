package transcriber

import (
	"math/rand"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stream/internal/decoder"
)

func TestSplitRuns(t *testing.T) {
	runs := Split(decoder.Hypothesis{Tokens: []int{100, 101, 103, 102, 104, 105}})
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d: %+v", len(runs), runs)
	}
	want := [][]int{{100, 101}, {103, 102}, {104, 105}}
	for i, run := range runs {
		if !run.Closed {
			t.Fatalf("run %d should be closed", i)
		}
		if len(run.Tokens) != 2 || run.Tokens[0] != want[i][0] || run.Tokens[1] != want[i][1] {
			t.Fatalf("run %d: expected %v, got %v", i, want[i], run.Tokens)
		}
	}
}

func TestSplitTrailingTokens(t *testing.T) {
	cases := []struct {
		name   string
		tokens []int
		sizes  []int
		closed []bool
	}{
		{name: "single token", tokens: []int{50364}, sizes: []int{1}, closed: []bool{false}},
		{name: "leftover token", tokens: []int{10, 1, 11, 12}, sizes: []int{3, 1}, closed: []bool{true, false}},
		{name: "open tail", tokens: []int{10, 1, 11, 12, 3, 4}, sizes: []int{3, 3}, closed: []bool{true, false}},
		{name: "no later timestamp", tokens: []int{10, 1, 2, 3}, sizes: []int{4}, closed: []bool{false}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runs := Split(decoder.Hypothesis{Tokens: tc.tokens})
			if len(runs) != len(tc.sizes) {
				t.Fatalf("expected %d runs, got %+v", len(tc.sizes), runs)
			}
			for i, run := range runs {
				if len(run.Tokens) != tc.sizes[i] || run.Closed != tc.closed[i] {
					t.Fatalf("run %d: expected size %d closed %v, got %+v", i, tc.sizes[i], tc.closed[i], run)
				}
			}
		})
	}
	if Split(decoder.Hypothesis{}) != nil {
		t.Fatalf("expected no runs for an empty hypothesis")
	}
}

func TestSplitIsTotalAndOrdered(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(40)
		tokens := make([]int, n)
		for i := range tokens {
			tokens[i] = rng.Intn(60)
		}
		var joined []int
		for _, run := range Split(decoder.Hypothesis{Tokens: tokens}) {
			if len(run.Tokens) == 0 {
				t.Fatalf("empty run for %v", tokens)
			}
			joined = append(joined, run.Tokens...)
		}
		if len(joined) != len(tokens) {
			t.Fatalf("runs of %v concatenate to %v", tokens, joined)
		}
		for i := range tokens {
			if joined[i] != tokens[i] {
				t.Fatalf("runs of %v concatenate to %v", tokens, joined)
			}
		}
	}
}

type wordTokenizer map[int]string

func (w wordTokenizer) DecodeTokens(tokens []int) string {
	var out string
	for _, t := range tokens {
		out += w[t]
	}
	return out
}

func TestRunText(t *testing.T) {
	withPieces := Split(decoder.Hypothesis{
		Tokens: []int{50364, 7, 8, 50400},
		Pieces: []string{"", " hello", " world ", ""},
	})
	if got := withPieces[0].Text(nil); got != "hello world" {
		t.Fatalf("unexpected text %q", got)
	}

	viaTokenizer := Split(decoder.Hypothesis{Tokens: []int{50364, 7, 8, 50400}})
	if got := viaTokenizer[0].Text(wordTokenizer{7: " good", 8: " day"}); got != "good day" {
		t.Fatalf("unexpected text %q", got)
	}
	if got := viaTokenizer[0].Text(nil); got != "" {
		t.Fatalf("expected empty text without pieces or tokenizer, got %q", got)
	}
}

func TestMapperPositions(t *testing.T) {
	m := Mapper{Offset: 1000, Origin: 50364, Stride: 2, HopLength: 160, SampleRate: 16000}
	run := Run{Tokens: []int{50364, 5, 50414}, Pieces: []string{"", " hi", ""}, Closed: true}
	seg := m.Segment(run, decoder.Hypothesis{AvgLogprob: -0.2, Temperature: 0.2}, nil)
	if seg.StartPos != 1000 || seg.EndPos != 1100 {
		t.Fatalf("unexpected positions %d..%d", seg.StartPos, seg.EndPos)
	}
	if seg.Start != 10*time.Second || seg.End != 11*time.Second {
		t.Fatalf("unexpected times %v..%v", seg.Start, seg.End)
	}
	if seg.Text != "hi" || seg.AvgLogprob != -0.2 || seg.Temperature != 0.2 {
		t.Fatalf("unexpected segment %+v", seg)
	}
}
