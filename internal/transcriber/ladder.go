package transcriber

import "errors"

// Ladder is the ordered list of sampling temperatures tried on consecutive
// rejected decodes. It only moves up; Reset returns to the first rung.
type Ladder struct {
	temps []float64
	index int
}

func NewLadder(temps []float64) (*Ladder, error) {
	if len(temps) == 0 {
		return nil, errors.New("temperature ladder must not be empty")
	}
	return &Ladder{temps: append([]float64(nil), temps...)}, nil
}

func (l *Ladder) Current() float64 { return l.temps[l.index] }

// Escalate moves to the next temperature. It reports false, and does
// nothing, once the last rung is reached.
func (l *Ladder) Escalate() bool {
	if l.index+1 < len(l.temps) {
		l.index++
		return true
	}
	return false
}

func (l *Ladder) Reset() { l.index = 0 }

func (l *Ladder) Index() int { return l.index }

func (l *Ladder) Len() int { return len(l.temps) }
