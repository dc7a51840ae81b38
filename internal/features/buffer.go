package features

import "fmt"

// Frame is one fixed-width acoustic feature vector.
type Frame []float32

// Buffer is an append-only, front-trimmable sequence of frames tagged with the
// absolute stream position of its first element. It is not safe for concurrent
// use; the owner serialises access.
type Buffer struct {
	frames []Frame
	width  int
	offset int
	total  int
}

// NewBuffer returns an empty buffer whose padding frames have the given width.
func NewBuffer(width int) *Buffer {
	return &Buffer{width: width}
}

// Extend appends frames. There is no upper bound.
func (b *Buffer) Extend(frames []Frame) {
	if len(frames) == 0 {
		return
	}
	b.frames = append(b.frames, frames...)
	b.total += len(frames)
}

// Commit drops the first n frames and advances the offset by n.
func (b *Buffer) Commit(n int) error {
	if n < 0 || n > len(b.frames) {
		return fmt.Errorf("commit %d frames: buffer holds %d", n, len(b.frames))
	}
	if n == 0 {
		return nil
	}
	// copy so the dropped prefix can be collected
	rest := make([]Frame, len(b.frames)-n, cap(b.frames)-n)
	copy(rest, b.frames[n:])
	b.frames = rest
	b.offset += n
	return nil
}

// Window returns the first min(maxLen, Len()) frames, right-padded with zero
// frames to exactly maxLen.
func (b *Buffer) Window(maxLen int) []Frame {
	if maxLen <= 0 {
		return nil
	}
	window := make([]Frame, maxLen)
	n := copy(window, b.frames)
	if n < maxLen {
		silence := make(Frame, b.width)
		for i := n; i < maxLen; i++ {
			window[i] = silence
		}
	}
	return window
}

// Available is the number of real (non-padding) frames a window of maxLen holds.
func (b *Buffer) Available(maxLen int) int {
	return min(maxLen, len(b.frames))
}

// Len is the number of frames currently buffered.
func (b *Buffer) Len() int { return len(b.frames) }

// Offset is the absolute position of the first buffered frame.
func (b *Buffer) Offset() int { return b.offset }

// Total is the number of frames ever extended.
func (b *Buffer) Total() int { return b.total }

// Width is the number of values per frame.
func (b *Buffer) Width() int { return b.width }
