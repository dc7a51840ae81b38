//go:build !malgo

package audio

import (
	"context"
	"errors"
	"log/slog"
)

// ErrCaptureUnavailable is returned when the binary was built without the
// malgo tag.
var ErrCaptureUnavailable = errors.New("audio capture not compiled in; rebuild with -tags malgo")

func OpenCapture(context.Context, int, *slog.Logger) (Source, error) {
	return nil, ErrCaptureUnavailable
}
