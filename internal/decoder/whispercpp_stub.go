//go:build !whispercpp

package decoder

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-stream/internal/config"
)

// ErrWhisperCppUnavailable is returned when the binary was built without the
// whispercpp tag.
var ErrWhisperCppUnavailable = errors.New("whisper.cpp decoder not compiled in (build with -tags whispercpp)")

func NewWhisperCppDecoder(config.DecoderConfig, *slog.Logger) (Decoder, error) {
	return nil, ErrWhisperCppUnavailable
}
