//go:build malgo

package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	"github.com/gen2brain/malgo"
)

// CaptureSource records the default input device.
type CaptureSource struct {
	queue
	mctx   *malgo.AllocatedContext
	device *malgo.Device
	log    *slog.Logger
}

func OpenCapture(_ context.Context, sampleRate int, log *slog.Logger) (Source, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	s := &CaptureSource{mctx: mctx, log: log}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	onRecvFrames := func(_, input []byte, frameCount uint32) {
		n := int(frameCount)
		if len(input) < n*4 {
			return
		}
		samples := make([]float32, n)
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
		}
		s.push(samples)
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecvFrames})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("start capture device: %w", err)
	}
	s.device = device
	log.Info("capturing from default input device", slog.Int("sample_rate", sampleRate))
	return s, nil
}

func (s *CaptureSource) Close() error {
	if s.device != nil {
		_ = s.device.Stop()
		s.device.Uninit()
		s.device = nil
	}
	if s.mctx != nil {
		err := s.mctx.Uninit()
		s.mctx.Free()
		s.mctx = nil
		return err
	}
	return nil
}
