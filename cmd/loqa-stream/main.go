package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-stream/internal/audio"
	"github.com/loqalabs/loqa-stream/internal/bus"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/decoder"
	"github.com/loqalabs/loqa-stream/internal/features"
	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/loqalabs/loqa-stream/internal/runtime"
	"github.com/loqalabs/loqa-stream/internal/transcriber"
	"github.com/loqalabs/loqa-stream/internal/translate"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'transcribe', 'publish', 'validate' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "transcribe":
		err = runTranscribe(ctx, os.Args[2:], os.Stdout)
	case "publish":
		err = runPublish(ctx, os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "loqa-stream.yaml", "Path to configuration file")
	_ = fs.Parse(args)
	if _, err := config.Load(*configPath); err != nil {
		return err
	}
	fmt.Println("config valid")
	return nil
}

type transcribeFlags struct {
	configPath  string
	source      string
	file        string
	realtime    bool
	decoderMode string
	model       string
	language    string
	provider    string
	target      string
	interval    time.Duration
	logprob     float64
	compression float64
	noSpeech    float64
	padding     int
	logLevel    string
}

// runTranscribe streams one source through the transcriber and prints every
// finalized segment, translated when a provider is configured.
func runTranscribe(ctx context.Context, args []string, out io.Writer) error {
	var f transcribeFlags
	fs := flag.NewFlagSet("transcribe", flag.ExitOnError)
	fs.StringVar(&f.configPath, "config", "", "Optional configuration file")
	fs.StringVar(&f.source, "source", "", "Audio source: wav, capture, silence, bus")
	fs.StringVar(&f.file, "file", "", "WAV file to transcribe (implies -source wav)")
	fs.BoolVar(&f.realtime, "realtime", false, "Pace WAV input like a live microphone")
	fs.StringVar(&f.decoderMode, "decoder", "", "Decoder mode: mock, exec, openai, whispercpp")
	fs.StringVar(&f.model, "model", "", "Decoder model name or path")
	fs.StringVar(&f.language, "language", "", "Spoken language")
	fs.StringVar(&f.provider, "translator", "", "Translation provider: none, baidu, youdao, openai, ollama, exec")
	fs.StringVar(&f.target, "target", "", "Translation target language")
	fs.DurationVar(&f.interval, "interval", 3*time.Second, "How often finalized segments are read")
	fs.Float64Var(&f.logprob, "logprob", -0.6, "Minimum average log probability of printed segments")
	fs.Float64Var(&f.compression, "compression", 1.8, "Maximum compression ratio of printed segments")
	fs.Float64Var(&f.noSpeech, "no-speech", 0.6, "No-speech probability above which quiet segments are hidden")
	fs.IntVar(&f.padding, "padding", 0, "Stability padding in frames (0 keeps the configured value)")
	fs.StringVar(&f.logLevel, "log-level", "warn", "Log level written to stderr")
	_ = fs.Parse(args)

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	applyTranscribeFlags(&cfg, f)
	if err := config.Validate(cfg); err != nil {
		return err
	}
	logger := runtime.NewLogger(os.Stderr, f.logLevel)

	var busClient *bus.Client
	if cfg.Audio.Source == "bus" {
		busClient, err = bus.Connect(ctx, cfg.Bus, logger)
		if err != nil {
			return err
		}
		defer busClient.Close()
	}

	dec, err := decoder.New(cfg.Decoder, logger)
	if err != nil {
		return err
	}
	defer decoder.Close(dec)

	fc := cfg.Features
	ext, err := features.New(cfg.FeatureKind(), fc.SampleRate, fc.HopLength, fc.NFFT, fc.Mels)
	if err != nil {
		return err
	}

	tr, err := translate.New(cfg.Translator, logger)
	if err != nil {
		return err
	}

	src, err := audio.Open(ctx, cfg.Audio, audio.Deps{Bus: busClient, Logger: logger})
	if err != nil {
		return err
	}
	return audio.Scoped(src, func(src audio.Source) error {
		ctrl, err := transcriber.New(transcriber.OptionsFromConfig(cfg.Transcriber, cfg.Decoder), src, dec, ext, logger)
		if err != nil {
			return err
		}
		defer ctrl.Close()
		if err := ctrl.Start(ctx); err != nil {
			return err
		}

		p := &runtime.Pipeline{
			Reader:     ctrl,
			Translator: tr,
			Provider:   cfg.Translator.Provider,
			SourceLang: cfg.Translator.SourceLang,
			TargetLang: cfg.Translator.TargetLang,
			Config:     cfg.Pipeline,
			Logger:     logger,
			OnSegment: func(seg protocol.Segment, translation string) {
				text := seg.Text
				if translation != "" {
					text = translation
				}
				fmt.Fprintf(out, "[%7.2f -> %7.2f] %s\n", seg.Start, seg.End, text)
			},
		}
		return p.Run(ctx)
	})
}

func applyTranscribeFlags(cfg *config.Config, f transcribeFlags) {
	if f.file != "" {
		cfg.Audio.Source = "wav"
		cfg.Audio.Path = f.file
	}
	if f.source != "" {
		cfg.Audio.Source = f.source
	}
	if f.realtime {
		cfg.Audio.Realtime = true
	}
	if f.decoderMode != "" {
		cfg.Decoder.Mode = f.decoderMode
	}
	if f.model != "" {
		cfg.Decoder.Model = f.model
		cfg.Decoder.ModelPath = f.model
	}
	if f.language != "" {
		cfg.Decoder.Language = f.language
	}
	if f.provider != "" {
		cfg.Translator.Provider = f.provider
	}
	if f.target != "" {
		cfg.Translator.TargetLang = f.target
	}
	cfg.Pipeline.ReadIntervalMS = int(f.interval / time.Millisecond)
	cfg.Pipeline.LogprobThreshold = f.logprob
	cfg.Pipeline.CompressionRatioThreshold = f.compression
	cfg.Pipeline.NoSpeechThreshold = f.noSpeech
	if f.padding > 0 {
		cfg.Pipeline.Padding = f.padding
	}
	cfg.Pipeline.PublishText = false
	cfg.Bus.Embedded = false
	cfg.TranscriptStore.Enabled = false
}

// runPublish streams a WAV file onto the bus as audio frames, the way an
// edge device would.
func runPublish(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	configPath := fs.String("config", "", "Optional configuration file")
	file := fs.String("file", "", "WAV file to publish")
	session := fs.String("session", "", "Session id (defaults to audio.session_id or a timestamp)")
	chunkMS := fs.Int("chunk-ms", 0, "Frame length in milliseconds (0 keeps audio.chunk_ms)")
	realtime := fs.Bool("realtime", true, "Publish frames at playback speed")
	_ = fs.Parse(args)

	if *file == "" {
		return errors.New("publish requires -file")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *chunkMS > 0 {
		cfg.Audio.ChunkMS = *chunkMS
	}
	sessionID := *session
	if sessionID == "" {
		sessionID = cfg.Audio.SessionID
	}
	if sessionID == "" {
		sessionID = "wav-" + time.Now().UTC().Format("20060102T150405")
	}
	logger := runtime.NewLogger(os.Stderr, cfg.Telemetry.LogLevel)

	wavSrc, err := audio.OpenWAV(*file, cfg.Audio.SampleRate, false)
	if err != nil {
		return err
	}
	samples, err := wavSrc.Read()
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	client, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	chunk := cfg.Audio.SampleRate * cfg.Audio.ChunkMS / 1000
	if chunk <= 0 {
		chunk = cfg.Audio.SampleRate / 10
	}
	subject := protocol.AudioFrameSubject(sessionID)
	pace := time.Duration(cfg.Audio.ChunkMS) * time.Millisecond
	seq := 0
	for start := 0; start < len(samples) || seq == 0; start += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+chunk, len(samples))
		seq++
		frame := protocol.AudioFrame{
			SessionID:  sessionID,
			Sequence:   seq,
			SampleRate: cfg.Audio.SampleRate,
			Channels:   1,
			PCM:        audio.EncodePCM16(samples[start:end]),
			Final:      end >= len(samples),
		}
		if err := client.PublishJSON(subject, frame); err != nil {
			return fmt.Errorf("publish frame %d: %w", seq, err)
		}
		if *realtime && !frame.Final {
			time.Sleep(pace)
		}
	}
	if err := client.Flush(); err != nil {
		return err
	}
	logger.Info("published audio",
		slog.String("session_id", sessionID),
		slog.String("subject", subject),
		slog.Int("frames", seq),
		slog.Duration("duration", wavSrc.Duration()),
	)
	return nil
}
