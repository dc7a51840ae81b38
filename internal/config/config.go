package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName     string                `yaml:"runtime_name"`
	Environment     string                `yaml:"environment"`
	HTTP            HTTPConfig            `yaml:"http"`
	Telemetry       TelemetryConfig       `yaml:"telemetry"`
	Bus             BusConfig             `yaml:"bus"`
	Node            NodeConfig            `yaml:"node"`
	TranscriptStore TranscriptStoreConfig `yaml:"transcript_store"`
	Audio           AudioConfig           `yaml:"audio"`
	Features        FeaturesConfig        `yaml:"features"`
	Decoder         DecoderConfig         `yaml:"decoder"`
	Transcriber     TranscriberConfig     `yaml:"transcriber"`
	Translator      TranslatorConfig      `yaml:"translator"`
	Pipeline        PipelineConfig        `yaml:"pipeline"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type TranscriptStoreConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig selects where samples come from. Every source delivers mono
// float32 at SampleRate.
type AudioConfig struct {
	Source     string `yaml:"source"` // wav, bus, capture, silence
	Path       string `yaml:"path"`
	Realtime   bool   `yaml:"realtime"`
	ChunkMS    int    `yaml:"chunk_ms"`
	SampleRate int    `yaml:"sample_rate"`
	SessionID  string `yaml:"session_id"`
}

type FeaturesConfig struct {
	Kind       string `yaml:"kind"` // logmel, pcm; empty follows the decoder
	SampleRate int    `yaml:"sample_rate"`
	HopLength  int    `yaml:"hop_length"`
	NFFT       int    `yaml:"n_fft"`
	Mels       int    `yaml:"n_mels"`
}

type DecoderConfig struct {
	Mode        string       `yaml:"mode"` // mock, exec, openai, whispercpp
	Command     string       `yaml:"command"`
	Model       string       `yaml:"model"`
	ModelPath   string       `yaml:"model_path"`
	Endpoint    string       `yaml:"endpoint"`
	APIKey      string       `yaml:"api_key"`
	Task        string       `yaml:"task"`
	Language    string       `yaml:"language"`
	Temperature Temperatures `yaml:"temperature"`
	BeamSize    int          `yaml:"beam_size"`
	BestOf      int          `yaml:"best_of"`
	FP16        bool         `yaml:"fp16"`
	Threads     int          `yaml:"threads"`
	TimeoutMS   int          `yaml:"timeout_ms"`
}

type TranscriberConfig struct {
	WindowFrames              int     `yaml:"window_frames"`
	MinFrames                 int     `yaml:"min_frames"`
	InputStride               int     `yaml:"input_stride"`
	Padding                   int     `yaml:"padding"`
	InitStepMS                int     `yaml:"init_step_ms"`
	MinStepMS                 int     `yaml:"min_step_ms"`
	LogprobThreshold          float64 `yaml:"logprob_threshold"`
	CompressionRatioThreshold float64 `yaml:"compression_ratio_threshold"`
	NoSpeechThreshold         float64 `yaml:"no_speech_threshold"`
	ResetTemperatureOnAccept  bool    `yaml:"reset_temperature_on_accept"`
	ShutdownTimeoutMS         int     `yaml:"shutdown_timeout_ms"`
	Verbose                   bool    `yaml:"verbose"`
}

type TranslatorConfig struct {
	Provider   string `yaml:"provider"` // none, baidu, youdao, openai, ollama, exec
	SourceLang string `yaml:"source_lang"`
	TargetLang string `yaml:"target_lang"`
	AppKey     string `yaml:"app_key"`
	AppSecret  string `yaml:"app_secret"`
	SecretFile string `yaml:"secret_file"`
	Endpoint   string `yaml:"endpoint"`
	Model      string `yaml:"model"`
	Command    string `yaml:"command"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

// PipelineConfig drives the consumer side: how often Read is called and the
// filter it is called with.
type PipelineConfig struct {
	ReadIntervalMS            int     `yaml:"read_interval_ms"`
	LogprobThreshold          float64 `yaml:"logprob_threshold"`
	CompressionRatioThreshold float64 `yaml:"compression_ratio_threshold"`
	NoSpeechThreshold         float64 `yaml:"no_speech_threshold"`
	Padding                   int     `yaml:"padding"`
	PublishText               bool    `yaml:"publish_text"`
}

// Temperatures accepts either a single number or a list in YAML.
type Temperatures []float64

func (t *Temperatures) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var v float64
		if err := value.Decode(&v); err != nil {
			return fmt.Errorf("temperature: %w", err)
		}
		*t = Temperatures{v}
	case yaml.SequenceNode:
		var v []float64
		if err := value.Decode(&v); err != nil {
			return fmt.Errorf("temperature: %w", err)
		}
		*t = v
	default:
		return errors.New("temperature must be a number or a list of numbers")
	}
	return nil
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-stream",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-stream-1",
			Role:              "transcriber",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "stt.stream", Tier: "balanced"},
			},
		},
		TranscriptStore: TranscriptStoreConfig{
			Enabled:       true,
			Path:          "./data/loqa-transcripts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Audio: AudioConfig{
			Source:     "silence",
			ChunkMS:    100,
			SampleRate: 16000,
		},
		Features: FeaturesConfig{
			SampleRate: 16000,
			HopLength:  160,
			NFFT:       400,
			Mels:       80,
		},
		Decoder: DecoderConfig{
			Mode:        "mock",
			Model:       "medium",
			Task:        "transcribe",
			Language:    "en",
			Temperature: Temperatures{0, 0.2, 0.6},
			BeamSize:    10,
			BestOf:      10,
			FP16:        true,
			Threads:     4,
			TimeoutMS:   45000,
		},
		Transcriber: TranscriberConfig{
			WindowFrames:              3000,
			MinFrames:                 200,
			InputStride:               2,
			Padding:                   200,
			InitStepMS:                3000,
			MinStepMS:                 100,
			LogprobThreshold:          -1.0,
			CompressionRatioThreshold: 2.4,
			NoSpeechThreshold:         0.6,
			ShutdownTimeoutMS:         1000,
		},
		Translator: TranslatorConfig{
			Provider:  "none",
			Endpoint:  "",
			TimeoutMS: 10000,
		},
		Pipeline: PipelineConfig{
			ReadIntervalMS:            3000,
			LogprobThreshold:          -0.6,
			CompressionRatioThreshold: 1.8,
			NoSpeechThreshold:         0.6,
			Padding:                   200,
			PublishText:               true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.TranscriptStore.Enabled, "LOQA_TRANSCRIPT_STORE_ENABLED")
	overrideString(&cfg.TranscriptStore.Path, "LOQA_TRANSCRIPT_STORE_PATH")
	overrideString(&cfg.TranscriptStore.RetentionMode, "LOQA_TRANSCRIPT_STORE_RETENTION_MODE")
	overrideInt(&cfg.TranscriptStore.RetentionDays, "LOQA_TRANSCRIPT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.TranscriptStore.MaxSessions, "LOQA_TRANSCRIPT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.TranscriptStore.VacuumOnStart, "LOQA_TRANSCRIPT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Source, "LOQA_AUDIO_SOURCE")
	overrideString(&cfg.Audio.Path, "LOQA_AUDIO_PATH")
	overrideBool(&cfg.Audio.Realtime, "LOQA_AUDIO_REALTIME")
	overrideInt(&cfg.Audio.ChunkMS, "LOQA_AUDIO_CHUNK_MS")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideString(&cfg.Audio.SessionID, "LOQA_AUDIO_SESSION_ID")
	overrideString(&cfg.Features.Kind, "LOQA_FEATURES_KIND")
	overrideString(&cfg.Decoder.Mode, "LOQA_DECODER_MODE")
	overrideString(&cfg.Decoder.Command, "LOQA_DECODER_COMMAND")
	overrideString(&cfg.Decoder.Model, "LOQA_DECODER_MODEL")
	overrideString(&cfg.Decoder.ModelPath, "LOQA_DECODER_MODEL_PATH")
	overrideString(&cfg.Decoder.Endpoint, "LOQA_DECODER_ENDPOINT")
	overrideString(&cfg.Decoder.APIKey, "LOQA_DECODER_API_KEY")
	overrideString(&cfg.Decoder.Task, "LOQA_DECODER_TASK")
	overrideString(&cfg.Decoder.Language, "LOQA_DECODER_LANGUAGE")
	overrideFloatSlice((*[]float64)(&cfg.Decoder.Temperature), "LOQA_DECODER_TEMPERATURE")
	overrideInt(&cfg.Decoder.BeamSize, "LOQA_DECODER_BEAM_SIZE")
	overrideInt(&cfg.Decoder.BestOf, "LOQA_DECODER_BEST_OF")
	overrideBool(&cfg.Decoder.FP16, "LOQA_DECODER_FP16")
	overrideInt(&cfg.Decoder.Threads, "LOQA_DECODER_THREADS")
	overrideInt(&cfg.Decoder.TimeoutMS, "LOQA_DECODER_TIMEOUT_MS")
	overrideInt(&cfg.Transcriber.WindowFrames, "LOQA_TRANSCRIBER_WINDOW_FRAMES")
	overrideInt(&cfg.Transcriber.MinFrames, "LOQA_TRANSCRIBER_MIN_FRAMES")
	overrideInt(&cfg.Transcriber.InputStride, "LOQA_TRANSCRIBER_INPUT_STRIDE")
	overrideInt(&cfg.Transcriber.Padding, "LOQA_TRANSCRIBER_PADDING")
	overrideInt(&cfg.Transcriber.InitStepMS, "LOQA_TRANSCRIBER_INIT_STEP_MS")
	overrideInt(&cfg.Transcriber.MinStepMS, "LOQA_TRANSCRIBER_MIN_STEP_MS")
	overrideFloat(&cfg.Transcriber.LogprobThreshold, "LOQA_TRANSCRIBER_LOGPROB_THRESHOLD")
	overrideFloat(&cfg.Transcriber.CompressionRatioThreshold, "LOQA_TRANSCRIBER_COMPRESSION_RATIO_THRESHOLD")
	overrideFloat(&cfg.Transcriber.NoSpeechThreshold, "LOQA_TRANSCRIBER_NO_SPEECH_THRESHOLD")
	overrideBool(&cfg.Transcriber.ResetTemperatureOnAccept, "LOQA_TRANSCRIBER_RESET_TEMPERATURE_ON_ACCEPT")
	overrideInt(&cfg.Transcriber.ShutdownTimeoutMS, "LOQA_TRANSCRIBER_SHUTDOWN_TIMEOUT_MS")
	overrideBool(&cfg.Transcriber.Verbose, "LOQA_TRANSCRIBER_VERBOSE")
	overrideString(&cfg.Translator.Provider, "LOQA_TRANSLATOR_PROVIDER")
	overrideString(&cfg.Translator.SourceLang, "LOQA_TRANSLATOR_SOURCE_LANG")
	overrideString(&cfg.Translator.TargetLang, "LOQA_TRANSLATOR_TARGET_LANG")
	overrideString(&cfg.Translator.AppKey, "LOQA_TRANSLATOR_APP_KEY")
	overrideString(&cfg.Translator.AppSecret, "LOQA_TRANSLATOR_APP_SECRET")
	overrideString(&cfg.Translator.SecretFile, "LOQA_TRANSLATOR_SECRET_FILE")
	overrideString(&cfg.Translator.Endpoint, "LOQA_TRANSLATOR_ENDPOINT")
	overrideString(&cfg.Translator.Model, "LOQA_TRANSLATOR_MODEL")
	overrideString(&cfg.Translator.Command, "LOQA_TRANSLATOR_COMMAND")
	overrideInt(&cfg.Translator.TimeoutMS, "LOQA_TRANSLATOR_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.ReadIntervalMS, "LOQA_PIPELINE_READ_INTERVAL_MS")
	overrideFloat(&cfg.Pipeline.LogprobThreshold, "LOQA_PIPELINE_LOGPROB_THRESHOLD")
	overrideFloat(&cfg.Pipeline.CompressionRatioThreshold, "LOQA_PIPELINE_COMPRESSION_RATIO_THRESHOLD")
	overrideFloat(&cfg.Pipeline.NoSpeechThreshold, "LOQA_PIPELINE_NO_SPEECH_THRESHOLD")
	overrideInt(&cfg.Pipeline.Padding, "LOQA_PIPELINE_PADDING")
	overrideBool(&cfg.Pipeline.PublishText, "LOQA_PIPELINE_PUBLISH_TEXT")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// overrideFloatSlice leaves the target untouched unless every element parses.
func overrideFloatSlice(target *[]float64, envKey string) {
	var parts []string
	overrideStringSlice(&parts, envKey)
	if len(parts) == 0 {
		return
	}
	values := make([]float64, 0, len(parts))
	for _, p := range parts {
		parsed, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return
		}
		values = append(values, parsed)
	}
	*target = values
}

// Validate reports the first invalid setting.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if len(cfg.Node.Capabilities) == 0 {
		return errors.New("node.capabilities must not be empty")
	}
	if cfg.TranscriptStore.Enabled {
		if cfg.TranscriptStore.Path == "" {
			return errors.New("transcript_store.path must not be empty")
		}
		switch cfg.TranscriptStore.RetentionMode {
		case "ephemeral", "session", "persistent":
		default:
			return errors.New("transcript_store.retention_mode must be one of ephemeral|session|persistent")
		}
		if cfg.TranscriptStore.RetentionDays < 0 {
			return errors.New("transcript_store.retention_days must be >= 0")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if err := validateAudio(cfg.Audio, cfg.Bus); err != nil {
		return err
	}
	if err := validateFeatures(cfg); err != nil {
		return err
	}
	if err := validateDecoder(cfg.Decoder); err != nil {
		return err
	}
	if err := validateTranscriber(cfg.Transcriber); err != nil {
		return err
	}
	if err := validateTranslator(cfg.Translator); err != nil {
		return err
	}
	if cfg.Pipeline.ReadIntervalMS <= 0 {
		return errors.New("pipeline.read_interval_ms must be positive")
	}
	if cfg.Pipeline.Padding < 0 {
		return errors.New("pipeline.padding must be >= 0")
	}
	return nil
}

func validateAudio(cfg AudioConfig, busCfg BusConfig) error {
	switch cfg.Source {
	case "wav":
		if cfg.Path == "" {
			return errors.New("audio.path must be set when source=wav")
		}
	case "bus":
		if !busCfg.Enabled {
			return errors.New("bus.enabled must be true when audio.source=bus")
		}
	case "capture", "silence":
	default:
		return errors.New("audio.source must be one of wav|bus|capture|silence")
	}
	if cfg.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.ChunkMS <= 0 {
		return errors.New("audio.chunk_ms must be positive")
	}
	return nil
}

// FeatureKind is features.kind, or when it is unset the representation the
// decoder consumes: raw pcm for the external decoders and log-mel otherwise.
func (c Config) FeatureKind() string {
	if c.Features.Kind != "" {
		return c.Features.Kind
	}
	switch c.Decoder.Mode {
	case "exec", "openai", "whispercpp":
		return "pcm"
	}
	return "logmel"
}

func validateFeatures(cfg Config) error {
	kind := cfg.FeatureKind()
	dec := cfg.Decoder
	switch kind {
	case "logmel":
		if cfg.Features.NFFT <= 0 || cfg.Features.Mels <= 0 {
			return errors.New("features.n_fft and features.n_mels must be positive")
		}
	case "pcm":
	default:
		return errors.New("features.kind must be one of logmel|pcm")
	}
	if cfg.Features.SampleRate <= 0 || cfg.Features.HopLength <= 0 {
		return errors.New("features.sample_rate and features.hop_length must be positive")
	}
	switch dec.Mode {
	case "exec", "openai", "whispercpp":
		if kind != "pcm" {
			return fmt.Errorf("features.kind must be pcm when decoder.mode=%s", dec.Mode)
		}
	}
	return nil
}

func validateDecoder(cfg DecoderConfig) error {
	switch cfg.Mode {
	case "mock":
	case "exec":
		if cfg.Command == "" {
			return errors.New("decoder.command must be set when mode=exec")
		}
	case "openai":
		if cfg.APIKey == "" && cfg.Endpoint == "" {
			return errors.New("decoder.api_key or decoder.endpoint must be set when mode=openai")
		}
	case "whispercpp":
		if cfg.ModelPath == "" {
			return errors.New("decoder.model_path must be set when mode=whispercpp")
		}
	default:
		return errors.New("decoder.mode must be one of mock|exec|openai|whispercpp")
	}
	switch cfg.Task {
	case "transcribe", "translate":
	default:
		return errors.New("decoder.task must be one of transcribe|translate")
	}
	if len(cfg.Temperature) == 0 {
		return errors.New("decoder.temperature must not be empty")
	}
	for _, t := range cfg.Temperature {
		if t < 0 {
			return errors.New("decoder.temperature values must be >= 0")
		}
	}
	if cfg.BeamSize <= 0 || cfg.BestOf <= 0 {
		return errors.New("decoder.beam_size and decoder.best_of must be positive")
	}
	if cfg.TimeoutMS < 0 {
		return errors.New("decoder.timeout_ms must be >= 0")
	}
	return nil
}

func validateTranscriber(cfg TranscriberConfig) error {
	if cfg.WindowFrames <= 0 {
		return errors.New("transcriber.window_frames must be positive")
	}
	if cfg.MinFrames < 0 || cfg.MinFrames > cfg.WindowFrames {
		return errors.New("transcriber.min_frames must be between 0 and window_frames")
	}
	if cfg.InputStride <= 0 {
		return errors.New("transcriber.input_stride must be positive")
	}
	if cfg.Padding < 0 {
		return errors.New("transcriber.padding must be >= 0")
	}
	if cfg.InitStepMS <= 0 {
		return errors.New("transcriber.init_step_ms must be positive")
	}
	if cfg.MinStepMS <= 0 || cfg.MinStepMS >= cfg.InitStepMS {
		return errors.New("transcriber.min_step_ms must be positive and below init_step_ms")
	}
	if cfg.ShutdownTimeoutMS <= 0 {
		return errors.New("transcriber.shutdown_timeout_ms must be positive")
	}
	return nil
}

func validateTranslator(cfg TranslatorConfig) error {
	switch cfg.Provider {
	case "none", "":
		return nil
	case "baidu", "youdao":
		if cfg.SecretFile == "" && (cfg.AppKey == "" || cfg.AppSecret == "") {
			return fmt.Errorf("translator.app_key and translator.app_secret (or secret_file) must be set when provider=%s", cfg.Provider)
		}
	case "openai":
		if cfg.AppKey == "" && cfg.SecretFile == "" && cfg.Endpoint == "" {
			return errors.New("translator.app_key, secret_file or endpoint must be set when provider=openai")
		}
	case "ollama":
		if cfg.Endpoint == "" || cfg.Model == "" {
			return errors.New("translator.endpoint and translator.model must be set when provider=ollama")
		}
	case "exec":
		if cfg.Command == "" {
			return errors.New("translator.command must be set when provider=exec")
		}
	default:
		return errors.New("translator.provider must be one of none|baidu|youdao|openai|ollama|exec")
	}
	if cfg.TargetLang == "" {
		return errors.New("translator.target_lang must be set when a provider is configured")
	}
	return nil
}
