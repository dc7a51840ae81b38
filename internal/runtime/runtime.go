package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-stream/internal/audio"
	"github.com/loqalabs/loqa-stream/internal/bus"
	"github.com/loqalabs/loqa-stream/internal/capability"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/decoder"
	"github.com/loqalabs/loqa-stream/internal/features"
	"github.com/loqalabs/loqa-stream/internal/natsserver"
	"github.com/loqalabs/loqa-stream/internal/transcriber"
	"github.com/loqalabs/loqa-stream/internal/transcript"
	"github.com/loqalabs/loqa-stream/internal/translate"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	metrics     http.Handler
	ready       atomic.Bool
	wg          sync.WaitGroup
	addr        atomic.Value

	sessionID    string
	embeddedNATS *natsserver.EmbeddedServer
	busClient    *bus.Client
	store        *transcript.Store
	source       audio.Source
	decoder      decoder.Decoder
	translator   translate.Translator
	controller   *transcriber.Controller
	capabilities *capability.Registry
	hub          *Hub
	pipeline     *Pipeline
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr is the address the HTTP server listens on once Start is running.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Start brings up every component, streams until the audio source is
// drained or ctx is cancelled, then shuts everything down in reverse order.
// It returns the transcriber failure, if there was one.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler
	defer r.shutdown()

	if err := r.startComponents(ctx); err != nil {
		return err
	}

	if err := r.startHTTP(); err != nil {
		return err
	}

	pipelineDone := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		pipelineDone <- r.pipeline.Run(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.Addr()),
		slog.String("session_id", r.sessionID),
		slog.String("audio_source", r.cfg.Audio.Source),
		slog.String("decoder", r.cfg.Decoder.Mode),
	)

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("runtime stopping")
		runErr = <-pipelineDone
	case runErr = <-pipelineDone:
		r.logger.Info("transcription finished", slog.String("state", r.controller.State().String()))
	}
	r.ready.Store(false)
	if runErr != nil {
		r.logger.Error("transcription failed", slogError(runErr))
	}
	return runErr
}

func (r *Runtime) startComponents(ctx context.Context) error {
	if r.cfg.Bus.Enabled {
		srv, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.embeddedNATS = srv

		busCfg := r.cfg.Bus
		if srv != nil {
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		r.busClient = client
	}

	if r.cfg.TranscriptStore.Enabled {
		store, err := transcript.Open(ctx, r.cfg.TranscriptStore, r.logger)
		if err != nil {
			return fmt.Errorf("failed to open transcript store: %w", err)
		}
		r.store = store
	}

	dec, err := decoder.New(r.cfg.Decoder, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	r.decoder = dec

	fc := r.cfg.Features
	ext, err := features.New(r.cfg.FeatureKind(), fc.SampleRate, fc.HopLength, fc.NFFT, fc.Mels)
	if err != nil {
		return fmt.Errorf("failed to create feature extractor: %w", err)
	}

	src, err := audio.Open(ctx, r.cfg.Audio, audio.Deps{Bus: r.busClient, Logger: r.logger})
	if err != nil {
		return fmt.Errorf("failed to open audio source: %w", err)
	}
	r.source = src

	tr, err := translate.New(r.cfg.Translator, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create translator: %w", err)
	}
	r.translator = tr

	r.sessionID = r.cfg.Audio.SessionID
	if r.sessionID == "" {
		r.sessionID = uuid.NewString()
	}
	if r.store != nil {
		err := r.store.BeginSession(ctx, transcript.Session{
			ID:       r.sessionID,
			Source:   r.cfg.Audio.Source,
			Language: r.cfg.Decoder.Language,
			Task:     r.cfg.Decoder.Task,
		})
		if err != nil {
			return err
		}
	}

	opts := transcriber.OptionsFromConfig(r.cfg.Transcriber, r.cfg.Decoder)
	ctrl, err := transcriber.New(opts, src, dec, ext, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create transcriber: %w", err)
	}
	r.controller = ctrl
	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	if r.busClient != nil {
		registry, err := capability.NewRegistry(ctx, r.cfg.Node, r.busClient, r.nodeStatus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start capability registry: %w", err)
		}
		r.capabilities = registry
	}

	r.hub = NewHub(r.logger)
	r.pipeline = &Pipeline{
		Reader:     ctrl,
		Translator: tr,
		Store:      r.store,
		Hub:        r.hub,
		SessionID:  r.sessionID,
		Provider:   r.cfg.Translator.Provider,
		SourceLang: r.cfg.Translator.SourceLang,
		TargetLang: r.cfg.Translator.TargetLang,
		Config:     r.cfg.Pipeline,
		Logger:     r.logger.With(slog.String("component", "pipeline"), slog.String("session_id", r.sessionID)),
	}
	if r.busClient != nil {
		r.pipeline.Publisher = r.busClient
	}
	return nil
}

func (r *Runtime) nodeStatus() capability.Status {
	st := r.controller.Stats()
	return capability.Status{State: st.State, Segments: st.Segments, Offset: st.Offset, Drops: st.Drops}
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /status", r.handleStatus)
	mux.HandleFunc("GET /sessions", r.handleSessions)
	mux.HandleFunc("GET /sessions/{id}/segments", r.handleSegments)
	if r.hub != nil {
		mux.Handle("/ws/segments", r.hub)
	}
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	return mux
}

func (r *Runtime) startHTTP() error {
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	r.addr.Store(ln.Addr().String())
	r.httpServer = &http.Server{
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
		}
	}()

	bind := r.cfg.Telemetry.PrometheusBind
	if bind == "" || r.metrics == nil {
		return nil
	}
	metricsLn, err := net.Listen("tcp", bind)
	if err != nil {
		r.logger.Warn("metrics listener unavailable", slog.String("bind", bind), slogError(err))
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.metrics)
	r.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.metricsSrv.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("metrics server failed", slogError(err))
		}
	}()
	r.logger.Info("metrics server started", slog.String("addr", metricsLn.Addr().String()))
	return nil
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.hub != nil {
		r.hub.Close()
	}
	for _, srv := range []*http.Server{r.httpServer, r.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()

	state := "closed"
	if r.controller != nil {
		state = r.controller.State().String()
		if state == transcriber.StateRunning.String() {
			state = transcriber.StateClosed.String()
		}
		_ = r.controller.Close()
	}
	if r.capabilities != nil {
		r.capabilities.Close()
	}
	if r.source != nil {
		if err := r.source.Close(); err != nil {
			r.logger.Warn("audio source close error", slogError(err))
		}
	}
	if r.decoder != nil {
		if err := decoder.Close(r.decoder); err != nil {
			r.logger.Warn("decoder close error", slogError(err))
		}
	}
	if r.store != nil {
		if r.sessionID != "" {
			if err := r.store.EndSession(shutdownCtx, r.sessionID, state); err != nil {
				r.logger.Warn("failed to end session", slogError(err))
			}
		}
		if err := r.store.Prune(shutdownCtx); err != nil {
			r.logger.Warn("transcript prune failed", slogError(err))
		}
		if err := r.store.Close(); err != nil {
			r.logger.Warn("transcript store close error", slogError(err))
		}
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	if r.embeddedNATS != nil {
		r.embeddedNATS.Shutdown()
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ok := r.ready.Load()
	if ok && r.controller != nil && r.controller.State() == transcriber.StateFailed {
		ok = false
	}
	if ok && r.busClient != nil && !r.busClient.Healthy() {
		ok = false
	}
	if ok {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type statusResponse struct {
	SessionID   string                `json:"session_id"`
	Transcriber transcriber.Stats     `json:"transcriber"`
	Translator  string                `json:"translator"`
	BusHealthy  bool                  `json:"bus_healthy"`
	WSClients   int                   `json:"ws_clients"`
	Nodes       []capability.NodeInfo `json:"nodes,omitempty"`
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{SessionID: r.sessionID, Translator: r.cfg.Translator.Provider}
	if r.controller != nil {
		resp.Transcriber = r.controller.Stats()
	}
	if r.busClient != nil {
		resp.BusHealthy = r.busClient.Healthy()
	}
	if r.hub != nil {
		resp.WSClients = r.hub.Clients()
	}
	if r.capabilities != nil {
		resp.Nodes = r.capabilities.Query(nil)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		http.Error(w, "transcript store disabled", http.StatusNotFound)
		return
	}
	sessions, err := r.store.Sessions(req.Context(), queryLimit(req))
	if err != nil {
		r.logger.Warn("list sessions failed", slogError(err))
		http.Error(w, "list sessions failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (r *Runtime) handleSegments(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		http.Error(w, "transcript store disabled", http.StatusNotFound)
		return
	}
	records, err := r.store.ListSegments(req.Context(), req.PathValue("id"), queryLimit(req))
	if err != nil {
		r.logger.Warn("list segments failed", slogError(err))
		http.Error(w, "list segments failed", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []transcript.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func queryLimit(req *http.Request) int {
	limit, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 0
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
