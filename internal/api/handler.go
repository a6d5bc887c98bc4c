package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"callagent/internal/call"
)

type Config struct {
	Factory call.SessionFactory
	Guard   *call.CleanupGuard
	// SignalURL is used when a connect request names no URL.
	SignalURL   string
	CallOptions []call.Option
	Logger      *zap.Logger
}

// Handler exposes one active call at a time. Every connect builds a fresh
// Coordinator and closes the previous one before dialing, so two transport
// sessions never overlap.
type Handler struct {
	factory   call.SessionFactory
	guard     *call.CleanupGuard
	signalURL string
	opts      []call.Option
	log       *zap.Logger
	tracer    trace.Tracer

	hub       *call.Feed[Event]
	forwards  sync.WaitGroup
	closeOnce sync.Once

	mu     sync.Mutex
	active *call.Coordinator
	closed bool
}

func NewHandler(cfg Config) *Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		factory:   cfg.Factory,
		guard:     cfg.Guard,
		signalURL: cfg.SignalURL,
		opts:      append([]call.Option{call.WithLogger(log)}, cfg.CallOptions...),
		log:       log.Named("api"),
		tracer:    otel.Tracer("http-handler"),
		hub:       call.NewFeed[Event](),
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/call", func(r chi.Router) {
		r.Post("/connect", h.handleConnect)
		r.Post("/disconnect", h.handleDisconnect)
		r.Post("/microphone", h.handleMicrophone)
		r.Post("/camera", h.handleCamera)
		r.Post("/quality", h.handleQuality)
		r.Get("/state", h.handleState)
		r.Get("/events", h.ServeEvents)
	})
	return r
}

// Close disconnects the active call and ends every event stream.
func (h *Handler) Close(ctx context.Context) error {
	var err error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		active := h.active
		h.active = nil
		h.closed = true
		h.mu.Unlock()

		if active != nil {
			err = active.Close(ctx)
		}
		h.forwards.Wait()
		h.hub.Close()
	})
	return err
}

func (h *Handler) current() *call.Coordinator {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

type ConnectRequest struct {
	URL   string `json:"url"`
	Token string `json:"token"`
	Audio bool   `json:"audio"`
	Video bool   `json:"video"`
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	if req.Token == "" {
		h.respondError(w, errors.New("token required"), http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		req.URL = h.signalURL
	}

	ctx, span := h.tracer.Start(r.Context(), "http.Connect", trace.WithAttributes(
		attribute.Bool("audio", req.Audio),
		attribute.Bool("video", req.Video),
	), trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	coord := call.NewCoordinator(h.factory, h.guard, h.opts...)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.respondError(w, errors.New("shutting down"), http.StatusServiceUnavailable)
		return
	}
	h.forward(coord)
	prev := h.active
	h.active = coord
	h.mu.Unlock()
	if prev != nil {
		h.retire(ctx, prev)
	}

	// the call outlives the request
	if err := coord.Connect(context.WithoutCancel(ctx), req.URL, req.Token, req.Audio, req.Video); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		h.respondError(w, err, connectStatus(err))
		return
	}
	h.respondJSON(w, snapshot(coord))
}

// retire closes a replaced coordinator. It returns once the old session is
// released and its call end recorded on the guard.
func (h *Handler) retire(ctx context.Context, c *call.Coordinator) {
	if err := c.Close(context.WithoutCancel(ctx)); err != nil {
		h.log.Warn("closing replaced call failed", zap.Error(err))
	}
}

func connectStatus(err error) int {
	switch {
	case errors.Is(err, call.ErrTransportDegraded):
		return http.StatusServiceUnavailable
	case errors.Is(err, call.ErrTransportTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.Disconnect", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	coord := h.current()
	if coord == nil {
		h.respondJSON(w, StateResponse{State: call.StateIdle.String()})
		return
	}
	if err := coord.Disconnect(ctx); err != nil {
		h.respondError(w, err, http.StatusInternalServerError)
		return
	}
	h.respondJSON(w, snapshot(coord))
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) handleMicrophone(w http.ResponseWriter, r *http.Request) {
	h.toggleMedia(w, r, call.MediaAudio)
}

func (h *Handler) handleCamera(w http.ResponseWriter, r *http.Request) {
	h.toggleMedia(w, r, call.MediaVideo)
}

func (h *Handler) toggleMedia(w http.ResponseWriter, r *http.Request, kind call.MediaKind) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "http.ToggleMedia", trace.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.Bool("enabled", req.Enabled),
	), trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	coord := h.current()
	if coord == nil {
		h.respondError(w, call.ErrNotConnected, http.StatusConflict)
		return
	}

	var err error
	if kind == call.MediaAudio {
		err = coord.SetMicrophoneEnabled(ctx, req.Enabled)
	} else {
		err = coord.SetCameraEnabled(ctx, req.Enabled)
	}
	switch {
	case err == nil:
		h.respondJSON(w, snapshot(coord))
	case errors.Is(err, call.ErrNotConnected):
		h.respondError(w, err, http.StatusConflict)
	case errors.Is(err, call.ErrPermissionDenied):
		h.respondError(w, err, http.StatusForbidden)
	default:
		h.respondError(w, err, http.StatusInternalServerError)
	}
}

type qualityRequest struct {
	IntervalMS int `json:"interval_ms"`
}

func (h *Handler) handleQuality(w http.ResponseWriter, r *http.Request) {
	var req qualityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	if req.IntervalMS <= 0 {
		h.respondError(w, errors.New("interval_ms must be positive"), http.StatusBadRequest)
		return
	}
	coord := h.current()
	if coord == nil {
		h.respondError(w, call.ErrNotConnected, http.StatusConflict)
		return
	}
	started := coord.StartQualityMonitoring(time.Duration(req.IntervalMS) * time.Millisecond)
	h.respondJSON(w, map[string]bool{"started": started})
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.State", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	coord := h.current()
	if coord == nil {
		h.respondJSON(w, StateResponse{State: call.StateIdle.String()})
		return
	}
	h.respondJSON(w, snapshot(coord))
}

func (h *Handler) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Warn("encoding response failed", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
