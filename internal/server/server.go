package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/torosent/gateprobe/internal/config"
	"github.com/torosent/gateprobe/internal/gate"
	"github.com/torosent/gateprobe/internal/gateclient"
	"github.com/torosent/gateprobe/internal/logging"
	"github.com/torosent/gateprobe/internal/tracing"
)

const (
	minSlowDelay = 0.1
	maxSlowDelay = 10.0

	defaultEventInterval = 20 * time.Millisecond
)

// Endpoints lists the routes a gate server answers, as reported by /health.
var Endpoints = []string{
	"/slow-io",
	"/slow-io-sync",
	"/concurrency/block",
	"/concurrency/release",
	"/concurrency/status",
	"/concurrency/events",
	"/benchmark/io-test",
	"/metrics",
	"/health",
}

// Options configure a Server.
type Options struct {
	Gate            gate.Gate
	Model           gate.Model
	Fanout          config.FanoutMode
	Upstream        string        // base URL io-test calls /slow-io on
	UpstreamTimeout time.Duration // HTTP client timeout for upstream calls
	EventInterval   time.Duration // how often the event feed samples the gate
	Logger          *slog.Logger
	Tracing         *tracing.Provider // nil serves untraced
}

// Server exposes one gate over HTTP.
type Server struct {
	gate          gate.Gate
	model         gate.Model
	fanout        config.FanoutMode
	upstream      *gateclient.Client
	upstreamURL   string
	eventInterval time.Duration
	logger        *slog.Logger
	tracing       *tracing.Provider
	metrics       *serverMetrics
	handler       http.Handler
}

// New wires the routes for opts.Gate.
func New(opts Options) (*Server, error) {
	if opts.Gate == nil {
		return nil, errors.New("server: gate is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Fanout == "" {
		opts.Fanout = config.FanoutConcurrent
	}
	if opts.EventInterval <= 0 {
		opts.EventInterval = defaultEventInterval
	}

	s := &Server{
		gate:          opts.Gate,
		model:         opts.Model,
		fanout:        opts.Fanout,
		upstreamURL:   opts.Upstream,
		eventInterval: opts.EventInterval,
		logger:        opts.Logger,
		tracing:       opts.Tracing,
		metrics:       newServerMetrics(opts.Gate),
	}
	if opts.Upstream != "" {
		s.upstream = gateclient.New(opts.Upstream,
			gateclient.WithHTTPClient(gateclient.NewHTTPClient(opts.UpstreamTimeout)),
			gateclient.WithTracing(opts.Tracing))
	}

	mux := http.NewServeMux()
	s.route(mux, "/", s.handleRoot)
	s.route(mux, "/health", s.handleHealth)
	s.route(mux, "/slow-io", s.handleSlowIO)
	s.route(mux, "/slow-io-sync", s.handleSlowIOSync)
	s.route(mux, "/concurrency/block", s.handleBlock)
	s.route(mux, "/concurrency/release", s.handleRelease)
	s.route(mux, "/concurrency/status", s.handleStatus)
	s.route(mux, "/benchmark/io-test", s.handleIOTest)
	// The event feed hijacks its connection and stays untraced.
	mux.HandleFunc("/concurrency/events", s.handleEvents)
	mux.Handle("/metrics", s.metrics.handler())
	s.handler = mux
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, s.metrics.instrument(pattern, s.tracing.Middleware(pattern, h)))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": "Gate test server",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"type":      string(s.model),
		"fanout":    string(s.fanout),
		"upstream":  s.upstreamURL,
		"timestamp": unixSeconds(time.Now()),
		"endpoints": Endpoints,
	})
}

type slowIOResponse struct {
	Message   string  `json:"message"`
	Delay     float64 `json:"delay"`
	Timestamp float64 `json:"timestamp"`
	RequestID *string `json:"request_id"`
}

func (s *Server) handleSlowIO(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	delay, err := floatParam(q, "delay", 1.0, minSlowDelay, maxSlowDelay)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t := time.NewTimer(seconds(delay))
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.Context().Done():
		s.logger.Debug("slow-io caller went away", "delay", delay)
		return
	}

	writeJSON(w, http.StatusOK, slowIOResponse{
		Message:   fmt.Sprintf("IO operation completed after %g seconds", delay),
		Delay:     delay,
		Timestamp: unixSeconds(time.Now()),
		RequestID: optionalParam(q, "request_id"),
	})
}

// handleSlowIOSync sleeps without watching the request context, holding its
// goroutine for the full delay.
func (s *Server) handleSlowIOSync(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	delay, err := floatParam(q, "delay", 1.0, minSlowDelay, maxSlowDelay)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	time.Sleep(seconds(delay))

	writeJSON(w, http.StatusOK, slowIOResponse{
		Message:   fmt.Sprintf("Sync IO operation completed after %g seconds", delay),
		Delay:     delay,
		Timestamp: unixSeconds(time.Now()),
		RequestID: optionalParam(q, "request_id"),
	})
}

type blockResponse struct {
	Message           string  `json:"message"`
	Round             int     `json:"round"`
	SleptAfterRelease float64 `json:"slept_after_release"`
	RequestID         *string `json:"request_id"`
	QueuedPosition    int     `json:"queued_position"`
	CurrentlyWaiting  int     `json:"currently_waiting"`
	Timestamp         float64 `json:"timestamp"`
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	delay, err := floatParam(q, "delay", 1.0, 0, gate.MaxHold.Seconds())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	requestID := optionalParam(q, "request_id")

	res, err := s.gate.Block(r.Context(), seconds(delay))
	if err != nil {
		s.metrics.blockDone(err)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			s.logger.Debug("waiter left before release", "round", res.Round, "error", err)
		case errors.Is(err, gate.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	s.metrics.blockDone(nil)
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int("gate.round", res.Round),
		attribute.Int("gate.queued_position", res.QueuedPosition),
	)
	s.logger.Debug("waiter released", "round", res.Round, "position", res.QueuedPosition,
		"remaining", res.CurrentlyWaiting, "request_id", derefString(requestID))

	writeJSON(w, http.StatusOK, blockResponse{
		Message:           "Request released",
		Round:             res.Round,
		SleptAfterRelease: delay,
		RequestID:         requestID,
		QueuedPosition:    res.QueuedPosition,
		CurrentlyWaiting:  res.CurrentlyWaiting,
		Timestamp:         unixSeconds(time.Now()),
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	q := r.URL.Query()
	rearm, err := boolParam(q, "reset_gate", true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rearmDelay, err := floatParam(q, "rearm_delay", 0, 0, gate.MaxRearmDelay.Seconds())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.gate.Release(r.Context(), gate.ReleaseOptions{Rearm: rearm, RearmDelay: seconds(rearmDelay)})
	if err != nil {
		switch {
		case errors.Is(err, gate.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			s.logger.Warn("release caller left before re-arm", "round", res.Round, "error", err)
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	s.metrics.released(res.ReleasedWaiting)
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int("gate.round", res.Round),
		attribute.Int("gate.released_waiting", res.ReleasedWaiting),
		attribute.Bool("gate.rearmed", res.Rearmed),
	)
	s.logger.Info("gate released", "round", res.Round, "released_waiting", res.ReleasedWaiting, "rearmed", res.Rearmed)

	writeJSON(w, http.StatusOK, map[string]any{
		"message":          "Released waiting requests",
		"round":            res.Round,
		"released_waiting": res.ReleasedWaiting,
		"gate_rearmed":     res.Rearmed,
		"rearm_delay":      res.RearmDelay.Seconds(),
		"timestamp":        unixSeconds(res.ReleasedAt),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.gate.State())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method || (method == http.MethodGet && r.Method == http.MethodHead) {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	return false
}

func floatParam(q url.Values, name string, def, lo, hi float64) (float64, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%s must be between %.1f and %.1f", name, lo, hi)
	}
	return v, nil
}

func intParam(q url.Values, name string, def, lo, hi int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%s must be between %d and %d", name, lo, hi)
	}
	return v, nil
}

func boolParam(q url.Values, name string, def bool) (bool, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be true or false", name)
	}
	return v, nil
}

func optionalParam(q url.Values, name string) *string {
	if !q.Has(name) {
		return nil
	}
	v := q.Get(name)
	return &v
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
