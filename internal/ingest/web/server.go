// Package web serves the visitor widget and turns form posts into queued
// messages for the business number.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"relaybridge/internal/eventbus"
	"relaybridge/internal/message"
	"relaybridge/pkg/logx"
)

//go:embed static/widget.html
var staticFS embed.FS

const maxBodyBytes = 64 << 10

type Config struct {
	Addr              string
	BusinessRecipient string
	// RatePerMin limits /send per client IP; 0 disables the limit.
	RatePerMin   int
	Burst        int
	Debug        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Queue is the part of queue.Queue the front end needs.
type Queue interface {
	Push(ctx context.Context, item []byte) error
	Ping(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}

type Options struct {
	// Ready reports delivery session readiness for /healthz.
	Ready func() bool
	// Stats returns the dispatcher counters for /status.
	Stats  func() any
	Events *eventbus.Ring
}

type Server struct {
	cfg     Config
	q       Queue
	opts    Options
	log     logx.Logger
	limiter *clientLimiter
	widget  []byte
}

func New(cfg Config, q Queue, log logx.Logger, opts Options) (*Server, error) {
	if !message.ValidRecipient(cfg.BusinessRecipient) {
		return nil, fmt.Errorf("business recipient %q is not a +E.164 number", cfg.BusinessRecipient)
	}
	widget, err := staticFS.ReadFile("static/widget.html")
	if err != nil {
		return nil, err
	}
	if cfg.Addr == "" {
		cfg.Addr = ":5000"
	}
	if opts.Ready == nil {
		opts.Ready = func() bool { return false }
	}
	s := &Server{
		cfg:    cfg,
		q:      q,
		opts:   opts,
		log:    log.With(logx.String("comp", "web")),
		widget: widget,
	}
	if cfg.RatePerMin > 0 {
		s.limiter = newClientLimiter(cfg.RatePerMin, cfg.Burst, time.Now)
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleWidget)
	r.With(s.rateLimit).Post("/send", s.handleSend)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	if s.cfg.Debug {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.log.Info("web server listening", logx.String("addr", ln.Addr().String()), logx.Bool("debug", s.cfg.Debug))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("web shutdown: %w", err)
		}
		s.log.Info("web server stopped")
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("web server: %w", err)
	}
}

type sendRequest struct {
	UserPhone string `json:"user_phone"`
	Message   string `json:"message"`
}

type sendResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// VisitorBody is the text delivered to the business for one widget post.
func VisitorBody(phone, msg string) string {
	return fmt.Sprintf("New query from website visitor (%s):\n\n%s", phone, msg)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, sendResponse{Error: "Request body must be JSON with user_phone and message"})
		return
	}
	phone := strings.TrimSpace(req.UserPhone)
	text := strings.TrimSpace(req.Message)

	if !message.ValidRecipient(phone) {
		writeJSON(w, http.StatusBadRequest, sendResponse{Error: "Invalid user phone number format. Must start with country code e.g. +123..."})
		return
	}
	if text == "" {
		writeJSON(w, http.StatusBadRequest, sendResponse{Error: "Message cannot be empty"})
		return
	}

	item := message.Item{Recipient: s.cfg.BusinessRecipient, Body: VisitorBody(phone, text)}
	if err := s.q.Push(r.Context(), message.Format(item)); err != nil {
		s.log.Error("enqueue failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, sendResponse{Error: "Server error: Could not connect to message queue"})
		return
	}
	s.log.Info("queued visitor message", logx.String("visitor", phone), logx.String("recipient", item.Recipient))
	writeJSON(w, http.StatusOK, sendResponse{Success: true, Message: "Message successfully queued for delivery to business."})
}

func (s *Server) handleWidget(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(s.widget)
}

type healthResponse struct {
	Status  string `json:"status"`
	Queue   string `json:"queue"`
	Session string `json:"session"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Queue: "ok", Session: "ready"}
	code := http.StatusOK
	if err := s.q.Ping(ctx); err != nil {
		resp.Status, resp.Queue = "degraded", "unavailable"
		code = http.StatusServiceUnavailable
	}
	if !s.opts.Ready() {
		resp.Session = "not_ready"
		if code == http.StatusOK {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, code, resp)
}

type statusResponse struct {
	QueueLen *int             `json:"queue_len"`
	Dispatch any              `json:"dispatch,omitempty"`
	Events   []eventbus.Event `json:"events"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	if n, err := s.q.Len(r.Context()); err == nil {
		resp.QueueLen = &n
	}
	if s.opts.Stats != nil {
		resp.Dispatch = s.opts.Stats()
	}
	resp.Events = []eventbus.Event{}
	if s.opts.Events != nil {
		resp.Events = s.opts.Events.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, sendResponse{Error: "Too many requests, please try again later"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("duration", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// clientKey is the client IP; RealIP has already rewritten RemoteAddr.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
