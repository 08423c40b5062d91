// Package api exposes the interview engine over HTTP.
//
// It serves the JSON turn-taking API, the knowledge gap endpoints and the
// Twilio WhatsApp webhook on a chi router.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/BTreeMap/InterviewPipe/internal/gaps"
	"github.com/BTreeMap/InterviewPipe/internal/interview"
	"github.com/BTreeMap/InterviewPipe/internal/store"
)

const (
	DefaultAddr = ":8080"
	// maxBodyBytes caps request bodies; a turn is at most models.MaxTurnMessageLength bytes.
	maxBodyBytes   = 64 << 10
	requestTimeout = 90 * time.Second
	// ShutdownGracePeriod is how long callers should allow Shutdown to drain.
	ShutdownGracePeriod = 30 * time.Second
)

// Opts holds configuration options for the Server.
type Opts struct {
	Addr            string
	DefaultBotID    string   // bot for WhatsApp senders without an active conversation
	TwilioAuthToken string   // enables webhook signature validation together with WebhookURL
	WebhookURL      string   // public URL Twilio posts to
	AllowedOrigins  []string // CORS origins for browser chat widgets; empty disables CORS
}

// Option defines a configuration option for the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithDefaultBot sets the bot that inbound WhatsApp messages start conversations with.
func WithDefaultBot(botID string) Option {
	return func(o *Opts) {
		o.DefaultBotID = botID
	}
}

// WithTwilioValidation enables X-Twilio-Signature checks for the webhook.
func WithTwilioValidation(authToken, publicURL string) Option {
	return func(o *Opts) {
		o.TwilioAuthToken = authToken
		o.WebhookURL = publicURL
	}
}

// WithAllowedOrigins enables CORS for the given origins, e.g. "https://*.example.com".
func WithAllowedOrigins(origins ...string) Option {
	return func(o *Opts) {
		o.AllowedOrigins = append(o.AllowedOrigins, origins...)
	}
}

// Server holds the HTTP surface and its dependencies.
type Server struct {
	engine   *interview.Engine
	store    store.Store
	detector *gaps.Detector
	opts     Opts

	router     chi.Router
	httpServer *http.Server
	inbound    sync.WaitGroup
	queueMu    sync.Mutex
	pending    map[string][]string // channel -> bodies waiting for its worker
	baseCtx    context.Context
	cancel     context.CancelFunc
}

// NewServer creates a Server. detector may be nil, which disables the detect endpoint.
func NewServer(engine *interview.Engine, st store.Store, detector *gaps.Detector, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{engine: engine, store: st, detector: detector, opts: o, baseCtx: ctx, cancel: cancel,
		pending: make(map[string][]string)}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              o.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      requestTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.healthHandler)
	r.Route("/bots/{botID}", func(r chi.Router) {
		r.Post("/conversations", s.startConversationHandler)
		r.Get("/gaps", s.listGapsHandler)
		r.Post("/gaps/detect", s.detectGapsHandler)
	})
	r.Route("/conversations/{conversationID}", func(r chi.Router) {
		r.Get("/", s.getConversationHandler)
		r.Post("/turns", s.turnHandler)
	})
	r.Post("/webhooks/twilio", s.twilioWebhookHandler)
	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	slog.Info("Server.Start: listening", "addr", s.opts.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for inbound WhatsApp turns to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.inbound.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Server.Shutdown: abandoning in-flight inbound turns")
	}
	s.cancel()
	return err
}
