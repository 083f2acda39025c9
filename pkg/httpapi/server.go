package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"feedback-agent/pkg/feedback"
	"feedback-agent/pkg/metrics"
	"feedback-agent/pkg/realtime"
	"feedback-agent/pkg/relay"
)

// AgentDialer opens a configured realtime connection for one call
type AgentDialer interface {
	Connect(callCtx realtime.CallContext) (*realtime.Conn, error)
}

// Config holds HTTP server parameters
type Config struct {
	Port    int
	BaseURL string
	Relay   relay.Config
}

// Server exposes the feedback API, the provider webhooks and the media
// stream endpoint
type Server struct {
	logger     *logrus.Logger
	config     Config
	service    *feedback.Service
	dialer     AgentDialer
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer creates the server and registers all routes
func NewServer(config Config, service *feedback.Service, dialer AgentDialer, logger *logrus.Logger) *Server {
	s := &Server{
		logger:  logger,
		config:  config,
		service: service,
		dialer:  dialer,
		router:  mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The provider connects from its own infrastructure
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/feedback/calls", s.handleInitiateCall).Methods(http.MethodPost)
	s.router.HandleFunc("/feedback/calls/{id}", s.handleGetSession).Methods(http.MethodGet)
	s.router.HandleFunc("/twilio/voice/{id}", s.handleVoiceWebhook).Methods(http.MethodPost)
	s.router.HandleFunc("/twilio/status/{id}", s.handleStatusCallback).Methods(http.MethodPost)
	s.router.HandleFunc("/twilio/stream/{id}", s.handleMediaStream).Methods(http.MethodGet)

	if registry := metrics.GetRegistry(); registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
}

// Router returns the route handler, mainly for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the HTTP server until Shutdown is called
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.WithField("port", s.config.Port).Info("HTTP server listening")

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
