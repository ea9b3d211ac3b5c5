package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cbodonnell/theyr/pkg/api/handlers"
	"github.com/cbodonnell/theyr/pkg/api/middleware"
	authproviders "github.com/cbodonnell/theyr/pkg/auth/providers"
	"github.com/cbodonnell/theyr/pkg/gateway"
	"github.com/cbodonnell/theyr/pkg/log"
	"github.com/cbodonnell/theyr/pkg/state"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type APIServer struct {
	server *http.Server
	tls    *TLSConfig
}

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type NewAPIServerOptions struct {
	Port             int
	TLS              *TLSConfig
	AllowOrigin      string
	AuthProvider     authproviders.AuthProvider
	Gateway          *gateway.Gateway
	StateManager     state.StateManager
	PrivateNamespace string
	// WebSocket serves /ws when set.
	WebSocket http.Handler
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	// OnlineUsers serves /clients when set.
	OnlineUsers func() []string
	// Saver backs /save. Without it the route answers 503.
	Saver handlers.Saver
}

// NewAPIServer creates a new http.Server for the HTTP side channel and the
// WebSocket endpoint.
func NewAPIServer(opts NewAPIServerOptions) *APIServer {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: NewRouter(opts),
	}
	return &APIServer{
		server: server,
		tls:    opts.TLS,
	}
}

// NewRouter builds the routes served by the APIServer.
func NewRouter(opts NewAPIServerOptions) *mux.Router {
	namespace := opts.PrivateNamespace
	if namespace == "" {
		namespace = state.DefaultPrivateNamespace
	}

	r := mux.NewRouter()
	if opts.WebSocket != nil {
		r.Handle("/ws", middleware.NewAuthMiddleware(opts.AuthProvider)(opts.WebSocket))
	}
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := r.NewRoute().Subrouter()
	api.Use(middleware.NewCORSMiddleware(opts.AllowOrigin))
	api.Use(middleware.NewAuthMiddleware(opts.AuthProvider))
	api.HandleFunc("/state/full", handlers.HandleFullState(opts.StateManager, namespace)).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/action", handlers.HandleAction(opts.Gateway)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/reset", handlers.HandleReset(opts.Gateway)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/dump", handlers.HandleDump(opts.StateManager)).Methods(http.MethodGet)
	api.HandleFunc("/history", handlers.HandleHistory(opts.StateManager)).Methods(http.MethodGet)
	api.HandleFunc("/save", handlers.HandleSave(opts.Saver)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/updateGit", handlers.HandleSave(opts.Saver)).Methods(http.MethodPost, http.MethodOptions)
	if opts.OnlineUsers != nil {
		api.HandleFunc("/clients", handlers.HandleOnlineUsers(opts.OnlineUsers)).Methods(http.MethodGet)
	}
	return r
}

// Start starts the APIServer
func (s *APIServer) Start() error {
	var listenAndServe func() error
	if s.tls != nil {
		log.Info("API server listening on %s with TLS", s.server.Addr)
		listenAndServe = func() error {
			return s.server.ListenAndServeTLS(s.tls.CertFile, s.tls.KeyFile)
		}
	} else {
		log.Info("API server listening on %s", s.server.Addr)
		listenAndServe = s.server.ListenAndServe
	}
	if err := listenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			log.Info("API server closed")
			return nil
		}
		return fmt.Errorf("API server error: %v", err)
	}
	return nil
}

// Stop stops the APIServer
func (s *APIServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
