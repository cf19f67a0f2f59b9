// Package api exposes the tenant connection lifecycle and chat administration
// over HTTP, plus a websocket stream of lifecycle events per tenant.
package api

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/conversation"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/events"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
)

const tracerName = "github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/api"

// Tenants is the connection surface served by the registry.
type Tenants interface {
	GetOrCreate(ctx context.Context, tenantID string, opts models.ConnectOptions) (models.TenantStatus, models.ConnectResult, error)
	Status(tenantID string) (models.TenantStatus, bool)
	ListAll(ctx context.Context, scopeID string) ([]models.TenantStatus, error)
	Send(ctx context.Context, tenantID, to, text string) error
	Disconnect(tenantID string)
	Logout(ctx context.Context, tenantID string)
}

// Chats is the per-chat administration surface served by the booking flow.
type Chats interface {
	SetActivation(tenantID, chatID string, on bool)
	ResetChat(ctx context.Context, tenantID, chatID string)
	ChatState(tenantID, chatID string) (conversation.ConversationState, bool)
}

// EventSource feeds the websocket stream.
type EventSource interface {
	Subscribe(name string, buffer int, filter events.Filter) (<-chan events.Event, func())
}

// Server is the HTTP API server.
type Server struct {
	router    *mux.Router
	server    *http.Server
	addr      string
	tenants   Tenants
	chats     Chats
	events    EventSource
	tracer    trace.Tracer
	startTime time.Time
}

// NewServer creates a Server listening on addr.
func NewServer(addr string, tenants Tenants, chats Chats, source EventSource) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		addr:      addr,
		tenants:   tenants,
		chats:     chats,
		events:    source,
		tracer:    otel.Tracer(tracerName),
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.traceMiddleware)
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)

	s.router.HandleFunc("/tenants", s.listTenantsHandler).Methods(http.MethodGet)
	tenant := s.router.PathPrefix("/tenants/{tenantID}").Subrouter()
	tenant.HandleFunc("/connect", s.connectHandler).Methods(http.MethodPost)
	tenant.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	tenant.HandleFunc("/send", s.sendHandler).Methods(http.MethodPost)
	tenant.HandleFunc("/disconnect", s.disconnectHandler).Methods(http.MethodPost)
	tenant.HandleFunc("/logout", s.logoutHandler).Methods(http.MethodPost)
	tenant.HandleFunc("/events", s.eventsHandler).Methods(http.MethodGet)

	chat := tenant.PathPrefix("/chats/{chatID}").Subrouter()
	chat.HandleFunc("", s.chatStateHandler).Methods(http.MethodGet)
	chat.HandleFunc("/activation", s.activationHandler).Methods(http.MethodPost)
	chat.HandleFunc("/reset", s.resetChatHandler).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusNotFound, models.ErrorWithCode(models.CodeNotFound, "Route not found"))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	})
}

// Handler returns the routed handler, used by tests and embedding servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	slog.Info("Server starting", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully. Open event streams end when their
// request context is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	slog.Info("Server shutting down")
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer, which the
// websocket upgrade needs.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+route, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("tenant.id", mux.Vars(r)["tenantID"]),
		))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		slog.Debug("Server request handled", "method", r.Method, "route", route, "status", rec.status, "duration", time.Since(start))
	})
}
