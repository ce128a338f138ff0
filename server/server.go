package server

import (
	"context"
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/providers"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

// Server implements the grant flows of the authorization server. Records live
// in the stores; the server itself only keeps the locks that order grants
// replacing a subject's tokens.
type Server struct {
	clientStore   storage.ClientStore
	codeStore     storage.CodeStore
	tokenStore    storage.TokenStore
	authenticator providers.Authenticator

	clients *ClientRegistry
	issuer  *TokenIssuer

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config

	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	subjectSeed  maphash.Seed
	subjectLocks [64]sync.Mutex
}

// New creates a new OAuth server. The authenticator may be nil, in which
// case the password grant is rejected for every client.
func New(
	clientStore storage.ClientStore,
	codeStore storage.CodeStore,
	tokenStore storage.TokenStore,
	authenticator providers.Authenticator,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if codeStore == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := applySecureDefaults(config, logger)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	srv := &Server{
		clientStore:   clientStore,
		codeStore:     codeStore,
		tokenStore:    tokenStore,
		authenticator: authenticator,
		Logger:        logger,
		Config:        cfg,
		tracer:        noop.NewTracerProvider().Tracer("server"),
		now:           time.Now,
		subjectSeed:   maphash.MakeSeed(),
	}
	clock := func() time.Time { return srv.now() }

	srv.clients = newClientRegistry(clientStore, cfg, logger, clock)
	srv.issuer, err = newTokenIssuer(cfg, tokenStore, srv.clients, clock)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	s.clients.auditor = aud
}

// SetInstrumentation enables tracing and metrics for the grant flows. A nil
// value disables them.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst == nil {
		s.metrics = nil
		s.tracer = noop.NewTracerProvider().Tracer("server")
	} else {
		s.metrics = inst.Metrics()
		s.tracer = inst.Tracer("server")
	}
	s.clients.metrics = s.metrics
}

// SetClock replaces the time source of the server, its client registry and
// token issuer.
func (s *Server) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Now returns the current time of the server clock.
func (s *Server) Now() time.Time {
	return s.now()
}

// lockSubject serializes grants that replace the tokens of one subject and
// client within this process.
func (s *Server) lockSubject(subject, clientID string) func() {
	h := maphash.String(s.subjectSeed, subject+"\x00"+clientID)
	mu := &s.subjectLocks[h%uint64(len(s.subjectLocks))]
	mu.Lock()
	return mu.Unlock
}

// Clients returns the client registry.
func (s *Server) Clients() *ClientRegistry {
	return s.clients
}

// Issuer returns the token issuer.
func (s *Server) Issuer() *TokenIssuer {
	return s.issuer
}

// startSpan starts a span and returns a func that records the outcome and
// ends it.
func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span, func(error)) {
	ctx, span := s.tracer.Start(ctx, name)
	return ctx, span, func(err error) {
		defer span.End()
		if err == nil {
			instrumentation.SetSpanSuccess(span)
			return
		}
		oauthErr := AsError(err)
		instrumentation.SetSpanError(span, string(oauthErr.Code))
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrError, string(oauthErr.Code)))
	}
}

// internalError logs err and returns a server_error that hides it.
func (s *Server) internalError(ctx context.Context, msg string, err error) *Error {
	security.LoggerWithRequestID(ctx, s.Logger).Error(msg, "error", err)
	return ErrServerError()
}

// logIP returns ip for span attributes unless client IP recording is
// disabled.
func (s *Server) logIP(ip string) string {
	if s.Instrumentation != nil && !s.Instrumentation.ShouldLogClientIPs() {
		return ""
	}
	return ip
}
