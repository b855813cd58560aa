package middleware

import (
	"log/slog"
	"net/http"

	"github.com/babelgate/babelgate/internal/config"
)

// Middleware wraps an http.Handler with one concern.
type Middleware func(http.Handler) http.Handler

// Chain is an ordered list of middleware.
type Chain struct {
	middlewares []Middleware
}

// New creates a new middleware chain.
func New(middlewares ...Middleware) Chain {
	return Chain{middlewares: middlewares}
}

// Then adds more middleware to the chain.
func (c Chain) Then(middlewares ...Middleware) Chain {
	return Chain{middlewares: append(c.middlewares, middlewares...)}
}

// Handler applies all middleware in the chain to the given handler.
func (c Chain) Handler(handler http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		handler = c.middlewares[i](handler)
	}

	return handler
}

// Set holds the configured middleware for composition into chains.
type Set struct {
	Recovery Middleware
	Logging  Middleware
	Auth     Middleware
}

// NewSet builds the full middleware set.
func NewSet(manager *config.Manager, logger *slog.Logger) Set {
	return Set{
		Recovery: NewRecoveryMiddleware(logger),
		Logging:  NewLoggingMiddleware(logger),
		Auth:     NewAuthMiddleware(manager, logger),
	}
}

// DefaultChain protects the translated chat endpoints.
func (s Set) DefaultChain() Chain {
	return New(s.Recovery, s.Logging, s.Auth)
}

// OpsChain serves health and metrics endpoints without auth.
func (s Set) OpsChain() Chain {
	return New(s.Recovery, s.Logging)
}
