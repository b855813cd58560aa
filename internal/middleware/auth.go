package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/babelgate/babelgate/internal/config"
)

type authMiddleware struct {
	config *config.Manager
	logger *slog.Logger
}

// NewAuthMiddleware rejects requests whose bearer token does not match the
// configured gateway API key. An empty configured key disables auth.
func NewAuthMiddleware(manager *config.Manager, logger *slog.Logger) func(http.Handler) http.Handler {
	am := &authMiddleware{
		config: manager,
		logger: logger,
	}

	return am.middleware
}

func (am *authMiddleware) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := am.authenticate(r); err != nil {
			am.logger.Warn("authentication failed", "error", err, "remote_addr", r.RemoteAddr)
			http.Error(w, "gateway API key not authorized", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (am *authMiddleware) authenticate(r *http.Request) error {
	cfg, err := am.config.Get()
	if err != nil {
		return err
	}
	if cfg.APIKey == "" {
		return nil
	}

	var token string

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	} else if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		token = apiKey
	}

	if token == "" {
		return errors.New("no authentication token provided")
	}

	if token != cfg.APIKey {
		return errors.New("invalid API key")
	}

	return nil
}
