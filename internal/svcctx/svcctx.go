// Package svcctx provides service context for dependency injection via context.
// Commands build Services once and read what they need through the extractors.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/taxdesk/taxdesk/internal/api"
	"github.com/taxdesk/taxdesk/internal/compliance"
	"github.com/taxdesk/taxdesk/internal/config"
	"github.com/taxdesk/taxdesk/internal/home"
	"github.com/taxdesk/taxdesk/internal/runs"
	"github.com/taxdesk/taxdesk/internal/stream"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Config     *config.Manager
	Logger     *slog.Logger
	Home       *home.Dir
	Client     *api.Client
	Compliance *compliance.Client
	Transport  *stream.Transport
	Runs       runs.Store
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// LoggerFrom extracts the logger from context, falling back to slog.Default.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ClientFrom extracts the API client from context.
func ClientFrom(ctx context.Context) *api.Client {
	if s := ServicesFrom(ctx); s != nil {
		return s.Client
	}
	return nil
}

// ComplianceFrom extracts the typed compliance client from context.
func ComplianceFrom(ctx context.Context) *compliance.Client {
	if s := ServicesFrom(ctx); s != nil {
		return s.Compliance
	}
	return nil
}

// TransportFrom extracts the stream transport from context.
func TransportFrom(ctx context.Context) *stream.Transport {
	if s := ServicesFrom(ctx); s != nil {
		return s.Transport
	}
	return nil
}

// RunsFrom extracts the run store from context.
func RunsFrom(ctx context.Context) runs.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Runs
	}
	return nil
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}

// ConfigFrom extracts the config manager from context.
func ConfigFrom(ctx context.Context) *config.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Config
	}
	return nil
}
