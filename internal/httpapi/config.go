package httpapi

import (
	"context"

	"github.com/rs/zerolog"
)

const defaultMaxBodyBytes int64 = 1 << 20

// CORSOptions configures the opt-in CORS middleware.
type CORSOptions struct {
	Enabled        bool
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// Options configures the HTTP surface.
type Options struct {
	// MaxBodyBytes caps JSON request bodies; <= 0 means 1 MiB.
	MaxBodyBytes int64
	CORS         CORSOptions
	Logger       *zerolog.Logger
	// BaseContext is cancelled on process shutdown; handlers waiting on the
	// manager give up when it ends.
	BaseContext context.Context
	// Events, when set, is served on /events.
	Events *Hub
}

func (o Options) withDefaults() Options {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = defaultMaxBodyBytes
	}
	if o.BaseContext == nil {
		o.BaseContext = context.Background()
	}
	if o.Logger == nil {
		l := zerolog.Nop()
		o.Logger = &l
	}
	if len(o.CORS.AllowedMethods) == 0 {
		o.CORS.AllowedMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
	}
	if len(o.CORS.AllowedHeaders) == 0 {
		o.CORS.AllowedHeaders = []string{"Content-Type", "Authorization", "X-Log-Level"}
	}
	return o
}
