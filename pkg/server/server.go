// Package server provides a public API for embedding the feature server.
package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/robert-malhotra/featureserv/internal/api"
	"github.com/robert-malhotra/featureserv/internal/config"
	"github.com/robert-malhotra/featureserv/internal/inventory"
)

// Options configures an embedded feature server.
type Options struct {
	// BaseURL is the public-facing URL for self-referential links (required).
	// Example: "https://api.example.com/features" or "http://localhost:8080"
	BaseURL string

	// Title is the service title reported on the landing page.
	// Default: "Feature Server"
	Title string

	// Description is the service description reported on the landing page.
	// Default: "OGC API Features server"
	Description string

	// Collections is the datasource and collection registry to serve.
	// Exactly one of Collections and CollectionsFile must be set.
	Collections *config.Collections

	// CollectionsFile is the path to a collections JSON file, used when
	// Collections is nil.
	CollectionsFile string

	// Logger is the slog logger to use.
	// Default: slog.Default()
	Logger *slog.Logger
}

// Server is a feature server that can be embedded in another application.
type Server struct {
	router       chi.Router
	closeSources func()
}

// New connects to the configured datasources, sets up every collection, and
// builds the HTTP router. The context bounds datasource setup, not request
// handling.
func New(ctx context.Context, opts Options) (*Server, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("BaseURL is required")
	}
	if opts.Title == "" {
		opts.Title = "Feature Server"
	}
	if opts.Description == "" {
		opts.Description = "OGC API Features server"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	collections := opts.Collections
	if collections == nil {
		if opts.CollectionsFile == "" {
			return nil, fmt.Errorf("either Collections or CollectionsFile is required")
		}
		loaded, err := config.LoadCollections(opts.CollectionsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load collections: %w", err)
		}
		collections = loaded
	}

	cfg := &config.Config{
		API: config.APIConfig{
			BaseURL:     opts.BaseURL,
			Title:       opts.Title,
			Description: opts.Description,
		},
	}

	inv, closeSources, err := inventory.Scan(ctx, collections, opts.BaseURL, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up collections: %w", err)
	}

	handlers := api.NewHandlers(cfg, inv, opts.Logger)
	router := api.NewRouter(handlers, opts.Logger)

	return &Server{
		router:       router,
		closeSources: closeSources,
	}, nil
}

// Router returns the chi.Router for mounting in another application.
func (s *Server) Router() chi.Router {
	return s.router
}

// Close releases the connection pools behind the served collections.
func (s *Server) Close() {
	if s.closeSources != nil {
		s.closeSources()
	}
}
