package handler

import (
	"log/slog"

	"github.com/appdraft/preview-api/internal/config"
	"github.com/appdraft/preview-api/internal/filecache"
	"github.com/appdraft/preview-api/internal/lifecycle"
	"github.com/appdraft/preview-api/internal/preview"
)

// Handler holds all dependencies for HTTP handlers
type Handler struct {
	manager *lifecycle.Manager
	files   *filecache.Cache
	links   *preview.LinkStore
	pages   *preview.Pages
	handoff preview.HandoffConfig
	config  *config.Config
	logger  *slog.Logger
}

// New creates a new Handler instance
func New(cfg *config.Config, manager *lifecycle.Manager, files *filecache.Cache, links *preview.LinkStore, logger *slog.Logger) (*Handler, error) {
	pages, err := preview.ParsePages()
	if err != nil {
		return nil, err
	}

	return &Handler{
		manager: manager,
		files:   files,
		links:   links,
		pages:   pages,
		handoff: preview.HandoffConfig{
			BaseURL:    cfg.Preview.HandoffBaseURL,
			Platform:   cfg.Preview.Platform,
			SDKVersion: cfg.Preview.SDKVersion,
			Theme:      cfg.Preview.Theme,
		},
		config: cfg,
		logger: logger,
	}, nil
}
