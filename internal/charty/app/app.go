// Package app wires the Charty backend: MCP config → connection registry →
// chat orchestrator → HTTP API.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/will-ku/med-management-ai/common/version"
	"github.com/will-ku/med-management-ai/internal/charty/api"
	"github.com/will-ku/med-management-ai/internal/charty/chat"
	"github.com/will-ku/med-management-ai/internal/charty/clientmgr"
	"github.com/will-ku/med-management-ai/internal/charty/config"
	"github.com/will-ku/med-management-ai/internal/charty/conversation"
	"github.com/will-ku/med-management-ai/internal/charty/llm"
	"github.com/will-ku/med-management-ai/internal/charty/observability"
	"github.com/will-ku/med-management-ai/internal/medmanager/store"
)

// DefaultAddr is where the web frontend expects the API.
const DefaultAddr = ":3000"

// Config holds the Charty backend configuration. All values are typically
// loaded from environment variables by cmd/charty/main.go.
type Config struct {
	// Addr is the HTTP listen address. Defaults to DefaultAddr.
	Addr string

	// MCPConfigPath points at the YAML file listing tool servers. When empty
	// the backend starts without tools.
	MCPConfigPath string

	// DBPath is the medication database shared with the medication tool
	// server. When empty the /api/medication and /api/prescription
	// endpoints answer 503.
	DBPath string

	// AdminToken guards GET /api/message/all. Empty disables the check.
	AdminToken string

	// AllowedOrigin is the CORS origin. Defaults to "*".
	AllowedOrigin string

	// SystemPrompt seeds the conversation. Defaults to
	// conversation.DefaultSystemPrompt.
	SystemPrompt string

	LLM LLMConfig

	// ToolTimeout bounds each tool call. Defaults to clientmgr.DefaultToolTimeout.
	ToolTimeout time.Duration
	// ConnectTimeout bounds each connection attempt.
	ConnectTimeout time.Duration
	// ConnectAttempts is the number of tries per server at startup.
	ConnectAttempts int

	// Dialer replaces process spawning. Nil spawns the configured commands.
	Dialer clientmgr.Dialer

	// LogLevel is "debug", "info", "warn", or "error". Defaults to "info".
	LogLevel string
	// LogFormat is "text" or "json". Defaults to "text".
	LogFormat string
}

// LLMConfig configures the language model backend.
type LLMConfig struct {
	// Provider is "ollama" (default) or "openai".
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
	// MaxTokens caps the response length. 0 = provider default.
	MaxTokens int
	// Timeout bounds one model call.
	Timeout time.Duration
}

// App is the Charty backend.
type App struct {
	cfg       *Config
	loader    *config.Loader
	registry  *clientmgr.Manager
	history   *conversation.Store
	chat      *chat.Service
	db        *store.Store
	apiServer *api.Server
}

// New builds every subsystem and connects to the configured tool servers.
// Servers that cannot be reached are logged and left out. ctx bounds the
// connection phase only.
func New(ctx context.Context, cfg *Config) (*App, error) {
	if cfg.LogLevel != "" || cfg.LogFormat != "" {
		observability.Setup(cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	loader := config.New()
	if cfg.MCPConfigPath != "" {
		if err := loader.LoadFile(cfg.MCPConfigPath); err != nil {
			return nil, err
		}
	} else {
		slog.Warn("no mcp config file set; starting without tools")
	}

	provider, err := llm.New(llm.Config{
		Provider: cfg.LLM.Provider,
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		Timeout:  cfg.LLM.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init llm: %w", err)
	}

	recorder := observability.SlogRecorder{Logger: slog.Default()}

	registry := clientmgr.New(clientmgr.Options{
		Dialer:          cfg.Dialer,
		ToolTimeout:     cfg.ToolTimeout,
		ConnectTimeout:  cfg.ConnectTimeout,
		ConnectAttempts: cfg.ConnectAttempts,
		Recorder:        recorder,
	})
	if err := registry.Initialize(ctx, loader.Config().Servers); err != nil {
		registry.Close()
		return nil, fmt.Errorf("connect mcp servers: %w", err)
	}

	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = conversation.DefaultSystemPrompt
	}
	history := conversation.New(prompt)

	svc := chat.New(provider, registry, history, chat.Options{
		MaxTokens:    cfg.LLM.MaxTokens,
		ModelTimeout: cfg.LLM.Timeout,
		Recorder:     recorder,
	})

	a := &App{
		cfg:      cfg,
		loader:   loader,
		registry: registry,
		history:  history,
		chat:     svc,
	}

	handlers := api.Handlers{
		Chat:          svc,
		Tools:         registry,
		History:       history,
		AdminToken:    cfg.AdminToken,
		AllowedOrigin: cfg.AllowedOrigin,
	}
	if cfg.DBPath != "" {
		db, err := store.New(cfg.DBPath)
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("open store: %w", err)
		}
		a.db = db
		handlers.Domain = db
	}
	a.apiServer = api.New(cfg.Addr, handlers)
	return a, nil
}

// Handler exposes the HTTP handler, e.g. for httptest.NewServer.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves the API until ctx is cancelled, then stops every subsystem.
func (a *App) Run(ctx context.Context) error {
	if err := a.apiServer.Start(ctx); err != nil {
		return fmt.Errorf("start api server: %w", err)
	}

	slog.Info("Charty backend started",
		"addr", a.cfg.Addr,
		"servers", a.registry.Servers(),
		"config_hash", a.loader.Hash(),
		"tools", len(a.registry.ListTools(ctx)),
		"version", version.Version,
	)

	<-ctx.Done()
	slog.Info("shutting down")
	a.Stop()
	return nil
}

// Stop shuts down all subsystems cleanly.
func (a *App) Stop() {
	a.apiServer.Stop()
	a.registry.Close()
	if a.db != nil {
		a.db.Close()
	}
}
