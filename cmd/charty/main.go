// Charty is the medication assistant backend.
//
// All configuration is loaded from environment variables. The backend spawns
// the tool servers listed in the MCP config file, aggregates their tools, and
// serves the chat API over HTTP.
//
// Environment variables:
//
//	CHARTY_ADDR              - HTTP listen address (default ":3000")
//	CHARTY_MCP_CONFIG        - path to the MCP servers YAML (default "./configs/mcp.yaml")
//	CHARTY_DB_PATH           - medication database for the REST endpoints (optional)
//	CHARTY_ADMIN_TOKEN       - bearer token for GET /api/message/all (optional)
//	CHARTY_ALLOWED_ORIGIN    - CORS origin (default "*")
//	CHARTY_TOOL_TIMEOUT      - per tool call timeout (default "30s")
//	CHARTY_MODEL_TIMEOUT     - per model call timeout (default "120s")
//	CHARTY_CONNECT_TIMEOUT   - per tool server connection attempt (default "20s")
//	CHARTY_CONNECT_ATTEMPTS  - connection attempts per tool server (default 3)
//	LLM_PROVIDER             - "ollama" (default) or "openai"
//	LLM_BASE_URL             - model API base URL (default per provider)
//	LLM_API_KEY              - API key for the openai provider
//	LLM_MODEL                - model name (default "llama3.2" for ollama)
//	LLM_MAX_TOKENS           - max tokens per response (default: provider default)
//	LOG_LEVEL                - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT               - "text" or "json" (default: "text")
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/will-ku/med-management-ai/common/environment"
	"github.com/will-ku/med-management-ai/common/version"
	"github.com/will-ku/med-management-ai/internal/charty/app"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	cfg := &app.Config{
		Addr:            environment.StringOr("CHARTY_ADDR", app.DefaultAddr),
		MCPConfigPath:   environment.StringOr("CHARTY_MCP_CONFIG", "./configs/mcp.yaml"),
		DBPath:          os.Getenv("CHARTY_DB_PATH"),
		AdminToken:      os.Getenv("CHARTY_ADMIN_TOKEN"),
		AllowedOrigin:   environment.StringOr("CHARTY_ALLOWED_ORIGIN", "*"),
		ToolTimeout:     environment.DurationOr("CHARTY_TOOL_TIMEOUT", 30*time.Second),
		ConnectTimeout:  environment.DurationOr("CHARTY_CONNECT_TIMEOUT", 20*time.Second),
		ConnectAttempts: environment.IntOr("CHARTY_CONNECT_ATTEMPTS", 3),
		LogLevel:        environment.StringOr("LOG_LEVEL", "info"),
		LogFormat:       environment.StringOr("LOG_FORMAT", "text"),
		LLM: app.LLMConfig{
			Provider:  environment.StringOr("LLM_PROVIDER", "ollama"),
			APIKey:    os.Getenv("LLM_API_KEY"),
			BaseURL:   os.Getenv("LLM_BASE_URL"),
			Model:     os.Getenv("LLM_MODEL"),
			MaxTokens: environment.IntOr("LLM_MAX_TOKENS", 0),
			Timeout:   environment.DurationOr("CHARTY_MODEL_TIMEOUT", 120*time.Second),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	charty, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize Charty", "err", err)
		os.Exit(1)
	}

	if err := charty.Run(ctx); err != nil {
		slog.Error("Charty exited with error", "err", err)
		os.Exit(1)
	}
}
