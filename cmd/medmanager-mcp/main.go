// medmanager-mcp is the medication MCP tool server. It is spawned by the
// Charty backend and speaks JSON-RPC on stdin/stdout; logs go to stderr.
//
// Flags:
//
//	--db     path to the SQLite database (env MEDMANAGER_DB_PATH, default ./data/med_management.db)
//	--reset  wipe the database and restore the reference data before serving
//
// Environment variables:
//
//	LOG_LEVEL   - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT  - "text" or "json" (default: "text")
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/will-ku/med-management-ai/common/environment"
	"github.com/will-ku/med-management-ai/common/version"
	"github.com/will-ku/med-management-ai/internal/charty/observability"
	"github.com/will-ku/med-management-ai/internal/medmanager/mcpserver"
	"github.com/will-ku/med-management-ai/internal/medmanager/store"
)

func main() {
	dbPath := flag.String("db", environment.StringOr("MEDMANAGER_DB_PATH", "./data/med_management.db"), "SQLite database path")
	reset := flag.Bool("reset", environment.BoolOr("MEDMANAGER_RESET", false), "reset the database to the reference data")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Fprintln(os.Stderr, version.Info())
		return
	}

	// stdout carries the protocol.
	observability.SetupWriter(os.Stderr,
		environment.StringOr("LOG_LEVEL", "info"),
		environment.StringOr("LOG_FORMAT", "text"))

	if err := run(*dbPath, *reset); err != nil {
		slog.Error("medmanager-mcp exited with error", "err", err)
		os.Exit(1)
	}
}

func run(dbPath string, reset bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if reset {
		err = st.Reset(ctx)
	} else {
		err = st.Seed(ctx)
	}
	if err != nil {
		return fmt.Errorf("prepare database: %w", err)
	}

	srv, err := mcpserver.New(st, slog.Default())
	if err != nil {
		return err
	}
	return srv.Serve(ctx, os.Stdin, os.Stdout)
}
