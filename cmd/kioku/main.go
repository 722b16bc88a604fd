// Package main is the Kioku CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hyperjump/kioku/internal/app"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/server"
	"github.com/hyperjump/kioku/pkg/utils"
	"go.uber.org/zap"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/kioku/config.yaml"
	defaultServerURL  = "http://localhost:8080"
	shutdownTimeout   = 10 * time.Second
)

// errUsage reports a command line the command cannot run; usage has been printed.
var errUsage = errors.New("invalid usage")

// loadConfig loads config from path. When path is the default, config.yaml in
// the current directory wins if present, and a missing default file falls back
// to built-in defaults. It returns the path actually loaded, or "" for defaults.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, err := os.Getwd(); err == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, err := os.Stat(fallback); err == nil {
				cfg, err := config.Load(fallback)
				return cfg, fallback, err
			}
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			cfg, err := config.Default()
			return cfg, "", err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		printUsage(out)
		return errUsage
	}
	command, rest := args[0], args[1:]
	switch command {
	case "server":
		return runServer(ctx, rest)
	case "ingest":
		return runIngest(ctx, rest, out)
	case "process":
		return runProcess(ctx, rest, out)
	case "search":
		return runSearch(ctx, rest, out)
	case "explore":
		return runExplore(ctx, rest, out)
	case "get":
		return runGet(ctx, rest, out)
	case "edit":
		return runEdit(ctx, rest, out)
	case "list":
		return runList(ctx, rest, out)
	case "tags":
		return runTags(ctx, rest, out)
	case "delete":
		return runDelete(ctx, rest, out)
	case "retry":
		return runRetry(ctx, rest, out)
	case "rebuild":
		return runRebuild(ctx, rest, out)
	case "status":
		return runStatus(ctx, rest, out)
	case "watch":
		return runWatch(ctx, rest, out)
	case "version", "--version", "-v":
		fmt.Fprintf(out, "kioku version %s\n", version)
		return nil
	case "help", "--help", "-h":
		printUsage(out)
		return nil
	default:
		fmt.Fprintf(out, "Unknown command: %s\n", command)
		printUsage(out)
		return errUsage
	}
}

func runServer(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	noWatch := fs.Bool("no-watch", false, "do not watch screenshot directories")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode))

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("shutdown incomplete", zap.Error(err))
		}
	}()
	if err := a.Start(ctx); err != nil {
		return err
	}
	go logEvents(ctx, a, logger)

	var opts []server.Option
	if !*noWatch {
		w := a.NewWatcher()
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
		defer w.Stop()
		go w.SyncExisting()
		opts = append(opts, server.WithWatcher(w, cfg, resolvedConfigPath))
	}

	srv := server.NewServer(a, &cfg.Server, logger, opts...)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func logEvents(ctx context.Context, a *app.App, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.Events():
			if ev.Err != nil {
				logger.Warn("screenshot processing failed", zap.String("id", ev.ItemID), zap.Error(ev.Err))
				continue
			}
			logger.Debug("screenshot processed",
				zap.String("id", ev.ItemID),
				zap.String("status", string(ev.Status)),
				zap.Bool("skipped", ev.Skipped))
		}
	}
}

// connFlags are the flags shared by commands that reach the engine.
type connFlags struct {
	configPath *string
	serverURL  *string
	timeout    *time.Duration
	output     *string
}

func addConnFlags(fs *flag.FlagSet) connFlags {
	return connFlags{
		configPath: fs.String("config", defaultConfigPath, "config file path (direct mode)"),
		serverURL:  fs.String("server", defaultServerURL, `server URL; "" opens the database directly`),
		timeout:    fs.Duration("timeout", 5*time.Minute, "request timeout (server mode)"),
		output:     fs.String("output", "text", "output format: text or json"),
	}
}

// open returns the engine behind the flags: a client for a running server, or
// the database opened in-process when --server is empty.
func (c connFlags) open(ctx context.Context) (server.Service, func(), error) {
	if *c.serverURL != "" {
		return newAPIClient(*c.serverURL, *c.timeout), func() {}, nil
	}
	cfg, _, err := loadConfig(*c.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	newLogger := utils.NewQuietLogger
	if cfg.Debug {
		newLogger = func() (*zap.Logger, error) { return utils.NewLogger(true) }
	}
	logger, err := newLogger()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize: %w", err)
	}
	closer := func() {
		if err := a.Close(); err != nil {
			logger.Error("close failed", zap.Error(err))
		}
		_ = logger.Sync()
	}
	return a, closer, nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `kioku - Semantic memory for your screenshots

Usage:
  kioku server [flags]                 Start the HTTP server, workers and directory watcher
  kioku ingest [flags] <path>...       Register screenshots (files or directories)
  kioku process [flags] <id>           Describe and embed one screenshot now
  kioku search [flags] [query]         Search screenshots; no query lists the newest
  kioku explore [flags] <id>           Show screenshots similar to one
  kioku get [flags] <id>               Show one screenshot's details
  kioku edit [flags] <id>              Correct a screenshot's description or tags
  kioku list [flags]                   List screenshots
  kioku tags [flags]                   List tags with counts
  kioku delete [flags] <id>            Forget a screenshot
  kioku retry [flags]                  Retry failed screenshots
  kioku rebuild [flags]                Rebuild the vector index and similarity graph
  kioku status [flags]                 Show counts, index and model health
  kioku watch <add|remove|list>        Manage watched directories
  kioku version                        Show version
  kioku help                           Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/kioku/config.yaml)
  --server string    Server URL (default: http://localhost:8080). Use --server "" to open
                     the database directly when the server is not running.
  --output string    Output format: text or json (default: text)

Server Flags:
  --debug            Enable debug logging
  --no-watch         Do not watch screenshot directories

Search Flags:
  --limit int              Number of results (default: 42)
  --offset int             Skip this many results
  --mode string            semantic or keyword (default: semantic)
  --tag string             Keep screenshots with this tag (repeatable, any match)
  --time string            today, yesterday, this_week or all_time
  --min-similarity float   Drop results below this similarity (0..1)

Examples:
  kioku server
  kioku ingest ~/Desktop/Screenshots
  kioku search red bike on a mountain trail
  kioku search --tag invoice --time this_week total amount
  kioku search --output json "error dialog"
  kioku explore 01890a5d-ac96-774b-bcce-b302099a8057
  kioku status --server ""
  kioku watch add ~/Pictures/Screenshots`)
}
