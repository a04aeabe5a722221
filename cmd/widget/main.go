// Widget is the support chat engine behind the embeddable help bubble.
//
// It drives a complete conversation session against the support
// backend: identity resolution, session init, transcript history, the
// live WebSocket feed, bot-to-agent escalation, and type-ahead article
// search. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	widget run               Start an interactive chat session
//	widget init [dir]        Write a starter widget.yaml
//	widget search <query>    Run a one-shot article search
//	widget version           Print version and build information
package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pixelpower/support-widget/internal/api"
	"github.com/pixelpower/support-widget/internal/buildinfo"
	"github.com/pixelpower/support-widget/internal/config"
	"github.com/pixelpower/support-widget/internal/storage"
	"github.com/pixelpower/support-widget/internal/transcript"
	"github.com/pixelpower/support-widget/internal/widget"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the widget command. OS-level
// dependencies are injected: ctx controls the process lifetime, stdout
// and stderr receive all output, and args is os.Args[1:]. Arguments are
// parsed by hand; the surface is small enough that the flag package's
// global state is not worth it.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "run":
		return runChat(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "search":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: widget search <query>")
		}
		return runSearch(ctx, stdout, configPath, strings.Join(cmdArgs, " "))
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Widget - Support Chat Engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: widget [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run              Start an interactive chat session")
	fmt.Fprintln(w, "  init [dir]       Write a starter widget.yaml (default: .)")
	fmt.Fprintln(w, "  search <query>   Run a one-shot article search")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// runSearch handles "widget search <query>": one request against the
// article search endpoint, results to stdout. Useful for smoke tests
// without a full session.
func runSearch(ctx context.Context, stdout io.Writer, configPath string, query string) error {
	logger := newLogger(os.Stderr, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	client := api.NewClient(cfg.APIBase, logger)
	res, err := client.Search(ctx, query, 5)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if res.Answer != "" {
		fmt.Fprintln(stdout, res.Answer)
		fmt.Fprintln(stdout)
	}
	for i, r := range res.Results {
		fmt.Fprintf(stdout, "%d. %s\n", i+1, r.Title)
		if r.Snippet != "" {
			fmt.Fprintf(stdout, "   %s\n", r.Snippet)
		}
		if r.URL != "" {
			fmt.Fprintf(stdout, "   %s\n", r.URL)
		}
	}
	if len(res.Results) == 0 && res.Answer == "" {
		fmt.Fprintln(stdout, "no results")
	}
	return nil
}

// runChat handles "widget run": a full interactive session on the
// terminal. Lines typed on stdin go to Send; inbound messages and
// state changes print as they arrive. SIGINT/SIGTERM shut down
// cleanly.
func runChat(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	logger := newLogger(stderr, level)
	logger.Info("starting widget", "version", buildinfo.Version, "config", cfgPath)

	store, cleanup, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	w := widget.New(cfg, store, logger)
	defer w.Close()

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	go printEvents(ctx, stdout, w.Events())

	fmt.Fprintln(stdout, "Connected. Type a message, or /quit to exit.")
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(stdout, "widget stopped")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit" || line == "/exit":
				return nil
			case strings.HasPrefix(line, "/search "):
				w.SearchNow(ctx, strings.TrimPrefix(line, "/search "))
			case strings.HasPrefix(line, "/contact "):
				if err := w.SubmitContact(ctx, strings.TrimPrefix(line, "/contact ")); err != nil {
					fmt.Fprintf(stdout, "-- %s\n", err)
				}
			case line == "/agent":
				w.ConnectTeam()
			default:
				sendCtx, sendCancel := context.WithTimeout(ctx, 45*time.Second)
				if err := w.Send(sendCtx, line); err != nil {
					logger.Warn("send failed", "error", err)
				}
				sendCancel()
			}
		}
	}
}

// printEvents renders the widget's event stream for the terminal.
func printEvents(ctx context.Context, stdout io.Writer, events <-chan widget.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			switch e.Kind {
			case widget.EventMessage:
				// The local user echo is already on screen.
				if e.Message.Role != transcript.RoleUser {
					fmt.Fprintf(stdout, "[%s] %s\n", e.Message.Role, e.Message.Text)
				}
			case widget.EventConnState:
				fmt.Fprintf(stdout, "-- live feed: %s\n", e.ConnState)
			case widget.EventNotice:
				fmt.Fprintf(stdout, "-- %s\n", e.Notice)
			case widget.EventSearch:
				if e.Search.Answer != "" {
					fmt.Fprintf(stdout, "-- %s\n", e.Search.Answer)
				}
				for _, r := range e.Search.Results {
					fmt.Fprintf(stdout, "   * %s %s\n", r.Title, r.URL)
				}
			case widget.EventIdentityPrompt:
				fmt.Fprintln(stdout, "-- please share your name or phone number with /contact <value>")
			}
		}
	}
}

// openStore builds the configured persistence backend. The sqlite
// backend keeps state indefinitely, like browser local storage; the
// file backend expires entries after the configured TTL, like a
// session cookie.
func openStore(cfg *config.Config) (storage.Store, func(), error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		db, err := sql.Open("sqlite3", cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open state database %s: %w", cfg.Storage.Path, err)
		}
		st, err := storage.NewSQLite(db)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("init state database: %w", err)
		}
		return st, func() { db.Close() }, nil
	case "file":
		st, err := storage.NewFile(cfg.Storage.Path, cfg.Storage.TTL)
		if err != nil {
			return nil, nil, fmt.Errorf("open state file %s: %w", cfg.Storage.Path, err)
		}
		return st, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend: %q", cfg.Storage.Backend)
	}
}

// newLogger standardizes slog handler configuration. Logs go to stderr
// so the chat transcript on stdout stays clean.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. When
// explicit is non-empty that exact path is used; otherwise
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
