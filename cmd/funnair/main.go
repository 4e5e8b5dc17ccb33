// Funnair is the customer support agent for Funnair airline.
//
// It serves a chat API backed by an LLM that can look up, change and
// cancel bookings, and asks the customer to pick a seat through a
// pending request that a front-end fulfills. The same tools can be
// exposed to other agents as an MCP server. Configuration is loaded
// from a YAML file discovered automatically (see
// [config.DefaultSearchPaths]); without one, built-in defaults are used.
//
// Usage:
//
//	funnair serve            Start the API server
//	funnair init [dir]       Write a starter config.yaml
//	funnair ask <question>   Ask a single question
//	funnair mcp              Serve the booking tools as MCP over stdio
//	funnair tools            List the tools the model can call
//	funnair version          Print version and build information
//	funnair -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/funnair/internal/agent"
	"github.com/nugget/funnair/internal/api"
	"github.com/nugget/funnair/internal/buildinfo"
	"github.com/nugget/funnair/internal/config"
	"github.com/nugget/funnair/internal/health"
	"github.com/nugget/funnair/internal/mcp"
	"github.com/nugget/funnair/internal/mqtt"
	"github.com/nugget/funnair/internal/telemetry"
)

// main builds the OS-level environment and delegates to [run], which
// keeps os.Exit, os.Stdin and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// cliOptions are the global flags shared by every subcommand.
type cliOptions struct {
	configPath string
	outputFmt  string
	verbose    bool
}

// run is the real entry point. Arguments are parsed by hand so that
// run can be called concurrently from tests without flag globals.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var opts cliOptions
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-v" || args[i] == "--verbose":
			opts.verbose = true
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: funnair ask <question>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "mcp":
		return runMCP(ctx, stdin, stdout, stderr, opts)
	case "tools":
		return runTools(ctx, stdout, stderr, opts)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
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
	fmt.Fprintln(w, "Funnair - airline customer support agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: funnair [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question")
	fmt.Fprintln(w, "  mcp          Serve the booking tools as MCP over stdio")
	fmt.Fprintln(w, "  tools        List the tools the model can call")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -v, --verbose     Log at debug level")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  $%s, %s\n", config.EnvConfigPath, strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runAsk answers one question with an in-process agent and prints the
// reply. Seat selection is unavailable because nothing can fulfill the
// request.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts cliOptions, question string) error {
	cfg, logger, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.loop.Run(ctx, agent.Request{SessionID: "cli", Message: question})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	if opts.outputFmt == "json" {
		return json.NewEncoder(stdout).Encode(map[string]any{
			"response":   res.Text,
			"turn_id":    res.TurnID,
			"rounds":     res.Rounds,
			"tool_calls": res.ToolCalls,
			"degraded":   res.Degraded,
		})
	}
	fmt.Fprintln(stdout, res.Text)
	return nil
}

// runMCP serves the local tools over stdin/stdout. Logs go to stderr
// so they cannot corrupt the protocol stream.
func runMCP(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts cliOptions) error {
	cfg, logger, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := mcp.NewServer(a.registry, a.invoker, mcp.ServerOptions{Logger: logger})
	if err := srv.ServeStdio(ctx, stdin, stdout, mcp.DefaultSessionID); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp: %w", err)
	}
	return nil
}

// runTools lists the registered tools, including any bridged from
// configured MCP servers.
func runTools(ctx context.Context, stdout, stderr io.Writer, opts cliOptions) error {
	cfg, logger, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger, appOptions{interactive: true})
	if err != nil {
		return err
	}
	defer a.Close()

	specs := a.registry.List()
	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(specs)
	}
	for _, s := range specs {
		fmt.Fprintf(stdout, "%-28s %s\n", s.Name, s.Description)
	}
	return nil
}

// runServe is the primary operating mode. It wires the agent to the
// API server and the optional MQTT forwarder, then blocks until
// SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. The signal cancels ctx, which stops the broker sweep
//  2. The MQTT forwarder publishes offline and disconnects
//  3. The HTTP server drains in-flight requests
//  4. MCP clients, the booking store and the tracer close via defers
func runServe(ctx context.Context, stdout io.Writer, opts cliOptions) error {
	cfg, logger, err := setup(stdout, opts)
	if err != nil {
		return err
	}
	logger.Info("starting Funnair", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	if cfg.Tracing.Enabled {
		shutdownTracer, err := telemetry.InitTracer(cfg.Tracing.ServiceName, stdout, logger)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if err := shutdownTracer(sctx); err != nil {
				logger.Error("tracer shutdown failed", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, appOptions{interactive: true})
	if err != nil {
		return err
	}
	defer a.Close()

	monitor := health.NewMonitor(a.bus, logger)
	a.watch(ctx, monitor)
	defer monitor.Stop()

	go a.broker.Run(ctx, cfg.Broker.SweepInterval)

	var mcpHandler http.Handler
	if cfg.MCP.Serve {
		mcpHandler = mcp.NewServer(a.registry, a.invoker, mcp.ServerOptions{Logger: logger})
		logger.Info("MCP endpoint enabled", "path", "/mcp")
	}

	server := api.NewServer(api.Config{
		Address:  cfg.Listen.Addr(),
		Loop:     a.loop,
		Sessions: a.sessions,
		Broker:   a.broker,
		Registry: a.registry,
		Bookings: a.bookings,
		MCP:      mcpHandler,
		Health:   monitor,
		Model:    cfg.LLM.Model,
		Logger:   logger,
	})

	var forwarder *mqtt.Forwarder
	if cfg.MQTT.Configured() {
		forwarder = mqtt.New(cfg.MQTT, a.bus, logger)
		if err := forwarder.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt forwarder: %w", err)
		}
		logger.Info("mqtt forwarding enabled", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt forwarding disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if forwarder != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := forwarder.Stop(stopCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Funnair stopped")
	return nil
}

// setup loads .env files and the configuration, then builds the
// logger at the configured level. -v forces debug.
func setup(logw io.Writer, opts cliOptions) (*config.Config, *slog.Logger, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, nil, err
	}
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, nil, err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := config.NewLogger(logw, level, cfg.LogFormat)
	slog.SetDefault(logger)

	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath)
	} else {
		logger.Info("no config file found, using defaults")
	}
	return cfg, logger, nil
}

// loadConfig locates and parses the YAML configuration. When explicit
// is empty and no file is found in the search paths, the built-in
// defaults are returned with an empty path.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	if cfgPath == "" {
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
