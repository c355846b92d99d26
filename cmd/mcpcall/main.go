// Command mcpcall spawns a tool server, lists its tools and calls them.
//
// Usage:
//
//	mcpcall [-c config.yaml] [--command PATH] [-a ARG]... [-e KEY=VALUE]... [-t TOOL [--arguments JSON]] [-l]
//
// Every tool is printed as "name: description". Each configured call prints the text of its
// result. mcpcall stops at the first error and exits with status 1; the server is shut down
// in every case.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	mcp "github.com/MegaGrindStone/mcp-stdio-client"
)

var version = "dev"

// Options are the command-line flags. Flags that are set override the configuration.
type Options struct {
	Config    string            `short:"c" long:"config" description:"config file (yaml, json or toml)"`
	Command   string            `long:"command" description:"server executable"`
	Args      []string          `short:"a" long:"arg" description:"server argument, repeatable"`
	Dir       string            `long:"dir" description:"server working directory"`
	Env       map[string]string `short:"e" long:"env" key-value-delimiter:"=" description:"server environment variable KEY=VALUE, repeatable"`
	Tool      string            `short:"t" long:"tool" description:"tool to call, replacing the configured calls"`
	Arguments string            `long:"arguments" description:"tool arguments as a JSON object"`
	List      bool              `short:"l" long:"list" description:"only list the tools"`
	LogLevel  string            `long:"log-level" description:"log level (debug, info, warn, error)"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default&^flags.PrintErrors)
	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(stdout, err)
			return 0
		}
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	cfg, err := LoadConfig(opts.Config)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	opts.apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	level, err := cfg.Log.LogLevel()
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if err := callTools(ctx, cfg, opts.List, logger, stdout); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func (o Options) apply(cfg *Config) {
	if o.Command != "" {
		cfg.Server.Command = o.Command
	}
	if len(o.Args) > 0 {
		cfg.Server.Args = o.Args
	}
	if o.Dir != "" {
		cfg.Server.Dir = o.Dir
	}
	if len(o.Env) > 0 {
		if cfg.Env == nil {
			cfg.Env = make(map[string]string, len(o.Env))
		}
		for k, v := range o.Env {
			cfg.Env[k] = v
		}
	}
	if o.Tool != "" {
		cfg.Calls = []CallConfig{{Tool: o.Tool, Arguments: o.Arguments}}
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
}

func callTools(ctx context.Context, cfg Config, listOnly bool, logger *slog.Logger, out io.Writer) error {
	client, err := mcp.Connect(ctx,
		mcp.Info{Name: "mcpcall", Version: version},
		mcp.ServerCommand{Path: cfg.Server.Command, Args: cfg.Server.Args, Dir: cfg.Server.Dir},
		mcp.NewConnectionConfig(cfg.Env),
		mcp.WithClientLogger(logger),
		mcp.WithClientInitializeTimeout(cfg.Timeouts.Initialize),
		mcp.WithClientReadTimeout(cfg.Timeouts.Request),
		mcp.WithClientWriteTimeout(cfg.Timeouts.Write),
		mcp.WithClientGracePeriod(cfg.Timeouts.Grace),
	)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("failed to close client", "err", err)
		}
	}()

	tools, err := client.ListTools(ctx)
	if err != nil {
		return err
	}
	for _, tool := range tools {
		fmt.Fprintf(out, "%s: %s\n", tool.Name, tool.Description)
	}
	if listOnly {
		return nil
	}

	for _, call := range cfg.Calls {
		args, err := call.ParseArguments()
		if err != nil {
			return err
		}
		result, err := client.CallTool(ctx, call.Tool, args)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, result.Text())
	}
	return nil
}
