// Command limabridge drives a lima-bridge server from a terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"github.com/labring/lima-bridge/pkg/client"
)

const usage = `Usage: limabridge [flags] <command> [args]

Commands:
  op <create|start|stop|delete> <instance>      run an operation and follow its output
  instances                                     list lima instances
  shell [-attach id] [-cwd dir] [command ...]   open an interactive terminal

Flags:
`

var errUsage = errors.New("usage")

func main() {
	_ = godotenv.Load()

	flags := flag.NewFlagSet("limabridge", flag.ExitOnError)
	server := flags.String("server", envOr("LIMA_BRIDGE_URL", "http://127.0.0.1:9757"), "Server base URL")
	token := flags.String("token", os.Getenv("TOKEN"), "Bearer token")
	debug := flags.Bool("debug", false, "Enable debug logging")
	flags.Usage = func() {
		fmt.Fprint(flags.Output(), usage)
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	level := log.InfoLevel
	if *debug {
		level = log.DebugLevel
	}
	slog.SetDefault(slog.New(log.NewWithOptions(os.Stderr, log.Options{Level: level, Prefix: "limabridge"})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(*server, *token)
	err := run(ctx, c, flags.Args())
	if errors.Is(err, errUsage) {
		flags.Usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("Command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, c *client.Client, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "op":
		return runOperation(ctx, c, os.Stdout, args[1:])
	case "instances":
		return runInstances(ctx, c, os.Stdout)
	case "shell":
		return runShell(ctx, c, args[1:])
	default:
		return errUsage
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
