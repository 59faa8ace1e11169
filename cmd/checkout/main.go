package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/kumarket/checkout/service/config"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"

	// cfg backs the flag defaults; flags override it per invocation.
	cfg *config.Config
)

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		log.Fatal(err)
	}

	app := &cli.App{
		Name:  "checkout",
		Usage: "kumarket purchase-transaction flow CLI",
		Description: `A command-line tool for driving and debugging the kumarket checkout flow.

Use this CLI to issue raw transaction API calls, run the guided dual-pane
purchase flow against a live server, and tail the flow notification stream.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			txnCommands(),
			flowCommands(),
			notifyCommands(),
		},
		// Global flags; defaults come from the environment-backed config
		// (including a .env file), so flags only need to carry overrides.
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "Transaction API base URL",
				Value:   cfg.APIBaseURL,
			},
			&cli.StringFlag{
				Name:  "nats-url",
				Usage: "NATS server URL",
				Value: cfg.NATSURL,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
				Value: cfg.LogLevel,
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// newLogger builds the CLI's stderr logger from the --log-level flag.
func newLogger(c *cli.Context) *slog.Logger {
	var level slog.Level
	switch c.String("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
