// Command fraudctl scores records offline, reads anchored scores from the
// ledger and lists the model registry.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/fraudproof/fraudproof/internal/config"
	"github.com/fraudproof/fraudproof/internal/logging"
)

var (
	version = "dev"
	commit  = ""
)

var (
	manifestFlag = &cli.StringFlag{
		Name:    "manifest",
		Usage:   "Path to the model manifest",
		Value:   config.DefaultModelManifest,
		Sources: cli.EnvVars("MODEL_MANIFEST"),
	}

	outputFlag = &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "Output format (yaml, json)",
		Value:   formatYAML,
	}

	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Prints verbose logs (optional, default: false)",
	}
)

func main() {
	_ = godotenv.Load()

	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fraudctl: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "fraudctl",
		Usage:   "CLI for fraud scores and their ledger anchors",
		Version: fmt.Sprintf("%s - (commit: %s)", version, commit),
		Flags: []cli.Flag{
			manifestFlag,
			outputFlag,
			debugFlag,
		},
		Commands: []*cli.Command{
			scoreCmd,
			chainCmd,
			modelsCmd,
		},
	}
}

func loggerFor(cmd *cli.Command) *slog.Logger {
	level := "warn"
	if cmd.Bool(debugFlag.Name) {
		level = "debug"
	}
	return logging.NewWithWriter(os.Stderr, level, "text")
}
