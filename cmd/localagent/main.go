package main

import (
	"log/slog"
	"os"

	"github.com/localagent/localagent/internal/cli"
)

func main() {
	level := slog.LevelWarn
	if os.Getenv("LOCALAGENT_DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	os.Exit(cli.Execute())
}
