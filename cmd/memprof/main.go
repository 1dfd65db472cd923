package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"memprof/internal/cli"
	"memprof/internal/driver"
)

// memprof drives GPU memory profiling of the distributed ImageNet trainer.
//
// Exit codes: 0 success, 1 runtime failure, 2 configuration error.
func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Execute(ctx, os.Args[1:])
	stop()
	if err != nil {
		slog.Error("command failed", "error", err)
		if errors.Is(err, driver.ErrConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
