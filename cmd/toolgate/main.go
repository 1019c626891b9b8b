package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/toolgate/toolgate/common/environment"
	"github.com/toolgate/toolgate/common/version"
	"github.com/toolgate/toolgate/internal/gateway/app"
)

func main() {
	fmt.Printf("Toolgate Gateway\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	configPath := environment.StringOr("TOOLGATE_CONFIG", "config/.env")

	logLevel := slog.LevelInfo
	if environment.BoolOr("TOOLGATE_DEBUG", false) {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, err := app.New(ctx, configPath, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize gateway: %v\n", err)
		os.Exit(1)
	}

	if err := gateway.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running gateway: %v\n", err)
		os.Exit(1)
	}
}
