package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/inference"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'stdio', 'nats' or 'version'")
		os.Exit(2)
	}

	var configPath string
	flags := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	flags.StringVar(&configPath, "config", "", "Path to configuration file")

	switch os.Args[1] {
	case "stdio", "nats":
		flags.Parse(os.Args[2:])
		if err := run(os.Args[1], configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func run(mode, configPath string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// stdout carries the protocol in stdio mode, so logs always go to stderr
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With(slog.String("component", "asr-worker"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := inference.NewEngine(cfg.Inference, logger)
	if err != nil {
		return err
	}
	worker := inference.NewWorker(ctx, engine, logger)

	switch mode {
	case "nats":
		client, err := bus.Connect(ctx, cfg.Bus, "loqa-asr-worker", logger)
		if err != nil {
			return err
		}
		defer client.Close()
		return worker.ServeNATS(ctx, client.Conn(), cfg.Inference.RequestSubject)
	default:
		return worker.ServeStream(ctx, os.Stdin, os.Stdout)
	}
}
