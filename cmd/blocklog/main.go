package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"blocklog/internal/app"
	"blocklog/internal/config"
	"blocklog/internal/host"
	"blocklog/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("%v", err)
	}
}

func run() error {
	// A missing .env file is fine.
	_ = godotenv.Load()

	var configPath, projectPath, inputPath string
	var exitAfterReplay bool

	flagSet := pflag.NewFlagSet("blocklog", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "blocklog.yaml", "path to the YAML config file")
	flagSet.StringVar(&projectPath, "project", "", "project JSON replayed events are resolved against")
	flagSet.StringVar(&inputPath, "input", "", "JSON lines of host messages to replay (- for stdin)")
	flagSet.BoolVar(&exitAfterReplay, "exit-after-replay", false, "flush and exit once the input is exhausted")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := telemetry.NewLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	project := &host.Project{}
	if projectPath != "" {
		data, err := os.ReadFile(projectPath)
		if err != nil {
			return fmt.Errorf("read project: %w", err)
		}
		if project, err = host.DecodeProject(data); err != nil {
			return err
		}
	}

	var input io.Reader
	switch inputPath {
	case "":
	case "-":
		input = os.Stdin
	default:
		f, err := os.Open(inputPath)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		input = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx, app.Options{
		Config:          cfg,
		Logger:          logger,
		Project:         project,
		Input:           input,
		ExitAfterReplay: exitAfterReplay,
	})
}
