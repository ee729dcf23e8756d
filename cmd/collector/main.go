package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"blocklog/internal/app"
	"blocklog/internal/collector"
	"blocklog/internal/config"
	"blocklog/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("%v", err)
	}
}

func run() error {
	_ = godotenv.Load()

	var configPath, addr string
	var printSchema bool

	flagSet := pflag.NewFlagSet("collector", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "blocklog.yaml", "path to the YAML config file")
	flagSet.StringVar(&addr, "addr", "", "listen address, overrides collector.addr")
	flagSet.BoolVar(&printSchema, "print-schema", false, "print the payload JSON schema and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if printSchema {
		encoded, err := json.MarshalIndent(collector.PayloadSchema(), "", "  ")
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(append(encoded, '\n'))
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Collector.Addr = addr
	}
	logger, err := telemetry.NewLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.RunCollector(ctx, app.CollectorOptions{Config: cfg, Logger: logger})
}
