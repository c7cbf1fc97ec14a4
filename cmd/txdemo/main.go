package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/bionicotaku/lingo-txscope/txlog"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/joho/godotenv"
)

var flagconf string

func init() {
	flag.StringVar(&flagconf, "conf", "configs/txdemo.yaml", "config path, eg: -conf configs/txdemo.yaml")
}

func main() {
	flag.Parse()
	_ = godotenv.Load()

	cfg, err := loadConfig(flagconf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logs, _, err := txlog.NewComponent(cfg.Log, txlog.Service{
		Name:        cfg.Service.Name,
		Version:     cfg.Service.Version,
		Environment: cfg.Service.Environment,
	}, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := txlog.ProvideLogger(logs)
	helper := log.NewHelper(logger)

	ctx := context.Background()
	app, cleanup, err := wireApp(ctx, cfg, logger)
	if err != nil {
		helper.Errorf("txdemo: init failed backend=%s err=%v", cfg.Backend, err)
		os.Exit(1)
	}

	passed, err := app.run(ctx, cfg, logger, os.Stdout)
	cleanup()
	if err != nil {
		helper.Errorf("txdemo: run failed err=%v", err)
		os.Exit(1)
	}
	if !passed {
		os.Exit(1)
	}
}
