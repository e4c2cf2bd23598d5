package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/9triver/mutator/internal/config"
	"github.com/9triver/mutator/internal/util"
	"github.com/sirupsen/logrus"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Path to config file")
	inputDir := flag.String("dir", "", "Input directory (overrides input.directory)")
	logLevel := flag.String("log-level", "", "Log level (overrides logging.level)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}
	if *inputDir != "" {
		cfg.Input.Directory = *inputDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	util.InitLogger(cfg.Logging.Level)
	if cfg.Logging.Dir != "" {
		path, err := util.InitLoggerWithFile(cfg.Logging.Dir, cfg.Logging.KeepDays)
		if err != nil {
			logrus.Warnf("File logging disabled: %v", err)
		} else {
			logrus.Debugf("Logging to %s", path)
			defer util.CloseLogFile()
		}
	}

	// 收到信号时取消正在等待的请求
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := run(ctx, cfg)
	if code != exitOK {
		util.CloseLogFile()
		os.Exit(code)
	}
}
