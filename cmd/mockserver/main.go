package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/9triver/mutator/internal/mockserver"
	"github.com/9triver/mutator/internal/util"
	"github.com/sirupsen/logrus"
)

func main() {
	configFile := flag.String("config", "mockserver.yaml", "Path to config file")
	listen := flag.String("listen", "", "Listen address (overrides listen)")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	cfg, err := mockserver.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	util.InitLogger(*logLevel)

	srv, err := mockserver.New(cfg)
	if err != nil {
		logrus.Fatalf("Failed to create mock server: %v", err)
	}
	if err := srv.Start(); err != nil {
		logrus.Fatalf("Failed to start mock server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logrus.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logrus.Errorf("Shutdown: %v", err)
	}
}
