package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/op/go-logging"

	"github.com/webmux/backend/internal/backend"
	"github.com/webmux/backend/internal/backend/backendrpc"
	"github.com/webmux/backend/internal/backend/local"
	"github.com/webmux/backend/internal/config"
	"github.com/webmux/backend/internal/demo"
	"github.com/webmux/backend/internal/ws"
)

var log = logging.MustGetLogger("log")

// InitLogger receives the log level to be set in go-logging as a string.
// This method parses the string and sets the level on the logger. If the
// level string is not valid an error is returned.
func InitLogger(logLevel string) error {
	baseBackend := logging.NewLogBackend(os.Stdout, "", 0)
	format := logging.MustStringFormatter(
		`%{time:2006-01-02 15:04:05} %{level:.5s}     %{message}`,
	)
	backendFormatter := logging.NewBackendFormatter(baseBackend, format)

	backendLeveled := logging.AddModuleLevel(backendFormatter)
	logLevelCode, err := logging.LogLevel(logLevel)
	if err != nil {
		return err
	}
	backendLeveled.SetLevel(logLevelCode, "")

	logging.SetBackend(backendLeveled)
	return nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	backendMode := flag.String("backend", "", "Override backend mode (local, rpc, demo)")
	demoMode := flag.Bool("demo", false, "Shorthand for -backend=demo")
	genToken := flag.Bool("gen-token", false, "Print a fresh auth token and exit")
	flag.Parse()

	if *genToken {
		token, err := config.GenerateToken()
		if err != nil {
			log.Fatalf("Failed to generate token: %v", err)
		}
		fmt.Println(token)
		return
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *backendMode != "" {
		cfg.Backend.Mode = *backendMode
	}
	if *demoMode {
		cfg.Backend.Mode = "demo"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if err := InitLogger(cfg.LogLevel); err != nil {
		log.Fatalf("%s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var be backend.Backend
	switch cfg.Backend.Mode {
	case "demo":
		log.Info("Backend: demo churn driver")
		fake := backend.NewFake()
		demo.NewDriver(fake).Start(ctx)
		be = fake
	case "rpc":
		log.Infof("Backend: rpc daemon at %s", cfg.Backend.Addr)
		client := backendrpc.NewClient(cfg.Backend.Addr)
		defer client.Close()
		be = client
	default:
		lb, err := local.New(cfg.Backend.Shell, cfg.Backend.AttachAddr)
		if err != nil {
			log.Fatalf("Failed to start local backend: %v", err)
		}
		defer lb.Close()
		if addr := lb.AttachAddr(); addr != "" {
			log.Infof("Backend: local, attach listener on %s", addr)
		} else {
			log.Info("Backend: local")
		}
		be = lb
	}

	server := ws.NewServer(cfg, be)
	server.Start(ctx)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("Shutting down...")
		cancel()
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
