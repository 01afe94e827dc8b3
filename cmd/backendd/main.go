package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/op/go-logging"

	"github.com/webmux/backend/internal/backend/backendrpc"
	"github.com/webmux/backend/internal/backend/local"
	"github.com/webmux/backend/internal/config"
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
	listen := flag.String("listen", "", "Override listen address")
	shell := flag.String("shell", "", "Override console shell")
	attach := flag.String("attach", "", "Override attach listener address")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.Backend.Addr = *listen
	}
	if *shell != "" {
		cfg.Backend.Shell = *shell
	}
	if *attach != "" {
		cfg.Backend.AttachAddr = *attach
	}
	if err := InitLogger(cfg.LogLevel); err != nil {
		log.Fatalf("%s", err)
	}

	lb, err := local.New(cfg.Backend.Shell, cfg.Backend.AttachAddr)
	if err != nil {
		log.Fatalf("Failed to start local backend: %v", err)
	}
	defer lb.Close()

	srv, err := backendrpc.NewServer(lb)
	if err != nil {
		log.Fatalf("Failed to build rpc server: %v", err)
	}

	network := "tcp"
	if strings.ContainsRune(cfg.Backend.Addr, '/') {
		network = "unix"
		_ = os.Remove(cfg.Backend.Addr)
	}
	ln, err := net.Listen(network, cfg.Backend.Addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", cfg.Backend.Addr, err)
	}
	log.Infof("backend daemon listening on %s", ln.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("Shutting down...")
		cancel()
	}()

	if err := srv.Serve(ctx, ln); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
