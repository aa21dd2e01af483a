package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coterie-chat/coterie/pkg/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	configPath := flag.String("config", "~/.coterie/config.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	wsPort := flag.Int("ws-port", -1, "WebSocket port, 0 to disable (overrides config)")
	metricsPort := flag.Int("metrics-port", -1, "Prometheus metrics port, 0 to disable (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("coterie server %s\n", Version)
		os.Exit(0)
	}

	if *debug {
		server.EnableDebugLogging(os.Stderr)
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	config := tomlConfig.RuntimeConfig()
	if *port != 0 {
		config.TCPPort = *port
	}
	if *wsPort >= 0 {
		config.WSPort = *wsPort
	}
	if *metricsPort >= 0 {
		config.MetricsPort = *metricsPort
	}

	srv := server.NewServer(config)
	srv.SetMetrics(server.NewMetrics())

	if config.MetricsPort > 0 {
		go func() {
			addr := fmt.Sprintf(":%d", config.MetricsPort)
			log.Printf("Metrics endpoint on %s/metrics", addr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	log.Printf("Received %v, shutting down", sig)
	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}
