package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/zapdos-labs/mnemora/internal/bootstrap"
	"github.com/zapdos-labs/mnemora/internal/config"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ~/.mnemora/config.json)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	app, err := bootstrap.New(cfg)
	if err != nil {
		log.Fatalf("Failed to wire app: %v", err)
	}

	app.Start()
	log.Printf("[Main] Started capture/schedule/backpressure loops")

	h2s := &http2.Server{}
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h2c.NewHandler(app.HTTPHandler(), h2s),
	}

	go func() {
		log.Printf("[Main] Listening on %s", cfg.ListenAddr)
		log.Printf("  - Search:   POST /api/search")
		log.Printf("  - Thread:   GET  /api/thread?threadId=...")
		log.Printf("  - Evidence: GET  /api/evidence?nodeId=...")
		log.Printf("  - Capture:  POST /api/capture")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Println("[Main] Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] HTTP server shutdown error: %v", err)
	}
	app.Stop()
	log.Println("[Main] Shutdown complete")
}
