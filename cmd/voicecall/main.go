package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/voicecall/internal/app"
	"github.com/ent0n29/voicecall/internal/config"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("config error: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	built, err := app.Build(runCtx, cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			log.Printf("cleanup failed: %v", err)
		}
	}()
	log.Printf("transcription: %s", built.Providers.Transcription)
	log.Printf("inference: %s", built.Providers.Inference)
	log.Printf("speech output: %s", built.Providers.Speech)
	log.Printf("memory: %s", built.Providers.Memory)
	if cfg.APIToken == "" {
		log.Printf("APP_API_TOKEN not set; /v1 operator API is unauthenticated")
	}

	built.Sessions.StartJanitor(runCtx, cfg.JanitorInterval)
	workersDone := make(chan error, 1)
	go func() {
		workersDone <- built.Orchestrator.Run(runCtx)
	}()

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}
	go func() {
		log.Printf("server listening on %s (webhooks at %s/twilio/voice)", cfg.BindAddr, cfg.PublicBaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Printf("shutdown signal received")
	case err := <-workersDone:
		log.Printf("turn workers stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	runCancel()

	log.Printf("shutdown complete")
}
