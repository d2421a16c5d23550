package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"css-relay/internal/config"
	"css-relay/internal/game"
	"css-relay/internal/httpapi"
	"css-relay/internal/logging"
	"css-relay/internal/prompt"
	"css-relay/internal/render"
	"css-relay/internal/room"
	"css-relay/internal/ws"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogPretty)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	renderer, err := render.NewClient(cfg.RendererURL, cfg.ResultsDir, logger)
	if err != nil {
		logger.Fatal("renderer init", zap.Error(err))
	}

	catalogue, err := prompt.Load(context.Background(), cfg.PromptsDir, renderer, logger)
	if err != nil {
		logger.Fatal("prompt catalogue", zap.Error(err))
	}

	registry := room.NewRegistry(logger)
	hub := ws.NewHub(registry, logger)
	engine := game.NewEngine(registry, hub, renderer, catalogue, cfg.TurnSeconds, logger)

	handler := httpapi.SetupRoutes(hub, engine, cfg.PromptsDir, cfg.ResultsDir, logger)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	engine.Shutdown()
}
