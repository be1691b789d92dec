package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"neuroseg-backend/cmd"
	"neuroseg-backend/internal/api"
	"neuroseg-backend/internal/core"
	"neuroseg-backend/internal/preprocess"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type APIConfig struct {
	ModelPath string `env:"MODEL_PATH" envDefault:"models/last.ckpt"`
	APIPort   string `env:"API_PORT" envDefault:"8000"`
}

func main() {
	log.Println("Starting segmentation server...")

	cmd.LoadEnvFile()

	var cfg APIConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	engine, err := core.LoadEngine(cfg.ModelPath)
	if err != nil {
		log.Fatalf("Failed to load model from %s: %v", cfg.ModelPath, err)
	}
	defer func() {
		engine.Release()
		core.ShutdownRuntime()
	}()
	slog.Info("model loaded", "path", cfg.ModelPath, "device", engine.Device())

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	// No request timeout: large volumes take as long as they take.

	apiHandler := api.NewBackendService(preprocess.NewProcessor(), engine)
	r.Route("/api/v1", apiHandler.AddRoutes)

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: r,
	}

	// Goroutine for graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("API server listening on port %s", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}

	log.Println("Server stopped.")
}
