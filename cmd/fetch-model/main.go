package main

import (
	"context"
	"log"
	"neuroseg-backend/cmd"
	"neuroseg-backend/internal/registry"

	"github.com/caarlos0/env/v11"
)

// fetch-model pulls a checkpoint out of the model registry so the API
// server can load it at startup. Run it once before starting the server:
//
//	fetch-model -env .env
func main() {
	cmd.LoadEnvFile()

	var cfg registry.Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}
	if cfg.ArtifactURL == "" {
		log.Fatal("MODEL_ARTIFACT_URL must be set")
	}

	fetcher := registry.NewFetcher(cfg)
	path, err := fetcher.Fetch(context.Background())
	if err != nil {
		log.Fatalf("Failed to fetch model artifact: %v", err)
	}
	log.Printf("Model artifact written to %s", path)
}
