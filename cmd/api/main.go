package main

import (
	"log"

	"github.com/reviewpulse/credit-engine/internal/config"
	pkgconfig "github.com/reviewpulse/credit-engine/pkg/config"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

func main() {
	// Load environment files explicitly
	envFiles := []string{".env.local", ".env.development", ".env"}
	config.LoadEnvFiles(envFiles)

	// Load configuration from YAML
	cfg, err := config.LoadFromFile("config.yaml")
	if err != nil {
		fiberlog.Fatalf("Failed to load config: %v", err)
	}

	// Create server with explicit config
	server := pkgconfig.NewServer(cfg)

	// Start the server
	log.Println("Starting credit engine server...")
	if err := server.Run(); err != nil {
		fiberlog.Fatalf("Server failed: %v", err)
	}
}
