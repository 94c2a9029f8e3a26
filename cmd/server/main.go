// server runs the ticketbridge HTTP API and gRPC health service.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ticketbridge/internal/app"
	"ticketbridge/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunServer(ctx, cfg); err != nil {
		log.Fatalf("server: %v", err)
	}
	log.Println("server stopped")
}
