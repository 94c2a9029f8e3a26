// worker deletes expired sessions and OAuth states every SWEEP_INTERVAL.
// Requires DATABASE_URL; pass -once to run a single pass (e.g. from cron).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ticketbridge/internal/app"
	"ticketbridge/internal/config"
)

func main() {
	once := flag.Bool("once", false, "run one sweep and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunWorker(ctx, cfg, *once); err != nil {
		log.Fatalf("worker: %v", err)
	}
}
