package app

import (
	"context"
	"errors"
	"log"

	"ticketbridge/internal/config"
	"ticketbridge/internal/worker/sweep"
)

// RunWorker sweeps expired sessions and OAuth states in the database until ctx
// is done. With once set it runs a single pass and returns its error.
func RunWorker(ctx context.Context, cfg *config.Config, once bool) error {
	if cfg.DatabaseURL == "" {
		return errors.New("worker: DATABASE_URL is required; the server sweeps its in-memory store itself")
	}
	stores, err := OpenStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	job := sweep.New(stores.Store, stores.States, cfg.SweepInterval())
	if once {
		_, err := job.RunOnce(ctx)
		return err
	}
	log.Printf("worker: sweeping every %s", cfg.SweepInterval())
	job.Run(ctx)
	log.Println("worker: stopped")
	return nil
}
