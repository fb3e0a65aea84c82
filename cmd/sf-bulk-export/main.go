// Command sf-bulk-export exports Salesforce objects to CSV files through Bulk API 2.0 query jobs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("sf-bulk-export failed")
		stop()
		os.Exit(1)
	}
}
