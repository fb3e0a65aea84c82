package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/sf-bulk-client/pkg/pagination"
)

// fileWriter stores each result page of one object as <root>/<object>/<page>.csv.
type fileWriter struct {
	dir    string
	logger zerolog.Logger
}

func newFileWriter(root, object string, logger zerolog.Logger) *fileWriter {
	return &fileWriter{
		dir:    filepath.Join(root, object),
		logger: logger.With().Str("object", object).Logger(),
	}
}

func (f *fileWriter) Handle(_ context.Context, page pagination.Page) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	path := filepath.Join(f.dir, strconv.Itoa(page.Number)+".csv")
	if err := os.WriteFile(path, page.Body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	f.logger.Debug().
		Str("file", path).
		Int("bytes", len(page.Body)).
		Msg("Wrote result page")
	return nil
}
