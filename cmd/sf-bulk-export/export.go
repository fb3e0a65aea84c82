package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/sf-bulk-client/pkg/bulk"
	"github.com/Sternrassler/sf-bulk-client/pkg/logging"
	"github.com/Sternrassler/sf-bulk-client/pkg/pagination"
	"github.com/Sternrassler/sf-bulk-client/pkg/schema"
)

func exportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "export [objects...]",
		Short: "Export objects to <output-dir>/<Object>/<page>.csv",
		Long: `Export runs one select-all bulk query per object and writes every result page
to its own CSV file. Without arguments all queryable objects are exported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if opts.cfg.MetricsAddr != "" {
				stop := serveMetrics(opts.cfg.MetricsAddr, opts.logger)
				defer stop()
			}

			s, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			return opts.export(ctx, s, args)
		},
	}
}

func (o *options) export(ctx context.Context, s *session, objects []string) error {
	if len(objects) == 0 {
		var err error
		if objects, err = s.schema.Queryable(ctx); err != nil {
			return err
		}
	}

	conn := bulk.NewConnection(s.client, s.creds)
	paginator := pagination.NewPaginator(s.client, s.creds, o.cfg.PaginationConfig()).
		WithLogger(o.componentLogger(logging.ComponentPaginator))

	queue := bulk.NewQueue(o.cfg.ParallelJobs,
		bulk.WithQueueLogger(o.componentLogger(logging.ComponentQueue)),
		bulk.WithBatchObserver(func(n int) {
			o.logger.Info().Int("jobs", n).Msg("Dispatching batch")
		}),
	)
	jobLogger := o.componentLogger(logging.ComponentJob)
	for _, name := range objects {
		job := bulk.NewJob(schema.SelectAll(s.schema.Object(name)), conn,
			bulk.WithPaginator(paginator),
			bulk.WithLogger(jobLogger),
		)
		job.OnComplete = append(job.OnComplete, newFileWriter(o.cfg.OutputDir, name, o.logger))
		queue.Append(job)
	}

	o.logger.Info().
		Int("objects", len(objects)).
		Int("parallel_jobs", queue.ParallelJobs()).
		Str("output_dir", o.cfg.OutputDir).
		Msg("Starting export")

	start := time.Now()
	if err := queue.RunAll(ctx); err != nil {
		return fmt.Errorf("export aborted with %d jobs not started: %w", queue.Len(), err)
	}

	o.logger.Info().
		Dur("duration", time.Since(start)).
		Msg("Export finished")
	return nil
}

func objectsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "objects",
		Short: "List the queryable objects of the org",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			names, err := s.schema.Queryable(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
