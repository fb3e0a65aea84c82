package bulk

import (
	"context"

	"github.com/Sternrassler/sf-bulk-client/pkg/pagination"
)

// QuerySource yields the SOQL text of a job. Name identifies the source in logs and errors.
type QuerySource interface {
	Name() string
	Query(ctx context.Context) (string, error)
}

// StaticQuery is a fixed query text.
type StaticQuery struct {
	Object string
	SOQL   string
}

// Name returns the object.
func (q StaticQuery) Name() string { return q.Object }

// Query returns the query text.
func (q StaticQuery) Query(context.Context) (string, error) { return q.SOQL, nil }

// ResultConsumer receives the pages of a completed job, one call per page in page order.
// A returned error aborts the job.
type ResultConsumer interface {
	Handle(ctx context.Context, page pagination.Page) error
}

// ConsumerFunc adapts a function to ResultConsumer.
type ConsumerFunc func(ctx context.Context, page pagination.Page) error

// Handle calls f(ctx, page).
func (f ConsumerFunc) Handle(ctx context.Context, page pagination.Page) error {
	return f(ctx, page)
}
