// Package pagination walks the result set of a completed Bulk API 2.0 query job.
//
// Results are served in pages. Each response carries the cursor for the next page
// in the Sforce-Locator header; the values "NA" and "null" (or a missing header)
// mark the last page. Pages are fetched strictly one after another and handed to a
// PageHandler in server order.
//
// Example usage:
//
//	p := pagination.NewPaginator(transport, creds, pagination.DefaultConfig())
//	pages, err := p.Fetch(ctx, resultsURL, pagination.HandlerFunc(func(ctx context.Context, page pagination.Page) error {
//		return sink.Write(page.Body)
//	}))
//
// The paginator:
//   - Requests the first page with maxRecords=PageSize
//   - Follows the locator until a terminal value is seen
//   - Never issues a request past the terminal page
//   - Stops at the first transport or handler error
package pagination
