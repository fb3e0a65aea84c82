// Package schema reads sObject metadata from the REST API and builds select-all queries from it.
package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/Sternrassler/sf-bulk-client/pkg/auth"
	"github.com/Sternrassler/sf-bulk-client/pkg/client"
	"github.com/Sternrassler/sf-bulk-client/pkg/logging"
	"github.com/rs/zerolog"
)

// ErrNoColumns is returned when an object has no selectable columns left.
var ErrNoColumns = errors.New("object has no selectable columns")

// Getter fetches metadata, typically through the client's cache.
type Getter interface {
	GetCached(ctx context.Context, url string, header http.Header) (*client.Response, error)
}

// SObject is one entry of the global describe.
type SObject struct {
	Name      string `json:"name"`
	Label     string `json:"label"`
	Queryable bool   `json:"queryable"`
}

// Field is one field of an object describe.
type Field struct {
	Name              string `json:"name"`
	Type              string `json:"type"`
	Calculated        bool   `json:"calculated"`
	CompoundFieldName string `json:"compoundFieldName"`
}

// Description is the describe result of an object.
type Description struct {
	Name   string  `json:"name"`
	Label  string  `json:"label"`
	Fields []Field `json:"fields"`
}

// ColumnOptions selects which fields Columns drops.
type ColumnOptions struct {
	// ExcludeCompound drops fields referenced as the compound parent of another field (e.g. BillingAddress).
	ExcludeCompound bool
	// ExcludeCalculated drops formula fields.
	ExcludeCalculated bool
}

// DefaultColumnOptions excludes compound and calculated fields, which the Bulk API rejects or recomputes.
func DefaultColumnOptions() ColumnOptions {
	return ColumnOptions{ExcludeCompound: true, ExcludeCalculated: true}
}

// Service reads metadata for one org.
type Service struct {
	getter Getter
	creds  auth.Credentials
	logger zerolog.Logger
}

// NewService creates a metadata service.
func NewService(getter Getter, creds auth.Credentials) *Service {
	return &Service{
		getter: getter,
		creds:  creds,
		logger: logging.NewLogger(logging.ComponentSchema),
	}
}

// Queryable returns the names of all queryable objects, in API order.
func (s *Service) Queryable(ctx context.Context) ([]string, error) {
	var global struct {
		SObjects []SObject `json:"sobjects"`
	}
	if err := s.get(ctx, auth.DataURL(s.creds, "sobjects"), &global); err != nil {
		return nil, fmt.Errorf("list sobjects: %w", err)
	}

	names := make([]string, 0, len(global.SObjects))
	for _, obj := range global.SObjects {
		if obj.Queryable {
			names = append(names, obj.Name)
		}
	}

	s.logger.Debug().
		Int("total", len(global.SObjects)).
		Int("queryable", len(names)).
		Msg("Listed sobjects")

	return names, nil
}

// Describe returns the describe result of an object.
func (s *Service) Describe(ctx context.Context, name string) (*Description, error) {
	var desc Description
	if err := s.get(ctx, auth.DataURL(s.creds, "sobjects", name, "describe"), &desc); err != nil {
		return nil, fmt.Errorf("describe %s: %w", name, err)
	}
	return &desc, nil
}

// Columns returns the sorted field names of an object after applying opts.
func (s *Service) Columns(ctx context.Context, name string, opts ColumnOptions) ([]string, error) {
	desc, err := s.Describe(ctx, name)
	if err != nil {
		return nil, err
	}
	return desc.Columns(opts), nil
}

// Columns applies opts to the described fields and returns the remaining names sorted.
func (d *Description) Columns(opts ColumnOptions) []string {
	columns := make(map[string]struct{}, len(d.Fields))
	for _, f := range d.Fields {
		if opts.ExcludeCalculated && f.Calculated {
			continue
		}
		columns[f.Name] = struct{}{}
	}

	if opts.ExcludeCompound {
		for _, f := range d.Fields {
			if f.CompoundFieldName != "" {
				delete(columns, f.CompoundFieldName)
			}
		}
	}

	names := make([]string, 0, len(columns))
	for name := range columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Service) get(ctx context.Context, url string, v any) error {
	resp, err := s.getter.GetCached(ctx, url, s.creds.Headers())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Object is a named sObject of the org.
type Object struct {
	Name    string
	service *Service
}

// Object returns a handle for the named object. No request is made.
func (s *Service) Object(name string) *Object {
	return &Object{Name: name, service: s}
}

// Describe returns the object's describe result.
func (o *Object) Describe(ctx context.Context) (*Description, error) {
	return o.service.Describe(ctx, o.Name)
}

// Columns returns the object's columns after applying opts.
func (o *Object) Columns(ctx context.Context, opts ColumnOptions) ([]string, error) {
	return o.service.Columns(ctx, o.Name, opts)
}

// SelectAllQuery selects every non-calculated, non-compound column of an object.
// The query is built from a fresh describe each time it is requested.
type SelectAllQuery struct {
	Object  *Object
	Options ColumnOptions
}

// SelectAll returns a query source for all default columns of obj.
func SelectAll(obj *Object) *SelectAllQuery {
	return &SelectAllQuery{Object: obj, Options: DefaultColumnOptions()}
}

// Name returns the object name.
func (q *SelectAllQuery) Name() string {
	return q.Object.Name
}

// Query builds the SOQL text.
func (q *SelectAllQuery) Query(ctx context.Context) (string, error) {
	columns, err := q.Object.Columns(ctx, q.Options)
	if err != nil {
		return "", err
	}
	if len(columns) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoColumns, q.Object.Name)
	}
	return "SELECT " + strings.Join(columns, ", ") + " FROM " + q.Object.Name, nil
}
