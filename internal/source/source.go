// Package source provides an abstraction layer for collection backing
// stores (PostGIS, GeoPackage). Each store implements CollectionSource.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robert-malhotra/featureserv/internal/filter"
	"github.com/robert-malhotra/featureserv/internal/ogcapi"
)

// ErrSetup wraps collection setup failures (misconfiguration, probe
// failures). Fatal for explicitly configured collections; auto-discovered
// collections are skipped with a log entry instead.
var ErrSetup = errors.New("collection setup error")

// ErrStore wraps store-level failures (connectivity, query execution).
// Maps to a 500 response; retrying, if any, is the store client's concern.
var ErrStore = errors.New("datasource error")

// CollectionSource defines the interface for collection backing stores.
// Implementations compile filter parameters into one parameterized store
// query and map result rows into feature documents. Instances are safe for
// concurrent use: the underlying handle is a connection pool.
type CollectionSource interface {
	// Items executes a filtered, paginated feature query.
	Items(ctx context.Context, params *filter.Params) (*ItemsResult, error)

	// Item retrieves a single feature by id. Returns (nil, nil) when the
	// feature does not exist or the collection has no single-column
	// primary key (item lookup unsupported).
	Item(ctx context.Context, collectionID, featureID string) (*ogcapi.Feature, error)

	// Queryables describes the attributes accepted as filter parameters.
	Queryables(collectionID string) *ogcapi.Queryables
}

// ItemsResult contains the features of one page plus count metadata.
// NumberMatched is nil when a result cap truncated the query without a
// total count; NumberReturned is always exact.
type ItemsResult struct {
	Features       []*ogcapi.Feature
	NumberMatched  *uint64
	NumberReturned uint64
}

// FeatureCollection pairs a collection document with the source that
// serves its queries. Built once at startup, immutable afterward.
type FeatureCollection struct {
	Collection *ogcapi.Collection
	Source     CollectionSource
}

// QueryableType is the fixed taxonomy attribute filters are coerced
// through. Store-native column types map into it at setup time.
type QueryableType int

const (
	TypeString QueryableType = iota
	TypeInteger
	TypeNumber
	TypeBool
	TypeDatetime
)

// String returns the JSON schema type name of t.
func (t QueryableType) String() string {
	switch t {
	case TypeInteger:
		return "integer"
	case TypeNumber:
		return "number"
	case TypeBool:
		return "boolean"
	case TypeDatetime:
		return "datetime"
	default:
		return "string"
	}
}

// SchemaProperty returns the queryables document type/format pair for t.
func (t QueryableType) SchemaProperty() (typ, format string) {
	if t == TypeDatetime {
		return "string", "date-time"
	}
	return t.String(), ""
}

// QueryableColumn describes one filterable attribute: its public name, the
// backing store column, and the coercion type. Built once per collection
// at setup time, immutable afterward.
type QueryableColumn struct {
	Name   string
	Column string
	Type   QueryableType
}

// CoerceValue parses a raw attribute filter value according to the
// column's declared type. All call sites share this one function so
// parsing and error behavior stay identical across stores.
func CoerceValue(t QueryableType, raw string) (any, error) {
	switch t {
	case TypeString:
		return raw, nil
	case TypeInteger:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an integer", filter.ErrInvalidParameter, raw)
		}
		return v, nil
	case TypeNumber:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", filter.ErrInvalidParameter, raw)
		}
		return v, nil
	case TypeBool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a boolean", filter.ErrInvalidParameter, raw)
		}
		return v, nil
	case TypeDatetime:
		v, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an RFC 3339 timestamp", filter.ErrInvalidParameter, raw)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: unhandled queryable type %d", filter.ErrInvalidParameter, t)
	}
}

// BuildQueryables projects a collection's queryable columns into the
// schema-like queryables document.
func BuildQueryables(collectionID string, columns map[string]QueryableColumn) *ogcapi.Queryables {
	q := ogcapi.NewQueryables(collectionID)
	for name, col := range columns {
		typ, format := col.Type.SchemaProperty()
		q.Properties[name] = ogcapi.QueryableProperty{
			Title:  name,
			Type:   typ,
			Format: format,
		}
	}
	return q
}

// QuoteIdentifier quotes a SQL identifier, escaping embedded double
// quotes. Identifiers originate from configuration and schema probing,
// never from request input, but are quoted uniformly anyway.
func QuoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// SortedFilterKeys returns the attribute filter keys in sorted order so
// compiled predicates are deterministic.
func SortedFilterKeys(filters map[string]string) []string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
