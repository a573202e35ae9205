package postgis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/twpayne/go-geom/encoding/wkb"

	"github.com/robert-malhotra/featureserv/internal/filter"
	"github.com/robert-malhotra/featureserv/internal/ogcapi"
	"github.com/robert-malhotra/featureserv/internal/source"
)

var _ source.CollectionSource = (*Source)(nil)

// sqlBuilder accumulates SQL text and numbered bind arguments.
type sqlBuilder struct {
	sql  strings.Builder
	args []any
	// hasWhere tracks whether the statement already carries a WHERE
	// clause, its own or an appended one.
	hasWhere bool
}

func newSQLBuilder(baseSQL string) *sqlBuilder {
	b := &sqlBuilder{hasWhere: strings.Contains(strings.ToLower(baseSQL), "where")}
	b.sql.WriteString(baseSQL)
	return b
}

// bind registers an argument and returns its placeholder.
func (b *sqlBuilder) bind(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

// predicate appends a filter expression, choosing the WHERE or AND
// connector as needed.
func (b *sqlBuilder) predicate(expr string) {
	if b.hasWhere {
		b.sql.WriteString(" AND ")
	} else {
		b.sql.WriteString(" WHERE ")
		b.hasWhere = true
	}
	b.sql.WriteString(expr)
}

// buildItemsSQL compiles the filter parameters into one parameterized
// query. withTotal reports whether the projection carries the window total
// count; it is false when a configured result cap suppresses counting.
func (s *Source) buildItemsSQL(params *filter.Params) (sql string, args []any, withTotal bool, err error) {
	b := newSQLBuilder(s.sql)
	geom := source.QuoteIdentifier(s.geometryColumn)

	if bbox, err := params.ParseBBox(); err != nil {
		return "", nil, false, err
	} else if bbox != nil {
		x0, y0, x1, y1 := 0, 1, 2, 3
		if len(bbox) == 6 {
			x0, y0, x1, y1 = 0, 1, 3, 4
		}
		b.predicate(fmt.Sprintf("ST_Intersects(%s, ST_MakeEnvelope(%s, %s, %s, %s, 4326))",
			geom, b.bind(bbox[x0]), b.bind(bbox[y0]), b.bind(bbox[x1]), b.bind(bbox[y1])))
	}

	if ids := params.IDList(); ids != nil {
		if s.pkColumn == nil {
			return "", nil, false, fmt.Errorf("%w: collection has no single primary key, ids filter unsupported", filter.ErrInvalidParameter)
		}
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = b.bind(id)
		}
		b.predicate(fmt.Sprintf("%s::text IN (%s)",
			source.QuoteIdentifier(*s.pkColumn), strings.Join(placeholders, ", ")))
	}

	if geojson, err := params.IntersectsGeoJSON(); err != nil {
		return "", nil, false, err
	} else if geojson != "" {
		b.predicate(fmt.Sprintf("ST_Intersects(%s, ST_GeomFromGeoJSON(%s))", geom, b.bind(geojson)))
	}

	if err := s.temporalPredicates(b, params); err != nil {
		return "", nil, false, err
	}

	for _, key := range source.SortedFilterKeys(params.Filters) {
		col, ok := s.queryables[key]
		if !ok {
			return "", nil, false, fmt.Errorf("%w: unknown queryable %q", filter.ErrInvalidParameter, key)
		}
		value := params.Filters[key]
		column := source.QuoteIdentifier(col.Column)
		if strings.Contains(value, "*") {
			b.predicate(fmt.Sprintf("%s::text LIKE %s", column, b.bind(strings.ReplaceAll(value, "*", "%"))))
			continue
		}
		coerced, err := source.CoerceValue(col.Type, value)
		if err != nil {
			return "", nil, false, fmt.Errorf("queryable %q: %w", key, err)
		}
		b.predicate(fmt.Sprintf("%s = %s", column, b.bind(coerced)))
	}

	limit := params.LimitOrDefault()
	withTotal = true
	if s.maxResults != nil {
		withTotal = false
		if limit > *s.maxResults {
			limit = *s.maxResults
		}
	}
	var offset uint64
	if params.Offset != nil {
		offset = *params.Offset
	}

	outer := &strings.Builder{}
	fmt.Fprintf(outer, "WITH query AS (%s) SELECT %s FROM query t", b.sql.String(), s.projection(withTotal))
	if s.orderingColumn != nil {
		fmt.Fprintf(outer, " ORDER BY t.%s", source.QuoteIdentifier(*s.orderingColumn))
	}
	fmt.Fprintf(outer, " LIMIT %s OFFSET %s", b.bind(limit), b.bind(offset))

	return outer.String(), b.args, withTotal, nil
}

// temporalPredicates compiles the datetime filter. An instant matches the
// temporal column by equality. Interval bounds compile against the temporal
// column, except a closed upper bound, which constrains the end column when
// one is configured.
func (s *Source) temporalPredicates(b *sqlBuilder, params *filter.Params) error {
	parts, err := params.Temporal()
	if err != nil {
		return err
	}
	if parts == nil {
		return nil
	}
	if s.temporalColumn == nil {
		return fmt.Errorf("%w: collection has no temporal field", filter.ErrInvalidParameter)
	}
	start := source.QuoteIdentifier(*s.temporalColumn)
	end := start
	if s.temporalEndColumn != nil {
		end = source.QuoteIdentifier(*s.temporalEndColumn)
	}

	if len(parts) == 1 {
		b.predicate(fmt.Sprintf("%s = %s", start, b.bind(parts[0].Time)))
		return nil
	}
	switch {
	case parts[0].Open:
		b.predicate(fmt.Sprintf("%s <= %s", start, b.bind(parts[1].Time)))
	case parts[1].Open:
		b.predicate(fmt.Sprintf("%s >= %s", start, b.bind(parts[0].Time)))
	default:
		b.predicate(fmt.Sprintf("%s >= %s", start, b.bind(parts[0].Time)))
		b.predicate(fmt.Sprintf("%s <= %s", end, b.bind(parts[1].Time)))
	}
	return nil
}

// projection builds the outer select list: the feature's properties as a
// JSON object with the geometry and primary key removed, the geometry as
// GeoJSON, its envelope as WKB for the bbox, and the primary key as text.
func (s *Source) projection(withTotal bool) string {
	properties := fmt.Sprintf("to_jsonb(t.*) - '%s'", strings.ReplaceAll(s.geometryAlias, "'", "''"))
	if s.pkColumn != nil {
		properties += fmt.Sprintf(" - '%s'", strings.ReplaceAll(*s.pkColumn, "'", "''"))
	}
	geom := source.QuoteIdentifier(s.geometryAlias)
	cols := []string{
		properties + " AS properties",
		fmt.Sprintf("ST_AsGeoJSON(t.%s)::jsonb AS geometry", geom),
		fmt.Sprintf("ST_AsBinary(ST_Envelope(t.%s)) AS envelope", geom),
	}
	if s.pkColumn != nil {
		cols = append(cols, fmt.Sprintf("t.%s::varchar AS pk", source.QuoteIdentifier(*s.pkColumn)))
	}
	if withTotal {
		cols = append(cols, "count(*) OVER () AS total")
	}
	return strings.Join(cols, ", ")
}

// Items implements source.CollectionSource.
func (s *Source) Items(ctx context.Context, params *filter.Params) (*source.ItemsResult, error) {
	sql, args, withTotal, err := s.buildItemsSQL(params)
	if err != nil {
		return nil, err
	}

	rows, err := s.ds.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying items: %v", source.ErrStore, err)
	}
	defer rows.Close()

	result := &source.ItemsResult{}
	var total uint64
	for rows.Next() {
		var (
			props, geomJSON, envelope []byte
			pk                        string
		)
		dest := []any{&props, &geomJSON, &envelope}
		if s.pkColumn != nil {
			dest = append(dest, &pk)
		}
		if withTotal {
			dest = append(dest, &total)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("%w: scanning items: %v", source.ErrStore, err)
		}
		feature, err := buildFeature(props, geomJSON, envelope)
		if err != nil {
			return nil, err
		}
		if s.pkColumn != nil {
			id := pk
			feature.ID = &id
		}
		result.Features = append(result.Features, feature)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: querying items: %v", source.ErrStore, err)
	}

	result.NumberReturned = uint64(len(result.Features))
	if withTotal {
		if len(result.Features) > 0 {
			result.NumberMatched = &total
		} else if params.Offset == nil || *params.Offset == 0 {
			var zero uint64
			result.NumberMatched = &zero
		}
	}
	return result, nil
}

// Item implements source.CollectionSource. Collections without a
// single-column primary key report every feature as absent.
func (s *Source) Item(ctx context.Context, collectionID, featureID string) (*ogcapi.Feature, error) {
	if s.pkColumn == nil {
		return nil, nil
	}

	b := newSQLBuilder(s.sql)
	b.predicate(fmt.Sprintf("%s::text = %s", source.QuoteIdentifier(*s.pkColumn), b.bind(featureID)))
	sql := fmt.Sprintf("WITH query AS (%s) SELECT %s FROM query t", b.sql.String(), s.projection(false))

	var (
		props, geomJSON, envelope []byte
		pk                        string
	)
	err := s.ds.Pool.QueryRow(ctx, sql, b.args...).Scan(&props, &geomJSON, &envelope, &pk)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: querying item %q: %v", source.ErrStore, featureID, err)
	}
	feature, err := buildFeature(props, geomJSON, envelope)
	if err != nil {
		return nil, err
	}
	id := pk
	feature.ID = &id
	return feature, nil
}

// Queryables implements source.CollectionSource. Collections without
// queryable fields still get a schema document, with empty properties.
func (s *Source) Queryables(collectionID string) *ogcapi.Queryables {
	return source.BuildQueryables(collectionID, s.queryables)
}

// buildFeature assembles a feature document from the projection's columns.
// The properties and geometry JSON pass through untouched so coordinate
// precision survives; only the WKB envelope is decoded, for the bbox.
func buildFeature(props, geomJSON, envelope []byte) (*ogcapi.Feature, error) {
	feature := &ogcapi.Feature{
		Type:       "Feature",
		Properties: props,
		Geometry:   geomJSON,
	}
	if envelope != nil {
		g, err := wkb.Unmarshal(envelope)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding envelope: %v", source.ErrStore, err)
		}
		bounds := g.Bounds()
		feature.Bbox = []float64{bounds.Min(0), bounds.Min(1), bounds.Max(0), bounds.Max(1)}
	}
	return feature, nil
}
