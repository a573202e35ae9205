package gpkg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/robert-malhotra/featureserv/internal/filter"
	"github.com/robert-malhotra/featureserv/internal/ogcapi"
	"github.com/robert-malhotra/featureserv/internal/source"
)

var _ source.CollectionSource = (*Source)(nil)

// totalColumn aliases the window total count in the items statement. The
// name is reserved; a feature table column of the same name would be
// shadowed in the result.
const totalColumn = "__total"

// buildPredicates compiles the filter parameters into WHERE expressions
// and their bind arguments, in a fixed order so the compiled query is
// deterministic.
func (s *Source) buildPredicates(params *filter.Params) ([]string, []any, error) {
	var (
		preds []string
		args  []any
	)

	if bbox, err := params.ParseBBox(); err != nil {
		return nil, nil, err
	} else if bbox != nil {
		x0, y0, x1, y1 := 0, 1, 2, 3
		if len(bbox) == 6 {
			x0, y0, x1, y1 = 0, 1, 3, 4
		}
		expr, rtreeArgs, err := s.rtreePredicate(bbox[x0], bbox[y0], bbox[x1], bbox[y1])
		if err != nil {
			return nil, nil, err
		}
		preds = append(preds, expr)
		args = append(args, rtreeArgs...)
	}

	if ids := params.IDList(); ids != nil {
		if s.pkColumn == nil {
			return nil, nil, fmt.Errorf("%w: collection has no single primary key, ids filter unsupported", filter.ErrInvalidParameter)
		}
		placeholders := strings.Repeat("?, ", len(ids)-1) + "?"
		preds = append(preds, fmt.Sprintf("CAST(%s AS TEXT) IN (%s)",
			source.QuoteIdentifier(*s.pkColumn), placeholders))
		for _, id := range ids {
			args = append(args, id)
		}
	}

	if bounds, err := params.IntersectsBounds(); err != nil {
		return nil, nil, err
	} else if bounds != nil {
		// The R-tree only answers envelope overlap, so the intersects
		// geometry degrades to its bounding box here.
		expr, rtreeArgs, err := s.rtreePredicate(bounds[0], bounds[1], bounds[2], bounds[3])
		if err != nil {
			return nil, nil, err
		}
		preds = append(preds, expr)
		args = append(args, rtreeArgs...)
	}

	temporalPreds, temporalArgs, err := s.temporalPredicates(params)
	if err != nil {
		return nil, nil, err
	}
	preds = append(preds, temporalPreds...)
	args = append(args, temporalArgs...)

	for _, key := range source.SortedFilterKeys(params.Filters) {
		col, ok := s.queryables[key]
		if !ok {
			return nil, nil, fmt.Errorf("%w: unknown queryable %q", filter.ErrInvalidParameter, key)
		}
		value := params.Filters[key]
		column := source.QuoteIdentifier(col.Column)
		if strings.Contains(value, "*") {
			// GLOB keeps wildcard matching case sensitive, and its
			// wildcard is already *.
			preds = append(preds, fmt.Sprintf("CAST(%s AS TEXT) GLOB ?", column))
			args = append(args, value)
			continue
		}
		coerced, err := source.CoerceValue(col.Type, value)
		if err != nil {
			return nil, nil, fmt.Errorf("queryable %q: %w", key, err)
		}
		if col.Type == source.TypeDatetime {
			preds = append(preds, fmt.Sprintf("datetime(%s) = datetime(?)", column))
			args = append(args, value)
			continue
		}
		preds = append(preds, fmt.Sprintf("%s = ?", column))
		args = append(args, coerced)
	}

	return preds, args, nil
}

// rtreePredicate builds the R-tree semi-join for an envelope overlap test.
func (s *Source) rtreePredicate(minX, minY, maxX, maxY float64) (string, []any, error) {
	if s.rtree == "" {
		return "", nil, fmt.Errorf("%w: collection has no spatial index, spatial filters unsupported", filter.ErrInvalidParameter)
	}
	expr := fmt.Sprintf("%s IN (SELECT id FROM %s WHERE minx <= ? AND maxx >= ? AND miny <= ? AND maxy >= ?)",
		source.QuoteIdentifier(*s.pkColumn), source.QuoteIdentifier(s.rtree))
	return expr, []any{maxX, minX, maxY, minY}, nil
}

func (s *Source) temporalPredicates(params *filter.Params) ([]string, []any, error) {
	parts, err := params.Temporal()
	if err != nil {
		return nil, nil, err
	}
	if parts == nil {
		return nil, nil, nil
	}
	if s.temporalColumn == nil {
		return nil, nil, fmt.Errorf("%w: collection has no temporal field", filter.ErrInvalidParameter)
	}
	start := fmt.Sprintf("datetime(%s)", source.QuoteIdentifier(*s.temporalColumn))
	end := start
	if s.temporalEndColumn != nil {
		end = fmt.Sprintf("datetime(%s)", source.QuoteIdentifier(*s.temporalEndColumn))
	}

	var (
		preds []string
		args  []any
	)
	if len(parts) == 1 {
		preds = append(preds, start+" = datetime(?)")
		args = append(args, parts[0].Time.Format(time.RFC3339))
		return preds, args, nil
	}
	switch {
	case parts[0].Open:
		preds = append(preds, start+" <= datetime(?)")
		args = append(args, parts[1].Time.Format(time.RFC3339))
	case parts[1].Open:
		preds = append(preds, start+" >= datetime(?)")
		args = append(args, parts[0].Time.Format(time.RFC3339))
	default:
		preds = append(preds, start+" >= datetime(?)", end+" <= datetime(?)")
		args = append(args, parts[0].Time.Format(time.RFC3339), parts[1].Time.Format(time.RFC3339))
	}
	return preds, args, nil
}

// Items implements source.CollectionSource. The total count rides along as
// a window count in the same statement; a configured result cap suppresses
// counting and the total.
func (s *Source) Items(ctx context.Context, params *filter.Params) (*source.ItemsResult, error) {
	preds, args, err := s.buildPredicates(params)
	if err != nil {
		return nil, err
	}
	where := ""
	if len(preds) > 0 {
		where = " WHERE " + strings.Join(preds, " AND ")
	}

	limit := params.LimitOrDefault()
	withTotal := true
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

	projection := "*"
	if withTotal {
		projection = "*, count(*) OVER () AS " + totalColumn
	}
	query := "SELECT " + projection + " FROM " + source.QuoteIdentifier(s.table) + where
	if s.orderingColumn != nil {
		query += " ORDER BY " + source.QuoteIdentifier(*s.orderingColumn)
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, int64(limit), int64(offset))

	rows, err := s.ds.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying items: %v", source.ErrStore, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: querying items: %v", source.ErrStore, err)
	}
	totalIdx := -1
	for i, column := range columns {
		if column == totalColumn {
			totalIdx = i
		}
	}

	result := &source.ItemsResult{}
	var total *uint64
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("%w: scanning items: %v", source.ErrStore, err)
		}
		if totalIdx >= 0 {
			if n, ok := values[totalIdx].(int64); ok && n >= 0 {
				t := uint64(n)
				total = &t
			}
		}
		feature, err := s.buildFeature(columns, values)
		if err != nil {
			return nil, err
		}
		result.Features = append(result.Features, feature)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: querying items: %v", source.ErrStore, err)
	}

	result.NumberReturned = uint64(len(result.Features))
	if withTotal {
		if total != nil {
			result.NumberMatched = total
		} else if params.Offset == nil || *params.Offset == 0 {
			var zero uint64
			result.NumberMatched = &zero
		}
	}
	return result, nil
}

// Item implements source.CollectionSource.
func (s *Source) Item(ctx context.Context, collectionID, featureID string) (*ogcapi.Feature, error) {
	if s.pkColumn == nil {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE CAST(%s AS TEXT) = ? LIMIT 1",
		source.QuoteIdentifier(s.table), source.QuoteIdentifier(*s.pkColumn))

	rows, err := s.ds.db.QueryContext(ctx, query, featureID)
	if err != nil {
		return nil, fmt.Errorf("%w: querying item %q: %v", source.ErrStore, featureID, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: querying item %q: %v", source.ErrStore, featureID, err)
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("%w: querying item %q: %v", source.ErrStore, featureID, err)
		}
		return nil, nil
	}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("%w: scanning item %q: %v", source.ErrStore, featureID, err)
	}
	return s.buildFeature(columns, values)
}

// Queryables implements source.CollectionSource. Collections without
// queryable fields still get a schema document, with empty properties.
func (s *Source) Queryables(collectionID string) *ogcapi.Queryables {
	return source.BuildQueryables(collectionID, s.queryables)
}

// buildFeature maps one result row into a feature document: the geometry
// blob is decoded, the primary key becomes the feature id, and every
// remaining column becomes a property.
func (s *Source) buildFeature(columns []string, values []any) (*ogcapi.Feature, error) {
	properties := make(map[string]any, len(columns))
	var (
		geomBlob []byte
		id       *string
	)
	for i, column := range columns {
		value := values[i]
		switch {
		case column == totalColumn:
			// window count alias, not a feature property
		case column == s.geometryColumn:
			geomBlob, _ = value.([]byte)
		case s.pkColumn != nil && column == *s.pkColumn:
			v := fmt.Sprint(value)
			id = &v
		default:
			if b, ok := value.([]byte); ok {
				value = string(b)
			}
			properties[column] = value
		}
	}

	propsJSON, err := json.Marshal(properties)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding properties: %v", source.ErrStore, err)
	}
	feature := &ogcapi.Feature{Type: "Feature", ID: id, Properties: propsJSON}

	if geomBlob != nil {
		g, envelope, err := DecodeGeometry(geomBlob)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", source.ErrStore, err)
		}
		if g != nil {
			geomJSON, err := geojson.Marshal(g)
			if err != nil {
				return nil, fmt.Errorf("%w: encoding geometry: %v", source.ErrStore, err)
			}
			feature.Geometry = geomJSON
			if envelope == nil {
				bounds := g.Bounds()
				envelope = []float64{bounds.Min(0), bounds.Min(1), bounds.Max(0), bounds.Max(1)}
			}
		}
		feature.Bbox = envelope
	}
	return feature, nil
}
