// Package postgis implements the PostGIS collection source: schema
// probing at setup time and compilation of filter parameters into one
// parameterized SQL query per request.
package postgis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/robert-malhotra/featureserv/internal/source"
)

// Pool bounds per configured datasource. Exhaustion queues callers rather
// than failing them; bounded latency is the caller's concern.
const (
	poolMinConns = 0
	poolMaxConns = 8
)

// Datasource is a pooled PostGIS connection shared by every collection
// configured against it.
type Datasource struct {
	Pool    *pgxpool.Pool
	Schemas []string
	logger  *slog.Logger
}

// New creates a connection pool for the given URL. searchPath, when
// non-empty, is a comma-separated schema list applied to every connection.
func New(ctx context.Context, url, searchPath string, logger *slog.Logger) (*Datasource, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing datasource url: %v", source.ErrSetup, err)
	}
	cfg.MinConns = poolMinConns
	cfg.MaxConns = poolMaxConns

	schemas := []string{"public"}
	if searchPath != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = searchPath
		schemas = splitSearchPath(searchPath)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: creating connection pool: %v", source.ErrStore, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: connecting to datasource: %v", source.ErrStore, err)
	}

	return &Datasource{Pool: pool, Schemas: schemas, logger: logger}, nil
}

// Close releases the connection pool.
func (ds *Datasource) Close() {
	ds.Pool.Close()
}

// CollectionConfig is the per-collection configuration consumed by
// SetupCollection. Exactly one of TableName and SQL must be set;
// a free-form SQL query additionally requires GeometryField.
type CollectionConfig struct {
	Name        string
	Title       string
	Description string

	TableSchema string
	TableName   string
	SQL         string

	FIDField         string
	GeometryField    string
	TemporalField    string
	TemporalEndField string
	OrderingField    string

	// QueryableFields maps public filter names to store column names.
	QueryableFields map[string]string

	MaxResults      *uint64
	TemporalExtents [][]string
}

// Source serves one collection's queries. Immutable after setup; safe for
// concurrent use because ds holds a pool, not a private connection.
type Source struct {
	ds           *Datasource
	collectionID string

	sql            string
	geometryColumn string
	// geometryAlias is the geometry column's name in the base query's
	// output, used in the final projection.
	geometryAlias string
	// pkColumn is nil when the table has no single-column primary key;
	// item lookups and id filters degrade to unsupported.
	pkColumn          *string
	temporalColumn    *string
	temporalEndColumn *string
	orderingColumn    *string
	queryables        map[string]source.QueryableColumn
	fieldMap          map[string]string
	maxResults        *uint64
}

// SetupCollection probes the store for the collection's schema (primary
// key, geometry column, queryable column types) and returns the ready
// collection. Any failure here is a setup error: fatal for explicitly
// configured collections, skip-and-log for auto-discovered ones.
func SetupCollection(ctx context.Context, ds *Datasource, cfg CollectionConfig, baseURL string) (*source.FeatureCollection, error) {
	ds.logger.Info("setting up postgis collection", slog.String("collection", cfg.Name))

	if cfg.TableName == "" && cfg.SQL == "" {
		return nil, fmt.Errorf("%w: collection %q: table_name or sql missing", source.ErrSetup, cfg.Name)
	}
	if cfg.TableName != "" && cfg.SQL != "" {
		ds.logger.Warn("table_name ignored, using sql", slog.String("collection", cfg.Name))
	}

	fieldMap := make(map[string]string, len(cfg.QueryableFields))
	for k, v := range cfg.QueryableFields {
		fieldMap[k] = v
	}

	var (
		pkColumn       *string
		geometryColumn string
		geometryAlias  string
		baseSQL        string
	)
	if cfg.SQL == "" {
		schema := cfg.TableSchema
		if schema == "" {
			schema = "public"
		}
		if cfg.FIDField != "" {
			fid := cfg.FIDField
			pkColumn = &fid
		} else {
			detected, err := detectPrimaryKey(ctx, ds, schema, cfg.TableName)
			if err != nil {
				return nil, err
			}
			pkColumn = detected
		}
		var err error
		geometryColumn, err = detectGeometryColumn(ctx, ds, schema, cfg.TableName)
		if err != nil {
			return nil, err
		}
		geometryAlias = geometryColumn
		if cfg.GeometryField != "" {
			geometryAlias = cfg.GeometryField
		}
		baseSQL = fmt.Sprintf("SELECT * FROM %s.%s",
			source.QuoteIdentifier(schema), source.QuoteIdentifier(cfg.TableName))
	} else {
		if cfg.FIDField != "" {
			fid := cfg.FIDField
			pkColumn = &fid
		}
		if cfg.GeometryField == "" {
			return nil, fmt.Errorf("%w: collection %q: geometry_field missing for sql collection", source.ErrSetup, cfg.Name)
		}
		geometryAlias = cfg.GeometryField
		geometryColumn = geometryAlias
		if mapped, ok := fieldMap[cfg.GeometryField]; ok {
			geometryColumn = mapped
			delete(fieldMap, cfg.GeometryField)
		}
		baseSQL = cfg.SQL
	}
	if err := checkQuery(ctx, ds, baseSQL); err != nil {
		return nil, fmt.Errorf("%w: collection %q: %v", source.ErrSetup, cfg.Name, err)
	}
	if pkColumn == nil {
		ds.logger.Warn("no single primary key, single item queries will be ignored",
			slog.String("collection", cfg.Name))
	}

	queryables, err := probeQueryables(ctx, ds, cfg.Name, baseSQL, fieldMap)
	if err != nil {
		return nil, err
	}

	src := &Source{
		ds:                ds,
		collectionID:      cfg.Name,
		sql:               baseSQL,
		geometryColumn:    geometryColumn,
		geometryAlias:     geometryAlias,
		pkColumn:          pkColumn,
		temporalColumn:    resolveColumn(cfg.TemporalField, fieldMap),
		temporalEndColumn: resolveColumn(cfg.TemporalEndField, fieldMap),
		orderingColumn:    optional(cfg.OrderingField),
		queryables:        queryables,
		fieldMap:          fieldMap,
		maxResults:        cfg.MaxResults,
	}

	bbox, err := src.queryExtent(ctx)
	if err != nil {
		ds.logger.Warn("falling back to world extent",
			slog.String("collection", cfg.Name), slog.String("error", err.Error()))
		bbox = []float64{-180, -90, 180, 90}
	}

	collection := source.NewCollectionDoc(cfg.Name, cfg.Title, cfg.Description,
		bbox, cfg.TemporalExtents, baseURL, len(queryables) > 0)
	return &source.FeatureCollection{Collection: collection, Source: src}, nil
}

// AutoDiscover builds one collection per spatial table registered in the
// store's geometry catalog. A failing table is logged and skipped;
// discovery continues.
func AutoDiscover(ctx context.Context, ds *Datasource, baseURL string) ([]*source.FeatureCollection, error) {
	rows, err := ds.Pool.Query(ctx, `
		SELECT f_table_schema, f_table_name
		FROM geometry_columns
		  JOIN spatial_ref_sys refsys ON refsys.srid = geometry_columns.srid
		WHERE f_table_schema = ANY($1)
	`, ds.Schemas)
	if err != nil {
		return nil, fmt.Errorf("%w: scanning geometry catalog: %v", source.ErrStore, err)
	}
	defer rows.Close()

	type table struct{ schema, name string }
	var tables []table
	for rows.Next() {
		var t table
		if err := rows.Scan(&t.schema, &t.name); err != nil {
			return nil, fmt.Errorf("%w: scanning geometry catalog: %v", source.ErrStore, err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scanning geometry catalog: %v", source.ErrStore, err)
	}

	var collections []*source.FeatureCollection
	for _, t := range tables {
		cfg := CollectionConfig{
			Name:        t.name,
			Title:       t.name,
			TableSchema: t.schema,
			TableName:   t.name,
		}
		fc, err := SetupCollection(ctx, ds, cfg, baseURL)
		if err != nil {
			ds.logger.Warn("skipping collection",
				slog.String("collection", t.name), slog.String("error", err.Error()))
			continue
		}
		collections = append(collections, fc)
	}
	return collections, nil
}

// resolveColumn maps a configured field name through the queryable field
// mapping, removing it from the map so it is not exposed twice.
func resolveColumn(field string, fieldMap map[string]string) *string {
	if field == "" {
		return nil
	}
	if mapped, ok := fieldMap[field]; ok {
		delete(fieldMap, field)
		return &mapped
	}
	return &field
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func splitSearchPath(searchPath string) []string {
	var schemas []string
	for _, s := range strings.Split(searchPath, ",") {
		if s = strings.TrimSpace(s); s != "" {
			schemas = append(schemas, s)
		}
	}
	if len(schemas) == 0 {
		schemas = []string{"public"}
	}
	return schemas
}
