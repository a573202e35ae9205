// Package gpkg implements the GeoPackage collection source on SQLite.
// Spatial filters are served through the GeoPackage R-tree index when the
// table carries one; tables without an R-tree or without an integer
// primary key reject spatial filters instead of scanning every geometry.
package gpkg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/robert-malhotra/featureserv/internal/source"
)

const poolMaxConns = 8

// Datasource is one GeoPackage file. All collections backed by the file
// share the connection pool.
type Datasource struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens a GeoPackage file read-only.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Datasource, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", source.ErrSetup, path, err)
	}
	db.SetMaxOpenConns(poolMaxConns)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: opening %s: %v", source.ErrStore, path, err)
	}
	return &Datasource{db: db, path: path, logger: logger}, nil
}

// Close releases the connection pool.
func (ds *Datasource) Close() error {
	return ds.db.Close()
}

// Path returns the file the datasource was opened from.
func (ds *Datasource) Path() string {
	return ds.path
}

// CollectionConfig is the per-collection configuration consumed by
// SetupCollection. TableName names a feature table registered in the
// GeoPackage contents catalog.
type CollectionConfig struct {
	Name        string
	Title       string
	Description string
	TableName   string

	FIDField         string
	TemporalField    string
	TemporalEndField string
	OrderingField    string

	// QueryableFields maps public filter names to table column names.
	QueryableFields map[string]string

	MaxResults      *uint64
	TemporalExtents [][]string
}

// Source serves one feature table's queries. Immutable after setup.
type Source struct {
	ds           *Datasource
	collectionID string

	table          string
	geometryColumn string
	// pkColumn is nil when the table has no single-column primary key.
	pkColumn *string
	// rtree names the table's R-tree index, or "" when spatial filters
	// are unsupported (no R-tree, or a non-integer primary key that the
	// R-tree id cannot join against).
	rtree             string
	temporalColumn    *string
	temporalEndColumn *string
	orderingColumn    *string
	queryables        map[string]source.QueryableColumn
	maxResults        *uint64
}

// contentsEntry is one row of the GeoPackage contents catalog joined with
// the geometry column registry.
type contentsEntry struct {
	table          string
	identifier     string
	description    string
	geometryColumn string
	minX, minY     *float64
	maxX, maxY     *float64
}

// SetupCollection probes the GeoPackage for the table's schema and
// returns the ready collection.
func SetupCollection(ctx context.Context, ds *Datasource, cfg CollectionConfig, baseURL string) (*source.FeatureCollection, error) {
	ds.logger.Info("setting up gpkg collection",
		slog.String("collection", cfg.Name), slog.String("path", ds.path))

	if cfg.TableName == "" {
		return nil, fmt.Errorf("%w: collection %q: table_name missing", source.ErrSetup, cfg.Name)
	}
	entry, err := lookupContents(ctx, ds, cfg.TableName)
	if err != nil {
		return nil, err
	}
	return setupFromEntry(ctx, ds, cfg, entry, baseURL)
}

// AutoDiscover builds one collection per feature table registered in the
// GeoPackage contents catalog.
func AutoDiscover(ctx context.Context, ds *Datasource, baseURL string) ([]*source.FeatureCollection, error) {
	entries, err := listContents(ctx, ds)
	if err != nil {
		return nil, err
	}
	var collections []*source.FeatureCollection
	for _, entry := range entries {
		cfg := CollectionConfig{
			Name:        entry.table,
			Title:       entry.identifier,
			Description: entry.description,
			TableName:   entry.table,
		}
		fc, err := setupFromEntry(ctx, ds, cfg, entry, baseURL)
		if err != nil {
			ds.logger.Warn("skipping collection",
				slog.String("collection", entry.table), slog.String("error", err.Error()))
			continue
		}
		collections = append(collections, fc)
	}
	return collections, nil
}

func setupFromEntry(ctx context.Context, ds *Datasource, cfg CollectionConfig, entry contentsEntry, baseURL string) (*source.FeatureCollection, error) {
	columns, pkDetected, err := tableInfo(ctx, ds, entry.table)
	if err != nil {
		return nil, err
	}

	var pkColumn *string
	if cfg.FIDField != "" {
		fid := cfg.FIDField
		pkColumn = &fid
	} else {
		pkColumn = pkDetected
	}
	if pkColumn == nil {
		ds.logger.Warn("no single primary key, single item queries will be ignored",
			slog.String("collection", cfg.Name))
	}

	rtree := ""
	if pkColumn != nil && isIntegerDecl(columns[*pkColumn]) {
		name := fmt.Sprintf("rtree_%s_%s", entry.table, entry.geometryColumn)
		ok, err := tableExists(ctx, ds, name)
		if err != nil {
			return nil, err
		}
		if ok {
			rtree = name
		}
	}
	if rtree == "" {
		ds.logger.Warn("no usable rtree index, spatial filters will be rejected",
			slog.String("collection", cfg.Name))
	}

	fieldMap := make(map[string]string, len(cfg.QueryableFields))
	for k, v := range cfg.QueryableFields {
		fieldMap[k] = v
	}
	queryables := make(map[string]source.QueryableColumn, len(fieldMap))
	for field, column := range fieldMap {
		decl, ok := columns[column]
		if !ok {
			ds.logger.Warn("queryable column not in table, skipping",
				slog.String("collection", cfg.Name), slog.String("field", field), slog.String("column", column))
			continue
		}
		qt, ok := typeForDecl(decl)
		if !ok {
			return nil, fmt.Errorf("%w: collection %q: queryable field %q has unsupported column type %q",
				source.ErrSetup, cfg.Name, field, decl)
		}
		queryables[field] = source.QueryableColumn{Name: field, Column: column, Type: qt}
	}

	src := &Source{
		ds:                ds,
		collectionID:      cfg.Name,
		table:             entry.table,
		geometryColumn:    entry.geometryColumn,
		pkColumn:          pkColumn,
		rtree:             rtree,
		temporalColumn:    resolveColumn(cfg.TemporalField, fieldMap),
		temporalEndColumn: resolveColumn(cfg.TemporalEndField, fieldMap),
		orderingColumn:    optional(cfg.OrderingField),
		queryables:        queryables,
		maxResults:        cfg.MaxResults,
	}

	bbox := []float64{-180, -90, 180, 90}
	if entry.minX != nil && entry.minY != nil && entry.maxX != nil && entry.maxY != nil {
		bbox = []float64{*entry.minX, *entry.minY, *entry.maxX, *entry.maxY}
	}

	title := cfg.Title
	if title == "" {
		title = entry.identifier
	}
	collection := source.NewCollectionDoc(cfg.Name, title, cfg.Description,
		bbox, cfg.TemporalExtents, baseURL, len(queryables) > 0)
	return &source.FeatureCollection{Collection: collection, Source: src}, nil
}

const contentsSQL = `
	SELECT c.table_name, c.identifier, COALESCE(c.description, ''), g.column_name,
	       c.min_x, c.min_y, c.max_x, c.max_y
	FROM gpkg_contents c
	  JOIN gpkg_geometry_columns g ON g.table_name = c.table_name
	WHERE c.data_type = 'features'`

func lookupContents(ctx context.Context, ds *Datasource, table string) (contentsEntry, error) {
	var e contentsEntry
	err := ds.db.QueryRowContext(ctx, contentsSQL+" AND c.table_name = ?", table).Scan(
		&e.table, &e.identifier, &e.description, &e.geometryColumn,
		&e.minX, &e.minY, &e.maxX, &e.maxY)
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("%w: %q is not a feature table of %s", source.ErrSetup, table, ds.path)
	}
	if err != nil {
		return e, fmt.Errorf("%w: reading contents of %s: %v", source.ErrStore, ds.path, err)
	}
	return e, nil
}

func listContents(ctx context.Context, ds *Datasource) ([]contentsEntry, error) {
	rows, err := ds.db.QueryContext(ctx, contentsSQL)
	if err != nil {
		return nil, fmt.Errorf("%w: reading contents of %s: %v", source.ErrStore, ds.path, err)
	}
	defer rows.Close()

	var entries []contentsEntry
	for rows.Next() {
		var e contentsEntry
		if err := rows.Scan(&e.table, &e.identifier, &e.description, &e.geometryColumn,
			&e.minX, &e.minY, &e.maxX, &e.maxY); err != nil {
			return nil, fmt.Errorf("%w: reading contents of %s: %v", source.ErrStore, ds.path, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading contents of %s: %v", source.ErrStore, ds.path, err)
	}
	return entries, nil
}

// tableInfo returns the table's columns with their declared types, plus
// the primary key column when it is a single column.
func tableInfo(ctx context.Context, ds *Datasource, table string) (map[string]string, *string, error) {
	rows, err := ds.db.QueryContext(ctx,
		fmt.Sprintf("PRAGMA table_info(%s)", source.QuoteIdentifier(table)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: describing table %q: %v", source.ErrSetup, table, err)
	}
	defer rows.Close()

	columns := make(map[string]string)
	var pkColumns []string
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, declType   string
			dflt             any
		)
		if err := rows.Scan(&cid, &name, &declType, &notNull, &dflt, &pk); err != nil {
			return nil, nil, fmt.Errorf("%w: describing table %q: %v", source.ErrSetup, table, err)
		}
		columns[name] = declType
		if pk > 0 {
			pkColumns = append(pkColumns, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: describing table %q: %v", source.ErrSetup, table, err)
	}
	if len(columns) == 0 {
		return nil, nil, fmt.Errorf("%w: table %q does not exist", source.ErrSetup, table)
	}
	if len(pkColumns) == 1 {
		return columns, &pkColumns[0], nil
	}
	return columns, nil, nil
}

func tableExists(ctx context.Context, ds *Datasource, name string) (bool, error) {
	var n int
	err := ds.db.QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: checking for table %q: %v", source.ErrStore, name, err)
	}
	return n > 0, nil
}

// typeForDecl maps a SQLite declared column type to the queryable type
// taxonomy, following SQLite's own affinity rules.
func typeForDecl(decl string) (source.QueryableType, bool) {
	d := strings.ToUpper(decl)
	switch {
	case strings.Contains(d, "BOOL"):
		return source.TypeBool, true
	case strings.Contains(d, "DATE"), strings.Contains(d, "TIME"):
		return source.TypeDatetime, true
	case strings.Contains(d, "INT"):
		return source.TypeInteger, true
	case strings.Contains(d, "CHAR"), strings.Contains(d, "CLOB"), strings.Contains(d, "TEXT"):
		return source.TypeString, true
	case strings.Contains(d, "REAL"), strings.Contains(d, "FLOA"),
		strings.Contains(d, "DOUB"), strings.Contains(d, "NUMERIC"), strings.Contains(d, "DECIMAL"):
		return source.TypeNumber, true
	}
	return 0, false
}

func isIntegerDecl(decl string) bool {
	return strings.Contains(strings.ToUpper(decl), "INT")
}

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
