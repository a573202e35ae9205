package postgis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/robert-malhotra/featureserv/internal/source"
)

// detectPrimaryKey returns the table's primary key column, or nil when the
// table has no primary key or a composite one.
func detectPrimaryKey(ctx context.Context, ds *Datasource, schema, table string) (*string, error) {
	relation := fmt.Sprintf("%s.%s", source.QuoteIdentifier(schema), source.QuoteIdentifier(table))
	rows, err := ds.Pool.Query(ctx, `
		SELECT a.attname
		FROM pg_index i
		  JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1::regclass AND i.indisprimary
	`, relation)
	if err != nil {
		return nil, fmt.Errorf("%w: detecting primary key of %s: %v", source.ErrSetup, relation, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var column string
		if err := rows.Scan(&column); err != nil {
			return nil, fmt.Errorf("%w: detecting primary key of %s: %v", source.ErrSetup, relation, err)
		}
		columns = append(columns, column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: detecting primary key of %s: %v", source.ErrSetup, relation, err)
	}
	if len(columns) != 1 {
		return nil, nil
	}
	return &columns[0], nil
}

// detectGeometryColumn looks the table up in the store's geometry catalog.
func detectGeometryColumn(ctx context.Context, ds *Datasource, schema, table string) (string, error) {
	var column string
	err := ds.Pool.QueryRow(ctx, `
		SELECT f_geometry_column
		FROM geometry_columns
		WHERE f_table_schema = $1 AND f_table_name = $2
	`, schema, table).Scan(&column)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: no geometry column registered for %s.%s", source.ErrSetup, schema, table)
	}
	if err != nil {
		return "", fmt.Errorf("%w: detecting geometry column of %s.%s: %v", source.ErrSetup, schema, table, err)
	}
	return column, nil
}

// describeQuery prepares the query server-side and returns its output
// field descriptions without executing it.
func describeQuery(ctx context.Context, ds *Datasource, sql string) ([]pgconn.FieldDescription, error) {
	conn, err := ds.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	const name = "featureserv_probe"
	sd, err := conn.Conn().Prepare(ctx, name, sql)
	if err != nil {
		return nil, err
	}
	defer conn.Conn().Deallocate(ctx, name)
	return sd.Fields, nil
}

// checkQuery verifies that the configured query is valid SQL the store
// accepts, without fetching any rows.
func checkQuery(ctx context.Context, ds *Datasource, baseSQL string) error {
	_, err := describeQuery(ctx, ds, baseSQL+" LIMIT 1")
	return err
}

// probeQueryables resolves each configured queryable field to its output
// column's native type. A field whose column is absent from the query
// output is logged and skipped; a column of a type that cannot be filtered
// on fails setup.
func probeQueryables(ctx context.Context, ds *Datasource, collection, baseSQL string, fieldMap map[string]string) (map[string]source.QueryableColumn, error) {
	queryables := make(map[string]source.QueryableColumn, len(fieldMap))
	if len(fieldMap) == 0 {
		return queryables, nil
	}

	fields, err := describeQuery(ctx, ds, baseSQL+" LIMIT 1")
	if err != nil {
		return nil, fmt.Errorf("%w: collection %q: describing query: %v", source.ErrSetup, collection, err)
	}
	oids := make(map[string]uint32, len(fields))
	for _, f := range fields {
		oids[string(f.Name)] = f.DataTypeOID
	}

	for field, column := range fieldMap {
		oid, ok := oids[column]
		if !ok {
			ds.logger.Warn("queryable column not in query output, skipping",
				slog.String("collection", collection), slog.String("field", field), slog.String("column", column))
			continue
		}
		qt, ok := typeForOID(oid)
		if !ok {
			return nil, fmt.Errorf("%w: collection %q: queryable field %q has unsupported column type %s",
				source.ErrSetup, collection, field, typeName(oid))
		}
		queryables[field] = source.QueryableColumn{Name: field, Column: column, Type: qt}
	}
	return queryables, nil
}

func typeForOID(oid uint32) (source.QueryableType, bool) {
	switch oid {
	case pgtype.TextOID, pgtype.VarcharOID, pgtype.BPCharOID:
		return source.TypeString, true
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID:
		return source.TypeInteger, true
	case pgtype.Float4OID, pgtype.Float8OID, pgtype.NumericOID:
		return source.TypeNumber, true
	case pgtype.BoolOID:
		return source.TypeBool, true
	case pgtype.TimestampOID, pgtype.TimestamptzOID, pgtype.DateOID:
		return source.TypeDatetime, true
	}
	return 0, false
}

func typeName(oid uint32) string {
	if t, ok := pgtype.NewMap().TypeForOID(oid); ok {
		return t.Name
	}
	return fmt.Sprintf("oid %d", oid)
}

// queryExtent computes the collection's spatial extent from the data.
func (s *Source) queryExtent(ctx context.Context) ([]float64, error) {
	sql := fmt.Sprintf(
		"WITH query AS (%s) SELECT ST_XMin(ext), ST_YMin(ext), ST_XMax(ext), ST_YMax(ext) FROM (SELECT ST_Extent(%s) AS ext FROM query) extent",
		s.sql, source.QuoteIdentifier(s.geometryColumn))
	var xmin, ymin, xmax, ymax *float64
	if err := s.ds.Pool.QueryRow(ctx, sql).Scan(&xmin, &ymin, &xmax, &ymax); err != nil {
		return nil, err
	}
	if xmin == nil || ymin == nil || xmax == nil || ymax == nil {
		return nil, errors.New("collection is empty")
	}
	return []float64{*xmin, *ymin, *xmax, *ymax}, nil
}
