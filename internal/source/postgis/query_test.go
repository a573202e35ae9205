package postgis

import (
	"errors"
	"net/url"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/robert-malhotra/featureserv/internal/filter"
	"github.com/robert-malhotra/featureserv/internal/source"
)

func testSource() *Source {
	pk := "fid"
	ordering := "fid"
	ts := "event_ts"
	return &Source{
		collectionID:   "roads",
		sql:            `SELECT * FROM "public"."roads"`,
		geometryColumn: "geom",
		geometryAlias:  "geom",
		pkColumn:       &pk,
		orderingColumn: &ordering,
		temporalColumn: &ts,
		queryables: map[string]source.QueryableColumn{
			"name":  {Name: "name", Column: "name", Type: source.TypeString},
			"lanes": {Name: "lanes", Column: "lanes", Type: source.TypeInteger},
		},
	}
}

func mustParams(t *testing.T, rawQuery string) *filter.Params {
	t.Helper()
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		t.Fatalf("parsing query %q: %v", rawQuery, err)
	}
	params, err := filter.Parse(values)
	if err != nil {
		t.Fatalf("parsing params %q: %v", rawQuery, err)
	}
	return params
}

const defaultProjection = `SELECT to_jsonb(t.*) - 'geom' - 'fid' AS properties, ` +
	`ST_AsGeoJSON(t."geom")::jsonb AS geometry, ` +
	`ST_AsBinary(ST_Envelope(t."geom")) AS envelope, ` +
	`t."fid"::varchar AS pk, count(*) OVER () AS total FROM query t ORDER BY t."fid"`

func TestBuildItemsSQL(t *testing.T) {
	ts1 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	ts2 := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		query    string
		wantSQL  string
		wantArgs []any
	}{
		{
			name:  "no filters",
			query: "",
			wantSQL: `WITH query AS (SELECT * FROM "public"."roads") ` +
				defaultProjection + ` LIMIT $1 OFFSET $2`,
			wantArgs: []any{uint64(50), uint64(0)},
		},
		{
			name:  "limit and offset",
			query: "limit=10&offset=20",
			wantSQL: `WITH query AS (SELECT * FROM "public"."roads") ` +
				defaultProjection + ` LIMIT $1 OFFSET $2`,
			wantArgs: []any{uint64(10), uint64(20)},
		},
		{
			name:  "bbox",
			query: "bbox=1,2,3,4",
			wantSQL: `WITH query AS (SELECT * FROM "public"."roads" WHERE ` +
				`ST_Intersects("geom", ST_MakeEnvelope($1, $2, $3, $4, 4326))) ` +
				defaultProjection + ` LIMIT $5 OFFSET $6`,
			wantArgs: []any{1.0, 2.0, 3.0, 4.0, uint64(50), uint64(0)},
		},
		{
			name:  "bbox with six ordinates",
			query: "bbox=1,2,0,3,4,10",
			wantSQL: `WITH query AS (SELECT * FROM "public"."roads" WHERE ` +
				`ST_Intersects("geom", ST_MakeEnvelope($1, $2, $3, $4, 4326))) ` +
				defaultProjection + ` LIMIT $5 OFFSET $6`,
			wantArgs: []any{1.0, 2.0, 3.0, 4.0, uint64(50), uint64(0)},
		},
		{
			name:  "ids",
			query: "ids=17,23",
			wantSQL: `WITH query AS (SELECT * FROM "public"."roads" WHERE ` +
				`"fid"::text IN ($1, $2)) ` +
				defaultProjection + ` LIMIT $3 OFFSET $4`,
			wantArgs: []any{"17", "23", uint64(50), uint64(0)},
		},
		{
			name:  "intersects",
			query: "intersects=" + url.QueryEscape(`{"type":"Point","coordinates":[1,2]}`),
			wantSQL: `WITH query AS (SELECT * FROM "public"."roads" WHERE ` +
				`ST_Intersects("geom", ST_GeomFromGeoJSON($1))) ` +
				defaultProjection + ` LIMIT $2 OFFSET $3`,
			wantArgs: []any{`{"type":"Point","coordinates":[1,2]}`, uint64(50), uint64(0)},
		},
		{
			name:  "temporal instant",
			query: "datetime=2020-01-01T00:00:00Z",
			wantSQL: `WITH query AS (SELECT * FROM "public"."roads" WHERE ` +
				`"event_ts" = $1) ` +
				defaultProjection + ` LIMIT $2 OFFSET $3`,
			wantArgs: []any{ts1, uint64(50), uint64(0)},
		},
		{
			name:  "temporal interval",
			query: "datetime=2020-01-01T00:00:00Z/2021-01-01T00:00:00Z",
			wantSQL: `WITH query AS (SELECT * FROM "public"."roads" WHERE ` +
				`"event_ts" >= $1 AND "event_ts" <= $2) ` +
				defaultProjection + ` LIMIT $3 OFFSET $4`,
			wantArgs: []any{ts1, ts2, uint64(50), uint64(0)},
		},
		{
			name:  "temporal open start",
			query: "datetime=../2021-01-01T00:00:00Z",
			wantSQL: `WITH query AS (SELECT * FROM "public"."roads" WHERE ` +
				`"event_ts" <= $1) ` +
				defaultProjection + ` LIMIT $2 OFFSET $3`,
			wantArgs: []any{ts2, uint64(50), uint64(0)},
		},
		{
			name:  "attribute equality coerced",
			query: "lanes=4",
			wantSQL: `WITH query AS (SELECT * FROM "public"."roads" WHERE ` +
				`"lanes" = $1) ` +
				defaultProjection + ` LIMIT $2 OFFSET $3`,
			wantArgs: []any{int64(4), uint64(50), uint64(0)},
		},
		{
			name:  "attribute wildcard",
			query: "name=Main*",
			wantSQL: `WITH query AS (SELECT * FROM "public"."roads" WHERE ` +
				`"name"::text LIKE $1) ` +
				defaultProjection + ` LIMIT $2 OFFSET $3`,
			wantArgs: []any{"Main%", uint64(50), uint64(0)},
		},
		{
			name:  "attribute filters in sorted key order",
			query: "name=Main&lanes=4",
			wantSQL: `WITH query AS (SELECT * FROM "public"."roads" WHERE ` +
				`"lanes" = $1 AND "name" = $2) ` +
				defaultProjection + ` LIMIT $3 OFFSET $4`,
			wantArgs: []any{int64(4), "Main", uint64(50), uint64(0)},
		},
		{
			name:  "combined filters keep compilation order",
			query: "bbox=1,2,3,4&ids=17&name=Main",
			wantSQL: `WITH query AS (SELECT * FROM "public"."roads" WHERE ` +
				`ST_Intersects("geom", ST_MakeEnvelope($1, $2, $3, $4, 4326)) AND ` +
				`"fid"::text IN ($5) AND "name" = $6) ` +
				defaultProjection + ` LIMIT $7 OFFSET $8`,
			wantArgs: []any{1.0, 2.0, 3.0, 4.0, "17", "Main", uint64(50), uint64(0)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := testSource()
			gotSQL, gotArgs, withTotal, err := src.buildItemsSQL(mustParams(t, tt.query))
			if err != nil {
				t.Fatalf("buildItemsSQL: %v", err)
			}
			if !withTotal {
				t.Error("withTotal = false, want true")
			}
			if gotSQL != tt.wantSQL {
				t.Errorf("sql:\n got %s\nwant %s", gotSQL, tt.wantSQL)
			}
			if !reflect.DeepEqual(gotArgs, tt.wantArgs) {
				t.Errorf("args:\n got %#v\nwant %#v", gotArgs, tt.wantArgs)
			}
		})
	}
}

func TestBuildItemsSQLTemporalEndColumn(t *testing.T) {
	ts1 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	ts2 := time.Date(2021, 5, 9, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		query     string
		wantWhere string
		wantArgs  []any
	}{
		{
			// An instant matches the start column alone, even when a
			// distinct end column is configured.
			name:      "instant",
			query:     "datetime=2021-05-09T00:00:00Z",
			wantWhere: `WHERE "event_ts" = $1`,
			wantArgs:  []any{ts2},
		},
		{
			name:      "closed interval brackets start and end",
			query:     "datetime=2020-01-01T00:00:00Z/2021-05-09T00:00:00Z",
			wantWhere: `WHERE "event_ts" >= $1 AND "event_end" <= $2`,
			wantArgs:  []any{ts1, ts2},
		},
		{
			name:      "open end bounds the start column",
			query:     "datetime=2020-01-01T00:00:00Z/..",
			wantWhere: `WHERE "event_ts" >= $1`,
			wantArgs:  []any{ts1},
		},
		{
			name:      "open start bounds the start column",
			query:     "datetime=../2021-05-09T00:00:00Z",
			wantWhere: `WHERE "event_ts" <= $1`,
			wantArgs:  []any{ts2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := testSource()
			endCol := "event_end"
			src.temporalEndColumn = &endCol

			gotSQL, gotArgs, _, err := src.buildItemsSQL(mustParams(t, tt.query))
			if err != nil {
				t.Fatalf("buildItemsSQL: %v", err)
			}
			if !strings.Contains(gotSQL, tt.wantWhere+")") {
				t.Errorf("sql %q does not contain %q", gotSQL, tt.wantWhere)
			}
			gotArgs = gotArgs[:len(gotArgs)-2] // drop limit and offset binds
			if !reflect.DeepEqual(gotArgs, tt.wantArgs) {
				t.Errorf("args:\n got %#v\nwant %#v", gotArgs, tt.wantArgs)
			}
		})
	}
}

func TestBuildItemsSQLBaseWithWhere(t *testing.T) {
	src := testSource()
	src.sql = `SELECT * FROM "public"."roads" WHERE lanes > 0`

	gotSQL, _, _, err := src.buildItemsSQL(mustParams(t, "bbox=1,2,3,4"))
	if err != nil {
		t.Fatalf("buildItemsSQL: %v", err)
	}
	want := `WHERE lanes > 0 AND ST_Intersects("geom", ST_MakeEnvelope($1, $2, $3, $4, 4326))`
	if !strings.Contains(gotSQL, want) {
		t.Errorf("sql %q does not contain %q", gotSQL, want)
	}
}

func TestBuildItemsSQLResultCap(t *testing.T) {
	max := uint64(10)
	src := testSource()
	src.maxResults = &max

	gotSQL, gotArgs, withTotal, err := src.buildItemsSQL(mustParams(t, "limit=50"))
	if err != nil {
		t.Fatalf("buildItemsSQL: %v", err)
	}
	if withTotal {
		t.Error("withTotal = true, want false under result cap")
	}
	if strings.Contains(gotSQL, "count(*) OVER ()") {
		t.Errorf("sql %q still computes a total count", gotSQL)
	}
	if !reflect.DeepEqual(gotArgs, []any{uint64(10), uint64(0)}) {
		t.Errorf("args = %#v, want clamped limit 10", gotArgs)
	}
}

func TestBuildItemsSQLErrors(t *testing.T) {
	tests := []struct {
		name  string
		query string
		mod   func(*Source)
	}{
		{name: "unknown queryable", query: "surface=asphalt"},
		{name: "bad bbox", query: "bbox=1,2,3"},
		{name: "bad attribute value", query: "lanes=four"},
		{name: "reversed datetime", query: "datetime=2021-01-01T00:00:00Z/2020-01-01T00:00:00Z"},
		{
			name:  "datetime without temporal field",
			query: "datetime=2020-01-01T00:00:00Z",
			mod:   func(s *Source) { s.temporalColumn = nil },
		},
		{
			name:  "ids without primary key",
			query: "ids=17",
			mod:   func(s *Source) { s.pkColumn = nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := testSource()
			if tt.mod != nil {
				tt.mod(src)
			}
			_, _, _, err := src.buildItemsSQL(mustParams(t, tt.query))
			if !errors.Is(err, filter.ErrInvalidParameter) {
				t.Errorf("err = %v, want ErrInvalidParameter", err)
			}
		})
	}
}

func TestBuildItemsSQLNoPkOmitsIdColumns(t *testing.T) {
	src := testSource()
	src.pkColumn = nil

	gotSQL, _, _, err := src.buildItemsSQL(mustParams(t, ""))
	if err != nil {
		t.Fatalf("buildItemsSQL: %v", err)
	}
	if strings.Contains(gotSQL, "AS pk") {
		t.Errorf("sql %q projects a pk column without a primary key", gotSQL)
	}
	if !strings.Contains(gotSQL, "to_jsonb(t.*) - 'geom' AS properties") {
		t.Errorf("sql %q should only strip the geometry from properties", gotSQL)
	}
}
