package gpkg

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"testing"
)

// writeFixture builds a GeoPackage with one feature table of three events,
// each carrying a start and an end timestamp.
func writeFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.gpkg")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("creating fixture: %v", err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE gpkg_contents (
			table_name TEXT NOT NULL PRIMARY KEY,
			data_type TEXT NOT NULL,
			identifier TEXT,
			description TEXT,
			min_x REAL, min_y REAL, max_x REAL, max_y REAL)`,
		`CREATE TABLE gpkg_geometry_columns (
			table_name TEXT NOT NULL PRIMARY KEY,
			column_name TEXT NOT NULL)`,
		`CREATE TABLE events (
			fid INTEGER PRIMARY KEY,
			name TEXT,
			event_ts DATETIME,
			event_end DATETIME,
			geom BLOB)`,
		`INSERT INTO gpkg_contents VALUES
			('events', 'features', 'Events', 'test events', 10, 40, 13, 49)`,
		`INSERT INTO gpkg_geometry_columns VALUES ('events', 'geom')`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("creating fixture: %v", err)
		}
	}

	rows := []struct {
		fid      int
		name     string
		ts, end  string
		lon, lat float64
	}{
		{1, "setup", "2021-05-08 00:00:00", "2021-05-10 00:00:00", 11.5, 48.1},
		{2, "opening", "2021-05-09 00:00:00", "2021-05-09 12:00:00", 12.0, 47.5},
		{3, "teardown", "2021-05-10 00:00:00", "2021-05-11 00:00:00", 10.2, 44.9},
	}
	for _, r := range rows {
		_, err := db.Exec("INSERT INTO events VALUES (?, ?, ?, ?, ?)",
			r.fid, r.name, r.ts, r.end, pointBlob(t, r.lon, r.lat, false))
		if err != nil {
			t.Fatalf("creating fixture: %v", err)
		}
	}
	return path
}

func openFixture(t *testing.T) *Source {
	t.Helper()
	ctx := context.Background()

	ds, err := Open(ctx, writeFixture(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { ds.Close() })

	fc, err := SetupCollection(ctx, ds, CollectionConfig{
		Name:             "events",
		TableName:        "events",
		TemporalField:    "event_ts",
		TemporalEndField: "event_end",
		OrderingField:    "fid",
		QueryableFields:  map[string]string{"name": "name"},
	}, "http://example.com")
	if err != nil {
		t.Fatalf("SetupCollection: %v", err)
	}
	return fc.Source.(*Source)
}

func TestItemsTemporalFiltering(t *testing.T) {
	src := openFixture(t)

	tests := []struct {
		name    string
		query   string
		wantIDs []string
	}{
		{
			// An instant matches only the feature starting at that exact
			// timestamp, not every interval containing it.
			name:    "instant",
			query:   "datetime=2021-05-09T00:00:00Z",
			wantIDs: []string{"2"},
		},
		{
			name:    "closed interval",
			query:   "datetime=2021-05-09T00:00:00Z/2021-05-11T00:00:00Z",
			wantIDs: []string{"2", "3"},
		},
		{
			name:    "open start",
			query:   "datetime=../2021-05-09T00:00:00Z",
			wantIDs: []string{"1", "2"},
		},
		{
			name:    "open end",
			query:   "datetime=2021-05-09T12:00:00Z/..",
			wantIDs: []string{"3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := src.Items(context.Background(), mustParams(t, tt.query))
			if err != nil {
				t.Fatalf("Items: %v", err)
			}
			var ids []string
			for _, f := range result.Features {
				if f.ID == nil {
					t.Fatal("feature without an id")
				}
				ids = append(ids, *f.ID)
			}
			if !reflect.DeepEqual(ids, tt.wantIDs) {
				t.Errorf("ids = %v, want %v", ids, tt.wantIDs)
			}
			if result.NumberMatched == nil {
				t.Fatal("NumberMatched = nil, want a total")
			}
			if got, want := *result.NumberMatched, uint64(len(tt.wantIDs)); got != want {
				t.Errorf("NumberMatched = %d, want %d", got, want)
			}
		})
	}
}

func TestItemsTotalSpansPages(t *testing.T) {
	src := openFixture(t)

	result, err := src.Items(context.Background(), mustParams(t, "limit=1&offset=1"))
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if result.NumberReturned != 1 {
		t.Fatalf("NumberReturned = %d, want 1", result.NumberReturned)
	}
	if result.NumberMatched == nil || *result.NumberMatched != 3 {
		t.Errorf("NumberMatched = %v, want 3", result.NumberMatched)
	}

	var props map[string]any
	if err := json.Unmarshal(result.Features[0].Properties, &props); err != nil {
		t.Fatalf("decoding properties: %v", err)
	}
	if _, ok := props[totalColumn]; ok {
		t.Errorf("properties %v leak the count alias", props)
	}
	if props["name"] != "opening" {
		t.Errorf("name = %v, want opening", props["name"])
	}
}

func TestItemsEmptyPageTotal(t *testing.T) {
	src := openFixture(t)

	result, err := src.Items(context.Background(), mustParams(t, "name=nosuch"))
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if result.NumberReturned != 0 {
		t.Fatalf("NumberReturned = %d, want 0", result.NumberReturned)
	}
	if result.NumberMatched == nil || *result.NumberMatched != 0 {
		t.Errorf("NumberMatched = %v, want 0", result.NumberMatched)
	}
}
