package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/robert-malhotra/featureserv/internal/filter"
)

// Collections is the collections registry loaded from the JSON file named
// by CollectionsConfig.File. Datasources are declared once and referenced
// by name; directories are scanned for GeoPackage files at startup.
type Collections struct {
	Datasources Datasources  `json:"datasources"`
	Collections []Collection `json:"collections,omitempty"`
}

// Datasources declares the stores collections can be served from.
type Datasources struct {
	Postgis []PostgisDatasource `json:"postgis,omitempty"`
	// Directories are scanned for *.gpkg files, each contributing its
	// feature tables as auto-discovered collections.
	Directories []string `json:"directories,omitempty"`
}

// PostgisDatasource is one named PostGIS connection.
type PostgisDatasource struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	SearchPath string `json:"search_path,omitempty"`
}

// Collection is one explicitly configured collection. Exactly one of
// Postgis and GPKG must be set.
type Collection struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	Postgis *PostgisSource `json:"postgis,omitempty"`
	GPKG    *GPKGSource    `json:"gpkg,omitempty"`
}

// PostgisSource configures a collection served from a PostGIS datasource,
// backed by either a table or a free-form SQL query.
type PostgisSource struct {
	Datasource string `json:"datasource"`

	TableSchema string `json:"table_schema,omitempty"`
	TableName   string `json:"table_name,omitempty"`
	SQL         string `json:"sql,omitempty"`

	FIDField         string `json:"fid_field,omitempty"`
	GeometryField    string `json:"geometry_field,omitempty"`
	TemporalField    string `json:"temporal_field,omitempty"`
	TemporalEndField string `json:"temporal_end_field,omitempty"`
	OrderingField    string `json:"ordering_field,omitempty"`

	QueryableFields map[string]string `json:"queryable_fields,omitempty"`
	MaxResults      *uint64           `json:"max_results,omitempty"`
	TemporalExtents [][]string        `json:"temporal_extents,omitempty"`
}

// GPKGSource configures a collection served from a GeoPackage file.
type GPKGSource struct {
	Path      string `json:"path"`
	TableName string `json:"table_name"`

	FIDField         string `json:"fid_field,omitempty"`
	TemporalField    string `json:"temporal_field,omitempty"`
	TemporalEndField string `json:"temporal_end_field,omitempty"`
	OrderingField    string `json:"ordering_field,omitempty"`

	QueryableFields map[string]string `json:"queryable_fields,omitempty"`
	MaxResults      *uint64           `json:"max_results,omitempty"`
	TemporalExtents [][]string        `json:"temporal_extents,omitempty"`
}

// LoadCollections reads and validates the collections registry.
func LoadCollections(path string) (*Collections, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading collections file: %w", err)
	}
	cfg := &Collections{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing collections file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid collections file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the registry is internally consistent.
func (c *Collections) Validate() error {
	datasources := make(map[string]bool, len(c.Datasources.Postgis))
	for _, ds := range c.Datasources.Postgis {
		if ds.Name == "" {
			return fmt.Errorf("postgis datasource without a name")
		}
		if ds.URL == "" {
			return fmt.Errorf("postgis datasource %q without a url", ds.Name)
		}
		if datasources[ds.Name] {
			return fmt.Errorf("duplicate postgis datasource %q", ds.Name)
		}
		datasources[ds.Name] = true
	}

	names := make(map[string]bool, len(c.Collections))
	for _, coll := range c.Collections {
		if coll.Name == "" {
			return fmt.Errorf("collection without a name")
		}
		if names[coll.Name] {
			return fmt.Errorf("duplicate collection %q", coll.Name)
		}
		names[coll.Name] = true

		switch {
		case coll.Postgis != nil && coll.GPKG != nil:
			return fmt.Errorf("collection %q configures both postgis and gpkg", coll.Name)
		case coll.Postgis != nil:
			if !datasources[coll.Postgis.Datasource] {
				return fmt.Errorf("collection %q references unknown datasource %q", coll.Name, coll.Postgis.Datasource)
			}
			if coll.Postgis.TableName == "" && coll.Postgis.SQL == "" {
				return fmt.Errorf("collection %q needs a table_name or sql", coll.Name)
			}
			if coll.Postgis.SQL != "" && coll.Postgis.GeometryField == "" {
				return fmt.Errorf("collection %q needs a geometry_field for its sql query", coll.Name)
			}
			if err := validateQueryableFields(coll.Name, coll.Postgis.QueryableFields); err != nil {
				return err
			}
		case coll.GPKG != nil:
			if coll.GPKG.Path == "" {
				return fmt.Errorf("collection %q needs a gpkg path", coll.Name)
			}
			if coll.GPKG.TableName == "" {
				return fmt.Errorf("collection %q needs a table_name", coll.Name)
			}
			if err := validateQueryableFields(coll.Name, coll.GPKG.QueryableFields); err != nil {
				return err
			}
		default:
			return fmt.Errorf("collection %q configures neither postgis nor gpkg", coll.Name)
		}
	}
	return nil
}

// validateQueryableFields rejects queryable names that collide with the
// reserved query parameters, which would make the field unfilterable.
func validateQueryableFields(collection string, fields map[string]string) error {
	for name := range fields {
		if filter.IsReservedParam(name) {
			return fmt.Errorf("collection %q queryable field %q collides with a reserved query parameter", collection, name)
		}
	}
	return nil
}
