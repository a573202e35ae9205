package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/robert-malhotra/featureserv/internal/config"
	"github.com/robert-malhotra/featureserv/internal/source/gpkg"
	"github.com/robert-malhotra/featureserv/internal/source/postgis"
)

// Scan builds the inventory from the collections registry. Explicitly
// configured collections are set up eagerly and fail startup on error;
// auto-discovered collections are skipped with a log entry instead. The
// returned close function releases every opened datasource.
func Scan(ctx context.Context, cfg *config.Collections, baseURL string, logger *slog.Logger) (*Inventory, func(), error) {
	inv := New(baseURL, logger)

	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	pgSources := make(map[string]*postgis.Datasource, len(cfg.Datasources.Postgis))
	for _, dscfg := range cfg.Datasources.Postgis {
		ds, err := postgis.New(ctx, dscfg.URL, dscfg.SearchPath, logger)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("datasource %q: %w", dscfg.Name, err)
		}
		closers = append(closers, ds.Close)
		pgSources[dscfg.Name] = ds
	}

	gpkgSources := make(map[string]*gpkg.Datasource)
	openGpkg := func(path string) (*gpkg.Datasource, error) {
		if ds, ok := gpkgSources[path]; ok {
			return ds, nil
		}
		ds, err := gpkg.Open(ctx, path, logger)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { ds.Close() })
		gpkgSources[path] = ds
		return ds, nil
	}

	// Discovered collections first so explicit configuration replaces
	// them on name clashes.
	for _, dir := range cfg.Datasources.Directories {
		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.Warn("skipping collection directory",
				slog.String("dir", dir), slog.String("error", err.Error()))
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".gpkg") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			ds, err := openGpkg(path)
			if err != nil {
				logger.Warn("skipping geopackage",
					slog.String("path", path), slog.String("error", err.Error()))
				continue
			}
			collections, err := gpkg.AutoDiscover(ctx, ds, baseURL)
			if err != nil {
				logger.Warn("skipping geopackage",
					slog.String("path", path), slog.String("error", err.Error()))
				continue
			}
			for _, fc := range collections {
				inv.Add(fc)
			}
		}
	}
	for name, ds := range pgSources {
		collections, err := postgis.AutoDiscover(ctx, ds, baseURL)
		if err != nil {
			logger.Warn("autodiscovery failed",
				slog.String("datasource", name), slog.String("error", err.Error()))
			continue
		}
		for _, fc := range collections {
			inv.Add(fc)
		}
	}

	for _, coll := range cfg.Collections {
		switch {
		case coll.Postgis != nil:
			ds, ok := pgSources[coll.Postgis.Datasource]
			if !ok {
				closeAll()
				return nil, nil, fmt.Errorf("collection %q references unknown datasource %q", coll.Name, coll.Postgis.Datasource)
			}
			fc, err := postgis.SetupCollection(ctx, ds, postgisConfig(coll), baseURL)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			inv.Add(fc)
		case coll.GPKG != nil:
			ds, err := openGpkg(coll.GPKG.Path)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			fc, err := gpkg.SetupCollection(ctx, ds, gpkgConfig(coll), baseURL)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			inv.Add(fc)
		}
	}

	logger.Info("inventory ready", slog.Int("collections", len(inv.collections)))
	return inv, closeAll, nil
}

func postgisConfig(coll config.Collection) postgis.CollectionConfig {
	src := coll.Postgis
	return postgis.CollectionConfig{
		Name:             coll.Name,
		Title:            coll.Title,
		Description:      coll.Description,
		TableSchema:      src.TableSchema,
		TableName:        src.TableName,
		SQL:              src.SQL,
		FIDField:         src.FIDField,
		GeometryField:    src.GeometryField,
		TemporalField:    src.TemporalField,
		TemporalEndField: src.TemporalEndField,
		OrderingField:    src.OrderingField,
		QueryableFields:  src.QueryableFields,
		MaxResults:       src.MaxResults,
		TemporalExtents:  src.TemporalExtents,
	}
}

func gpkgConfig(coll config.Collection) gpkg.CollectionConfig {
	src := coll.GPKG
	return gpkg.CollectionConfig{
		Name:             coll.Name,
		Title:            coll.Title,
		Description:      coll.Description,
		TableName:        src.TableName,
		FIDField:         src.FIDField,
		TemporalField:    src.TemporalField,
		TemporalEndField: src.TemporalEndField,
		OrderingField:    src.OrderingField,
		QueryableFields:  src.QueryableFields,
		MaxResults:       src.MaxResults,
		TemporalExtents:  src.TemporalExtents,
	}
}
