// Package inventory holds the registry of collections built at startup
// and answers the collection-level operations: listing, lookup, items
// queries with pagination links, and queryables.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/robert-malhotra/featureserv/internal/filter"
	"github.com/robert-malhotra/featureserv/internal/ogcapi"
	"github.com/robert-malhotra/featureserv/internal/source"
)

// ErrCollectionNotFound is returned for lookups of unknown collections.
// Maps to a 404 response at the API layer.
var ErrCollectionNotFound = errors.New("collection not found")

// ErrFeatureNotFound is returned when a collection exists but the
// requested feature does not, or the collection cannot serve single item
// lookups. Maps to a 404 response at the API layer.
var ErrFeatureNotFound = errors.New("feature not found")

// Inventory is the collection registry. Populated once at startup,
// read-only afterward, so it needs no locking.
type Inventory struct {
	baseURL     string
	logger      *slog.Logger
	collections map[string]*source.FeatureCollection
}

// New creates an empty inventory. baseURL is the public URL every
// hypermedia link is anchored at.
func New(baseURL string, logger *slog.Logger) *Inventory {
	return &Inventory{
		baseURL:     strings.TrimRight(baseURL, "/"),
		logger:      logger,
		collections: make(map[string]*source.FeatureCollection),
	}
}

// BaseURL returns the public URL links are anchored at.
func (inv *Inventory) BaseURL() string {
	return inv.baseURL
}

// Add registers a collection. A collection added under an existing id
// replaces it, so explicitly configured collections win over
// auto-discovered ones of the same name.
func (inv *Inventory) Add(fc *source.FeatureCollection) {
	id := fc.Collection.Id
	if _, ok := inv.collections[id]; ok {
		inv.logger.Warn("replacing collection", slog.String("collection", id))
	}
	inv.collections[id] = fc
}

// Collections returns every collection document, sorted by id.
func (inv *Inventory) Collections() []*ogcapi.Collection {
	ids := make([]string, 0, len(inv.collections))
	for id := range inv.collections {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	collections := make([]*ogcapi.Collection, 0, len(ids))
	for _, id := range ids {
		collections = append(collections, inv.collections[id].Collection)
	}
	return collections
}

// Collection returns one collection document.
func (inv *Inventory) Collection(id string) (*ogcapi.Collection, error) {
	fc, ok := inv.collections[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCollectionNotFound, id)
	}
	return fc.Collection, nil
}

// CollectionItems runs a filtered items query and assembles the response
// document with its pagination links.
func (inv *Inventory) CollectionItems(ctx context.Context, id string, params *filter.Params) (*ogcapi.FeatureCollectionDoc, error) {
	fc, ok := inv.collections[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCollectionNotFound, id)
	}
	result, err := fc.Source.Items(ctx, params)
	if err != nil {
		return nil, err
	}

	itemsURL := fmt.Sprintf("%s/collections/%s/items", inv.baseURL, id)
	doc := ogcapi.NewFeatureCollectionDoc(result.Features)
	doc.NumberMatched = result.NumberMatched
	doc.AddLink("root", inv.baseURL+"/", ogcapi.MediaTypeJSON)
	doc.AddLink("self", itemsURL+params.QueryString(), ogcapi.MediaTypeGeoJSON)
	doc.AddLink("collection", fmt.Sprintf("%s/collections/%s", inv.baseURL, id), ogcapi.MediaTypeJSON)

	if prev := params.Prev(); prev != nil {
		doc.AddLink("prev", itemsURL+prev.QueryString(), ogcapi.MediaTypeGeoJSON)
	}
	if result.NumberMatched != nil {
		if next := params.Next(*result.NumberMatched); next != nil {
			doc.AddLink("next", itemsURL+next.QueryString(), ogcapi.MediaTypeGeoJSON)
		}
	} else if result.NumberReturned >= params.LimitOrDefault() && result.NumberReturned > 0 {
		// Without a total count a full page suggests more data; the
		// next page may turn out empty.
		var offset uint64
		if params.Offset != nil {
			offset = *params.Offset
		}
		next := params.WithOffset(offset + result.NumberReturned)
		doc.AddLink("next", itemsURL+next.QueryString(), ogcapi.MediaTypeGeoJSON)
	}
	return doc, nil
}

// CollectionItem retrieves one feature with its hypermedia links. Store
// errors during the lookup report the feature as absent rather than
// failing the request; the error itself goes to the log.
func (inv *Inventory) CollectionItem(ctx context.Context, id, featureID string) (*ogcapi.Feature, error) {
	fc, ok := inv.collections[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCollectionNotFound, id)
	}
	feature, err := fc.Source.Item(ctx, id, featureID)
	if err != nil {
		inv.logger.Warn("item lookup failed",
			slog.String("collection", id),
			slog.String("feature", featureID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %q in collection %q", ErrFeatureNotFound, featureID, id)
	}
	if feature == nil {
		return nil, fmt.Errorf("%w: %q in collection %q", ErrFeatureNotFound, featureID, id)
	}
	feature.Links = append(feature.Links,
		&ogcapi.Link{
			Rel:  "self",
			Href: fmt.Sprintf("%s/collections/%s/items/%s", inv.baseURL, id, featureID),
			Type: ogcapi.MediaTypeGeoJSON,
		},
		&ogcapi.Link{
			Rel:  "collection",
			Href: fmt.Sprintf("%s/collections/%s", inv.baseURL, id),
			Type: ogcapi.MediaTypeJSON,
		})
	return feature, nil
}

// CollectionQueryables returns the collection's queryables document. A
// known collection always gets a document, even one with no queryable
// fields.
func (inv *Inventory) CollectionQueryables(id string) (*ogcapi.Queryables, error) {
	fc, ok := inv.collections[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCollectionNotFound, id)
	}
	q := fc.Source.Queryables(id)
	if q == nil {
		q = ogcapi.NewQueryables(id)
	}
	return q, nil
}
