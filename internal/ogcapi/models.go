// Package ogcapi provides OGC API Features document types, wrapping
// planetlabs/go-stac for collection-level types and adding the feature
// and queryables documents this server produces itself.
package ogcapi

import (
	"encoding/json"
	"fmt"
	"time"

	gostac "github.com/planetlabs/go-stac"
)

// Re-export collection-level types from planetlabs/go-stac for convenience
type (
	Collection     = gostac.Collection
	Catalog        = gostac.Catalog
	Link           = gostac.Link
	Extent         = gostac.Extent
	SpatialExtent  = gostac.SpatialExtent
	TemporalExtent = gostac.TemporalExtent
)

// MediaTypeJSON and friends are the media types used in link objects.
const (
	MediaTypeJSON       = "application/json"
	MediaTypeGeoJSON    = "application/geo+json"
	MediaTypeSchemaJSON = "application/schema+json"
)

// QueryablesRel is the registered link relation for queryables documents.
const QueryablesRel = "http://www.opengis.net/def/rel/ogc/1.0/queryables"

// Feature is a single GeoJSON feature returned by a collection query.
// Geometry and Properties are kept as raw JSON: the store already encodes
// both, and re-decoding them server-side would risk precision loss.
type Feature struct {
	Type       string          `json:"type"`
	ID         *string         `json:"id,omitempty"`
	Bbox       []float64       `json:"bbox,omitempty"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties json.RawMessage `json:"properties,omitempty"`
	Links      []*Link         `json:"links,omitempty"`
}

// FeatureCollectionDoc is the items response document: a GeoJSON
// FeatureCollection with hypermedia links and OGC pagination counters.
// NumberMatched is nil when the total is unknown (capped collections).
type FeatureCollectionDoc struct {
	Type           string     `json:"type"` // "FeatureCollection"
	TimeStamp      *time.Time `json:"timeStamp,omitempty"`
	NumberMatched  *uint64    `json:"numberMatched,omitempty"`
	NumberReturned uint64     `json:"numberReturned"`
	Links          []*Link    `json:"links"`
	Features       []*Feature `json:"features"`
}

// NewFeatureCollectionDoc creates an items document with the given features.
func NewFeatureCollectionDoc(features []*Feature) *FeatureCollectionDoc {
	now := time.Now().UTC()
	return &FeatureCollectionDoc{
		Type:           "FeatureCollection",
		TimeStamp:      &now,
		NumberReturned: uint64(len(features)),
		Links:          make([]*Link, 0),
		Features:       features,
	}
}

// AddLink appends a link to the items document.
func (fc *FeatureCollectionDoc) AddLink(rel, href, mediaType string) {
	fc.Links = append(fc.Links, &Link{
		Rel:  rel,
		Href: href,
		Type: mediaType,
	})
}

// Queryables is the schema-like document describing the attributes a
// collection accepts as filter parameters.
type Queryables struct {
	ID         string                       `json:"$id"`
	Schema     string                       `json:"$schema"`
	Type       string                       `json:"type"` // "object"
	Title      string                       `json:"title,omitempty"`
	Properties map[string]QueryableProperty `json:"properties"`
}

// QueryableProperty describes one queryable attribute.
type QueryableProperty struct {
	Title  string `json:"title,omitempty"`
	Type   string `json:"type,omitempty"`
	Format string `json:"format,omitempty"`
}

// QueryablesSchemaURI is the JSON schema dialect advertised by queryables
// documents.
const QueryablesSchemaURI = "http://json-schema.org/draft/2019-09/schema"

// NewQueryables creates an empty queryables document for a collection.
func NewQueryables(collectionID string) *Queryables {
	return &Queryables{
		ID:         fmt.Sprintf("/collections/%s/queryables", collectionID),
		Schema:     QueryablesSchemaURI,
		Type:       "object",
		Title:      collectionID,
		Properties: make(map[string]QueryableProperty),
	}
}

// LandingPage is the API landing page document.
type LandingPage struct {
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	Links       []*Link `json:"links"`
}

// Conformance lists the conformance classes this API implements.
type Conformance struct {
	ConformsTo []string `json:"conformsTo"`
}

// CollectionsDoc is the /collections response document.
type CollectionsDoc struct {
	Links       []*Link       `json:"links"`
	Collections []*Collection `json:"collections"`
}
