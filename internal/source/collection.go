package source

import (
	"fmt"

	"github.com/robert-malhotra/featureserv/internal/ogcapi"
)

// NewCollectionDoc assembles a collection document with its spatial
// extent and hypermedia links. The queryables link is only advertised
// when the collection declares queryable attributes.
func NewCollectionDoc(id, title, description string, bbox []float64, temporalIntervals [][]string, baseURL string, hasQueryables bool) *ogcapi.Collection {
	if title == "" {
		title = id
	}
	collection := &ogcapi.Collection{
		Version:     "1.0.0",
		Id:          id,
		Title:       title,
		Description: description,
		Extent: &ogcapi.Extent{
			Spatial: &ogcapi.SpatialExtent{Bbox: [][]float64{bbox}},
		},
		Links: []*ogcapi.Link{
			{Href: baseURL + "/", Rel: "root", Type: ogcapi.MediaTypeJSON, Title: "The landing page of this server"},
			{Href: baseURL + "/collections", Rel: "parent", Type: ogcapi.MediaTypeJSON, Title: "The collections of this server"},
			{Href: fmt.Sprintf("%s/collections/%s", baseURL, id), Rel: "self", Type: ogcapi.MediaTypeJSON, Title: "This document"},
			{Href: fmt.Sprintf("%s/collections/%s/items", baseURL, id), Rel: "items", Type: ogcapi.MediaTypeGeoJSON, Title: title},
		},
	}
	if temporal := temporalExtent(temporalIntervals); temporal != nil {
		collection.Extent.Temporal = temporal
	}
	if hasQueryables {
		collection.Links = append(collection.Links, &ogcapi.Link{
			Href:  fmt.Sprintf("%s/collections/%s/queryables", baseURL, id),
			Rel:   ogcapi.QueryablesRel,
			Type:  ogcapi.MediaTypeSchemaJSON,
			Title: title,
		})
	}
	return collection
}

// temporalExtent converts configured interval strings to the document
// form, mapping empty strings to open (null) bounds.
func temporalExtent(intervals [][]string) *ogcapi.TemporalExtent {
	if len(intervals) == 0 {
		return nil
	}
	converted := make([][]any, 0, len(intervals))
	for _, interval := range intervals {
		bounds := make([]any, 0, len(interval))
		for _, b := range interval {
			if b == "" {
				bounds = append(bounds, nil)
			} else {
				bounds = append(bounds, b)
			}
		}
		converted = append(converted, bounds)
	}
	return &ogcapi.TemporalExtent{Interval: converted}
}
