package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/robert-malhotra/featureserv/internal/config"
	"github.com/robert-malhotra/featureserv/internal/filter"
	"github.com/robert-malhotra/featureserv/internal/inventory"
	"github.com/robert-malhotra/featureserv/internal/ogcapi"
)

// Conformance classes this API implements.
var conformanceClasses = []string{
	"http://www.opengis.net/spec/ogcapi-common-1/1.0/conf/core",
	"http://www.opengis.net/spec/ogcapi-features-1/1.0/conf/core",
	"http://www.opengis.net/spec/ogcapi-features-1/1.0/conf/geojson",
	"http://www.opengis.net/spec/ogcapi-features-3/1.0/conf/queryables",
}

// Handlers contains all HTTP handlers for the feature API.
type Handlers struct {
	cfg    *config.Config
	inv    *inventory.Inventory
	logger *slog.Logger
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(cfg *config.Config, inv *inventory.Inventory, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg:    cfg,
		inv:    inv,
		logger: logger,
	}
}

// writeQueryError maps a query error to its response: invalid parameters
// become 400s, unknown collections and features 404s, everything else a
// logged 500.
func (h *Handlers) writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, filter.ErrInvalidParameter):
		WriteInvalidParameter(w, err.Error())
	case errors.Is(err, inventory.ErrCollectionNotFound),
		errors.Is(err, inventory.ErrFeatureNotFound):
		WriteNotFound(w, err.Error())
	default:
		h.logger.Error("query failed",
			slog.String("request_id", GetRequestID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		WriteInternalError(w, "query failed")
	}
}

// LandingPage returns the API landing page.
// GET /
func (h *Handlers) LandingPage(w http.ResponseWriter, r *http.Request) {
	baseURL := h.inv.BaseURL()

	landing := &ogcapi.LandingPage{
		Title:       h.cfg.API.Title,
		Description: h.cfg.API.Description,
		Links: []*ogcapi.Link{
			{Rel: "self", Href: baseURL + "/", Type: ogcapi.MediaTypeJSON, Title: "This document"},
			{Rel: "conformance", Href: baseURL + "/conformance", Type: ogcapi.MediaTypeJSON, Title: "Conformance classes"},
			{Rel: "data", Href: baseURL + "/collections", Type: ogcapi.MediaTypeJSON, Title: "Feature collections"},
		},
	}

	WriteJSON(w, http.StatusOK, landing)
}

// Conformance returns the conformance classes supported by this API.
// GET /conformance
func (h *Handlers) Conformance(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, &ogcapi.Conformance{ConformsTo: conformanceClasses})
}

// Collections returns the list of all available collections.
// GET /collections
func (h *Handlers) Collections(w http.ResponseWriter, r *http.Request) {
	baseURL := h.inv.BaseURL()

	doc := &ogcapi.CollectionsDoc{
		Links: []*ogcapi.Link{
			{Rel: "self", Href: baseURL + "/collections", Type: ogcapi.MediaTypeJSON, Title: "This document"},
		},
		Collections: h.inv.Collections(),
	}

	WriteJSON(w, http.StatusOK, doc)
}

// Collection returns one collection document.
// GET /collections/{collectionId}
func (h *Handlers) Collection(w http.ResponseWriter, r *http.Request) {
	collection, err := h.inv.Collection(chi.URLParam(r, "collectionId"))
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, collection)
}

// Items runs a filtered, paginated feature query.
// GET /collections/{collectionId}/items
func (h *Handlers) Items(w http.ResponseWriter, r *http.Request) {
	params, err := filter.Parse(r.URL.Query())
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}

	doc, err := h.inv.CollectionItems(r.Context(), chi.URLParam(r, "collectionId"), params)
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}

	WriteGeoJSON(w, http.StatusOK, doc)
}

// Item returns a single feature.
// GET /collections/{collectionId}/items/{itemId}
func (h *Handlers) Item(w http.ResponseWriter, r *http.Request) {
	feature, err := h.inv.CollectionItem(r.Context(),
		chi.URLParam(r, "collectionId"), chi.URLParam(r, "itemId"))
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}

	WriteGeoJSON(w, http.StatusOK, feature)
}

// Queryables returns the attributes a collection accepts as filters.
// GET /collections/{collectionId}/queryables
func (h *Handlers) Queryables(w http.ResponseWriter, r *http.Request) {
	queryables, err := h.inv.CollectionQueryables(chi.URLParam(r, "collectionId"))
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}

	WriteSchemaJSON(w, http.StatusOK, queryables)
}

// Health returns a liveness response.
// GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
