// Package filter parses and validates the request parameters accepted by
// feature queries: pagination (limit/offset), spatial filters (bbox,
// intersects), the temporal interval (datetime), identifier lists (ids) and
// free attribute filters. Parsing is pure: no I/O, fail fast.
package filter

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// ErrInvalidParameter is returned for malformed or unsupported filter input.
// It maps to a 400 response at the API layer.
var ErrInvalidParameter = errors.New("invalid query parameter")

// DefaultLimit is the page size applied when the request carries no limit.
const DefaultLimit = 50

// reserved parameter names that never become attribute filters.
var reservedParams = map[string]bool{
	"limit":      true,
	"offset":     true,
	"bbox":       true,
	"datetime":   true,
	"ids":        true,
	"intersects": true,
}

// Params is the typed filter description built from raw request parameters.
// Filter values are kept as the raw strings they arrived as; the accessor
// methods validate and convert on demand so the query compilers share one
// set of parsing rules.
type Params struct {
	Limit      *uint64
	Offset     *uint64
	BBox       string
	Datetime   string
	IDs        string
	Intersects string
	// Filters holds every unrecognized parameter verbatim, wildcard
	// characters included. Keys are validated against the collection's
	// queryables at compile time, not here.
	Filters map[string]string
}

// Parse builds Params from raw query parameters. It rejects malformed
// pagination values and the bbox+intersects combination; filter values are
// validated lazily by the accessor methods.
func Parse(values url.Values) (*Params, error) {
	p := &Params{Filters: make(map[string]string)}
	for key := range values {
		val := values.Get(key)
		switch key {
		case "limit":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: limit %q", ErrInvalidParameter, val)
			}
			p.Limit = &n
		case "offset":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: offset %q", ErrInvalidParameter, val)
			}
			p.Offset = &n
		case "bbox":
			p.BBox = val
		case "datetime":
			p.Datetime = val
		case "ids":
			p.IDs = val
		case "intersects":
			p.Intersects = val
		default:
			p.Filters[key] = val
		}
	}
	if p.BBox != "" && p.Intersects != "" {
		return nil, fmt.Errorf("%w: bbox and intersects are mutually exclusive", ErrInvalidParameter)
	}
	return p, nil
}

// LimitOrDefault returns the requested limit, or DefaultLimit when unset.
func (p *Params) LimitOrDefault() uint64 {
	if p.Limit != nil {
		return *p.Limit
	}
	return DefaultLimit
}

// clone returns a deep copy of p.
func (p *Params) clone() *Params {
	c := *p
	if p.Limit != nil {
		v := *p.Limit
		c.Limit = &v
	}
	if p.Offset != nil {
		v := *p.Offset
		c.Offset = &v
	}
	c.Filters = make(map[string]string, len(p.Filters))
	for k, v := range p.Filters {
		c.Filters[k] = v
	}
	return &c
}

// WithOffset returns a copy of p with the given offset.
func (p *Params) WithOffset(offset uint64) *Params {
	c := p.clone()
	c.Offset = &offset
	return c
}

// Prev returns the filter state of the previous page, or nil when the
// current offset is already zero.
func (p *Params) Prev() *Params {
	var offset uint64
	if p.Offset != nil {
		offset = *p.Offset
	}
	if offset == 0 {
		return nil
	}
	limit := p.LimitOrDefault()
	if offset < limit {
		offset = 0
	} else {
		offset -= limit
	}
	return p.WithOffset(offset)
}

// Next returns the filter state of the next page given the total number of
// matched features, or nil when the current page already reaches the total.
func (p *Params) Next(total uint64) *Params {
	var offset uint64
	if p.Offset != nil {
		offset = *p.Offset
	}
	next := offset + p.LimitOrDefault()
	if next >= total {
		return nil
	}
	return p.WithOffset(next)
}

// QueryString serializes the filter state for hypermedia links: limit,
// offset, bbox, datetime, ids, intersects, then the attribute filters in
// sorted key order. Returns "" when no parameter is set, otherwise a
// "?"-prefixed string.
func (p *Params) QueryString() string {
	var parts []string
	if p.Limit != nil {
		parts = append(parts, fmt.Sprintf("limit=%d", *p.Limit))
	}
	if p.Offset != nil {
		parts = append(parts, fmt.Sprintf("offset=%d", *p.Offset))
	}
	if p.BBox != "" {
		parts = append(parts, "bbox="+p.BBox)
	}
	if p.Datetime != "" {
		parts = append(parts, "datetime="+p.Datetime)
	}
	if p.IDs != "" {
		parts = append(parts, "ids="+p.IDs)
	}
	if p.Intersects != "" {
		parts = append(parts, "intersects="+url.QueryEscape(p.Intersects))
	}
	keys := make([]string, 0, len(p.Filters))
	for k := range p.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+p.Filters[k])
	}
	if len(parts) == 0 {
		return ""
	}
	return "?" + strings.Join(parts, "&")
}

// ParseBBox returns the bbox ordinates, or nil when no bbox is set.
// Exactly 4 or 6 comma-separated floats are accepted.
func (p *Params) ParseBBox() ([]float64, error) {
	if p.BBox == "" {
		return nil, nil
	}
	parts := strings.Split(p.BBox, ",")
	bbox := make([]float64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bbox ordinate %q", ErrInvalidParameter, part)
		}
		bbox = append(bbox, v)
	}
	if len(bbox) != 4 && len(bbox) != 6 {
		return nil, fmt.Errorf("%w: bbox must have 4 or 6 ordinates, got %d", ErrInvalidParameter, len(bbox))
	}
	return bbox, nil
}

// TemporalPart is one bound of a temporal interval: either an open bound
// (".." or empty) or an RFC 3339 instant.
type TemporalPart struct {
	Open bool
	Time time.Time
}

// Temporal parses the datetime parameter. A single instant yields one
// closed part; an interval yields two parts, each possibly open. A fully
// open interval ("../..") has no sensible meaning and fails, as does an
// interval whose lower bound exceeds its upper bound.
func (p *Params) Temporal() ([]TemporalPart, error) {
	if p.Datetime == "" {
		return nil, nil
	}
	parts := strings.Split(p.Datetime, "/")
	if len(parts) > 2 {
		return nil, fmt.Errorf("%w: datetime %q has more than two interval parts", ErrInvalidParameter, p.Datetime)
	}
	parsed := make([]TemporalPart, 0, len(parts))
	var instants []time.Time
	for _, part := range parts {
		if part == ".." || part == "" {
			parsed = append(parsed, TemporalPart{Open: true})
			continue
		}
		t, err := time.Parse(time.RFC3339, part)
		if err != nil {
			return nil, fmt.Errorf("%w: datetime %q: %v", ErrInvalidParameter, part, err)
		}
		parsed = append(parsed, TemporalPart{Time: t})
		instants = append(instants, t)
	}
	if len(parsed) == 1 && parsed[0].Open {
		return nil, fmt.Errorf("%w: datetime %q is not an instant", ErrInvalidParameter, p.Datetime)
	}
	if len(parsed) == 2 && parsed[0].Open && parsed[1].Open {
		return nil, fmt.Errorf("%w: datetime interval cannot be open on both ends", ErrInvalidParameter)
	}
	if len(instants) == 2 && instants[0].After(instants[1]) {
		return nil, fmt.Errorf("%w: datetime interval start is after end", ErrInvalidParameter)
	}
	return parsed, nil
}

// IDList returns the requested feature identifiers, or nil when unset.
func (p *Params) IDList() []string {
	if p.IDs == "" {
		return nil
	}
	return strings.Split(p.IDs, ",")
}

// IntersectsGeoJSON validates the intersects parameter as GeoJSON geometry
// and returns the raw string (re-validated, not re-encoded, to avoid
// coordinate precision loss). Returns "" when unset.
func (p *Params) IntersectsGeoJSON() (string, error) {
	if p.Intersects == "" {
		return "", nil
	}
	var g geom.T
	if err := geojson.Unmarshal([]byte(p.Intersects), &g); err != nil {
		return "", fmt.Errorf("%w: intersects is not valid GeoJSON geometry: %v", ErrInvalidParameter, err)
	}
	return p.Intersects, nil
}

// IntersectsBounds returns the envelope [minx, miny, maxx, maxy] of the
// intersects geometry. Stores without a native geometry-intersection
// predicate filter against this envelope instead.
func (p *Params) IntersectsBounds() ([]float64, error) {
	if p.Intersects == "" {
		return nil, nil
	}
	var g geom.T
	if err := geojson.Unmarshal([]byte(p.Intersects), &g); err != nil {
		return nil, fmt.Errorf("%w: intersects is not valid GeoJSON geometry: %v", ErrInvalidParameter, err)
	}
	b := g.Bounds()
	return []float64{b.Min(0), b.Min(1), b.Max(0), b.Max(1)}, nil
}

// IsReservedParam reports whether name is one of the fixed request
// parameters rather than a collection-declared queryable.
func IsReservedParam(name string) bool {
	return reservedParams[name]
}
