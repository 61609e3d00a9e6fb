package http

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"go.ngs.io/datacube/internal/adapter/interp"
	"go.ngs.io/datacube/internal/adapter/store"
	"go.ngs.io/datacube/internal/catalog"
	"go.ngs.io/datacube/internal/domain"
	"go.ngs.io/datacube/internal/usecase"
)

// parseLoadRequest reads a load body:
//
//	{
//	  "collection": "sentinel-2-l2a",
//	  "items": {"type": "FeatureCollection", "features": [...]},
//	  "bands": ["B04", "B08"],
//	  "bbox": [west, south, east, north] or {"west": ..., "crs": "EPSG:32633"},
//	  "time": {"start": "2023-06-01T00:00:00Z", "end": null, "right_open": true},
//	  "resampling": "bilinear",
//	  "filters": {"cube:dimensions.level": 850},
//	  "no_cache": false
//	}
func parseLoadRequest(r gjson.Result) (usecase.LoadRequest, error) {
	if !r.IsObject() {
		return usecase.LoadRequest{}, fmt.Errorf("load request must be a JSON object")
	}
	req := usecase.LoadRequest{
		Collection: r.Get("collection").String(),
		NoCache:    r.Get("no_cache").Bool(),
	}

	items := r.Get("items")
	if !items.Exists() {
		return req, fmt.Errorf("items are required")
	}
	var err error
	if req.Items, err = catalog.ParseItemCollection([]byte(items.Raw)); err != nil {
		return req, fmt.Errorf("invalid items: %w", err)
	}
	if req.Collection == "" && len(req.Items) > 0 {
		req.Collection = req.Items[0].Collection
	}

	for _, b := range r.Get("bands").Array() {
		req.Bands = append(req.Bands, b.String())
	}

	if bb := r.Get("bbox"); bb.Exists() && bb.Type != gjson.Null {
		box, err := parseBBox(bb)
		if err != nil {
			return req, err
		}
		req.BBox = &box
	}

	if t := r.Get("time"); t.Exists() {
		if req.Time, err = parseTimeInterval(t); err != nil {
			return req, err
		}
	}

	if m := r.Get("resampling").String(); m != "" {
		method, err := interp.ParseMethod(m)
		if err != nil {
			return req, err
		}
		req.Method = &method
	}

	if f := r.Get("filters"); f.Exists() {
		if req.Filters, err = store.ParseDimensionFilters([]byte(f.Raw)); err != nil {
			return req, err
		}
	}
	return req, nil
}

func parseBBox(r gjson.Result) (domain.BBox, error) {
	var box domain.BBox
	if r.IsArray() {
		v := r.Array()
		if len(v) != 4 {
			return box, fmt.Errorf("%w: expected 4 numbers, got %d", domain.ErrInvalidBBox, len(v))
		}
		box = domain.BBox{West: v[0].Float(), South: v[1].Float(), East: v[2].Float(), North: v[3].Float()}
		return box, nil
	}
	if !r.IsObject() {
		return box, fmt.Errorf("%w: expected an array or an object", domain.ErrInvalidBBox)
	}
	for _, k := range []string{"west", "south", "east", "north"} {
		if r.Get(k).Type != gjson.Number {
			return box, fmt.Errorf("%w: %s is missing", domain.ErrInvalidBBox, k)
		}
	}
	box = domain.BBox{
		West:  r.Get("west").Float(),
		South: r.Get("south").Float(),
		East:  r.Get("east").Float(),
		North: r.Get("north").Float(),
	}
	switch c := r.Get("crs"); c.Type {
	case gjson.Number:
		box.CRS = int(c.Int())
	case gjson.String:
		code, err := domain.ParseEPSG(c.String())
		if err != nil {
			return box, fmt.Errorf("%w: %w", domain.ErrInvalidBBox, err)
		}
		box.CRS = code
	}
	return box, nil
}

// parseTimeInterval accepts {"start", "end", "right_open"} or a two-element
// array. Null bounds are open.
func parseTimeInterval(r gjson.Result) (domain.TimeInterval, error) {
	var iv domain.TimeInterval
	var start, end gjson.Result
	switch {
	case r.IsArray():
		v := r.Array()
		if len(v) != 2 {
			return iv, fmt.Errorf("time interval must have two elements, got %d", len(v))
		}
		start, end = v[0], v[1]
	case r.IsObject():
		start, end = r.Get("start"), r.Get("end")
		iv.RightOpen = r.Get("right_open").Bool()
	default:
		return iv, fmt.Errorf("time must be an array or an object")
	}

	var err error
	if iv.Start, err = parseInstant(start); err != nil {
		return iv, fmt.Errorf("invalid start time (expected RFC3339): %w", err)
	}
	if iv.End, err = parseInstant(end); err != nil {
		return iv, fmt.Errorf("invalid end time (expected RFC3339): %w", err)
	}
	return iv, nil
}

func parseInstant(r gjson.Result) (*time.Time, error) {
	if !r.Exists() || r.Type == gjson.Null || r.String() == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, r.String())
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

// parseMergeRequest reads {"first": <load>, "second": <load>,
// "overlap_resolver": "max", "context": {...}}.
func parseMergeRequest(r gjson.Result) (usecase.MergeRequest, error) {
	var req usecase.MergeRequest
	if !r.IsObject() {
		return req, fmt.Errorf("merge request must be a JSON object")
	}
	var err error
	if req.First, err = parseLoadRequest(r.Get("first")); err != nil {
		return req, fmt.Errorf("first: %w", err)
	}
	if req.Second, err = parseLoadRequest(r.Get("second")); err != nil {
		return req, fmt.Errorf("second: %w", err)
	}
	req.Resolver = r.Get("overlap_resolver").String()
	if ctx := r.Get("context"); ctx.IsObject() {
		req.Context, _ = ctx.Value().(map[string]any)
	}
	return req, nil
}
