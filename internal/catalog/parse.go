// Package catalog turns STAC item documents into typed catalog items and groups them
// by band and by (reference system, resolution).
package catalog

import (
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"go.ngs.io/datacube/internal/domain"
)

// ParseItem parses a single STAC item document.
func ParseItem(data []byte) (*domain.CatalogItem, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid JSON")
	}
	return parseItem(gjson.ParseBytes(data))
}

// ParseItemCollection parses a FeatureCollection of STAC items or a bare JSON array of items.
func ParseItemCollection(data []byte) ([]*domain.CatalogItem, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid JSON")
	}
	parsed := gjson.ParseBytes(data)
	features := parsed
	if res := parsed.Get("features"); res.Exists() {
		features = res
	}
	if features.IsObject() && features.Get("assets").Exists() {
		it, err := parseItem(features)
		if err != nil {
			return nil, err
		}
		return []*domain.CatalogItem{it}, nil
	}
	if !features.IsArray() {
		return nil, fmt.Errorf("unknown document type (not a feature collection, item or array)")
	}

	arr := features.Array()
	out := make([]*domain.CatalogItem, 0, len(arr))
	for i, el := range arr {
		it, err := parseItem(el)
		if err != nil {
			return nil, fmt.Errorf("failed to parse item %d: %w", i, err)
		}
		out = append(out, it)
	}
	return out, nil
}

// ParseItems parses a list of raw item documents.
func ParseItems(raw [][]byte) ([]*domain.CatalogItem, error) {
	out := make([]*domain.CatalogItem, 0, len(raw))
	for i, r := range raw {
		it, err := ParseItem(r)
		if err != nil {
			return nil, fmt.Errorf("failed to parse item %d: %w", i, err)
		}
		out = append(out, it)
	}
	return out, nil
}

func parseItem(r gjson.Result) (*domain.CatalogItem, error) {
	if !r.IsObject() {
		return nil, fmt.Errorf("item is not an object")
	}
	it := &domain.CatalogItem{
		ID:         r.Get("id").String(),
		Collection: r.Get("collection").String(),
		Assets:     make(map[string]domain.Asset),
	}
	if it.ID == "" {
		return nil, fmt.Errorf("item has no id")
	}

	bbox, err := parseBBox(r.Get("bbox"))
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", it.ID, err)
	}
	it.BBox = bbox

	r.Get("assets").ForEach(func(key, value gjson.Result) bool {
		a := domain.Asset{
			Key:  key.String(),
			Href: value.Get("href").String(),
			Type: value.Get("type").String(),
		}
		for _, role := range value.Get("roles").Array() {
			a.Roles = append(a.Roles, role.String())
		}
		it.Assets[a.Key] = a
		return true
	})
	if len(it.Assets) == 0 {
		return nil, fmt.Errorf("item %s has no assets", it.ID)
	}

	props := r.Get("properties")
	if it.Datetime, err = parseTime(props.Get("datetime")); err != nil {
		return nil, fmt.Errorf("item %s: datetime: %w", it.ID, err)
	}
	if it.Start, err = parseTime(props.Get("start_datetime")); err != nil {
		return nil, fmt.Errorf("item %s: start_datetime: %w", it.ID, err)
	}
	if it.End, err = parseTime(props.Get("end_datetime")); err != nil {
		return nil, fmt.Errorf("item %s: end_datetime: %w", it.ID, err)
	}
	if it.Datetime == nil && it.Start == nil && it.End == nil {
		return nil, fmt.Errorf("item %s has neither datetime nor start/end datetime", it.ID)
	}

	var dimErr error
	props.Get("cube:dimensions").ForEach(func(key, value gjson.Result) bool {
		d, err := parseDimension(key.String(), value)
		if err != nil {
			dimErr = fmt.Errorf("item %s: dimension %q: %w", it.ID, key.String(), err)
			return false
		}
		it.Dimensions = append(it.Dimensions, d)
		return true
	})
	if dimErr != nil {
		return nil, dimErr
	}
	applyProjectionCode(it, props)

	props.Get("cube:variables").ForEach(func(key, value gjson.Result) bool {
		v := domain.VariableDescriptor{
			Name: key.String(),
			Type: value.Get("type").String(),
			Unit: value.Get("unit").String(),
		}
		for _, d := range value.Get("dimensions").Array() {
			v.Dimensions = append(v.Dimensions, d.String())
		}
		it.Variables = append(it.Variables, v)
		return true
	})

	return it, nil
}

// parseBBox accepts 2D [w, s, e, n] and 3D [w, s, zmin, e, n, zmax] boxes.
func parseBBox(r gjson.Result) (domain.BBox, error) {
	arr := r.Array()
	var b domain.BBox
	switch len(arr) {
	case 4:
		b = domain.BBox{West: arr[0].Float(), South: arr[1].Float(), East: arr[2].Float(), North: arr[3].Float()}
	case 6:
		b = domain.BBox{West: arr[0].Float(), South: arr[1].Float(), East: arr[3].Float(), North: arr[4].Float()}
	default:
		return b, fmt.Errorf("%w: expected 4 or 6 values, got %d", domain.ErrInvalidBBox, len(arr))
	}
	if err := b.Validate(); err != nil {
		return b, err
	}
	return b, nil
}

func parseTime(r gjson.Result) (*time.Time, error) {
	if !r.Exists() || r.Type == gjson.Null || r.String() == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, r.String())
	if err != nil {
		if t, err = time.Parse("2006-01-02", r.String()); err != nil {
			return nil, err
		}
	}
	t = t.UTC()
	return &t, nil
}

func parseDimension(name string, r gjson.Result) (domain.DimensionDescriptor, error) {
	d := domain.DimensionDescriptor{
		Name: name,
		Type: r.Get("type").String(),
		Axis: r.Get("axis").String(),
		Unit: r.Get("unit").String(),
	}
	if d.Type == "" {
		return d, fmt.Errorf("missing type")
	}

	if rs := r.Get("reference_system"); rs.Exists() && rs.Type != gjson.Null {
		code, ok := parseReferenceSystem(rs)
		if ok {
			d.ReferenceSystem = &code
		}
	}
	if step := r.Get("step"); step.Type == gjson.Number {
		v := step.Float()
		d.Step = &v
	}

	extent := r.Get("extent").Array()
	if d.Type == domain.TypeTemporal {
		for i := 0; i < len(extent) && i < 2; i++ {
			t, err := parseTime(extent[i])
			if err != nil {
				return d, fmt.Errorf("temporal extent: %w", err)
			}
			d.TemporalExtent[i] = t
		}
	} else {
		for _, e := range extent {
			if e.Type == gjson.Number {
				d.Extent = append(d.Extent, e.Float())
			}
		}
	}

	for _, v := range r.Get("values").Array() {
		if v.Type == gjson.Number {
			d.Values = append(d.Values, strconv.FormatFloat(v.Float(), 'f', -1, 64))
			continue
		}
		d.Values = append(d.Values, v.String())
	}
	return d, nil
}

// parseReferenceSystem accepts an EPSG code, an EPSG string or URN, or a PROJJSON
// object carrying an EPSG id. WKT strings are not resolved.
func parseReferenceSystem(r gjson.Result) (int, bool) {
	switch r.Type {
	case gjson.Number:
		return int(r.Int()), r.Int() > 0
	case gjson.String:
		code, err := domain.ParseEPSG(r.String())
		return code, err == nil
	case gjson.JSON:
		if id := r.Get("id"); id.Get("authority").String() == "EPSG" {
			return int(id.Get("code").Int()), id.Get("code").Int() > 0
		}
	}
	return 0, false
}

// applyProjectionCode fills the reference system of the horizontal spatial
// descriptors from the projection extension when no descriptor declares one.
func applyProjectionCode(it *domain.CatalogItem, props gjson.Result) {
	for _, d := range it.Dimensions {
		if d.ReferenceSystem != nil {
			return
		}
	}
	var code int
	if v := props.Get("proj:epsg"); v.Type == gjson.Number {
		code = int(v.Int())
	} else if v := props.Get("proj:code"); v.Exists() {
		code, _ = domain.ParseEPSG(v.String())
	}
	if code <= 0 {
		return
	}
	for i := range it.Dimensions {
		d := &it.Dimensions[i]
		if d.Type == domain.TypeSpatial && (d.Axis == domain.DimX || d.Axis == domain.DimY) {
			c := code
			d.ReferenceSystem = &c
		}
	}
}
