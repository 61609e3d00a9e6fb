// Package crs resolves EPSG codes to projections and builds point transforms between them.
package crs

import (
	"fmt"
	"sync"

	"github.com/ctessum/geom/proj"
)

const (
	webMercator   = "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +no_defs"
	geographicDef = "+proj=longlat +datum=WGS84 +no_defs"
)

// Transformer maps a point from one reference system to another.
type Transformer func(x, y float64) (float64, float64, error)

var (
	mu       sync.RWMutex
	defs     = map[int]string{4326: geographicDef, 3857: webMercator, 900913: webMercator}
	cache    = map[[2]int]Transformer{}
	parsed   = map[int]*proj.SR{}
	identity = func(x, y float64) (float64, float64, error) { return x, y, nil }
)

// Register adds or replaces the proj4 definition of an EPSG code.
func Register(code int, def string) error {
	if _, err := proj.Parse(def); err != nil {
		return fmt.Errorf("failed to parse definition for EPSG:%d: %w", code, err)
	}
	mu.Lock()
	defer mu.Unlock()
	defs[code] = def
	delete(parsed, code)
	for k := range cache {
		if k[0] == code || k[1] == code {
			delete(cache, k)
		}
	}
	return nil
}

// Proj4 returns the proj4 definition of an EPSG code. WGS84 UTM zones
// (326xx north, 327xx south) are derived on demand.
func Proj4(code int) (string, error) {
	mu.RLock()
	def, ok := defs[code]
	mu.RUnlock()
	if ok {
		return def, nil
	}
	switch {
	case code > 32600 && code <= 32660:
		return fmt.Sprintf("+proj=utm +zone=%d +datum=WGS84 +units=m +no_defs", code-32600), nil
	case code > 32700 && code <= 32760:
		return fmt.Sprintf("+proj=utm +zone=%d +south +datum=WGS84 +units=m +no_defs", code-32700), nil
	}
	return "", fmt.Errorf("unsupported reference system EPSG:%d", code)
}

// IsGeographic reports whether the code denotes longitude/latitude axes in degrees.
func IsGeographic(code int) bool {
	return code == 4326 || code == 4258 || code == 4269
}

// Supported reports whether a projection is known for code.
func Supported(code int) bool {
	_, err := Proj4(code)
	return err == nil
}

// NewTransformer returns a transform from src to dst. Equal codes yield the identity.
func NewTransformer(src, dst int) (Transformer, error) {
	if src == dst {
		return identity, nil
	}
	key := [2]int{src, dst}
	mu.RLock()
	t, ok := cache[key]
	mu.RUnlock()
	if ok {
		return t, nil
	}

	from, err := spatialReference(src)
	if err != nil {
		return nil, err
	}
	to, err := spatialReference(dst)
	if err != nil {
		return nil, err
	}
	ct, err := from.NewTransform(to)
	if err != nil {
		return nil, fmt.Errorf("failed to create transform EPSG:%d -> EPSG:%d: %w", src, dst, err)
	}
	t = Transformer(ct)

	mu.Lock()
	cache[key] = t
	mu.Unlock()
	return t, nil
}

func spatialReference(code int) (*proj.SR, error) {
	mu.RLock()
	sr, ok := parsed[code]
	mu.RUnlock()
	if ok {
		return sr, nil
	}
	def, err := Proj4(code)
	if err != nil {
		return nil, err
	}
	sr, err = proj.Parse(def)
	if err != nil {
		return nil, fmt.Errorf("failed to parse EPSG:%d: %w", code, err)
	}
	mu.Lock()
	parsed[code] = sr
	mu.Unlock()
	return sr, nil
}

// UTMZone returns the WGS84 UTM EPSG code covering a longitude/latitude point.
func UTMZone(lon, lat float64) int {
	zone := int((lon+180)/6) + 1
	if zone > 60 {
		zone = 60
	}
	if zone < 1 {
		zone = 1
	}
	if lat < 0 {
		return 32700 + zone
	}
	return 32600 + zone
}
