package zarr

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/tidwall/gjson"

	"go.ngs.io/datacube/internal/adapter/objstore"
	"go.ngs.io/datacube/internal/adapter/store"
)

const (
	arrayMeta     = ".zarray"
	attrsMeta     = ".zattrs"
	consolidated  = ".zmetadata"
	dimsAttribute = "_ARRAY_DIMENSIONS"
)

var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

// dtype is a decoded NumPy type string such as "<f4" or "|u1".
type dtype struct {
	order binary.ByteOrder
	kind  byte // f, i, u, b or M
	size  int
	unit  string // datetime64 unit, kind M only
}

func parseDType(s string) (dtype, error) {
	if len(s) < 3 {
		return dtype{}, fmt.Errorf("invalid dtype %q", s)
	}
	d := dtype{order: binary.LittleEndian, kind: s[1]}
	if s[0] == '>' {
		d.order = binary.BigEndian
	}
	rest := s[2:]
	if d.kind == 'M' {
		n, unit, ok := strings.Cut(rest, "[")
		if !ok || n != "8" {
			return dtype{}, fmt.Errorf("unsupported datetime dtype %q", s)
		}
		d.size, d.unit = 8, strings.TrimSuffix(unit, "]")
		return d, nil
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return dtype{}, fmt.Errorf("invalid dtype %q", s)
	}
	d.size = n
	switch {
	case d.kind == 'f' && (n == 4 || n == 8):
	case (d.kind == 'i' || d.kind == 'u') && (n == 1 || n == 2 || n == 4 || n == 8):
	case d.kind == 'b' && n == 1:
	default:
		return dtype{}, fmt.Errorf("unsupported dtype %q", s)
	}
	return d, nil
}

func (d dtype) decode(b []byte) float64 {
	switch d.kind {
	case 'f':
		if d.size == 4 {
			return float64(math.Float32frombits(d.order.Uint32(b)))
		}
		return math.Float64frombits(d.order.Uint64(b))
	case 'i', 'M':
		switch d.size {
		case 1:
			return float64(int8(b[0]))
		case 2:
			return float64(int16(d.order.Uint16(b)))
		case 4:
			return float64(int32(d.order.Uint32(b)))
		default:
			return float64(int64(d.order.Uint64(b)))
		}
	default:
		switch d.size {
		case 1:
			return float64(b[0])
		case 2:
			return float64(d.order.Uint16(b))
		case 4:
			return float64(d.order.Uint32(b))
		default:
			return float64(d.order.Uint64(b))
		}
	}
}

// array is one Zarr v2 array with its attributes.
type array struct {
	name      string
	href      string
	shape     []int
	chunks    []int
	dtype     dtype
	codec     string
	fill      *float64
	separator string
	attrs     gjson.Result
}

// dims returns the dimension names declared in _ARRAY_DIMENSIONS.
func (a *array) dims() ([]string, error) {
	r := a.attrs.Get(dimsAttribute)
	if !r.IsArray() {
		return nil, fmt.Errorf("array %q has no %s attribute", a.name, dimsAttribute)
	}
	var out []string
	for _, d := range r.Array() {
		out = append(out, d.String())
	}
	if len(out) != len(a.shape) {
		return nil, fmt.Errorf("array %q declares %d dimensions for shape %v", a.name, len(out), a.shape)
	}
	return out, nil
}

func (a *array) attrFloat(name string) (float64, bool) {
	r := a.attrs.Get(name)
	switch r.Type {
	case gjson.Number:
		return r.Float(), true
	case gjson.String:
		if f, err := strconv.ParseFloat(r.String(), 64); err == nil {
			return f, true
		}
	}
	if r.IsArray() && len(r.Array()) > 0 {
		return r.Array()[0].Float(), true
	}
	return 0, false
}

func (a *array) attrString(name string) (string, bool) {
	r := a.attrs.Get(name)
	return r.String(), r.Type == gjson.String
}

// packing returns the fill value and the scale and offset to apply to raw values.
func (a *array) packing() (fill *float64, scale, offset float64) {
	scale, offset = 1, 0
	fill = a.fill
	for _, name := range []string{"_FillValue", "missing_value", "nodata"} {
		if f, ok := a.attrFloat(name); ok {
			fill = &f
			break
		}
	}
	if s, ok := a.attrFloat("scale_factor"); ok && s != 0 {
		scale = s
	}
	if o, ok := a.attrFloat("add_offset"); ok {
		offset = o
	}
	return fill, scale, offset
}

// metaSource fetches metadata documents, from the consolidated .zmetadata when
// the store has one.
type metaSource struct {
	objects *objstore.Reader
	root    string
	docs    map[string]gjson.Result
}

func newMetaSource(ctx context.Context, objects *objstore.Reader, root string) (*metaSource, error) {
	m := &metaSource{objects: objects, root: root}
	raw, err := objects.ReadAll(ctx, objstore.Join(root, consolidated))
	switch {
	case errors.Is(err, objstore.ErrNotFound):
		return m, nil
	case err != nil:
		return nil, err
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid %s", consolidated)
	}
	m.docs = map[string]gjson.Result{}
	gjson.GetBytes(raw, "metadata").ForEach(func(k, v gjson.Result) bool {
		m.docs[k.String()] = v
		return true
	})
	return m, nil
}

func (m *metaSource) get(ctx context.Context, key string) (gjson.Result, error) {
	if m.docs != nil {
		if v, ok := m.docs[key]; ok {
			return v, nil
		}
		return gjson.Result{}, fmt.Errorf("%w: %s", objstore.ErrNotFound, key)
	}
	raw, err := m.objects.ReadAll(ctx, objstore.Join(m.root, strings.Split(key, "/")...))
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("invalid JSON in %s", key)
	}
	return gjson.ParseBytes(raw), nil
}

// openArray reads the .zarray and .zattrs documents of the array called name.
func (m *metaSource) openArray(ctx context.Context, name string) (*array, error) {
	meta, err := m.get(ctx, name+"/"+arrayMeta)
	if err != nil {
		return nil, err
	}
	if f := meta.Get("zarr_format").Int(); f != 2 {
		return nil, fmt.Errorf("array %q: unsupported zarr_format %d", name, f)
	}
	if o := meta.Get("order").String(); o != "" && o != "C" {
		return nil, fmt.Errorf("array %q: unsupported memory order %q", name, o)
	}
	if fl := meta.Get("filters"); fl.Exists() && fl.Type != gjson.Null && len(fl.Array()) > 0 {
		return nil, fmt.Errorf("array %q: filters are not supported", name)
	}

	a := &array{
		name:      name,
		href:      objstore.Join(m.root, name),
		separator: ".",
	}
	for _, v := range meta.Get("shape").Array() {
		a.shape = append(a.shape, int(v.Int()))
	}
	for _, v := range meta.Get("chunks").Array() {
		a.chunks = append(a.chunks, int(v.Int()))
	}
	if len(a.chunks) != len(a.shape) {
		return nil, fmt.Errorf("array %q: chunks %v do not match shape %v", name, a.chunks, a.shape)
	}
	for _, c := range a.chunks {
		if c <= 0 {
			return nil, fmt.Errorf("array %q: invalid chunks %v", name, a.chunks)
		}
	}
	if a.dtype, err = parseDType(meta.Get("dtype").String()); err != nil {
		return nil, fmt.Errorf("array %q: %w", name, err)
	}
	if c := meta.Get("compressor"); c.Type != gjson.Null && c.Exists() {
		a.codec = c.Get("id").String()
	}
	if s := meta.Get("dimension_separator").String(); s != "" {
		a.separator = s
	}
	switch fv := meta.Get("fill_value"); fv.Type {
	case gjson.Number:
		f := fv.Float()
		a.fill = &f
	case gjson.String:
		if f, err := strconv.ParseFloat(fv.String(), 64); err == nil {
			a.fill = &f
		}
	}

	attrs, err := m.get(ctx, name+"/"+attrsMeta)
	switch {
	case errors.Is(err, objstore.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		a.attrs = attrs
	}
	return a, nil
}

// read returns the hyperslab selected by win in C order, raw values with fill
// positions untouched.
func (a *array) read(ctx context.Context, objects *objstore.Reader, win []store.Window) ([]float64, error) {
	n := len(a.shape)
	if len(win) != n {
		return nil, fmt.Errorf("array %q: %d windows for %d dimensions", a.name, len(win), n)
	}
	counts := make([]int, n)
	total := 1
	for i, w := range win {
		if w.Start < 0 || w.Count <= 0 || w.Start+w.Count > a.shape[i] {
			return nil, fmt.Errorf("array %q: window %v outside shape %v", a.name, win, a.shape)
		}
		counts[i] = w.Count
		total *= w.Count
	}
	out := make([]float64, total)
	outStrides := strides(counts)
	chunkStrides := strides(a.chunks)

	lo := make([]int, n)
	hi := make([]int, n)
	for i, w := range win {
		lo[i] = w.Start / a.chunks[i]
		hi[i] = (w.Start + w.Count - 1) / a.chunks[i]
	}
	ci := append([]int(nil), lo...)
	for {
		chunk, err := a.chunk(ctx, objects, ci)
		if err != nil {
			return nil, err
		}
		// Intersection of this chunk with the window, in array coordinates.
		from := make([]int, n)
		to := make([]int, n)
		for d := 0; d < n; d++ {
			from[d] = max(win[d].Start, ci[d]*a.chunks[d])
			to[d] = min(win[d].Start+win[d].Count, (ci[d]+1)*a.chunks[d])
		}
		pos := append([]int(nil), from...)
		for {
			src, dst := 0, 0
			for d := 0; d < n; d++ {
				src += (pos[d] - ci[d]*a.chunks[d]) * chunkStrides[d]
				dst += (pos[d] - win[d].Start) * outStrides[d]
			}
			if chunk == nil {
				out[dst] = a.fillValue()
			} else {
				out[dst] = chunk[src]
			}
			if !next(pos, from, to) {
				break
			}
		}
		if !next(ci, lo, addOne(hi)) {
			break
		}
	}
	return out, nil
}

func (a *array) fillValue() float64 {
	if a.fill == nil {
		return math.NaN()
	}
	return *a.fill
}

// chunk decodes the chunk at grid index ci. A chunk that was never written
// yields nil.
func (a *array) chunk(ctx context.Context, objects *objstore.Reader, ci []int) ([]float64, error) {
	parts := make([]string, len(ci))
	for i, c := range ci {
		parts[i] = strconv.Itoa(c)
	}
	key := strings.Join(parts, a.separator)
	if len(ci) == 0 {
		key = "0"
	}
	raw, err := objects.ReadAll(ctx, objstore.Join(a.href, strings.Split(key, "/")...))
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	buf, err := decompress(a.codec, raw)
	if err != nil {
		return nil, fmt.Errorf("array %q chunk %s: %w", a.name, key, err)
	}
	size := 1
	for _, c := range a.chunks {
		size *= c
	}
	if len(buf) < size*a.dtype.size {
		return nil, fmt.Errorf("array %q chunk %s is truncated: %d of %d bytes", a.name, key, len(buf), size*a.dtype.size)
	}
	out := make([]float64, size)
	for i := range out {
		out[i] = a.dtype.decode(buf[i*a.dtype.size:])
	}
	return out, nil
}

// readAll reads a whole one-dimensional array.
func (a *array) readAll(ctx context.Context, objects *objstore.Reader) ([]float64, error) {
	if len(a.shape) != 1 {
		return nil, fmt.Errorf("array %q is not one-dimensional", a.name)
	}
	return a.read(ctx, objects, []store.Window{{Count: a.shape[0]}})
}

func decompress(codec string, raw []byte) ([]byte, error) {
	switch codec {
	case "":
		return raw, nil
	case "zlib":
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "gzip":
		gr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		return io.ReadAll(gr)
	case "zstd":
		return zstdDecoder.DecodeAll(raw, nil)
	}
	return nil, fmt.Errorf("unsupported compressor %q", codec)
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// next advances pos through the box [from, to) in C order and reports whether
// a position remains.
func next(pos, from, to []int) bool {
	for d := len(pos) - 1; d >= 0; d-- {
		pos[d]++
		if pos[d] < to[d] {
			return true
		}
		pos[d] = from[d]
	}
	return false
}

func addOne(v []int) []int {
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = x + 1
	}
	return out
}
