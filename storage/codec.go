package storage

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/archivist/core"
)

// encoder appends MUS-encoded fields to a buffer.
type encoder struct {
	buf []byte
}

func (e *encoder) grow(n int) []byte {
	off := len(e.buf)
	if cap(e.buf)-off < n {
		next := make([]byte, off, 2*cap(e.buf)+n)
		copy(next, e.buf)
		e.buf = next
	}
	e.buf = e.buf[:off+n]
	return e.buf[off:]
}

func (e *encoder) uint64(v uint64) {
	varint.Uint64.Marshal(v, e.grow(varint.Uint64.Size(v)))
}

func (e *encoder) int(v int) {
	varint.Int64.Marshal(int64(v), e.grow(varint.Int64.Size(int64(v))))
}

func (e *encoder) string(s string) {
	ord.String.Marshal(s, e.grow(ord.String.Size(s)))
}

func (e *encoder) bool(b bool) {
	ord.Bool.Marshal(b, e.grow(ord.Bool.Size(b)))
}

func (e *encoder) float64(f float64) {
	e.uint64(math.Float64bits(f))
}

func (e *encoder) float32s(v []float32) {
	e.int(len(v))
	for _, f := range v {
		bits := math.Float32bits(f)
		varint.Uint32.Marshal(bits, e.grow(varint.Uint32.Size(bits)))
	}
}

// time stores microseconds since the epoch; the zero time is kept distinct.
func (e *encoder) time(t time.Time) {
	if t.IsZero() {
		e.bool(false)
		return
	}
	e.bool(true)
	v := t.UnixMicro()
	varint.Int64.Marshal(v, e.grow(varint.Int64.Size(v)))
}

func (e *encoder) strings(v []string) {
	e.int(len(v))
	for _, s := range v {
		e.string(s)
	}
}

func (e *encoder) value(v core.Value) {
	e.uint64(uint64(v.Kind))
	switch v.Kind {
	case core.KindString:
		e.string(v.Str)
	case core.KindNumber:
		e.float64(v.Num)
	case core.KindBool:
		e.bool(v.Bool)
	}
}

// metadata writes keys in sorted order so equal maps encode identically.
func (e *encoder) metadata(md core.Metadata) {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.int(len(keys))
	for _, k := range keys {
		e.string(k)
		e.value(md[k])
	}
}

func (e *encoder) source(src core.SourceDescriptor) {
	e.string(string(src.Kind))
	e.string(src.Text)
	e.string(src.URI)
	e.string(src.Format)
}

// decoder reads MUS-encoded fields. The first failure sticks; later reads
// return zero values.
type decoder struct {
	bs  []byte
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
}

func (d *decoder) uint64() uint64 {
	if d.err != nil {
		return 0
	}
	v, n, err := varint.Uint64.Unmarshal(d.bs)
	if err != nil {
		d.fail(err)
		return 0
	}
	d.bs = d.bs[n:]
	return v
}

func (d *decoder) int64() int64 {
	if d.err != nil {
		return 0
	}
	v, n, err := varint.Int64.Unmarshal(d.bs)
	if err != nil {
		d.fail(err)
		return 0
	}
	d.bs = d.bs[n:]
	return v
}

func (d *decoder) int() int {
	return int(d.int64())
}

// length reads a slice or map length and rejects values that cannot fit in
// the remaining input.
func (d *decoder) length() int {
	n := d.int()
	if d.err == nil && (n < 0 || n > len(d.bs)) {
		d.fail(fmt.Errorf("length %d exceeds remaining %d bytes", n, len(d.bs)))
		return 0
	}
	return n
}

func (d *decoder) string() string {
	if d.err != nil {
		return ""
	}
	v, n, err := ord.String.Unmarshal(d.bs)
	if err != nil {
		d.fail(err)
		return ""
	}
	d.bs = d.bs[n:]
	return v
}

func (d *decoder) bool() bool {
	if d.err != nil {
		return false
	}
	v, n, err := ord.Bool.Unmarshal(d.bs)
	if err != nil {
		d.fail(err)
		return false
	}
	d.bs = d.bs[n:]
	return v
}

func (d *decoder) float64() float64 {
	return math.Float64frombits(d.uint64())
}

func (d *decoder) float32s() []float32 {
	n := d.length()
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		if d.err != nil {
			return nil
		}
		bits, sz, err := varint.Uint32.Unmarshal(d.bs)
		if err != nil {
			d.fail(err)
			return nil
		}
		d.bs = d.bs[sz:]
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func (d *decoder) time() time.Time {
	if !d.bool() {
		return time.Time{}
	}
	v := d.int64()
	if d.err != nil {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

func (d *decoder) strings() []string {
	n := d.length()
	if n == 0 {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.string())
	}
	return out
}

func (d *decoder) value() core.Value {
	v := core.Value{Kind: core.ValueKind(d.uint64())}
	switch v.Kind {
	case core.KindString:
		v.Str = d.string()
	case core.KindNumber:
		v.Num = d.float64()
	case core.KindBool:
		v.Bool = d.bool()
	default:
		d.fail(fmt.Errorf("unknown value kind %d", v.Kind))
	}
	return v
}

func (d *decoder) metadata() core.Metadata {
	n := d.length()
	if n == 0 {
		return nil
	}
	md := make(core.Metadata, n)
	for i := 0; i < n && d.err == nil; i++ {
		k := d.string()
		md[k] = d.value()
	}
	return md
}

func (d *decoder) source() core.SourceDescriptor {
	return core.SourceDescriptor{
		Kind:   core.SourceKind(d.string()),
		Text:   d.string(),
		URI:    d.string(),
		Format: d.string(),
	}
}

func (d *decoder) finish() error {
	return d.err
}

// newDecoder fails immediately on empty input so an absent value is never
// mistaken for a zero record.
func newDecoder(data []byte) *decoder {
	d := &decoder{bs: data}
	if len(data) == 0 {
		d.fail(ErrTruncatedData)
	}
	return d
}
