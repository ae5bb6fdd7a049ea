package spanorm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// Binary fit blob: a 13-byte header (magic, version, xxhash64 checksum of the
// compressed payload) followed by a zstd-compressed little-endian payload.
// The layout is versioned so stored fits stay readable across releases.
var fitMagic = [4]byte{'S', 'P', 'N', 'F'}

const fitCodecVersion = 1

// MarshalBinary serializes the fit, including the basis transform, so it can
// be stored or shipped and later reused against an identical dataset.
func (f *Fit) MarshalBinary() ([]byte, error) {
	var payload bytes.Buffer
	w := codecWriter{buf: &payload}

	w.u32(uint32(f.DF))
	w.u64(uint64(f.Seed))
	w.f64(f.SampleP)
	w.f64(f.LogLibMean)

	w.f64(f.basis.minX)
	w.f64(f.basis.minY)
	w.f64(f.basis.span)
	w.u32(uint32(len(f.basis.knots)))
	for _, kn := range f.basis.knots {
		w.f64(kn[0])
		w.f64(kn[1])
	}
	w.floats(f.basis.colScale)

	w.strings(f.Genes)
	w.strings(f.Locations)
	w.u32(uint32(len(f.Subset)))
	for _, idx := range f.Subset {
		w.u32(uint32(idx))
	}

	for i := range f.GeneFits {
		g := &f.GeneFits[i]
		w.u8(uint8(g.Status))
		w.bool(g.InnerConverged)
		w.bool(g.OuterConverged)
		w.f64(g.Theta)
		w.f64(g.Deviance)
		w.floats(g.LibSize)
		w.floats(g.Biology)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	comp := enc.EncodeAll(payload.Bytes(), nil)
	_ = enc.Close()

	out := make([]byte, 0, 13+len(comp))
	out = append(out, fitMagic[:]...)
	out = append(out, fitCodecVersion)
	out = binary.LittleEndian.AppendUint64(out, xxhash.Sum64(comp))
	out = append(out, comp...)
	return out, nil
}

// UnmarshalFit decodes a blob produced by MarshalBinary, verifying magic,
// version and checksum before touching the payload.
func UnmarshalFit(blob []byte) (*Fit, error) {
	if len(blob) < 13 || !bytes.Equal(blob[:4], fitMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrCodec)
	}
	if blob[4] != fitCodecVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCodec, blob[4])
	}
	comp := blob[13:]
	if binary.LittleEndian.Uint64(blob[5:13]) != xxhash.Sum64(comp) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCodec)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	payload, err := dec.DecodeAll(comp, nil)
	dec.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}

	r := codecReader{data: payload}
	fit := &Fit{}
	fit.DF = int(r.u32())
	fit.Seed = int64(r.u64())
	fit.SampleP = r.f64()
	fit.LogLibMean = r.f64()

	b := &Basis{df: fit.DF}
	b.minX = r.f64()
	b.minY = r.f64()
	b.span = r.f64()
	nKnots := int(r.u32())
	if r.err == nil && nKnots >= 0 && nKnots <= len(payload) {
		b.knots = make([][2]float64, nKnots)
		for i := range b.knots {
			b.knots[i][0] = r.f64()
			b.knots[i][1] = r.f64()
		}
	}
	b.colScale = r.floats()
	fit.basis = b

	fit.Genes = r.strings()
	fit.Locations = r.strings()
	nSub := int(r.u32())
	if r.err == nil && nSub >= 0 && nSub <= len(payload) {
		fit.Subset = make([]int, nSub)
		for i := range fit.Subset {
			fit.Subset[i] = int(r.u32())
		}
	}

	if r.err == nil {
		fit.GeneFits = make([]GeneFit, len(fit.Genes))
		for i := range fit.GeneFits {
			g := &fit.GeneFits[i]
			g.Status = ConvergenceStatus(r.u8())
			g.InnerConverged = r.bool()
			g.OuterConverged = r.bool()
			g.Theta = r.f64()
			g.Deviance = r.f64()
			g.LibSize = r.floats()
			g.Biology = r.floats()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if len(b.colScale) != fit.DF {
		return nil, fmt.Errorf("%w: basis rank %d does not match df %d", ErrCodec, len(b.colScale), fit.DF)
	}
	fit.fingerprint = identityFingerprint(fit.Genes, fit.Locations)
	return fit, nil
}

type codecWriter struct {
	buf *bytes.Buffer
}

func (w codecWriter) u8(v uint8) { w.buf.WriteByte(v) }

func (w codecWriter) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}
func (w codecWriter) u32(v uint32) { w.buf.Write(binary.LittleEndian.AppendUint32(nil, v)) }
func (w codecWriter) u64(v uint64) { w.buf.Write(binary.LittleEndian.AppendUint64(nil, v)) }
func (w codecWriter) f64(v float64) {
	w.u64(math.Float64bits(v))
}

func (w codecWriter) floats(v []float64) {
	w.u32(uint32(len(v)))
	for _, x := range v {
		w.f64(x)
	}
}

func (w codecWriter) strings(v []string) {
	w.u32(uint32(len(v)))
	for _, s := range v {
		w.u32(uint32(len(s)))
		w.buf.WriteString(s)
	}
}

type codecReader struct {
	data []byte
	off  int
	err  error
}

func (r *codecReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: truncated payload", ErrCodec)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *codecReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *codecReader) bool() bool { return r.u8() != 0 }

func (r *codecReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *codecReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *codecReader) f64() float64 { return math.Float64frombits(r.u64()) }

func (r *codecReader) floats() []float64 {
	n := int(r.u32())
	if r.err != nil || n > len(r.data) {
		if r.err == nil {
			r.err = fmt.Errorf("%w: oversized vector", ErrCodec)
		}
		return nil
	}
	v := make([]float64, n)
	for i := range v {
		v[i] = r.f64()
	}
	return v
}

func (r *codecReader) strings() []string {
	n := int(r.u32())
	if r.err != nil || n > len(r.data) {
		if r.err == nil {
			r.err = fmt.Errorf("%w: oversized list", ErrCodec)
		}
		return nil
	}
	v := make([]string, n)
	for i := range v {
		v[i] = string(r.take(int(r.u32())))
	}
	return v
}
