package spanorm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Basis is a reusable low-rank thin-plate spline transform over 2-D
// coordinates. It is constructed once from a coordinate set and can then be
// evaluated at any other coordinate set, so a model fit on a subsample can be
// predicted onto every location.
//
// The basis has exactly df columns, in a fixed order: intercept, scaled x,
// scaled y, then r^2*log(r) radial terms centred on df-3 knots. Knots are
// chosen by greedy farthest-point selection over the distinct coordinates,
// which is deterministic given the coordinate order. Column scalings are
// recorded at construction and reused at evaluation time.
type Basis struct {
	df       int
	minX     float64
	minY     float64
	span     float64
	knots    [][2]float64 // scaled to the unit square
	colScale []float64    // len df, radial columns divided by construction RMS
}

// NewBasis builds the transform from an n x 2 coordinate matrix. df must be
// positive and at most the number of distinct coordinates minus 2.
func NewBasis(coords *mat.Dense, df int) (*Basis, error) {
	n, c := coords.Dims()
	if c != 2 {
		return nil, fmt.Errorf("%w: coordinates are %dx%d, want nx2", ErrDataset, n, c)
	}
	distinct := distinctPoints(coords)
	if df < 1 {
		return nil, fmt.Errorf("%w: df.tps=%d, must be a positive integer", ErrConfig, df)
	}
	if df > len(distinct)-2 {
		return nil, fmt.Errorf("%w: df.tps=%d with %d distinct locations, need df.tps <= distinct-2",
			ErrConfig, df, len(distinct))
	}

	b := &Basis{df: df}
	b.minX, b.minY, b.span = coordSpan(coords)
	for i := range distinct {
		distinct[i][0] = (distinct[i][0] - b.minX) / b.span
		distinct[i][1] = (distinct[i][1] - b.minY) / b.span
	}
	if df > 3 {
		b.knots = farthestPointKnots(distinct, df-3)
	}

	// Radial columns are scaled to unit RMS on the construction set so the
	// design stays well conditioned; the same divisors apply at prediction.
	b.colScale = make([]float64, df)
	for j := range b.colScale {
		b.colScale[j] = 1
	}
	raw := b.evaluate(coords, false)
	for j := 3; j < df; j++ {
		ss := 0.0
		for i := range n {
			v := raw.At(i, j)
			ss += v * v
		}
		rms := math.Sqrt(ss / float64(n))
		if rms > 1e-12 {
			b.colScale[j] = rms
		}
	}
	return b, nil
}

// DF returns the basis rank.
func (b *Basis) DF() int { return b.df }

// Evaluate computes the n x df basis matrix at the given coordinates, which
// need not be the construction set.
func (b *Basis) Evaluate(coords *mat.Dense) *mat.Dense {
	return b.evaluate(coords, true)
}

func (b *Basis) evaluate(coords *mat.Dense, scaled bool) *mat.Dense {
	n, c := coords.Dims()
	if c != 2 {
		panic("spanorm: basis evaluated on non-2D coordinates")
	}
	out := mat.NewDense(n, b.df, nil)
	for i := range n {
		x := (coords.At(i, 0) - b.minX) / b.span
		y := (coords.At(i, 1) - b.minY) / b.span
		out.Set(i, 0, 1)
		if b.df > 1 {
			out.Set(i, 1, x)
		}
		if b.df > 2 {
			out.Set(i, 2, y)
		}
		for k, kn := range b.knots {
			v := tpsEta(math.Hypot(x-kn[0], y-kn[1]))
			if scaled {
				v /= b.colScale[3+k]
			}
			out.Set(i, 3+k, v)
		}
	}
	return out
}

// tpsEta is the thin-plate radial function r^2*log(r), continuous at 0.
func tpsEta(r float64) float64 {
	if r < 1e-12 {
		return 0
	}
	return r * r * math.Log(r)
}

func coordSpan(coords *mat.Dense) (minX, minY, span float64) {
	n, _ := coords.Dims()
	minX, minY = coords.At(0, 0), coords.At(0, 1)
	maxX, maxY := minX, minY
	for i := 1; i < n; i++ {
		x, y := coords.At(i, 0), coords.At(i, 1)
		minX = min(minX, x)
		maxX = max(maxX, x)
		minY = min(minY, y)
		maxY = max(maxY, y)
	}
	span = max(maxX-minX, maxY-minY)
	if span <= 0 {
		span = 1
	}
	return minX, minY, span
}

// distinctPoints returns the unique coordinate rows in first-appearance order.
func distinctPoints(coords *mat.Dense) [][2]float64 {
	n, _ := coords.Dims()
	seen := make(map[[2]float64]struct{}, n)
	pts := make([][2]float64, 0, n)
	for i := range n {
		p := [2]float64{coords.At(i, 0), coords.At(i, 1)}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		pts = append(pts, p)
	}
	return pts
}

// farthestPointKnots seeds at the point nearest the centroid and repeatedly
// adds the point with the largest minimum distance to the chosen set. Ties
// break toward the lower index.
func farthestPointKnots(pts [][2]float64, k int) [][2]float64 {
	if k > len(pts) {
		k = len(pts)
	}
	var cx, cy float64
	for _, p := range pts {
		cx += p[0]
		cy += p[1]
	}
	cx /= float64(len(pts))
	cy /= float64(len(pts))

	seed := 0
	best := math.Inf(1)
	for i, p := range pts {
		d := sqDist(p, [2]float64{cx, cy})
		if d < best {
			best = d
			seed = i
		}
	}

	knots := make([][2]float64, 0, k)
	knots = append(knots, pts[seed])
	minDist := make([]float64, len(pts))
	for i, p := range pts {
		minDist[i] = sqDist(p, pts[seed])
	}
	for len(knots) < k {
		next := 0
		far := -1.0
		for i, d := range minDist {
			if d > far {
				far = d
				next = i
			}
		}
		knots = append(knots, pts[next])
		for i, p := range pts {
			if d := sqDist(p, pts[next]); d < minDist[i] {
				minDist[i] = d
			}
		}
	}
	return knots
}

func sqDist(a, b [2]float64) float64 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	return dx*dx + dy*dy
}
