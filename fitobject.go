package spanorm

import (
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/mat"
)

// Fit aggregates the per-gene parameters together with the identity of the
// dataset it was estimated from. A Fit is valid for a dataset only when the
// ordered gene and location identifiers are exactly those recorded here; any
// difference invalidates it and the caller refits.
type Fit struct {
	Genes     []string
	Locations []string
	DF        int
	SampleP   float64
	Seed      int64
	// Subset holds the ascending location indices the model was fit on.
	Subset []int
	// LogLibMean is the reference value the log library sizes were centred
	// on; the biology component is the fit at this neutral library size.
	LogLibMean float64
	GeneFits   []GeneFit

	basis       *Basis
	fingerprint uint64
}

// Basis returns the spatial transform the fit was estimated with, reusable to
// evaluate the basis at arbitrary coordinates.
func (f *Fit) Basis() *Basis { return f.basis }

// Params returns the per-gene parameter mapping for external reuse.
func (f *Fit) Params() map[string]*GeneFit {
	m := make(map[string]*GeneFit, len(f.Genes))
	for i, g := range f.Genes {
		m[g] = &f.GeneFits[i]
	}
	return m
}

// Valid reports whether the fit can be reused for the dataset: identical
// ordered gene identifiers and identical ordered location identifiers. The
// fingerprint comparison is a fast reject; equality is confirmed exactly.
func (f *Fit) Valid(ds Dataset) bool {
	if f == nil || f.basis == nil {
		return false
	}
	genes, locs := ds.GeneIDs(), ds.LocationIDs()
	if len(genes) != len(f.Genes) || len(locs) != len(f.Locations) {
		return false
	}
	if identityFingerprint(genes, locs) != f.fingerprint {
		return false
	}
	for i, g := range genes {
		if g != f.Genes[i] {
			return false
		}
	}
	for i, l := range locs {
		if l != f.Locations[i] {
			return false
		}
	}
	return true
}

// NonConverged returns the identifiers of genes whose fit ended in
// max-iterations or fallback state.
func (f *Fit) NonConverged() []string {
	var ids []string
	for i := range f.GeneFits {
		switch f.GeneFits[i].Status {
		case StatusMaxIter, StatusFallback:
			ids = append(ids, f.Genes[i])
		}
	}
	return ids
}

// identityFingerprint hashes the ordered identifier lists. Lengths are mixed
// in so that boundary shifts between adjacent identifiers cannot collide.
func identityFingerprint(genes, locations []string) uint64 {
	h := xxhash.New()
	var buf [8]byte
	hash := func(ids []string) {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(ids)))
		_, _ = h.Write(buf[:])
		for _, id := range ids {
			binary.LittleEndian.PutUint64(buf[:], uint64(len(id)))
			_, _ = h.Write(buf[:])
			_, _ = h.WriteString(id)
		}
	}
	hash(genes)
	hash(locations)
	return h.Sum64()
}

// centredLogLibSizes computes log library sizes for every location. When the
// reference mean is NaN it is computed from the data (fitting); otherwise the
// stored reference is reused (prediction/adjustment).
func centredLogLibSizes(counts *mat.Dense, ref float64) (logLS []float64, mean float64) {
	ls := LibrarySizes(counts)
	logLS = make([]float64, len(ls))
	for i, v := range ls {
		logLS[i] = math.Log(max(v, 1))
	}
	if math.IsNaN(ref) {
		mean = 0
		for _, v := range logLS {
			mean += v
		}
		mean /= float64(len(logLS))
	} else {
		mean = ref
	}
	for i := range logLS {
		logLS[i] -= mean
	}
	return logLS, mean
}

// FitModel runs one full fitting call: subsample the locations, build the
// spatial basis, fit every gene's NB model in parallel and aggregate the
// results. Per-gene convergence problems are recorded, never fatal;
// configuration problems abort before any fitting work.
func FitModel(ds Dataset, opt Options) (*Fit, error) {
	if err := opt.validate(); err != nil {
		return nil, err
	}
	counts := ds.Counts()
	ng, nl := counts.Dims()
	genes, locs := ds.GeneIDs(), ds.LocationIDs()
	if ng != len(genes) || nl != len(locs) {
		return nil, fmt.Errorf("%w: counts are %dx%d but ids are %dx%d",
			ErrDataset, ng, nl, len(genes), len(locs))
	}

	subset, err := SelectSubset(nl, opt.SampleP, opt.Seed)
	if err != nil {
		return nil, err
	}
	if len(subset) < 2*opt.BasisDF+2 {
		return nil, fmt.Errorf("%w: sample.p=%v keeps %d locations, need at least %d for df.tps=%d",
			ErrConfig, opt.SampleP, len(subset), 2*opt.BasisDF+2, opt.BasisDF)
	}

	coords := ds.Coordinates()
	subCoords := mat.NewDense(len(subset), 2, nil)
	for i, j := range subset {
		subCoords.Set(i, 0, coords.At(j, 0))
		subCoords.Set(i, 1, coords.At(j, 1))
	}
	basis, err := NewBasis(subCoords, opt.BasisDF)
	if err != nil {
		return nil, err
	}

	logLS, logLibMean := centredLogLibSizes(counts, math.NaN())
	subLogLS := make([]float64, len(subset))
	for i, j := range subset {
		subLogLS[i] = logLS[j]
	}
	design := buildDesign(basis.Evaluate(subCoords), subLogLS)

	logger := opt.logger()
	if logger != nil {
		logger.Printf("fitting %d genes on %d of %d locations (df=%d, seed=%d)",
			ng, len(subset), nl, opt.BasisDF, opt.Seed)
	}

	geneFits := make([]GeneFit, ng)
	workers := opt.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > ng {
		workers = max(ng, 1)
	}

	var done atomic.Int64
	jobs := make(chan int)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fitter := newGeneFitter(design, opt.BasisDF, opt.Tol, opt.maxInner(), opt.maxOuter())
			y := make([]float64, len(subset))
			for g := range jobs {
				row := counts.RawRowView(g)
				for i, j := range subset {
					y[i] = row[j]
				}
				geneFits[g] = fitter.fit(y)
				if n := done.Add(1); logger != nil && n%5000 == 0 {
					logger.Printf("fitted %d/%d genes", n, ng)
				}
			}
		}()
	}
	for g := range ng {
		jobs <- g
	}
	close(jobs)
	wg.Wait()

	fit := &Fit{
		Genes:       append([]string(nil), genes...),
		Locations:   append([]string(nil), locs...),
		DF:          opt.BasisDF,
		SampleP:     opt.SampleP,
		Seed:        opt.Seed,
		Subset:      subset,
		LogLibMean:  logLibMean,
		GeneFits:    geneFits,
		basis:       basis,
		fingerprint: identityFingerprint(genes, locs),
	}

	if logger != nil {
		var capped, fell int
		for i := range geneFits {
			switch geneFits[i].Status {
			case StatusMaxIter:
				capped++
			case StatusFallback:
				fell++
			}
		}
		logger.Printf("fit complete: %d genes, %d hit the iteration cap, %d fell back to intercept-only",
			ng, capped, fell)
	}
	return fit, nil
}

// Predict evaluates the two fitted linear-predictor terms at every location
// of the dataset: the library-size-associated term and the biology term.
// Both are genes x locations. Genes flagged all-zero carry zero coefficients;
// their rows are meaningful only through Adjust.
func (f *Fit) Predict(ds Dataset) (etaLS, etaBio *mat.Dense, err error) {
	if !f.Valid(ds) {
		return nil, nil, ErrNoValidFit
	}
	basisAll := f.basis.Evaluate(ds.Coordinates())
	logLS, _ := centredLogLibSizes(ds.Counts(), f.LogLibMean)
	ng := len(f.Genes)
	nl := len(f.Locations)
	etaLS = mat.NewDense(ng, nl, nil)
	etaBio = mat.NewDense(ng, nl, nil)
	for g := range ng {
		gf := &f.GeneFits[g]
		for i := range nl {
			brow := basisAll.RawRowView(i)
			var ls, bio float64
			for j := range f.DF {
				ls += brow[j] * gf.LibSize[j]
				bio += brow[j] * gf.Biology[j]
			}
			etaLS.Set(g, i, ls*logLS[i])
			etaBio.Set(g, i, bio)
		}
	}
	return etaLS, etaBio, nil
}
