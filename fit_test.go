package spanorm

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// testFitter builds a fitter over a jittered grid with a linear spread of
// centred log library sizes.
func testFitter(t *testing.T, n, df int) (*geneFitter, *mat.Dense, []float64) {
	t.Helper()
	coords := gridCoords(n, 11)
	basis, err := NewBasis(coords, df)
	require.NoError(t, err)
	logLS := make([]float64, n)
	for i := range logLS {
		logLS[i] = -0.5 + float64(i)/float64(n-1)
	}
	B := basis.Evaluate(coords)
	design := buildDesign(B, logLS)
	return newGeneFitter(design, df, 1e-4, defaultMaxInnerIter, defaultMaxOuterIter), B, logLS
}

func TestFitGeneRecoversMean(t *testing.T) {
	t.Parallel()

	n, df := 80, 3
	fitter, B, logLS := testFitter(t, n, df)

	// Counts generated from the model itself (rounded), so the fitted means
	// must track the generating means closely.
	truth := make([]float64, n)
	y := make([]float64, n)
	for i := range y {
		truth[i] = math.Exp(1.5 + 0.8*logLS[i] + 0.5*B.At(i, 1))
		y[i] = math.Round(truth[i])
	}

	g := fitter.fit(y)
	require.Equal(t, StatusConverged, g.Status)
	require.True(t, g.InnerConverged)
	require.True(t, g.OuterConverged)
	require.Len(t, g.LibSize, df)
	require.Len(t, g.Biology, df)
	require.Greater(t, g.Theta, 0.0)

	relErr := 0.0
	for i := range y {
		eta := 0.0
		for j := range df {
			eta += B.At(i, j)*g.LibSize[j]*logLS[i] + B.At(i, j)*g.Biology[j]
		}
		mu := math.Exp(eta)
		relErr += math.Abs(mu-truth[i]) / truth[i]
	}
	relErr /= float64(n)
	assert.Less(t, relErr, 0.1, "fitted means should track the generating means")
}

func TestFitGeneDeterministic(t *testing.T) {
	t.Parallel()

	n, df := 60, 4
	fitter, B, logLS := testFitter(t, n, df)
	y := make([]float64, n)
	for i := range y {
		y[i] = math.Round(8 * math.Exp(0.4*logLS[i]+0.3*math.Sin(3*B.At(i, 2))))
	}

	a := fitter.fit(y)
	b := fitter.fit(y)
	require.Equal(t, a.LibSize, b.LibSize)
	require.Equal(t, a.Biology, b.Biology)
	require.Equal(t, a.Theta, b.Theta)
	require.Equal(t, a.Status, b.Status)
}

func TestFitGeneAllZero(t *testing.T) {
	t.Parallel()

	fitter, _, _ := testFitter(t, 40, 3)
	g := fitter.fit(make([]float64, 40))
	require.Equal(t, StatusAllZero, g.Status)
	for j := range 3 {
		require.Zero(t, g.LibSize[j])
		require.Zero(t, g.Biology[j])
	}
	require.False(t, math.IsNaN(g.Theta))
	require.False(t, math.IsNaN(g.Deviance))
}

func TestFitGeneNearConstantDoesNotCrash(t *testing.T) {
	t.Parallel()

	fitter, _, _ := testFitter(t, 40, 5)

	// A single count in a sea of zeros: badly conditioned but must produce a
	// finite, flagged-or-converged fit rather than NaNs.
	y := make([]float64, 40)
	y[17] = 1
	g := fitter.fit(y)
	for j := range 5 {
		require.True(t, isFinite(g.LibSize[j]), "LibSize[%d]", j)
		require.True(t, isFinite(g.Biology[j]), "Biology[%d]", j)
	}
	require.True(t, isFinite(g.Theta))
}

func TestFitGeneFallbackIsInterceptOnly(t *testing.T) {
	t.Parallel()

	fitter, _, _ := testFitter(t, 30, 3)
	y := make([]float64, 30)
	for i := range y {
		y[i] = 4
	}
	g := fitter.fallback(y)
	require.Equal(t, StatusFallback, g.Status)
	require.InDelta(t, math.Log(4), g.Biology[0], 1e-12)
	for j := 1; j < 3; j++ {
		require.Zero(t, g.Biology[j])
	}
	for j := range 3 {
		require.Zero(t, g.LibSize[j])
	}
}

// End-to-end fit: 5 genes x 100 locations, df=2, sample.p=0.5, seed=1.
func TestFitModelScenario(t *testing.T) {
	t.Parallel()

	ds := scenarioDataset(t, 5, 100)
	opt := DefaultOptions()
	opt.BasisDF = 2
	opt.SampleP = 0.5
	opt.Seed = 1

	fit, err := FitModel(ds, opt)
	require.NoError(t, err)
	require.Len(t, fit.Subset, 50)
	require.Len(t, fit.GeneFits, 5)
	for i := range fit.GeneFits {
		require.Len(t, fit.GeneFits[i].LibSize, 2)
		require.Len(t, fit.GeneFits[i].Biology, 2)
	}

	again, err := FitModel(ds, opt)
	require.NoError(t, err)
	require.Equal(t, fit.Subset, again.Subset, "same seed must select the same locations")
	for i := range fit.GeneFits {
		require.Equal(t, fit.GeneFits[i], again.GeneFits[i], "refit must be identical")
	}
}

func TestFitModelConfigErrors(t *testing.T) {
	t.Parallel()

	ds := scenarioDataset(t, 3, 30)

	opt := DefaultOptions()
	opt.BasisDF = 0
	_, err := FitModel(ds, opt)
	require.ErrorIs(t, err, ErrConfig)

	opt = DefaultOptions()
	opt.Tol = 0
	_, err = FitModel(ds, opt)
	require.ErrorIs(t, err, ErrConfig)

	// Subset too small for the stacked design.
	opt = DefaultOptions()
	opt.BasisDF = 6
	opt.SampleP = 0.2 // 6 locations < 2*6+2
	_, err = FitModel(ds, opt)
	require.ErrorIs(t, err, ErrConfig)

	// df beyond what the subsampled coordinates support.
	opt = DefaultOptions()
	opt.BasisDF = 14
	opt.SampleP = 0.5
	_, err = FitModel(ds, opt)
	require.ErrorIs(t, err, ErrConfig)
}

func TestFitValidIdentity(t *testing.T) {
	t.Parallel()

	ds := scenarioDataset(t, 4, 60)
	opt := DefaultOptions()
	opt.BasisDF = 3
	opt.SampleP = 0.5
	fit, err := FitModel(ds, opt)
	require.NoError(t, err)
	require.True(t, fit.Valid(ds))

	// Same data, one renamed gene: invalid.
	renamed := cloneWithGene(t, ds, 2, "gene-renamed")
	require.False(t, fit.Valid(renamed))

	// Reordered genes with the same identifiers: invalid.
	swapped := cloneWithSwappedGenes(t, ds, 0, 1)
	require.False(t, fit.Valid(swapped))

	var nilFit *Fit
	require.False(t, nilFit.Valid(ds))
}

// scenarioDataset builds a deterministic dataset with a library-size gradient
// and one all-zero gene (the last one).
func scenarioDataset(t *testing.T, genes, locations int) *InMemoryDataset {
	t.Helper()
	coords := gridCoords(locations, 21)
	counts := mat.NewDense(genes, locations, nil)
	for g := 0; g < genes-1; g++ {
		for i := range locations {
			x := coords.At(i, 0)
			mu := 6 * math.Exp(0.3*x/8+0.2*float64(g))
			counts.Set(g, i, math.Round(mu))
		}
	}
	ids := make([]string, genes)
	for g := range ids {
		ids[g] = geneID(g)
	}
	locs := make([]string, locations)
	for i := range locs {
		locs[i] = locID(i)
	}
	ds, err := NewDataset(counts, ids, locs, coords)
	require.NoError(t, err)
	return ds
}

func geneID(g int) string { return fmt.Sprintf("gene-%02d", g) }

func locID(i int) string { return fmt.Sprintf("loc-%03d", i) }

func cloneWithGene(t *testing.T, ds *InMemoryDataset, idx int, name string) *InMemoryDataset {
	t.Helper()
	genes := append([]string(nil), ds.GeneIDs()...)
	genes[idx] = name
	out, err := NewDataset(ds.Counts(), genes, ds.LocationIDs(), ds.Coordinates())
	require.NoError(t, err)
	return out
}

func cloneWithSwappedGenes(t *testing.T, ds *InMemoryDataset, i, j int) *InMemoryDataset {
	t.Helper()
	genes := append([]string(nil), ds.GeneIDs()...)
	genes[i], genes[j] = genes[j], genes[i]
	out, err := NewDataset(ds.Counts(), genes, ds.LocationIDs(), ds.Coordinates())
	require.NoError(t, err)
	return out
}
