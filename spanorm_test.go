package spanorm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spanorm "github.com/bhuvad/spaNorm"
	"github.com/bhuvad/spaNorm/simulate"
)

func simDataset(t *testing.T) *spanorm.InMemoryDataset {
	t.Helper()
	p := simulate.DefaultParams()
	p.Genes = 40
	p.Locations = 144
	p.ZeroGenes = 2
	ds, err := simulate.Dataset(p)
	require.NoError(t, err)
	return ds
}

func fastOptions() spanorm.Options {
	opt := spanorm.DefaultOptions()
	opt.BasisDF = 4
	opt.SampleP = 0.5
	return opt
}

func TestNormalizeEndToEnd(t *testing.T) {
	t.Parallel()

	ds := simDataset(t)
	fit, err := spanorm.Normalize(ds, fastOptions())
	require.NoError(t, err)
	require.NotNil(t, fit)
	require.Len(t, fit.GeneFits, 40)

	adj := ds.Normalized()
	require.NotNil(t, adj)
	ng, nl := adj.Dims()
	require.Equal(t, 40, ng)
	require.Equal(t, 144, nl)
	for g := range ng {
		for i := range nl {
			v := adj.At(g, i)
			require.False(t, v != v, "gene %d loc %d is NaN", g, i)
		}
	}

	// The two all-zero genes come out exactly zero.
	for g := range 2 {
		for i := range nl {
			require.Zero(t, adj.At(g, i))
		}
	}
}

func TestNormalizeReusesCachedFit(t *testing.T) {
	t.Parallel()

	ds := simDataset(t)
	opt := fastOptions()
	first, err := spanorm.Normalize(ds, opt)
	require.NoError(t, err)

	opt.Method = spanorm.AdjustPearson
	second, err := spanorm.Normalize(ds, opt)
	require.NoError(t, err)
	assert.Same(t, first, second, "second run must reuse the cached fit")
	assert.Same(t, first, spanorm.CachedFit(ds))
}

func TestNormalizeRefitsOnIdentityChange(t *testing.T) {
	t.Parallel()

	ds := simDataset(t)
	opt := fastOptions()
	first, err := spanorm.Normalize(ds, opt)
	require.NoError(t, err)

	// Rebuild the dataset with one renamed gene and carry the old fit over;
	// the stale entry must be ignored and a fresh fit stored.
	genes := append([]string(nil), ds.GeneIDs()...)
	genes[5] = "gene-renamed"
	renamed, err := spanorm.NewDataset(ds.Counts(), genes, ds.LocationIDs(), ds.Coordinates())
	require.NoError(t, err)
	renamed.Meta()[spanorm.FitMetaKey] = first

	require.Nil(t, spanorm.CachedFit(renamed))
	second, err := spanorm.Normalize(renamed, opt)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	require.True(t, second.Valid(renamed))
}

func TestNormalizeDeterministic(t *testing.T) {
	t.Parallel()

	opt := fastOptions()
	a := simDataset(t)
	b := simDataset(t)

	fitA, err := spanorm.Normalize(a, opt)
	require.NoError(t, err)
	fitB, err := spanorm.Normalize(b, opt)
	require.NoError(t, err)

	require.Equal(t, fitA.Subset, fitB.Subset)
	for g := range fitA.GeneFits {
		require.Equal(t, fitA.GeneFits[g], fitB.GeneFits[g], "gene %d", g)
	}
	adjA, adjB := a.Normalized(), b.Normalized()
	ng, nl := adjA.Dims()
	for g := range ng {
		for i := range nl {
			require.Equal(t, adjA.At(g, i), adjB.At(g, i), "gene %d loc %d", g, i)
		}
	}
}

func TestNormalizeOptionValidation(t *testing.T) {
	t.Parallel()

	ds := simDataset(t)

	opt := fastOptions()
	opt.SampleP = 1.2
	_, err := spanorm.Normalize(ds, opt)
	require.ErrorIs(t, err, spanorm.ErrConfig)

	opt = fastOptions()
	opt.BasisDF = -1
	_, err = spanorm.Normalize(ds, opt)
	require.ErrorIs(t, err, spanorm.ErrConfig)

	opt = fastOptions()
	opt.ScaleFactor = 0
	_, err = spanorm.Normalize(ds, opt)
	require.ErrorIs(t, err, spanorm.ErrConfig)

	opt = fastOptions()
	opt.Method = spanorm.AdjustMethod(42)
	_, err = spanorm.Normalize(ds, opt)
	require.ErrorIs(t, err, spanorm.ErrAdjustMethod)
}

func TestNonConvergedNames(t *testing.T) {
	t.Parallel()

	ds := simDataset(t)
	fit, err := spanorm.Normalize(ds, fastOptions())
	require.NoError(t, err)

	params := fit.Params()
	require.Len(t, params, 40)
	for _, name := range fit.NonConverged() {
		gf, ok := params[name]
		require.True(t, ok, "unknown gene %q", name)
		assert.NotEqual(t, spanorm.StatusConverged, gf.Status)
	}
}
