package simulate

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestDatasetShapeAndDeterminism(t *testing.T) {
	t.Parallel()

	p := DefaultParams()
	p.Genes = 20
	p.Locations = 49
	p.ZeroGenes = 3

	a, err := Dataset(p)
	require.NoError(t, err)
	ng, nl := a.Counts().Dims()
	require.Equal(t, 20, ng)
	require.Equal(t, 49, nl)
	require.Len(t, a.GeneIDs(), 20)
	require.Len(t, a.LocationIDs(), 49)

	for g := range p.ZeroGenes {
		for i := range nl {
			require.Zero(t, a.Counts().At(g, i), "gene %d loc %d", g, i)
		}
	}

	b, err := Dataset(p)
	require.NoError(t, err)
	require.True(t, mat.Equal(a.Counts(), b.Counts()), "same seed must reproduce the counts")
	require.True(t, mat.Equal(a.Coordinates(), b.Coordinates()))

	p.Seed = 2
	c, err := Dataset(p)
	require.NoError(t, err)
	require.False(t, mat.Equal(a.Counts(), c.Counts()), "different seeds should differ")
}

func TestDatasetParamErrors(t *testing.T) {
	t.Parallel()

	p := DefaultParams()
	p.Genes = 0
	_, err := Dataset(p)
	require.Error(t, err)

	p = DefaultParams()
	p.Theta = 0
	_, err = Dataset(p)
	require.Error(t, err)

	p = DefaultParams()
	p.BaseMean = -1
	_, err = Dataset(p)
	require.Error(t, err)
}
