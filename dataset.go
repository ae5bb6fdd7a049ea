package spanorm

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// FitMetaKey is the side-metadata key under which Normalize caches the fit.
// Other metadata entries are never read or written by this package.
const FitMetaKey = "spanorm.fit"

// Dataset is the count container the engine operates on. Loading, gene
// filtering and on-disk representation are the caller's concern; the engine
// only needs matrix access, ordered identifiers, coordinates, a metadata
// attachment point for the cached fit and a slot for the normalised output.
type Dataset interface {
	// Counts returns the genes x locations matrix of non-negative counts.
	Counts() *mat.Dense
	// GeneIDs returns the ordered, unique gene identifiers (rows).
	GeneIDs() []string
	// LocationIDs returns the ordered, unique location identifiers (columns).
	LocationIDs() []string
	// Coordinates returns the locations x 2 spatial positions, row order
	// matching LocationIDs.
	Coordinates() *mat.Dense
	// Meta is an opaque key-value attachment owned by the dataset.
	Meta() map[string]any
	// SetNormalized replaces the dataset's normalised-expression slot.
	SetNormalized(adj *mat.Dense)
}

// InMemoryDataset is a minimal Dataset backed by dense matrices. It is the
// reference implementation used by the tests and the example program.
type InMemoryDataset struct {
	counts     *mat.Dense
	genes      []string
	locations  []string
	coords     *mat.Dense
	meta       map[string]any
	normalized *mat.Dense
}

// NewDataset validates shapes and identifiers and wraps them as a Dataset.
// counts is genes x locations, coords is locations x 2.
func NewDataset(counts *mat.Dense, genes, locations []string, coords *mat.Dense) (*InMemoryDataset, error) {
	ng, nl := counts.Dims()
	if ng != len(genes) {
		return nil, fmt.Errorf("%w: %d count rows but %d gene ids", ErrDataset, ng, len(genes))
	}
	if nl != len(locations) {
		return nil, fmt.Errorf("%w: %d count columns but %d location ids", ErrDataset, nl, len(locations))
	}
	cr, cc := coords.Dims()
	if cr != nl || cc != 2 {
		return nil, fmt.Errorf("%w: coordinates are %dx%d, want %dx2", ErrDataset, cr, cc, nl)
	}
	if id, ok := firstDuplicate(genes); ok {
		return nil, fmt.Errorf("%w: duplicate gene id %q", ErrDataset, id)
	}
	if id, ok := firstDuplicate(locations); ok {
		return nil, fmt.Errorf("%w: duplicate location id %q", ErrDataset, id)
	}
	for i := range ng {
		for j := range nl {
			if v := counts.At(i, j); v < 0 || v != v {
				return nil, fmt.Errorf("%w: count[%d,%d]=%v, counts must be non-negative", ErrDataset, i, j, v)
			}
		}
	}
	return &InMemoryDataset{
		counts:    counts,
		genes:     genes,
		locations: locations,
		coords:    coords,
		meta:      make(map[string]any),
	}, nil
}

func firstDuplicate(ids []string) (string, bool) {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return id, true
		}
		seen[id] = struct{}{}
	}
	return "", false
}

func (d *InMemoryDataset) Counts() *mat.Dense         { return d.counts }
func (d *InMemoryDataset) GeneIDs() []string          { return d.genes }
func (d *InMemoryDataset) LocationIDs() []string      { return d.locations }
func (d *InMemoryDataset) Coordinates() *mat.Dense    { return d.coords }
func (d *InMemoryDataset) Meta() map[string]any       { return d.meta }
func (d *InMemoryDataset) SetNormalized(a *mat.Dense) { d.normalized = a }

// Normalized returns the most recently written adjusted matrix, or nil.
func (d *InMemoryDataset) Normalized() *mat.Dense { return d.normalized }

// LibrarySizes returns the per-location total count of the genes x locations
// matrix.
func LibrarySizes(counts *mat.Dense) []float64 {
	ng, nl := counts.Dims()
	ls := make([]float64, nl)
	for i := range ng {
		row := counts.RawRowView(i)
		for j := range nl {
			ls[j] += row[j]
		}
	}
	return ls
}
