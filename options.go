package spanorm

import (
	"fmt"
	"log"
	"os"
)

type Options struct {
	// Degrees of freedom of the thin-plate spline basis. Larger values give a
	// more flexible spatial fit and more coefficients per gene.
	// Must be positive and at most the number of distinct locations minus 2.
	BasisDF int
	// Proportion of locations used for model fitting, in (0,1]. The model is
	// always predicted onto all locations; only fitting cost is bounded.
	SampleP float64
	// Relative convergence tolerance for the inner IRLS step and the outer
	// dispersion/deviance alternation.
	Tol float64
	// Adjustment method used when writing the normalised matrix.
	Method AdjustMethod
	// Multiplier applied to the biology-component mean before computing
	// logpac/meanbio/medbio output. Pearson residuals ignore it.
	ScaleFactor float64
	// Seed for the location subsample. The same seed always selects the same
	// subset regardless of how the per-gene work is parallelised.
	Seed int64
	// Number of concurrent gene fitters. Zero means one per CPU.
	Workers int
	// Iteration caps for the IRLS step and the outer alternation.
	// Zero means the default cap.
	MaxInnerIter int
	MaxOuterIter int
	// Verbose enables progress and convergence reporting on Logger
	// (stderr if Logger is nil). No effect on results.
	Verbose bool
	Logger  *log.Logger
}

func DefaultOptions() Options {
	return Options{
		BasisDF:     6,
		SampleP:     0.25,
		Tol:         1e-4,
		Method:      AdjustLogPAC,
		ScaleFactor: 1,
		Seed:        1,
	}
}

const (
	defaultMaxInnerIter = 50
	defaultMaxOuterIter = 20
)

// validate checks the option values that can be rejected before looking at
// the dataset. Basis/subset compatibility is checked by FitModel once the
// location count is known.
func (o Options) validate() error {
	if o.BasisDF < 1 {
		return fmt.Errorf("%w: df.tps=%d, must be a positive integer", ErrConfig, o.BasisDF)
	}
	if !(o.SampleP > 0 && o.SampleP <= 1) {
		return fmt.Errorf("%w: sample.p=%v, must be in (0,1]", ErrConfig, o.SampleP)
	}
	if !(o.Tol > 0) {
		return fmt.Errorf("%w: tol=%v, must be > 0", ErrConfig, o.Tol)
	}
	if !(o.ScaleFactor > 0) {
		return fmt.Errorf("%w: scale.factor=%v, must be > 0", ErrConfig, o.ScaleFactor)
	}
	if o.Method > AdjustMedBio {
		return fmt.Errorf("%w: %d", ErrAdjustMethod, o.Method)
	}
	if o.MaxInnerIter < 0 || o.MaxOuterIter < 0 {
		return fmt.Errorf("%w: iteration caps must not be negative", ErrConfig)
	}
	return nil
}

func (o Options) maxInner() int {
	if o.MaxInnerIter == 0 {
		return defaultMaxInnerIter
	}
	return o.MaxInnerIter
}

func (o Options) maxOuter() int {
	if o.MaxOuterIter == 0 {
		return defaultMaxOuterIter
	}
	return o.MaxOuterIter
}

// logger returns the destination for progress messages, or nil when
// reporting is disabled.
func (o Options) logger() *log.Logger {
	if !o.Verbose {
		return nil
	}
	if o.Logger != nil {
		return o.Logger
	}
	return log.New(os.Stderr, "spanorm: ", log.LstdFlags)
}
