// Package spanorm separates spatially smooth gene expression into a
// library-size-driven technical component and a library-size-independent
// biological component, and produces library-size-adjusted expression values.
//
// The model is a per-gene negative binomial regression with a log link whose
// linear predictor is the sum of two terms spanned by the same low-rank
// thin-plate spline basis over the tissue coordinates: one scaled by each
// location's (centred log) library size, one free of it. Fitting alternates
// between a moment update of the dispersion and iteratively reweighted least
// squares for the two coefficient blocks, per gene, in parallel.
//
// Basic usage:
//
//	opt := spanorm.DefaultOptions()
//	opt.BasisDF = 6
//	opt.SampleP = 0.25
//	fit, err := spanorm.Normalize(ds, opt)
//
// Normalize fits the model on a reproducible subsample of locations, caches
// the fit in the dataset's side metadata, predicts onto all locations and
// writes the adjusted matrix into the dataset's normalised-expression slot.
// A cached fit is reused as long as the dataset's gene and location
// identifiers are unchanged; any mismatch triggers a silent refit.
//
// Four adjustment methods are available: percentile-adjusted log counts
// (AdjustLogPAC, the default), Pearson residuals (AdjustPearson), and the
// mean or median of the biology-only component (AdjustMeanBio, AdjustMedBio).
package spanorm
