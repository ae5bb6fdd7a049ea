package spanorm

// Normalize is the end-to-end entry point: it reuses the dataset's cached fit
// when the gene/location identity still matches, refits otherwise, stores the
// fit under FitMetaKey, computes the adjusted matrix with the configured
// method and scale factor and writes it into the dataset's
// normalised-expression slot, replacing any prior contents. The fit handle is
// returned for external reuse of the per-gene parameters.
//
// A cached fit that no longer matches the dataset is treated as absent, not
// as an error: the common workflow of filtering genes and re-normalising just
// works, at the cost of a refit.
func Normalize(ds Dataset, opt Options) (*Fit, error) {
	if err := opt.validate(); err != nil {
		return nil, err
	}

	fit := CachedFit(ds)
	if fit == nil {
		var err error
		fit, err = FitModel(ds, opt)
		if err != nil {
			return nil, err
		}
		ds.Meta()[FitMetaKey] = fit
	} else if logger := opt.logger(); logger != nil {
		logger.Printf("reusing cached fit (%d genes, %d locations)", len(fit.Genes), len(fit.Locations))
	}

	adj, err := Adjust(fit, ds, opt.Method, opt.ScaleFactor)
	if err != nil {
		return nil, err
	}
	ds.SetNormalized(adj)
	return fit, nil
}

// CachedFit returns the fit stored in the dataset's metadata if it is still
// valid for the dataset, else nil. Entries under other keys, or stale fits,
// are left untouched.
func CachedFit(ds Dataset) *Fit {
	fit, ok := ds.Meta()[FitMetaKey].(*Fit)
	if !ok || !fit.Valid(ds) {
		return nil
	}
	return fit
}
