package spanorm

import "errors"

// Sentinel errors returned by the package. Callers match them with errors.Is;
// returned values may carry extra context via fmt.Errorf("...: %w", Err).
var (
	// ErrConfig reports an invalid configuration value: degrees of freedom
	// incompatible with the location count, a subsample proportion outside
	// (0,1], a subset too small for the design rank, or a non-positive
	// tolerance or scale factor. Raised before any fitting work starts.
	ErrConfig = errors.New("spanorm: invalid configuration")

	// ErrAdjustMethod reports an adjustment method outside the recognized set
	// (logpac, pearson, meanbio, medbio).
	ErrAdjustMethod = errors.New("spanorm: unknown adjustment method")

	// ErrNoValidFit reports an Adjust call without a fit, or with a fit whose
	// recorded gene/location identity does not match the dataset.
	ErrNoValidFit = errors.New("spanorm: no valid fit for dataset")

	// ErrDataset reports a malformed dataset: mismatched matrix shapes,
	// duplicate identifiers, or negative counts.
	ErrDataset = errors.New("spanorm: invalid dataset")

	// ErrCodec reports a fit blob that cannot be decoded: bad magic,
	// unsupported version, checksum mismatch or truncated payload.
	ErrCodec = errors.New("spanorm: cannot decode fit")
)
