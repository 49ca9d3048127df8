package embedding

import "errors"

var (
	ErrDecode                 = errors.New("image decode failed")
	ErrFetch                  = errors.New("image fetch failed")
	ErrExtraction             = errors.New("feature extraction failed")
	ErrExtractionTimeout      = errors.New("feature extraction timed out")
	ErrDimensionMismatch      = errors.New("embedding dimension mismatch")
	ErrNotFound               = errors.New("embedding not found")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrIndexInconsistency     = errors.New("index inconsistent with embedding store")
	ErrIncompatibleCheckpoint = errors.New("incompatible index checkpoint")
)

// Status is the per-product outcome reported to task callers.
type Status string

const (
	StatusOK                 Status = "ok"
	StatusNotFound           Status = "not_found"
	StatusDecodeError        Status = "decode_error"
	StatusFetchError         Status = "fetch_error"
	StatusDimensionMismatch  Status = "dimension_mismatch"
	StatusIndexInconsistency Status = "index_inconsistency"
	StatusInvalidArgument    Status = "invalid_argument"
	StatusFailed             Status = "failed"
)

// StatusOf classifies err into a Status.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrDecode):
		return StatusDecodeError
	case errors.Is(err, ErrFetch):
		return StatusFetchError
	case errors.Is(err, ErrDimensionMismatch), errors.Is(err, ErrExtraction):
		return StatusDimensionMismatch
	case errors.Is(err, ErrIndexInconsistency):
		return StatusIndexInconsistency
	case errors.Is(err, ErrInvalidArgument):
		return StatusInvalidArgument
	default:
		return StatusFailed
	}
}

// ItemResult is the outcome of one mutation on one product.
type ItemResult struct {
	ProductID int64  `json:"product_id"`
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`
}

// NewItemResult builds an ItemResult from an operation's error.
func NewItemResult(productID int64, err error) ItemResult {
	r := ItemResult{ProductID: productID, Status: StatusOf(err)}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// OK reports whether the mutation took effect. A partial success (store
// written, index pending repair) counts as applied.
func (r ItemResult) OK() bool {
	return r.Status == StatusOK || r.Status == StatusIndexInconsistency
}
