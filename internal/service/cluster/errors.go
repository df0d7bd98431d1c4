package cluster

import "errors"

// InvariantError marks an article as poison: a centroid dimension mismatch,
// NaN in a vector, or a corrupt issue count. Poison articles must be routed
// to the dead-letter collector, never retried blindly. All other errors from
// Process are transient and safe to retry with the same article.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return "cluster: invariant violation: " + e.Reason
}

// IsInvariant reports whether err is (or wraps) an InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
