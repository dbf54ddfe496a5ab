package scanner

import "github.com/pkg/errors"

// Validation errors are returned before any socket is opened. Network
// failures during the scan are never errors: they are encoded as the
// FILTERED and CLOSED port states instead.
var (
	ErrEmptyTarget      = errors.New("scan target is empty")
	ErrNoPorts          = errors.New("port set is empty")
	ErrPortRange        = errors.New("port outside [1, 65535]")
	ErrConcurrencyRange = errors.New("concurrency outside [1, 5000]")
	ErrResolve          = errors.New("target did not resolve")
)
