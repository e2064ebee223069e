package scriptpool

import "github.com/quillrun/scriptpool/internal/poolerr"

// ErrorKind classifies a PoolError, per spec.md §7's error-kind taxonomy.
type ErrorKind = poolerr.Kind

// PoolError wraps an underlying error with the Kind/Op that produced it.
// Submission and lifecycle APIs return these (as plain error) rather than
// the original source's -1/0/1 integer codes; compare with
// errors.Is(err, ErrRuntimeCapacity) and friends.
type PoolError = poolerr.Error

const (
	KindSubmissionRefused  = poolerr.KindSubmissionRefused
	KindRuntimeCapacity    = poolerr.KindRuntimeCapacity
	KindScriptError        = poolerr.KindScriptError
	KindTimerCallbackError = poolerr.KindTimerCallbackError
	KindResourceExhaustion = poolerr.KindResourceExhaustion
	KindShutdownLeak       = poolerr.KindShutdownLeak
)

// Sentinel errors, one per ErrorKind, for errors.Is comparisons.
var (
	ErrSubmissionRefused  = poolerr.ErrSubmissionRefused
	ErrRuntimeCapacity    = poolerr.ErrRuntimeCapacity
	ErrScriptError        = poolerr.ErrScriptError
	ErrTimerCallbackError = poolerr.ErrTimerCallbackError
	ErrResourceExhaustion = poolerr.ErrResourceExhaustion
	ErrShutdownLeak       = poolerr.ErrShutdownLeak
)
