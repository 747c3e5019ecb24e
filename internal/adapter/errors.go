package adapter

import "fmt"

// ErrorKind is the error taxonomy shared across every component: the
// orchestrator is the sole place that decides whether a Kind means retry
// locally, surface to the caller, or refund.
type ErrorKind int

const (
	// KindValidation means the request failed a precondition: malformed
	// address, zero amount, slippage out of range, unknown token/chain.
	// Surfaced to the caller; no state mutation.
	KindValidation ErrorKind = iota

	// KindTransient means a network timeout, RPC 5xx, nonce collision, or
	// underpriced transaction. Retried with exponential backoff inside
	// the failing operation; only surfaced once retries are exhausted.
	KindTransient

	// KindChain means the transaction reverted on-chain, funds were
	// insufficient, or the HTLC was already claimed/refunded.
	KindChain

	// KindProtocol means a hashlock mismatch, a deadline ordering
	// violation, or a preimage hash mismatch on an observed claim.
	KindProtocol

	// KindInternal means an invariant was violated or an unreachable
	// branch was taken. Logged with full state; the swap is failed.
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindChain:
		return "chain"
	case KindProtocol:
		return "protocol"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps a failure with the Kind the orchestrator needs to route it.
// Its message never includes preimages, signing keys, or RPC credentials —
// only the operation, swap id, and kind.
type Error struct {
	Kind   ErrorKind
	Op     string
	SwapID string
	Err    error
}

func (e *Error) Error() string {
	if e.SwapID != "" {
		return fmt.Sprintf("%s: swap %s: %s: %v", e.Op, e.SwapID, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs an *Error with the given kind.
func NewError(kind ErrorKind, op, swapID string, err error) *Error {
	return &Error{Kind: kind, Op: op, SwapID: swapID, Err: err}
}

// KindOf extracts the ErrorKind from err if it is (or wraps) an *Error,
// defaulting to KindInternal for anything else — an untagged error reaching
// the orchestrator is itself an invariant violation.
func KindOf(err error) ErrorKind {
	var adapterErr *Error
	if asError(err, &adapterErr) {
		return adapterErr.Kind
	}
	return KindInternal
}

// asError is a tiny errors.As wrapper kept local so this file only needs
// the stdlib fmt import above; it avoids pulling in errors just for one
// call site used by KindOf.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
