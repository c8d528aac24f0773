package ledger

import "fmt"

// Kind classifies ledger failures for the retry policy upstream. The client
// itself never retries; the batcher owns that decision.
type Kind string

const (
	// KindInvalidInput covers malformed hashes and missing configuration.
	// Permanent.
	KindInvalidInput Kind = "invalid_input"
	// KindReceiptTimeout means the transaction was broadcast but not mined
	// within the configured window. Retryable.
	KindReceiptTimeout Kind = "receipt_timeout"
	// KindTxRejected means the receipt carried status 0 (revert). Permanent.
	KindTxRejected Kind = "tx_rejected"
	// KindTransport covers RPC and network failures. Retryable.
	KindTransport Kind = "transport"
)

// Error is the classified ledger failure exposed upward.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ledger: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("ledger: %s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	return e.Kind == KindReceiptTimeout || e.Kind == KindTransport
}

// Permanent is a convenience helper used by the batcher to decide between
// re-queueing and dead-lettering. Unclassified errors count as transient so
// they get the retry ceiling rather than an immediate dead-letter.
func Permanent(err error) bool {
	if lerr, ok := err.(*Error); ok {
		return !lerr.Retryable()
	}
	return false
}

func invalidInput(op string, err error) *Error {
	return &Error{Kind: KindInvalidInput, Op: op, Err: err}
}

func transport(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}
