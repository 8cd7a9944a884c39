// Package spenderr defines the error kinds surfaced by the spend planner.
//
// Local validation failures (policy, compile, sighash, sign) are reported as
// *Error values tagged with a Kind. Failures reported by the node are passed
// through as *RPCError, and rejections caused by unmet time locks are
// additionally recognised as *NonFinalError so callers can mine and retry.
package spenderr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a planner error.
type Kind int

const (
	KindUnknown Kind = iota
	KindPolicyInvalid
	KindCompile
	KindMissingPrevout
	KindSighash
	KindSign
	KindPathUnsatisfiable
	KindNodeRPC
	KindNonFinal
)

func (k Kind) String() string {
	switch k {
	case KindPolicyInvalid:
		return "policy invalid"
	case KindCompile:
		return "compile error"
	case KindMissingPrevout:
		return "missing prevout"
	case KindSighash:
		return "sighash error"
	case KindSign:
		return "sign error"
	case KindPathUnsatisfiable:
		return "path unsatisfiable"
	case KindNodeRPC:
		return "node rpc error"
	case KindNonFinal:
		return "non-final"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is; matching is by kind only.
var (
	ErrPolicyInvalid     = &Error{Kind: KindPolicyInvalid}
	ErrCompile           = &Error{Kind: KindCompile}
	ErrMissingPrevout    = &Error{Kind: KindMissingPrevout}
	ErrSighash           = &Error{Kind: KindSighash}
	ErrSign              = &Error{Kind: KindSign}
	ErrPathUnsatisfiable = &Error{Kind: KindPathUnsatisfiable}
)

// Error is a locally produced planner error.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Reason == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Reason == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New creates a tagged error.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind. A nil err yields nil.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first tagged error in err's chain.
func KindOf(err error) Kind {
	var nf *NonFinalError
	if errors.As(err, &nf) {
		return KindNonFinal
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return KindNodeRPC
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// RPCError is a verbatim error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Bitcoin Core RPC error codes the planner reacts to.
const (
	RPCWalletError         = -4
	RPCInvalidAddress      = -5
	RPCDeserializationErr  = -22
	RPCVerifyError         = -25
	RPCVerifyRejected      = -26
	RPCVerifyAlreadyInUTXO = -27
	RPCWalletNotFound      = -18
	RPCWalletAlreadyLoaded = -35
)

// NonFinalError marks a rejection caused by an unmet time lock. MinHeightOrTime
// is the lock value the transaction commits to, when known.
type NonFinalError struct {
	MinHeightOrTime uint32
	Relative        bool
	RPC             *RPCError
}

func (e *NonFinalError) Error() string {
	kind := "absolute"
	if e.Relative {
		kind = "relative"
	}
	if e.RPC == nil {
		return fmt.Sprintf("non-final (%s lock %d)", kind, e.MinHeightOrTime)
	}
	return fmt.Sprintf("non-final (%s lock %d): %s", kind, e.MinHeightOrTime, e.RPC.Message)
}

func (e *NonFinalError) Unwrap() error {
	if e.RPC == nil {
		return nil
	}
	return e.RPC
}

// IsNonFinalMessage recognises Bitcoin Core's time-lock rejection reasons.
func IsNonFinalMessage(msg string) (nonFinal, relative bool) {
	switch {
	case strings.Contains(msg, "non-BIP68-final"):
		return true, true
	case strings.Contains(msg, "non-final"):
		return true, false
	}
	return false, false
}

// AsNonFinal converts an *RPCError into a *NonFinalError when its message is a
// time-lock rejection. Any other error is returned unchanged.
func AsNonFinal(err error, lock uint32) error {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return err
	}
	nonFinal, relative := IsNonFinalMessage(rpcErr.Message)
	if !nonFinal {
		return err
	}
	return &NonFinalError{MinHeightOrTime: lock, Relative: relative, RPC: rpcErr}
}

// IsNonFinal reports whether err is a time-lock rejection.
func IsNonFinal(err error) bool {
	var nf *NonFinalError
	return errors.As(err, &nf)
}

// IsRPCCode reports whether err carries a node error with the given code.
func IsRPCCode(err error, code int) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}
