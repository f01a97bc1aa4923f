package chain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies chain-side failures for retry decisions.
type ErrorKind string

const (
	KindTransient          ErrorKind = "transient"
	KindPermanent          ErrorKind = "permanent"
	KindBlockhashExpired   ErrorKind = "blockhash_expired"
	KindInsufficientFunds  ErrorKind = "insufficient_funds"
	KindSignerRefused      ErrorKind = "signer_refused"
	KindQuoteStale         ErrorKind = "quote_stale"
	KindNetworkUnreachable ErrorKind = "network_unreachable"
)

// Error wraps an RPC or program failure with its classification.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the classification of err, classifying raw errors by
// message pattern when no *Error is present.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return classify(err.Error())
}

// Retryable reports whether the executor may retry after err.
func Retryable(kind ErrorKind) bool {
	switch kind {
	case KindTransient, KindBlockhashExpired, KindQuoteStale, KindNetworkUnreachable:
		return true
	}
	return false
}

// Classify matches raw error text against known provider and program error
// patterns.
func Classify(raw string) ErrorKind {
	return classify(raw)
}

// classify matches known error text patterns from node providers and on-chain
// programs, the same way the prior error translator did.
func classify(raw string) ErrorKind {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "blockhash not found"),
		strings.Contains(lower, "block height exceeded"):
		return KindBlockhashExpired
	case strings.Contains(lower, "no record of a prior credit"),
		strings.Contains(lower, "insufficient funds"),
		strings.Contains(lower, "insufficient lamports"):
		return KindInsufficientFunds
	case strings.Contains(lower, "quote expired"),
		strings.Contains(lower, "stale quote"):
		return KindQuoteStale
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "network is unreachable"):
		return KindNetworkUnreachable
	case strings.Contains(lower, "429"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "deadline exceeded"),
		strings.Contains(lower, "503"),
		strings.Contains(lower, "502"):
		return KindTransient
	case strings.Contains(lower, "custom program error"),
		strings.Contains(lower, "exceededslippage"),
		strings.Contains(lower, "slippage"),
		strings.Contains(lower, "accountnotfound"),
		strings.Contains(lower, "account not found"),
		strings.Contains(lower, "compute budget exceeded"):
		return KindPermanent
	}
	return KindTransient
}
