package trust

import (
	"errors"
	"fmt"
)

// ErrTrustUnavailable marks operations that need a secret the vault cannot supply.
var ErrTrustUnavailable = errors.New("trust layer unavailable")

// RejectReason names why an inbound message was dropped.
type RejectReason string

const (
	ReasonMissingSignature        RejectReason = "missing_signature"
	ReasonMissingTimestamp        RejectReason = "missing_timestamp"
	ReasonMissingNonce            RejectReason = "missing_nonce"
	ReasonMalformedTimestamp      RejectReason = "malformed_timestamp"
	ReasonSecretUnavailable       RejectReason = "secret_unavailable"
	ReasonExpired                 RejectReason = "expired"
	ReasonFutureTimestamp         RejectReason = "future_timestamp"
	ReasonReplayedNonce           RejectReason = "replayed_nonce"
	ReasonInvalidSignatureFormat  RejectReason = "invalid_signature_format"
	ReasonSignatureLengthMismatch RejectReason = "signature_length_mismatch"
	ReasonSignatureMismatch       RejectReason = "signature_mismatch"
)

// Rejection is the typed verification failure. It never carries secret material.
type Rejection struct {
	Reason RejectReason
	cause  error
}

func (r *Rejection) Error() string {
	return "message rejected: " + string(r.Reason)
}

// Unwrap exposes ErrTrustUnavailable for secret_unavailable rejections.
func (r *Rejection) Unwrap() error {
	return r.cause
}

func reject(reason RejectReason) error {
	return &Rejection{Reason: reason}
}

// ReasonOf extracts rejection reason from error chain.
// Params: error returned by Verify.
// Returns: reason and true when err is a Rejection.
func ReasonOf(err error) (RejectReason, bool) {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		return rejection.Reason, true
	}
	return "", false
}

// ValidationError reports a step or command blocked by policy.
type ValidationError struct {
	// StepIndex is -1 for diagnostic commands and playbook-level errors.
	StepIndex int
	Field     string
	Pattern   string
	Detail    string
}

func (e *ValidationError) Error() string {
	location := "command"
	if e.StepIndex >= 0 {
		location = fmt.Sprintf("step %d", e.StepIndex)
	}
	if e.Field != "" {
		location += " field " + e.Field
	}
	if e.Pattern != "" {
		return fmt.Sprintf("%s blocked by pattern %s", location, e.Pattern)
	}
	return fmt.Sprintf("%s invalid: %s", location, e.Detail)
}
