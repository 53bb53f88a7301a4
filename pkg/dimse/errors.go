package dimse

import (
	"errors"
	"fmt"
)

var (
	ErrFraming               = errors.New("dimse: framing error")
	ErrNegotiationFailure    = errors.New("dimse: no presentation context accepted")
	ErrUnrecognizedOperation = errors.New("dimse: unrecognized operation")
	ErrTimeout               = errors.New("dimse: request timed out")
	ErrAssociationClosed     = errors.New("dimse: association closed")
	ErrUnknownMessageID      = errors.New("dimse: response for unknown message id")
	ErrContextNotAccepted    = errors.New("dimse: presentation context not accepted")
	ErrMessageIDsExhausted   = errors.New("dimse: no free message id")
	ErrNotEstablished        = errors.New("dimse: association not established")
	ErrPoolExhausted         = errors.New("dimse: connection pool exhausted")

	errDuplicateInvocation = errors.New("dimse: message id already in progress")
)

// FramingError is a malformed PDU, PDV or command set. It always ends the association.
type FramingError struct {
	PDUType PDUType
	Msg     string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("dimse: framing error (pdu 0x%02X): %s", byte(e.PDUType), e.Msg)
}

func (e *FramingError) Is(target error) bool { return target == ErrFraming }

func framingError(t PDUType, format string, args ...any) *FramingError {
	return &FramingError{PDUType: t, Msg: fmt.Sprintf(format, args...)}
}

// StatusError carries a non-success DIMSE status across layers.
type StatusError struct {
	Status  Status
	Command CommandField
	Comment string
}

func (e *StatusError) Error() string {
	if e.Comment != "" {
		return fmt.Sprintf("dimse: %s returned status %s: %s", e.Command, e.Status, e.Comment)
	}
	return fmt.Sprintf("dimse: %s returned status %s", e.Command, e.Status)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnrecognizedOperation && e.Status == StatusUnrecognizedOperation
}

// NewStatusError returns a StatusError with the given code and comment
func NewStatusError(status Status, comment string) *StatusError {
	return &StatusError{Status: status, Comment: comment}
}

// StatusOf extracts the status carried by err, falling back to fallback.
func StatusOf(err error, fallback Status) Status {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return fallback
}

// RejectError is an A-ASSOCIATE-RJ received from the peer
type RejectError struct {
	Result byte
	Source byte
	Reason byte
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("dimse: association rejected (result %d, source %d, reason %d)", e.Result, e.Source, e.Reason)
}

// Permanent reports whether retrying with the same parameters is pointless
func (e *RejectError) Permanent() bool { return e.Result == RejectResultPermanent }

// AbortError is an A-ABORT received from the peer
type AbortError struct {
	Source byte
	Reason byte
}

func (e *AbortError) Error() string {
	source := "unknown"
	switch e.Source {
	case AbortSourceServiceUser:
		source = "service-user"
	case AbortSourceServiceProvider:
		source = "service-provider"
	}
	return fmt.Sprintf("dimse: association aborted by %s (reason %d)", source, e.Reason)
}

func (e *AbortError) Is(target error) bool { return target == ErrAssociationClosed }

// ErrCancelRequested is the cancellation cause of an inbound operation whose
// requestor sent C-CANCEL-RQ.
var ErrCancelRequested = errors.New("dimse: cancel requested by peer")
