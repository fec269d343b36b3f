// Package errors holds the error types of the DICOM network toolkit. They
// never leave the backends: scu.MapError reduces them to pacs.Error kinds.
package errors

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	ErrConnectionClosed  = errors.New("dicom: connection closed")
	ErrInvalidPDU        = errors.New("dicom: invalid PDU")
	ErrNoPresentationCtx = errors.New("dicom: no suitable presentation context")
	ErrInvalidMessage    = errors.New("dicom: invalid DIMSE message")
)

// AssociationError is an A-ASSOCIATE-RJ received from the peer.
type AssociationError struct {
	Result AssociationRejectResult
	Reason AssociationRejectReason
	Source AssociationRejectSource
	Msg    string
}

func (e *AssociationError) Error() string {
	return fmt.Sprintf("association rejected: %s (%s, source: %s, reason: %s)",
		e.Msg, e.Result, e.Source, e.Reason)
}

// Transient reports whether the peer asked us to try again later.
func (e *AssociationError) Transient() bool {
	return e.Result == RejectResultTransient
}

// AssociationRejectResult distinguishes permanent from transient rejections.
type AssociationRejectResult byte

const (
	RejectResultPermanent AssociationRejectResult = 0x01
	RejectResultTransient AssociationRejectResult = 0x02
)

func (r AssociationRejectResult) String() string {
	if r == RejectResultTransient {
		return "transient"
	}
	return "permanent"
}

// AssociationRejectReason is the reason field of an A-ASSOCIATE-RJ.
type AssociationRejectReason byte

const (
	RejectReasonUnknown                        AssociationRejectReason = 0x00
	RejectReasonNoReasonGiven                  AssociationRejectReason = 0x01
	RejectReasonApplicationContextNotSupported AssociationRejectReason = 0x02
	RejectReasonCallingAETitleNotRecognized    AssociationRejectReason = 0x03
	RejectReasonCalledAETitleNotRecognized     AssociationRejectReason = 0x07
)

var rejectReasonNames = map[AssociationRejectReason]string{
	RejectReasonNoReasonGiven:                  "no-reason-given",
	RejectReasonApplicationContextNotSupported: "application-context-not-supported",
	RejectReasonCallingAETitleNotRecognized:    "calling-ae-title-not-recognized",
	RejectReasonCalledAETitleNotRecognized:     "called-ae-title-not-recognized",
}

func (r AssociationRejectReason) String() string {
	if name, ok := rejectReasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// AssociationRejectSource is the source field of an A-ASSOCIATE-RJ.
type AssociationRejectSource byte

const (
	RejectSourceUnknown         AssociationRejectSource = 0x00
	RejectSourceServiceUser     AssociationRejectSource = 0x01
	RejectSourceServiceProvider AssociationRejectSource = 0x02
)

func (s AssociationRejectSource) String() string {
	switch s {
	case RejectSourceServiceUser:
		return "service-user"
	case RejectSourceServiceProvider:
		return "service-provider"
	default:
		return "unknown"
	}
}

// NewAssociationError builds the error for a rejected association.
func NewAssociationError(result AssociationRejectResult, source AssociationRejectSource, reason AssociationRejectReason, msg string) *AssociationError {
	return &AssociationError{
		Result: result,
		Source: source,
		Reason: reason,
		Msg:    msg,
	}
}

// DIMSEError is a DIMSE operation that the peer answered with a failure
// status. The association stays usable.
type DIMSEError struct {
	Status    uint16
	Operation string
	Msg       string
}

func (e *DIMSEError) Error() string {
	return fmt.Sprintf("DIMSE %s failed: %s (status: 0x%04X)", e.Operation, e.Msg, e.Status)
}

func NewDIMSEError(operation string, status uint16, msg string) *DIMSEError {
	return &DIMSEError{
		Operation: operation,
		Status:    status,
		Msg:       msg,
	}
}

// TimeoutError is a read that hit the association's ReadTimeout while the
// operation's own deadline had not passed.
type TimeoutError struct {
	Operation string
	Duration  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s exceeded %s", e.Operation, e.Duration)
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func NewTimeoutError(operation, duration string) *TimeoutError {
	return &TimeoutError{
		Operation: operation,
		Duration:  duration,
	}
}

// NetworkError wraps a transport failure with the step that hit it.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{
		Op:  op,
		Err: err,
	}
}

// PDUError is a malformed or unexpected PDU. It matches ErrInvalidPDU.
type PDUError struct {
	PDUType byte
	Msg     string
}

func (e *PDUError) Error() string {
	return fmt.Sprintf("PDU error (type: 0x%02X): %s", e.PDUType, e.Msg)
}

func (e *PDUError) Unwrap() error {
	return ErrInvalidPDU
}

func NewPDUError(pduType byte, msg string) *PDUError {
	return &PDUError{
		PDUType: pduType,
		Msg:     msg,
	}
}

// AbortError is an A-ABORT received from the peer.
type AbortError struct {
	Source byte
	Reason byte
}

func (e *AbortError) Error() string {
	source := "unknown"
	switch e.Source {
	case 0x00:
		source = "service-user"
	case 0x02:
		source = "service-provider"
	}
	return fmt.Sprintf("connection aborted by %s (reason: 0x%02X)", source, e.Reason)
}

func NewAbortError(source, reason byte) *AbortError {
	return &AbortError{
		Source: source,
		Reason: reason,
	}
}

// IsTimeout reports whether err is a deadline or timeout condition.
func IsTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// IsTransient reports whether retrying the operation on a fresh connection
// may succeed: refused or reset connections, aborts, transient rejections,
// a peer that hung up, and network timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var assocErr *AssociationError
	if errors.As(err, &assocErr) {
		return assocErr.Transient()
	}
	var abortErr *AbortError
	if errors.As(err, &abortErr) {
		return true
	}
	if errors.Is(err, ErrConnectionClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial" || opErr.Timeout()
	}
	return false
}
