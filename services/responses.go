package services

import (
	"github.com/caio-sobreiro/pacsman/types"
)

// ResponseBuilder provides convenient methods for creating standard DIMSE response messages.
//
// These builders ensure that response messages are properly formatted according to the
// DICOM standard and include all required fields. The Command Data Set Type is set by
// the DIMSE layer from the presence of a response dataset.
type ResponseBuilder struct {
	request *types.Message
}

// NewResponseBuilder creates a new response builder for the given request message.
//
// The builder will automatically populate common fields like MessageIDBeingRespondedTo
// and AffectedSOPClassUID from the request.
func NewResponseBuilder(request *types.Message) *ResponseBuilder {
	return &ResponseBuilder{request: request}
}

// CEchoResponse creates a C-ECHO-RSP message.
func (b *ResponseBuilder) CEchoResponse(status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.CEchoRSP,
		MessageIDBeingRespondedTo: b.request.MessageID,
		AffectedSOPClassUID:       types.VerificationSOPClass,
		Status:                    status,
	}
}

// CFindResponse creates a C-FIND-RSP message.
//
// For pending responses with matches, use types.StatusPending and send the
// identifier along. For the final response, use types.StatusSuccess without a dataset.
func (b *ResponseBuilder) CFindResponse(status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.CFindRSP,
		MessageIDBeingRespondedTo: b.request.MessageID,
		AffectedSOPClassUID:       b.request.AffectedSOPClassUID,
		Status:                    status,
	}
}

// RetrieveResponse creates a C-GET-RSP or C-MOVE-RSP (matching the request)
// with sub-operation counts. Nil counts are omitted.
func (b *ResponseBuilder) RetrieveResponse(status uint16, completed, failed, warning, remaining *uint16) *types.Message {
	return &types.Message{
		CommandField:                   types.ResponseCommandFor(b.request.CommandField),
		MessageIDBeingRespondedTo:      b.request.MessageID,
		AffectedSOPClassUID:            b.request.AffectedSOPClassUID,
		Status:                         status,
		NumberOfCompletedSuboperations: completed,
		NumberOfFailedSuboperations:    failed,
		NumberOfWarningSuboperations:   warning,
		NumberOfRemainingSuboperations: remaining,
	}
}

// CStoreResponse creates a C-STORE-RSP message.
//
// sopInstanceUID defaults to the request's Affected SOP Instance UID when empty.
func (b *ResponseBuilder) CStoreResponse(status uint16, sopInstanceUID string) *types.Message {
	if sopInstanceUID == "" {
		sopInstanceUID = b.request.AffectedSOPInstanceUID
	}

	return &types.Message{
		CommandField:              types.CStoreRSP,
		MessageIDBeingRespondedTo: b.request.MessageID,
		AffectedSOPClassUID:       b.request.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    sopInstanceUID,
		Status:                    status,
	}
}

// Helper functions for creating responses without a builder instance

// NewCEchoResponse creates a C-ECHO-RSP message from a request.
func NewCEchoResponse(request *types.Message, status uint16) *types.Message {
	return NewResponseBuilder(request).CEchoResponse(status)
}

// NewCFindPendingResponse creates a pending C-FIND-RSP message (with dataset).
func NewCFindPendingResponse(request *types.Message) *types.Message {
	return NewResponseBuilder(request).CFindResponse(types.StatusPending)
}

// NewCFindSuccessResponse creates a final success C-FIND-RSP message (no dataset).
func NewCFindSuccessResponse(request *types.Message) *types.Message {
	return NewResponseBuilder(request).CFindResponse(types.StatusSuccess)
}

// NewCFindErrorResponse creates an error C-FIND-RSP message.
func NewCFindErrorResponse(request *types.Message, status uint16) *types.Message {
	return NewResponseBuilder(request).CFindResponse(status)
}

// NewRetrievePendingResponse creates a pending C-GET/C-MOVE-RSP with sub-operation counts.
func NewRetrievePendingResponse(request *types.Message, completed, failed, warning, remaining uint16) *types.Message {
	return NewResponseBuilder(request).RetrieveResponse(
		types.StatusPending,
		&completed,
		&failed,
		&warning,
		&remaining,
	)
}

// NewRetrieveFinalResponse creates the final C-GET/C-MOVE-RSP. The status is
// success when every sub-operation completed, sub-operations warning when
// some failed and failure when none completed.
func NewRetrieveFinalResponse(request *types.Message, completed, failed, warning uint16) *types.Message {
	status := uint16(types.StatusSuccess)
	switch {
	case failed > 0 && completed+warning == 0:
		status = types.StatusUnableToProcess
	case failed > 0 || warning > 0:
		status = types.StatusSubOperationsWarning
	}
	return NewResponseBuilder(request).RetrieveResponse(status, &completed, &failed, &warning, nil)
}

// NewRetrieveErrorResponse creates an error C-GET/C-MOVE-RSP message without counts.
func NewRetrieveErrorResponse(request *types.Message, status uint16) *types.Message {
	return NewResponseBuilder(request).RetrieveResponse(status, nil, nil, nil, nil)
}

// NewCStoreResponse creates a C-STORE-RSP message.
func NewCStoreResponse(request *types.Message, status uint16) *types.Message {
	return NewResponseBuilder(request).CStoreResponse(status, "")
}

// CreateErrorResponse creates a standard DIMSE error response message.
//
// The response will have the appropriate response command field (original | 0x8000),
// the message ID being responded to, and the specified status code.
func CreateErrorResponse(req *types.Message, status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.ResponseCommandFor(req.CommandField),
		MessageIDBeingRespondedTo: req.MessageID,
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    req.AffectedSOPInstanceUID,
		Status:                    status,
	}
}
