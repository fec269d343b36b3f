package client

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/pacsman/dicom"
	"github.com/caio-sobreiro/pacsman/dimse"
	dicomerrors "github.com/caio-sobreiro/pacsman/errors"
	"github.com/caio-sobreiro/pacsman/types"
)

// CGetRequest encapsulates the information required to perform a C-GET operation.
type CGetRequest struct {
	SOPClassUID string
	Priority    uint16
	Dataset     *dicom.Dataset // Query identifying which instances to retrieve
}

// RetrieveResponse is a single C-GET or C-MOVE response from the SCP.
type RetrieveResponse struct {
	Status                         uint16
	MessageID                      uint16
	ErrorComment                   string
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
	// FailedSOPInstanceUIDs is read from the identifier of a final response.
	FailedSOPInstanceUIDs []string
}

// Completed returns the completed sub-operation count, or 0 when absent.
func (r *RetrieveResponse) Completed() int {
	if r.NumberOfCompletedSuboperations == nil {
		return 0
	}
	return int(*r.NumberOfCompletedSuboperations)
}

// Failed returns the failed sub-operation count, or 0 when absent.
func (r *RetrieveResponse) Failed() int {
	if r.NumberOfFailedSuboperations == nil {
		return 0
	}
	return int(*r.NumberOfFailedSuboperations)
}

// CGetResponse represents a single C-GET response from the SCP.
type CGetResponse = RetrieveResponse

// CStoreIndication is an incoming C-STORE sub-operation of a C-GET.
type CStoreIndication struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	Data              []byte
}

// Dataset decodes the received instance.
func (c *CStoreIndication) Dataset() (*dicom.Dataset, error) {
	return dicom.ParseDatasetWithTransferSyntax(c.Data, c.TransferSyntaxUID)
}

// CStoreHandler consumes one received instance and returns the C-STORE status to report.
type CStoreHandler func(ctx context.Context, ind *CStoreIndication) uint16

// SendCGet performs a DICOM C-GET operation to retrieve instances.
// The SCP sends C-STORE sub-operations on the same association; each one is
// passed to handler and answered with the status it returns. The association
// must have been negotiated with StorageContexts for the expected SOP classes.
func (a *Association) SendCGet(ctx context.Context, req *CGetRequest, handler CStoreHandler) ([]*CGetResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("c-get request cannot be nil")
	}
	if req.Dataset == nil {
		return nil, fmt.Errorf("c-get request requires a dataset")
	}

	sopClass := req.SOPClassUID
	if sopClass == "" {
		sopClass = types.StudyRootQueryRetrieveInformationModelGet
	}

	presContextID, err := a.GetPresentationContextID(sopClass)
	if err != nil {
		return nil, err
	}
	datasetData, err := dicom.EncodeDatasetWithTransferSyntax(req.Dataset, a.transferSyntax(presContextID))
	if err != nil {
		return nil, fmt.Errorf("failed to encode C-GET identifier: %w", err)
	}

	done, err := a.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	command := &types.Message{
		CommandField:        types.CGetRQ,
		MessageID:           a.nextMessageID(),
		Priority:            req.Priority,
		AffectedSOPClassUID: sopClass,
	}
	if err := a.send(presContextID, command, datasetData); err != nil {
		return nil, a.fail(ctx, fmt.Errorf("failed to send C-GET request: %w", err))
	}

	var responses []*CGetResponse
	for {
		msg, data, err := dimse.ReceiveDIMSEMessage(a.conn)
		if err != nil {
			return responses, a.fail(ctx, fmt.Errorf("failed to receive C-GET response: %w", err))
		}

		switch msg.CommandField {
		case types.CStoreRQ:
			if err := a.handleSubOperation(ctx, msg, data, handler); err != nil {
				return responses, a.fail(ctx, err)
			}
		case types.CGetRSP:
			rsp := a.retrieveResponse(msg, data)
			responses = append(responses, rsp)
			if !types.IsPendingStatus(msg.Status) {
				return responses, nil
			}
		default:
			return responses, a.fail(ctx, fmt.Errorf("%w: unexpected command 0x%04X during C-GET",
				dicomerrors.ErrInvalidMessage, msg.CommandField))
		}
	}
}

func (a *Association) handleSubOperation(ctx context.Context, msg *types.Message, data []byte, handler CStoreHandler) error {
	status := uint16(types.StatusProcessingFailure)
	if handler != nil {
		status = handler(ctx, &CStoreIndication{
			SOPClassUID:       msg.AffectedSOPClassUID,
			SOPInstanceUID:    msg.AffectedSOPInstanceUID,
			TransferSyntaxUID: a.transferSyntax(msg.PresentationContextID),
			Data:              data,
		})
	}

	a.logger.Debug("C-GET sub-operation received",
		"sop_instance", msg.AffectedSOPInstanceUID,
		"size", len(data),
		"status", fmt.Sprintf("0x%04X", status))

	rsp := &types.Message{
		CommandField:              types.CStoreRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
		Status:                    status,
	}
	if err := a.send(msg.PresentationContextID, rsp, nil); err != nil {
		return fmt.Errorf("failed to send C-STORE-RSP: %w", err)
	}
	return nil
}

func (a *Association) retrieveResponse(msg *types.Message, data []byte) *RetrieveResponse {
	rsp := &RetrieveResponse{
		Status:                         msg.Status,
		MessageID:                      msg.MessageIDBeingRespondedTo,
		ErrorComment:                   msg.ErrorComment,
		NumberOfRemainingSuboperations: msg.NumberOfRemainingSuboperations,
		NumberOfCompletedSuboperations: msg.NumberOfCompletedSuboperations,
		NumberOfFailedSuboperations:    msg.NumberOfFailedSuboperations,
		NumberOfWarningSuboperations:   msg.NumberOfWarningSuboperations,
	}
	if len(data) > 0 {
		if ds, err := dicom.ParseDatasetWithTransferSyntax(data, a.transferSyntax(msg.PresentationContextID)); err == nil {
			rsp.FailedSOPInstanceUIDs = ds.GetStrings(dicom.TagFailedSOPInstanceUIDList)
		}
	}
	return rsp
}
