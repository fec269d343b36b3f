package client

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/pacsman/dicom"
	"github.com/caio-sobreiro/pacsman/dimse"
	dicomerrors "github.com/caio-sobreiro/pacsman/errors"
	"github.com/caio-sobreiro/pacsman/types"
)

// CFindRequest encapsulates the information required to perform a C-FIND query.
type CFindRequest struct {
	SOPClassUID string
	Priority    uint16
	Dataset     *dicom.Dataset
}

// CFindResponse represents a single C-FIND response from the SCP.
type CFindResponse struct {
	Status       uint16
	MessageID    uint16
	ErrorComment string
	Dataset      *dicom.Dataset
}

// SendCFind performs a DICOM C-FIND query and returns all responses in order.
func (a *Association) SendCFind(ctx context.Context, req *CFindRequest) ([]*CFindResponse, error) {
	var responses []*CFindResponse
	err := a.StreamCFind(ctx, req, func(rsp *CFindResponse) bool {
		responses = append(responses, rsp)
		return true
	})
	if err != nil {
		return nil, err
	}
	return responses, nil
}

// StreamCFind performs a C-FIND query and hands every response to fn as it
// arrives, the final one included. When fn returns false on a pending
// response the query is cancelled with C-CANCEL and the remaining responses
// are drained without being delivered.
func (a *Association) StreamCFind(ctx context.Context, req *CFindRequest, fn func(*CFindResponse) bool) error {
	if req == nil {
		return fmt.Errorf("c-find request cannot be nil")
	}
	if req.Dataset == nil {
		return fmt.Errorf("c-find request requires a dataset")
	}

	sopClass := req.SOPClassUID
	if sopClass == "" {
		sopClass = types.StudyRootQueryRetrieveInformationModelFind
	}

	presContextID, err := a.GetPresentationContextID(sopClass)
	if err != nil {
		return err
	}
	datasetData, err := dicom.EncodeDatasetWithTransferSyntax(req.Dataset, a.transferSyntax(presContextID))
	if err != nil {
		return fmt.Errorf("failed to encode C-FIND identifier: %w", err)
	}

	done, err := a.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	messageID := a.nextMessageID()
	command := &types.Message{
		CommandField:        types.CFindRQ,
		MessageID:           messageID,
		Priority:            req.Priority,
		AffectedSOPClassUID: sopClass,
	}
	if err := a.send(presContextID, command, datasetData); err != nil {
		return a.fail(ctx, fmt.Errorf("failed to send C-FIND request: %w", err))
	}

	cancelled := false
	for {
		msg, data, err := dimse.ReceiveDIMSEMessage(a.conn)
		if err != nil {
			return a.fail(ctx, err)
		}
		if msg.CommandField != types.CFindRSP {
			return a.fail(ctx, fmt.Errorf("%w: unexpected command 0x%04x (expected C-FIND-RSP)",
				dicomerrors.ErrInvalidMessage, msg.CommandField))
		}

		final := !types.IsPendingStatus(msg.Status)
		if !cancelled {
			rsp := &CFindResponse{
				Status:       msg.Status,
				MessageID:    msg.MessageIDBeingRespondedTo,
				ErrorComment: msg.ErrorComment,
			}
			if len(data) > 0 {
				rsp.Dataset, err = dicom.ParseDatasetWithTransferSyntax(data, a.transferSyntax(msg.PresentationContextID))
				if err != nil {
					a.logger.Warn("Failed to parse C-FIND response dataset",
						"error", err,
						"message_id", msg.MessageIDBeingRespondedTo,
						"status", fmt.Sprintf("0x%04X", msg.Status))
				}
			}
			if !fn(rsp) && !final {
				cancelled = true
				if err := a.sendCancel(presContextID, messageID); err != nil {
					return a.fail(ctx, err)
				}
			}
		}

		if final {
			return nil
		}
	}
}
