package client

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/pacsman/dicom"
	"github.com/caio-sobreiro/pacsman/dimse"
	dicomerrors "github.com/caio-sobreiro/pacsman/errors"
	"github.com/caio-sobreiro/pacsman/types"
)

// CMoveRequest asks the SCP to send matching instances to Destination.
type CMoveRequest struct {
	SOPClassUID string
	Priority    uint16
	Destination string
	Dataset     *dicom.Dataset
}

// CMoveResponse represents a single C-MOVE response from the SCP.
type CMoveResponse = RetrieveResponse

// SendCMove performs a DICOM C-MOVE. Instances arrive on a separate
// association opened by the SCP towards the destination AE; this call only
// tracks progress until the final response.
func (a *Association) SendCMove(ctx context.Context, req *CMoveRequest) ([]*CMoveResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("c-move request cannot be nil")
	}
	if req.Dataset == nil {
		return nil, fmt.Errorf("c-move request requires a dataset")
	}
	if req.Destination == "" {
		return nil, fmt.Errorf("c-move request requires a destination AE title")
	}

	sopClass := req.SOPClassUID
	if sopClass == "" {
		sopClass = types.StudyRootQueryRetrieveInformationModelMove
	}

	presContextID, err := a.GetPresentationContextID(sopClass)
	if err != nil {
		return nil, err
	}
	datasetData, err := dicom.EncodeDatasetWithTransferSyntax(req.Dataset, a.transferSyntax(presContextID))
	if err != nil {
		return nil, fmt.Errorf("failed to encode C-MOVE identifier: %w", err)
	}

	done, err := a.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	command := &types.Message{
		CommandField:        types.CMoveRQ,
		MessageID:           a.nextMessageID(),
		Priority:            req.Priority,
		AffectedSOPClassUID: sopClass,
		MoveDestination:     req.Destination,
	}
	if err := a.send(presContextID, command, datasetData); err != nil {
		return nil, a.fail(ctx, fmt.Errorf("failed to send C-MOVE request: %w", err))
	}

	var responses []*CMoveResponse
	for {
		msg, data, err := dimse.ReceiveDIMSEMessage(a.conn)
		if err != nil {
			return responses, a.fail(ctx, fmt.Errorf("failed to receive C-MOVE response: %w", err))
		}
		if msg.CommandField != types.CMoveRSP {
			return responses, a.fail(ctx, fmt.Errorf("%w: unexpected command 0x%04X (expected C-MOVE-RSP)",
				dicomerrors.ErrInvalidMessage, msg.CommandField))
		}

		responses = append(responses, a.retrieveResponse(msg, data))
		if !types.IsPendingStatus(msg.Status) {
			return responses, nil
		}
	}
}
