package client

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/pacsman/dicom"
	"github.com/caio-sobreiro/pacsman/dimse"
	dicomerrors "github.com/caio-sobreiro/pacsman/errors"
	"github.com/caio-sobreiro/pacsman/types"
)

// CStoreRequest represents a C-STORE request
type CStoreRequest struct {
	Dataset  *dicom.Dataset
	Priority uint16

	// Set when the store is a sub-operation of a C-MOVE.
	MoveOriginatorAETitle   string
	MoveOriginatorMessageID uint16
}

// CStoreResponse represents a C-STORE response
type CStoreResponse struct {
	Status         uint16
	MessageID      uint16
	ErrorComment   string
	SOPClassUID    string
	SOPInstanceUID string
}

// SendCStore sends a C-STORE request and waits for the response. The
// instance is sent on an accepted context for its SOP class, re-encoded
// when the context uses a different native transfer syntax.
func (a *Association) SendCStore(ctx context.Context, req *CStoreRequest) (*CStoreResponse, error) {
	if req == nil || req.Dataset == nil {
		return nil, fmt.Errorf("c-store request requires a dataset")
	}

	sopClass := req.Dataset.GetString(dicom.TagSOPClassUID)
	sopInstance := req.Dataset.GetString(dicom.TagSOPInstanceUID)
	if sopClass == "" || sopInstance == "" {
		return nil, fmt.Errorf("c-store dataset must carry SOPClassUID and SOPInstanceUID")
	}

	pc, err := dimse.SelectStorageContext(a.acceptedContexts(), sopClass, req.Dataset.TransferSyntaxUID)
	if err != nil {
		return nil, err
	}
	data, err := dicom.EncodeDatasetWithTransferSyntax(req.Dataset, pc.TransferSyntax)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dataset: %w", err)
	}

	done, err := a.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	command := &types.Message{
		CommandField:            types.CStoreRQ,
		MessageID:               a.nextMessageID(),
		Priority:                req.Priority,
		AffectedSOPClassUID:     sopClass,
		AffectedSOPInstanceUID:  sopInstance,
		MoveOriginatorAETitle:   req.MoveOriginatorAETitle,
		MoveOriginatorMessageID: req.MoveOriginatorMessageID,
	}
	if err := a.send(pc.ID, command, data); err != nil {
		return nil, a.fail(ctx, fmt.Errorf("failed to send C-STORE: %w", err))
	}

	a.logger.Debug("Sent C-STORE-RQ",
		"sop_class", sopClass,
		"sop_instance", sopInstance,
		"transfer_syntax", pc.TransferSyntax,
		"data_size", len(data))

	msg, _, err := dimse.ReceiveDIMSEMessage(a.conn)
	if err != nil {
		return nil, a.fail(ctx, fmt.Errorf("failed to receive C-STORE-RSP: %w", err))
	}
	if msg.CommandField != types.CStoreRSP {
		return nil, a.fail(ctx, fmt.Errorf("%w: unexpected command 0x%04X (expected C-STORE-RSP)",
			dicomerrors.ErrInvalidMessage, msg.CommandField))
	}

	return &CStoreResponse{
		Status:         msg.Status,
		MessageID:      msg.MessageIDBeingRespondedTo,
		ErrorComment:   msg.ErrorComment,
		SOPClassUID:    msg.AffectedSOPClassUID,
		SOPInstanceUID: msg.AffectedSOPInstanceUID,
	}, nil
}
