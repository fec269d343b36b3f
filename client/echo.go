package client

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/pacsman/dimse"
	dicomerrors "github.com/caio-sobreiro/pacsman/errors"
	"github.com/caio-sobreiro/pacsman/types"
)

// CEchoResponse represents the result of a C-ECHO operation.
type CEchoResponse struct {
	Status    uint16
	MessageID uint16
}

// SendCEcho performs a DICOM C-ECHO (verification) request and returns the response status.
func (a *Association) SendCEcho(ctx context.Context) (*CEchoResponse, error) {
	presContextID, err := a.GetPresentationContextID(types.VerificationSOPClass)
	if err != nil {
		return nil, err
	}

	done, err := a.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	command := &types.Message{
		CommandField:        types.CEchoRQ,
		MessageID:           a.nextMessageID(),
		AffectedSOPClassUID: types.VerificationSOPClass,
	}
	if err := a.send(presContextID, command, nil); err != nil {
		return nil, a.fail(ctx, fmt.Errorf("failed to send C-ECHO request: %w", err))
	}

	msg, _, err := dimse.ReceiveDIMSEMessage(a.conn)
	if err != nil {
		return nil, a.fail(ctx, err)
	}
	if msg.CommandField != types.CEchoRSP {
		return nil, a.fail(ctx, fmt.Errorf("%w: unexpected command 0x%04x (expected C-ECHO-RSP)",
			dicomerrors.ErrInvalidMessage, msg.CommandField))
	}

	return &CEchoResponse{
		Status:    msg.Status,
		MessageID: msg.MessageIDBeingRespondedTo,
	}, nil
}

func (a *Association) send(presContextID byte, msg *types.Message, datasetData []byte) error {
	return dimse.SendDIMSEMessage(a.conn, presContextID, a.maxPDULength, msg, datasetData)
}
