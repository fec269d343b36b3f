package client

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/pacsman/types"
)

// SendCCancel sends a C-CANCEL-RQ to cancel a pending C-FIND, C-GET or C-MOVE operation.
// The messageID parameter must match the MessageID of the operation being canceled.
// C-CANCEL does not have a response; the SCP ends the operation with a cancel status.
func (a *Association) SendCCancel(ctx context.Context, messageID uint16, sopClassUID string) error {
	if messageID == 0 {
		return fmt.Errorf("messageID must be non-zero for C-CANCEL")
	}
	if sopClassUID == "" {
		return fmt.Errorf("sopClassUID must be provided for C-CANCEL")
	}

	presContextID, err := a.GetPresentationContextID(sopClassUID)
	if err != nil {
		return err
	}

	done, err := a.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	return a.fail(ctx, a.sendCancel(presContextID, messageID))
}

func (a *Association) sendCancel(presContextID byte, messageID uint16) error {
	command := &types.Message{
		CommandField:              types.CCancelRQ,
		MessageIDBeingRespondedTo: messageID,
	}
	if err := a.send(presContextID, command, nil); err != nil {
		return fmt.Errorf("failed to send C-CANCEL request: %w", err)
	}
	a.logger.Debug("C-CANCEL sent", "message_id", messageID)
	return nil
}
