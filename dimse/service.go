package dimse

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/caio-sobreiro/pacsman/dicom"
	dicomerrors "github.com/caio-sobreiro/pacsman/errors"
	"github.com/caio-sobreiro/pacsman/interfaces"
	"github.com/caio-sobreiro/pacsman/types"
)

// Service manages DIMSE operations and message routing for one association.
type Service struct {
	ctx         context.Context
	handler     interfaces.ServiceHandler
	commandData []byte
	datasetData []byte
	currentMsg  *types.Message
	logger      *slog.Logger
}

// responseHandler implements ResponseSender for streaming responses
type responseHandler struct {
	service       *Service
	presContextID byte
	pduLayer      interfaces.PDULayer
	nextID        uint16
}

// SendResponse implements ResponseSender interface
func (r *responseHandler) SendResponse(msg *types.Message, data []byte) error {
	return r.service.sendDIMSEResponse(msg, data, r.presContextID, r.pduLayer)
}

// CallingAETitle is the AE title of the requester.
func (r *responseHandler) CallingAETitle() string {
	return r.pduLayer.CallingAETitle()
}

// SendCStore performs a C-STORE sub-operation towards the requester, as a
// C-GET SCP does. The dataset goes out on an accepted context for its SOP
// class whose transfer syntax it can be written in.
func (r *responseHandler) SendCStore(ctx context.Context, ds *dicom.Dataset) (uint16, error) {
	sopClass := ds.GetString(dicom.TagSOPClassUID)
	sopInstance := ds.GetString(dicom.TagSOPInstanceUID)

	pc, err := SelectStorageContext(r.pduLayer.AcceptedContexts(), sopClass, ds.TransferSyntaxUID)
	if err != nil {
		return 0, err
	}
	data, err := dicom.EncodeDatasetWithTransferSyntax(ds, pc.TransferSyntax)
	if err != nil {
		return 0, fmt.Errorf("failed to encode dataset: %w", err)
	}

	r.nextID++
	request := &types.Message{
		CommandField:           types.CStoreRQ,
		MessageID:              r.nextID,
		Priority:               types.PriorityMedium,
		AffectedSOPClassUID:    sopClass,
		AffectedSOPInstanceUID: sopInstance,
	}

	conn := r.pduLayer.Conn()
	stop := watchContext(ctx, conn)
	defer stop()

	if err := SendDIMSEMessage(conn, pc.ID, r.pduLayer.MaxPDULength(), request, data); err != nil {
		return 0, fmt.Errorf("failed to send C-STORE sub-operation: %w", err)
	}
	rsp, _, err := ReceiveDIMSEMessage(conn)
	if err != nil {
		return 0, fmt.Errorf("failed to receive C-STORE-RSP: %w", err)
	}
	if rsp.CommandField != types.CStoreRSP {
		return 0, fmt.Errorf("%w: unexpected command 0x%04x (expected C-STORE-RSP)", dicomerrors.ErrInvalidMessage, rsp.CommandField)
	}
	return rsp.Status, nil
}

// SelectStorageContext picks the accepted context to send a dataset of the
// given SOP class on. A context with the dataset's own transfer syntax wins;
// native datasets may otherwise be re-encoded into any native context.
func SelectStorageContext(contexts []*types.PresentationContext, sopClassUID, transferSyntaxUID string) (*types.PresentationContext, error) {
	if transferSyntaxUID == "" {
		transferSyntaxUID = types.ExplicitVRLittleEndian
	}
	info, _ := types.LookupTransferSyntax(transferSyntaxUID)

	var fallback *types.PresentationContext
	for _, pc := range contexts {
		if pc.AbstractSyntax != sopClassUID || pc.Result != types.PresentationAcceptance {
			continue
		}
		if pc.TransferSyntax == transferSyntaxUID {
			return pc, nil
		}
		target, _ := types.LookupTransferSyntax(pc.TransferSyntax)
		if fallback == nil && info.Native() && target.Native() {
			fallback = pc
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("%w for %s in %s", dicomerrors.ErrNoPresentationCtx, sopClassUID, transferSyntaxUID)
}

// NewService creates a new DIMSE service with a handler
func NewService(ctx context.Context, handler interfaces.ServiceHandler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Service{
		ctx:     ctx,
		handler: handler,
		logger:  logger,
	}
}

// HandleDIMSEMessage accumulates PDV fragments and dispatches complete messages.
func (d *Service) HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer interfaces.PDULayer) error {
	isCommand := (msgCtrlHeader & 0x01) != 0
	isLastFragment := (msgCtrlHeader & 0x02) != 0

	if isCommand {
		d.commandData = append(d.commandData, data...)
		if !isLastFragment {
			return nil
		}
		msg, err := DecodeCommand(d.commandData)
		if err != nil {
			return fmt.Errorf("failed to parse DIMSE command: %w", err)
		}
		msg.PresentationContextID = presContextID
		if ts, err := pduLayer.GetTransferSyntax(presContextID); err == nil {
			msg.TransferSyntaxUID = ts
		}
		d.currentMsg = msg

		if !msg.HasDataSet() {
			return d.processCompleteMessage(presContextID, pduLayer)
		}
		return nil
	}

	d.datasetData = append(d.datasetData, data...)
	if isLastFragment {
		return d.processCompleteMessage(presContextID, pduLayer)
	}
	return nil
}

// processCompleteMessage processes a complete DIMSE message (command + optional dataset)
func (d *Service) processCompleteMessage(presContextID byte, pduLayer interfaces.PDULayer) error {
	msg, data := d.currentMsg, d.datasetData
	d.commandData = nil
	d.datasetData = nil
	d.currentMsg = nil

	if msg == nil {
		return fmt.Errorf("%w: dataset without command", dicomerrors.ErrInvalidMessage)
	}

	d.logger.Debug("Processing DIMSE message",
		"command_field", fmt.Sprintf("0x%04x", msg.CommandField),
		"message_id", msg.MessageID,
		"dataset_size", len(data))

	if streamingHandler, ok := d.handler.(interfaces.StreamingServiceHandler); ok {
		responder := &responseHandler{
			service:       d,
			presContextID: presContextID,
			pduLayer:      pduLayer,
		}
		return streamingHandler.HandleDIMSEStreaming(d.ctx, msg, data, responder)
	}

	responseMsg, responseData, err := d.handler.HandleDIMSE(d.ctx, msg, data)
	if err != nil {
		return fmt.Errorf("service handler failed: %w", err)
	}
	if responseMsg == nil {
		return nil
	}
	return d.sendDIMSEResponse(responseMsg, responseData, presContextID, pduLayer)
}

func (d *Service) sendDIMSEResponse(msg *types.Message, data []byte, presContextID byte, pduLayer interfaces.PDULayer) error {
	if len(data) > 0 {
		msg.CommandDataSetType = types.DataSetPresent
	} else {
		msg.CommandDataSetType = types.NoDataSet
	}
	commandData, err := EncodeCommand(msg)
	if err != nil {
		return err
	}
	return pduLayer.SendDIMSEResponseWithDataset(presContextID, commandData, data)
}
