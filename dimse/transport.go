package dimse

import (
	"fmt"
	"io"

	dicomerrors "github.com/caio-sobreiro/pacsman/errors"
	"github.com/caio-sobreiro/pacsman/pdu"
	"github.com/caio-sobreiro/pacsman/types"
)

// Connection interface for sending/receiving DICOM data
type Connection interface {
	io.ReadWriter
}

// SendDIMSEMessage encodes msg and sends it with an optional dataset.
func SendDIMSEMessage(conn Connection, presContextID byte, maxPDULength uint32, msg *types.Message, datasetData []byte) error {
	if len(datasetData) > 0 {
		msg.CommandDataSetType = types.DataSetPresent
	} else {
		msg.CommandDataSetType = types.NoDataSet
	}
	commandData, err := EncodeCommand(msg)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	if err := pdu.WritePDataTF(conn, presContextID, maxPDULength, commandData, true); err != nil {
		return err
	}
	if len(datasetData) > 0 {
		if err := pdu.WritePDataTF(conn, presContextID, maxPDULength, datasetData, false); err != nil {
			return err
		}
	}
	return nil
}

// ReceiveDIMSEMessage reads a complete DIMSE message (command and optional
// dataset). The returned message records the presentation context it
// arrived on. A-ABORT and unexpected PDUs are reported as errors.
func ReceiveDIMSEMessage(conn Connection) (*types.Message, []byte, error) {
	var (
		commandData []byte
		datasetData []byte
		msg         *types.Message
		datasetDone bool
	)

	for {
		p, err := pdu.ReadPDU(conn)
		if err != nil {
			return nil, nil, dicomerrors.NewNetworkError("receive", err)
		}

		switch p.Type {
		case types.TypePDataTF:
			pdvs, err := pdu.ParsePDVs(p.Data)
			if err != nil {
				return nil, nil, err
			}
			for _, pdv := range pdvs {
				if pdv.IsCommand() {
					if msg != nil {
						return nil, nil, fmt.Errorf("%w: command fragment after complete command", dicomerrors.ErrInvalidMessage)
					}
					commandData = append(commandData, pdv.Data...)
					if !pdv.IsLast() {
						continue
					}
					msg, err = DecodeCommand(commandData)
					if err != nil {
						return nil, nil, err
					}
					msg.PresentationContextID = pdv.PresentationContextID
					continue
				}
				datasetData = append(datasetData, pdv.Data...)
				if pdv.IsLast() {
					datasetDone = true
				}
			}
		case types.TypeAbort:
			return nil, nil, pdu.ParseAbort(p.Data)
		case types.TypeReleaseRQ:
			_ = pdu.WriteReleaseRP(conn)
			return nil, nil, dicomerrors.ErrConnectionClosed
		default:
			return nil, nil, dicomerrors.NewPDUError(p.Type, "unexpected PDU while waiting for DIMSE message")
		}

		if msg != nil && (!msg.HasDataSet() || datasetDone) {
			return msg, datasetData, nil
		}
	}
}
