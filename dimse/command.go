package dimse

import (
	"encoding/binary"
	"fmt"
	"strings"

	dicomerrors "github.com/caio-sobreiro/pacsman/errors"
	"github.com/caio-sobreiro/pacsman/types"
)

// Command set element numbers (group 0000).
const (
	elemGroupLength             = 0x0000
	elemAffectedSOPClassUID     = 0x0002
	elemRequestedSOPClassUID    = 0x0003
	elemCommandField            = 0x0100
	elemMessageID               = 0x0110
	elemMessageIDBeingResponded = 0x0120
	elemMoveDestination         = 0x0600
	elemPriority                = 0x0700
	elemCommandDataSetType      = 0x0800
	elemStatus                  = 0x0900
	elemErrorComment            = 0x0902
	elemAffectedSOPInstanceUID  = 0x1000
	elemRemainingSuboperations  = 0x1020
	elemCompletedSuboperations  = 0x1021
	elemFailedSuboperations     = 0x1022
	elemWarningSuboperations    = 0x1023
	elemMoveOriginatorAETitle   = 0x1030
	elemMoveOriginatorMessageID = 0x1031
)

func isResponse(commandField uint16) bool {
	return commandField&0x8000 != 0
}

// EncodeCommand encodes a DIMSE command message using Implicit VR Little Endian
func EncodeCommand(msg *types.Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil command", dicomerrors.ErrInvalidMessage)
	}

	buf := make([]byte, 0, 256)
	response := isResponse(msg.CommandField)

	if msg.AffectedSOPClassUID != "" {
		buf = appendUID(buf, elemAffectedSOPClassUID, msg.AffectedSOPClassUID)
	}
	if msg.RequestedSOPClassUID != "" {
		buf = appendUID(buf, elemRequestedSOPClassUID, msg.RequestedSOPClassUID)
	}
	buf = appendUint16(buf, elemCommandField, msg.CommandField)
	if !response && msg.CommandField != types.CCancelRQ {
		buf = appendUint16(buf, elemMessageID, msg.MessageID)
	}
	if response || msg.CommandField == types.CCancelRQ {
		buf = appendUint16(buf, elemMessageIDBeingResponded, msg.MessageIDBeingRespondedTo)
	}
	if msg.MoveDestination != "" {
		buf = appendText(buf, elemMoveDestination, msg.MoveDestination)
	}
	if !response && msg.CommandField != types.CCancelRQ && msg.CommandField != types.CEchoRQ {
		buf = appendUint16(buf, elemPriority, msg.Priority)
	}
	dataSetType := msg.CommandDataSetType
	if dataSetType != types.NoDataSet {
		// Any value other than 0x0101 means a dataset follows.
		dataSetType = types.DataSetPresent
	}
	buf = appendUint16(buf, elemCommandDataSetType, dataSetType)
	if response {
		buf = appendUint16(buf, elemStatus, msg.Status)
	}
	if msg.ErrorComment != "" {
		comment := msg.ErrorComment
		if len(comment) > 64 {
			comment = comment[:64]
		}
		buf = appendText(buf, elemErrorComment, comment)
	}
	if msg.AffectedSOPInstanceUID != "" {
		buf = appendUID(buf, elemAffectedSOPInstanceUID, msg.AffectedSOPInstanceUID)
	}
	if msg.NumberOfRemainingSuboperations != nil {
		buf = appendUint16(buf, elemRemainingSuboperations, *msg.NumberOfRemainingSuboperations)
	}
	if msg.NumberOfCompletedSuboperations != nil {
		buf = appendUint16(buf, elemCompletedSuboperations, *msg.NumberOfCompletedSuboperations)
	}
	if msg.NumberOfFailedSuboperations != nil {
		buf = appendUint16(buf, elemFailedSuboperations, *msg.NumberOfFailedSuboperations)
	}
	if msg.NumberOfWarningSuboperations != nil {
		buf = appendUint16(buf, elemWarningSuboperations, *msg.NumberOfWarningSuboperations)
	}
	if msg.MoveOriginatorAETitle != "" {
		buf = appendText(buf, elemMoveOriginatorAETitle, msg.MoveOriginatorAETitle)
		buf = appendUint16(buf, elemMoveOriginatorMessageID, msg.MoveOriginatorMessageID)
	}

	out := AppendImplicitElement(make([]byte, 0, len(buf)+12), 0x0000, elemGroupLength,
		binary.LittleEndian.AppendUint32(nil, uint32(len(buf))))
	return append(out, buf...), nil
}

func appendUint16(buf []byte, element uint16, v uint16) []byte {
	return AppendImplicitElement(buf, 0x0000, element, binary.LittleEndian.AppendUint16(nil, v))
}

func appendUID(buf []byte, element uint16, uid string) []byte {
	value := []byte(uid)
	if len(value)%2 == 1 {
		value = append(value, 0x00)
	}
	return AppendImplicitElement(buf, 0x0000, element, value)
}

func appendText(buf []byte, element uint16, text string) []byte {
	value := []byte(text)
	if len(value)%2 == 1 {
		value = append(value, ' ')
	}
	return AppendImplicitElement(buf, 0x0000, element, value)
}

// AppendImplicitElement appends a DICOM element using Implicit VR (no VR field)
func AppendImplicitElement(buf []byte, group, element uint16, value []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, group)
	buf = binary.LittleEndian.AppendUint16(buf, element)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	return append(buf, value...)
}

// DecodeCommand decodes a DIMSE command message
func DecodeCommand(data []byte) (*types.Message, error) {
	msg := &types.Message{
		CommandDataSetType: types.NoDataSet,
	}
	seenCommandField := false
	offset := 0

	for offset < len(data) {
		if offset+8 > len(data) {
			return nil, fmt.Errorf("%w: truncated command element at offset %d", dicomerrors.ErrInvalidMessage, offset)
		}
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		end := offset + 8 + int(length)
		if end > len(data) || end < offset {
			return nil, fmt.Errorf("%w: element (%04x,%04x) exceeds command length", dicomerrors.ErrInvalidMessage, group, element)
		}
		value := data[offset+8 : end]
		offset = end

		if group != 0x0000 {
			continue
		}

		switch element {
		case elemAffectedSOPClassUID:
			msg.AffectedSOPClassUID = trimValue(value)
		case elemRequestedSOPClassUID:
			msg.RequestedSOPClassUID = trimValue(value)
		case elemCommandField:
			msg.CommandField = readUint16(value)
			seenCommandField = len(value) >= 2
		case elemMessageID:
			msg.MessageID = readUint16(value)
		case elemMessageIDBeingResponded:
			msg.MessageIDBeingRespondedTo = readUint16(value)
		case elemMoveDestination:
			msg.MoveDestination = trimValue(value)
		case elemPriority:
			msg.Priority = readUint16(value)
		case elemCommandDataSetType:
			msg.CommandDataSetType = readUint16(value)
		case elemStatus:
			msg.Status = readUint16(value)
		case elemErrorComment:
			msg.ErrorComment = trimValue(value)
		case elemAffectedSOPInstanceUID:
			msg.AffectedSOPInstanceUID = trimValue(value)
		case elemRemainingSuboperations:
			msg.NumberOfRemainingSuboperations = readCounter(value)
		case elemCompletedSuboperations:
			msg.NumberOfCompletedSuboperations = readCounter(value)
		case elemFailedSuboperations:
			msg.NumberOfFailedSuboperations = readCounter(value)
		case elemWarningSuboperations:
			msg.NumberOfWarningSuboperations = readCounter(value)
		case elemMoveOriginatorAETitle:
			msg.MoveOriginatorAETitle = trimValue(value)
		case elemMoveOriginatorMessageID:
			msg.MoveOriginatorMessageID = readUint16(value)
		}
	}

	if !seenCommandField {
		return nil, fmt.Errorf("%w: missing command field", dicomerrors.ErrInvalidMessage)
	}
	return msg, nil
}

func trimValue(value []byte) string {
	return strings.Trim(string(value), "\x00 ")
}

func readUint16(value []byte) uint16 {
	if len(value) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(value[:2])
}

func readCounter(value []byte) *uint16 {
	if len(value) < 2 {
		return nil
	}
	v := binary.LittleEndian.Uint16(value[:2])
	return &v
}
