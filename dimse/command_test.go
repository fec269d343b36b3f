package dimse

import (
	"encoding/binary"
	"errors"
	"testing"

	dicomerrors "github.com/caio-sobreiro/pacsman/errors"
	"github.com/caio-sobreiro/pacsman/types"
)

// commandElements walks an encoded command and returns element numbers in order.
func commandElements(t *testing.T, data []byte) []uint16 {
	t.Helper()
	var elements []uint16
	for offset := 0; offset < len(data); {
		if offset+8 > len(data) {
			t.Fatalf("truncated element at offset %d", offset)
		}
		elements = append(elements, binary.LittleEndian.Uint16(data[offset+2:]))
		offset += 8 + int(binary.LittleEndian.Uint32(data[offset+4:]))
	}
	return elements
}

func contains(elements []uint16, element uint16) bool {
	for _, e := range elements {
		if e == element {
			return true
		}
	}
	return false
}

func TestEncodeCommand_GroupLength(t *testing.T) {
	data, err := EncodeCommand(&types.Message{
		CommandField:        types.CEchoRQ,
		MessageID:           7,
		AffectedSOPClassUID: types.VerificationSOPClass,
	})
	if err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}

	if binary.LittleEndian.Uint16(data[2:4]) != elemGroupLength {
		t.Fatalf("Expected group length first, got element 0x%04x", binary.LittleEndian.Uint16(data[2:4]))
	}
	groupLength := binary.LittleEndian.Uint32(data[8:12])
	if int(groupLength) != len(data)-12 {
		t.Errorf("Group length = %d, want %d", groupLength, len(data)-12)
	}

	elements := commandElements(t, data)
	for i := 1; i < len(elements); i++ {
		if elements[i] <= elements[i-1] {
			t.Errorf("Elements not ascending: 0x%04x after 0x%04x", elements[i], elements[i-1])
		}
	}
}

func TestEncodeCommand_RequiredElements(t *testing.T) {
	tests := []struct {
		name    string
		msg     *types.Message
		present []uint16
		absent  []uint16
	}{
		{
			name:    "echo request has no priority",
			msg:     &types.Message{CommandField: types.CEchoRQ, MessageID: 1, AffectedSOPClassUID: types.VerificationSOPClass},
			present: []uint16{elemMessageID, elemCommandDataSetType},
			absent:  []uint16{elemPriority, elemStatus, elemMessageIDBeingResponded},
		},
		{
			name:    "find request carries priority",
			msg:     &types.Message{CommandField: types.CFindRQ, MessageID: 2, AffectedSOPClassUID: types.StudyRootQueryRetrieveInformationModelFind},
			present: []uint16{elemMessageID, elemPriority},
			absent:  []uint16{elemStatus},
		},
		{
			name:    "success response carries zero status",
			msg:     &types.Message{CommandField: types.CFindRSP, MessageIDBeingRespondedTo: 2, Status: types.StatusSuccess},
			present: []uint16{elemMessageIDBeingResponded, elemStatus},
			absent:  []uint16{elemMessageID, elemPriority},
		},
		{
			name:    "cancel references the original message",
			msg:     &types.Message{CommandField: types.CCancelRQ, MessageIDBeingRespondedTo: 3},
			present: []uint16{elemMessageIDBeingResponded},
			absent:  []uint16{elemMessageID, elemPriority, elemStatus},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeCommand(tt.msg)
			if err != nil {
				t.Fatalf("EncodeCommand failed: %v", err)
			}
			elements := commandElements(t, data)
			for _, e := range tt.present {
				if !contains(elements, e) {
					t.Errorf("Expected element 0x%04x to be present", e)
				}
			}
			for _, e := range tt.absent {
				if contains(elements, e) {
					t.Errorf("Expected element 0x%04x to be absent", e)
				}
			}
		})
	}
}

func TestEncodeDecodeCommand(t *testing.T) {
	remaining, completed, failed, warning := uint16(3), uint16(5), uint16(1), uint16(0)
	original := &types.Message{
		CommandField:                   types.CMoveRSP,
		MessageIDBeingRespondedTo:      12,
		AffectedSOPClassUID:            types.StudyRootQueryRetrieveInformationModelMove,
		CommandDataSetType:             types.NoDataSet,
		Status:                         types.StatusPending,
		NumberOfRemainingSuboperations: &remaining,
		NumberOfCompletedSuboperations: &completed,
		NumberOfFailedSuboperations:    &failed,
		NumberOfWarningSuboperations:   &warning,
	}

	data, err := EncodeCommand(original)
	if err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}
	decoded, err := DecodeCommand(data)
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}

	if decoded.CommandField != types.CMoveRSP {
		t.Errorf("CommandField = 0x%04x, want 0x%04x", decoded.CommandField, types.CMoveRSP)
	}
	if decoded.MessageIDBeingRespondedTo != 12 {
		t.Errorf("MessageIDBeingRespondedTo = %d, want 12", decoded.MessageIDBeingRespondedTo)
	}
	if decoded.AffectedSOPClassUID != original.AffectedSOPClassUID {
		t.Errorf("Expected SOP class %s, got %s", original.AffectedSOPClassUID, decoded.AffectedSOPClassUID)
	}
	if decoded.Status != types.StatusPending {
		t.Errorf("Status = 0x%04x, want 0xff00", decoded.Status)
	}
	if decoded.HasDataSet() {
		t.Error("Expected no dataset")
	}
	if decoded.NumberOfRemainingSuboperations == nil || *decoded.NumberOfRemainingSuboperations != 3 {
		t.Errorf("Remaining = %v, want 3", decoded.NumberOfRemainingSuboperations)
	}
	if decoded.NumberOfFailedSuboperations == nil || *decoded.NumberOfFailedSuboperations != 1 {
		t.Errorf("Failed = %v, want 1", decoded.NumberOfFailedSuboperations)
	}
	if decoded.NumberOfWarningSuboperations == nil || *decoded.NumberOfWarningSuboperations != 0 {
		t.Errorf("Warning = %v, want 0", decoded.NumberOfWarningSuboperations)
	}
}

func TestEncodeDecodeCommand_StoreRequest(t *testing.T) {
	original := &types.Message{
		CommandField:            types.CStoreRQ,
		MessageID:               4,
		AffectedSOPClassUID:     types.CTImageStorage,
		AffectedSOPInstanceUID:  "1.2.3.4.5",
		CommandDataSetType:      types.DataSetPresent,
		MoveOriginatorAETitle:   "ORIGIN",
		MoveOriginatorMessageID: 9,
	}
	data, err := EncodeCommand(original)
	if err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}
	decoded, err := DecodeCommand(data)
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}

	// Odd-length UIDs are NUL padded on the wire and trimmed on decode.
	if decoded.AffectedSOPInstanceUID != "1.2.3.4.5" {
		t.Errorf("Expected instance UID 1.2.3.4.5, got %q", decoded.AffectedSOPInstanceUID)
	}
	if !decoded.HasDataSet() {
		t.Error("Expected dataset to be present")
	}
	if decoded.MoveOriginatorAETitle != "ORIGIN" || decoded.MoveOriginatorMessageID != 9 {
		t.Errorf("Unexpected move originator %q/%d", decoded.MoveOriginatorAETitle, decoded.MoveOriginatorMessageID)
	}
}

func TestEncodeCommand_ErrorCommentTruncated(t *testing.T) {
	long := ""
	for len(long) < 100 {
		long += "x"
	}
	data, err := EncodeCommand(&types.Message{CommandField: types.CStoreRSP, Status: types.StatusProcessingFailure, ErrorComment: long})
	if err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}
	decoded, err := DecodeCommand(data)
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}
	if len(decoded.ErrorComment) != 64 {
		t.Errorf("ErrorComment length = %d, want 64", len(decoded.ErrorComment))
	}
}

func TestEncodeCommand_Nil(t *testing.T) {
	if _, err := EncodeCommand(nil); !errors.Is(err, dicomerrors.ErrInvalidMessage) {
		t.Errorf("Expected ErrInvalidMessage, got %v", err)
	}
}

func TestDecodeCommand_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"truncated header", []byte{0x00, 0x00, 0x00}},
		{"length beyond data", AppendImplicitElement(nil, 0x0000, elemCommandField, []byte{0x30, 0x00})[:9]},
		{"missing command field", AppendImplicitElement(nil, 0x0000, elemMessageID, []byte{0x01, 0x00})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeCommand(tt.data); !errors.Is(err, dicomerrors.ErrInvalidMessage) {
				t.Errorf("Expected ErrInvalidMessage, got %v", err)
			}
		})
	}
}
