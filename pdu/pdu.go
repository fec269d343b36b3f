package pdu

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	dicomerrors "github.com/caio-sobreiro/pacsman/errors"
	"github.com/caio-sobreiro/pacsman/types"
)

// maxPDUSize bounds the length field of incoming PDUs.
const maxPDUSize = 64 << 20

// PDV is one presentation data value item of a P-DATA-TF PDU.
type PDV struct {
	PresentationContextID byte
	MessageControlHeader  byte
	Data                  []byte
}

// IsCommand reports whether the fragment belongs to the command set.
func (v PDV) IsCommand() bool { return v.MessageControlHeader&0x01 != 0 }

// IsLast reports whether this is the last fragment of its command or dataset.
func (v PDV) IsLast() bool { return v.MessageControlHeader&0x02 != 0 }

// ReadPDU reads a complete PDU from r.
func ReadPDU(r io.Reader) (*types.PDU, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	pduType := header[0]
	pduLength := binary.BigEndian.Uint32(header[2:6])
	if pduLength > maxPDUSize {
		return nil, dicomerrors.NewPDUError(pduType, fmt.Sprintf("length %d exceeds limit", pduLength))
	}

	data := make([]byte, pduLength)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read PDU data: %w", err)
	}

	return &types.PDU{
		Type:   pduType,
		Length: pduLength,
		Data:   data,
	}, nil
}

// WritePDU writes a PDU header and body in a single write.
func WritePDU(w io.Writer, pduType byte, data []byte) error {
	buf := make([]byte, 6, 6+len(data))
	buf[0] = pduType
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(data)))
	buf = append(buf, data...)
	_, err := w.Write(buf)
	return err
}

// ParsePDVs splits a P-DATA-TF body into its PDV items.
func ParsePDVs(data []byte) ([]PDV, error) {
	var pdvs []PDV
	offset := 0
	for offset < len(data) {
		if offset+6 > len(data) {
			return nil, dicomerrors.NewPDUError(types.TypePDataTF, "malformed PDV item")
		}
		length := binary.BigEndian.Uint32(data[offset : offset+4])
		end := offset + 4 + int(length)
		if length < 2 || end > len(data) {
			return nil, dicomerrors.NewPDUError(types.TypePDataTF, "PDV length exceeds PDU payload")
		}
		pdvs = append(pdvs, PDV{
			PresentationContextID: data[offset+4],
			MessageControlHeader:  data[offset+5],
			Data:                  data[offset+6 : end],
		})
		offset = end
	}
	return pdvs, nil
}

// WritePDataTF fragments data into P-DATA-TF PDUs that respect the peer's
// maximum PDU length. A zero maxPDULength means the peer set no limit.
func WritePDataTF(w io.Writer, presContextID byte, maxPDULength uint32, data []byte, isCommand bool) error {
	if maxPDULength == 0 || maxPDULength > maxPDUSize {
		maxPDULength = maxPDUSize
	}
	maxFragment := int(maxPDULength) - 6
	if maxFragment < 1 {
		return fmt.Errorf("max PDU length %d too small", maxPDULength)
	}

	offset := 0
	for {
		chunk := len(data) - offset
		last := true
		if chunk > maxFragment {
			chunk = maxFragment
			last = false
		}

		control := byte(0)
		if isCommand {
			control |= 0x01
		}
		if last {
			control |= 0x02
		}

		body := make([]byte, 6, 6+chunk)
		binary.BigEndian.PutUint32(body[0:4], uint32(chunk+2))
		body[4] = presContextID
		body[5] = control
		body = append(body, data[offset:offset+chunk]...)

		if err := WritePDU(w, types.TypePDataTF, body); err != nil {
			return fmt.Errorf("failed to write PDU: %w", err)
		}

		offset += chunk
		if last {
			return nil
		}
	}
}

// WriteReleaseRQ asks the peer to release the association.
func WriteReleaseRQ(w io.Writer) error {
	return WritePDU(w, types.TypeReleaseRQ, make([]byte, 4))
}

// WriteReleaseRP answers an A-RELEASE-RQ.
func WriteReleaseRP(w io.Writer) error {
	return WritePDU(w, types.TypeReleaseRP, make([]byte, 4))
}

// WriteAbort sends an A-ABORT with the given source and reason.
func WriteAbort(w io.Writer, source, reason byte) error {
	return WritePDU(w, types.TypeAbort, []byte{0x00, 0x00, source, reason})
}

// ParseAbort extracts the source and reason of an A-ABORT body.
func ParseAbort(data []byte) *dicomerrors.AbortError {
	var source, reason byte
	if len(data) >= 4 {
		source = data[2]
		reason = data[3]
	}
	return dicomerrors.NewAbortError(source, reason)
}

// ParseAssociateReject decodes an A-ASSOCIATE-RJ body.
func ParseAssociateReject(data []byte) *dicomerrors.AssociationError {
	if len(data) < 4 {
		return dicomerrors.NewAssociationError(dicomerrors.RejectResultPermanent,
			dicomerrors.RejectSourceUnknown, dicomerrors.RejectReasonUnknown, "malformed A-ASSOCIATE-RJ")
	}
	return dicomerrors.NewAssociationError(
		dicomerrors.AssociationRejectResult(data[1]),
		dicomerrors.AssociationRejectSource(data[2]),
		dicomerrors.AssociationRejectReason(data[3]),
		"peer rejected association")
}

// WriteAssociateReject sends an A-ASSOCIATE-RJ.
func WriteAssociateReject(w io.Writer, result dicomerrors.AssociationRejectResult, source dicomerrors.AssociationRejectSource, reason dicomerrors.AssociationRejectReason) error {
	return WritePDU(w, types.TypeAssociateRJ, []byte{0x00, byte(result), byte(source), byte(reason)})
}

// AppendItem appends an association item (type, reserved, 16-bit length, value).
func AppendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
	return append(buf, value...)
}

// Item is a decoded association item or sub-item.
type Item struct {
	Type  byte
	Value []byte
}

// ParseItems splits a run of association items.
func ParseItems(data []byte) ([]Item, error) {
	var items []Item
	offset := 0
	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, fmt.Errorf("association item header truncated")
		}
		length := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		end := offset + 4 + int(length)
		if end > len(data) {
			return nil, fmt.Errorf("association item exceeds PDU length")
		}
		items = append(items, Item{Type: data[offset], Value: data[offset+4 : end]})
		offset = end
	}
	return items, nil
}

// EncodeAETitle pads an AE title to the 16 byte fixed field.
func EncodeAETitle(ae string) []byte {
	if len(ae) > 16 {
		ae = ae[:16]
	}
	return []byte(fmt.Sprintf("%-16s", ae))
}

// DecodeAETitle strips padding from a fixed AE title field.
func DecodeAETitle(raw []byte) string {
	value := string(raw)
	if idx := strings.IndexByte(value, 0); idx != -1 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}

func normalizeUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

// EncodeRoleSelection builds an SCP/SCU role selection sub-item value.
func EncodeRoleSelection(role types.RoleSelection) []byte {
	value := binary.BigEndian.AppendUint16(nil, uint16(len(role.SOPClassUID)))
	value = append(value, role.SOPClassUID...)
	value = append(value, boolByte(role.SCURole), boolByte(role.SCPRole))
	return value
}

// DecodeRoleSelection parses an SCP/SCU role selection sub-item value.
func DecodeRoleSelection(value []byte) (types.RoleSelection, error) {
	if len(value) < 2 {
		return types.RoleSelection{}, fmt.Errorf("role selection too short")
	}
	n := int(binary.BigEndian.Uint16(value[0:2]))
	if len(value) < 2+n+2 {
		return types.RoleSelection{}, fmt.Errorf("role selection truncated")
	}
	return types.RoleSelection{
		SOPClassUID: normalizeUID(value[2 : 2+n]),
		SCURole:     value[2+n] == 1,
		SCPRole:     value[3+n] == 1,
	}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
