package dicom

import (
	"bytes"
	"fmt"
	"io"

	"github.com/caio-sobreiro/pacsman/types"
)

const (
	preambleLength = 128
	part10Magic    = "DICM"
)

// HasPart10Header checks if the data starts with a DICOM Part 10 header.
//
// Returns true if the data contains the 128-byte preamble followed by "DICM".
func HasPart10Header(data []byte) bool {
	if len(data) < preambleLength+4 {
		return false
	}
	return string(data[preambleLength:preambleLength+4]) == part10Magic
}

// SplitPart10 separates a Part 10 file into its File Meta Information and the
// encoded dataset that follows it. Meta elements are always Explicit VR
// Little Endian.
func SplitPart10(data []byte) (*Dataset, []byte, error) {
	if len(data) < preambleLength+4 {
		return nil, nil, fmt.Errorf("data too short to be DICOM Part 10 (need at least 132 bytes, got %d)", len(data))
	}
	if !HasPart10Header(data) {
		return nil, nil, fmt.Errorf("not a valid DICOM Part 10 file (missing DICM prefix at offset 128)")
	}

	r := &reader{data: data, off: preambleLength + 4}
	meta := NewDataset()
	for r.off+4 <= len(data) {
		group := uint16(data[r.off]) | uint16(data[r.off+1])<<8
		if group != 0x0002 {
			break
		}
		tag, err := r.readTag()
		if err != nil {
			return nil, nil, err
		}
		element, err := r.readElement(tag)
		if err != nil {
			return nil, nil, fmt.Errorf("file meta %s: %w", tag, err)
		}
		meta.Elements[tag] = element
	}
	meta.TransferSyntaxUID = types.ExplicitVRLittleEndian
	return meta, data[r.off:], nil
}

// StripPart10Header removes the preamble and File Meta Information, leaving
// the dataset bytes that a C-STORE carries.
func StripPart10Header(data []byte) ([]byte, error) {
	_, body, err := SplitPart10(data)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("failed to find dataset after File Meta Information")
	}
	return body, nil
}

// ReadPart10 decodes a Part 10 file. The returned dataset carries the
// transfer syntax named in the file meta.
func ReadPart10(data []byte) (*Dataset, error) {
	meta, body, err := SplitPart10(data)
	if err != nil {
		return nil, err
	}
	ts := meta.GetString(TagTransferSyntaxUID)
	if ts == "" {
		ts = types.ExplicitVRLittleEndian
	}
	return ParseDatasetWithTransferSyntax(body, ts)
}

// WritePart10 writes ds as a Part 10 file, building the File Meta
// Information from the dataset's SOP class, SOP instance and transfer syntax.
func WritePart10(w io.Writer, ds *Dataset) error {
	ts := ds.TransferSyntaxUID
	if ts == "" {
		ts = types.ExplicitVRLittleEndian
	}
	body, err := EncodeDatasetWithTransferSyntax(ds, ts)
	if err != nil {
		return err
	}
	return WriteEncodedPart10(w, ds.GetString(TagSOPClassUID), ds.GetString(TagSOPInstanceUID), ts, body)
}

// WriteEncodedPart10 wraps an already encoded dataset, such as the payload of
// a C-STORE, into a Part 10 file.
func WriteEncodedPart10(w io.Writer, sopClassUID, sopInstanceUID, transferSyntaxUID string, body []byte) error {
	meta := NewDataset()
	meta.AddElement(TagFileMetaInformationVersion, VR_OB, []byte{0x00, 0x01})
	meta.AddElement(TagMediaStorageSOPClassUID, VR_UI, sopClassUID)
	meta.AddElement(TagMediaStorageSOPInstanceUID, VR_UI, sopInstanceUID)
	meta.AddElement(TagTransferSyntaxUID, VR_UI, transferSyntaxUID)
	meta.AddElement(TagImplementationClassUID, VR_UI, types.ImplementationClassUID)
	meta.AddElement(TagImplementationVersionName, VR_SH, types.ImplementationVersionName)

	mw := &writer{}
	if err := mw.writeDataset(meta); err != nil {
		return err
	}

	header := &writer{}
	header.buf.Write(make([]byte, preambleLength))
	header.buf.WriteString(part10Magic)
	if err := header.writeElement(&Element{
		Tag:   TagFileMetaInformationGroupLength,
		VR:    VR_UL,
		Value: []uint32{uint32(mw.buf.Len())},
	}); err != nil {
		return err
	}

	for _, chunk := range [][]byte{header.buf.Bytes(), mw.buf.Bytes(), body} {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}

// EncodePart10 returns ds as Part 10 file bytes.
func EncodePart10(ds *Dataset) ([]byte, error) {
	var buf bytes.Buffer
	if err := WritePart10(&buf, ds); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
