package dicom

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/caio-sobreiro/pacsman/types"
)

const undefinedLength = 0xFFFFFFFF

var (
	// ErrTruncated is returned when an element or item runs past the end of the input.
	ErrTruncated = errors.New("dicom: truncated dataset")
	// ErrUnsupportedTransferSyntax is returned for encodings this package cannot read or write.
	ErrUnsupportedTransferSyntax = errors.New("dicom: unsupported transfer syntax")
)

// ParseDataset parses a dataset encoded in Explicit VR Little Endian.
func ParseDataset(data []byte) (*Dataset, error) {
	return ParseDatasetWithTransferSyntax(data, types.ExplicitVRLittleEndian)
}

// ParseDatasetWithTransferSyntax parses a dataset using the given transfer
// syntax. Encapsulated syntaxes share the explicit little endian element
// encoding; their pixel data is kept as Fragments.
func ParseDatasetWithTransferSyntax(data []byte, transferSyntaxUID string) (*Dataset, error) {
	if transferSyntaxUID == "" {
		transferSyntaxUID = types.ExplicitVRLittleEndian
	}
	info, _ := types.LookupTransferSyntax(transferSyntaxUID)
	if info.BigEndian || info.Deflated {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTransferSyntax, transferSyntaxUID)
	}

	r := &reader{data: data, implicit: info.ImplicitVR}
	ds, err := r.readDataset(len(data), false)
	if err != nil {
		return nil, err
	}
	ds.TransferSyntaxUID = transferSyntaxUID
	return ds, nil
}

type reader struct {
	data     []byte
	off      int
	implicit bool
}

func (r *reader) need(n int) error {
	if n < 0 || r.off+n > len(r.data) {
		return fmt.Errorf("%w: need %d bytes at offset %d", ErrTruncated, n, r.off)
	}
	return nil
}

func (r *reader) uint16() uint16 {
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

func (r *reader) uint32() uint32 {
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

func (r *reader) readTag() (Tag, error) {
	if err := r.need(4); err != nil {
		return Tag{}, err
	}
	group := r.uint16()
	element := r.uint16()
	return Tag{Group: group, Element: element}, nil
}

// readItemHeader reads a delimiter or item tag with its 32-bit length.
func (r *reader) readItemHeader() (Tag, uint32, error) {
	tag, err := r.readTag()
	if err != nil {
		return Tag{}, 0, err
	}
	if err := r.need(4); err != nil {
		return Tag{}, 0, err
	}
	return tag, r.uint32(), nil
}

// readDataset reads elements up to end. With untilDelimiter it stops at an
// item delimitation item instead and fails if none is found.
func (r *reader) readDataset(end int, untilDelimiter bool) (*Dataset, error) {
	ds := NewDataset()
	for r.off < end {
		tag, err := r.readTag()
		if err != nil {
			return nil, err
		}
		if tag == tagItemDelimitation {
			if err := r.need(4); err != nil {
				return nil, err
			}
			r.off += 4
			if untilDelimiter {
				return ds, nil
			}
			continue
		}
		element, err := r.readElement(tag)
		if err != nil {
			return nil, fmt.Errorf("element %s: %w", tag, err)
		}
		ds.Elements[tag] = element
	}
	if untilDelimiter {
		return nil, fmt.Errorf("%w: missing item delimiter", ErrTruncated)
	}
	return ds, nil
}

func (r *reader) readElement(tag Tag) (*Element, error) {
	var vr string
	var length uint32

	if r.implicit || tag.Group == 0xFFFE {
		if err := r.need(4); err != nil {
			return nil, err
		}
		vr = LookupVR(tag)
		length = r.uint32()
	} else {
		if err := r.need(2); err != nil {
			return nil, err
		}
		vr = string(r.data[r.off : r.off+2])
		r.off += 2
		if hasLongLength(vr) {
			if err := r.need(6); err != nil {
				return nil, err
			}
			r.off += 2
			length = r.uint32()
		} else {
			if err := r.need(2); err != nil {
				return nil, err
			}
			length = uint32(r.uint16())
		}
	}

	if length == undefinedLength {
		switch {
		case tag == TagPixelData:
			fragments, err := r.readFragments()
			if err != nil {
				return nil, err
			}
			return &Element{Tag: tag, VR: VR_OB, Value: fragments}, nil
		case vr == VR_SQ:
			items, err := r.readSequence(0, true)
			if err != nil {
				return nil, err
			}
			return &Element{Tag: tag, VR: VR_SQ, Value: items}, nil
		case vr == VR_UN:
			// An undefined-length UN is a sequence encoded implicit little endian.
			implicit := r.implicit
			r.implicit = true
			items, err := r.readSequence(0, true)
			r.implicit = implicit
			if err != nil {
				return nil, err
			}
			return &Element{Tag: tag, VR: VR_SQ, Value: items}, nil
		default:
			return nil, fmt.Errorf("undefined length not allowed for VR %s", vr)
		}
	}

	if err := r.need(int(length)); err != nil {
		return nil, err
	}

	if vr == VR_SQ {
		end := r.off + int(length)
		items, err := r.readSequence(end, false)
		if err != nil {
			return nil, err
		}
		r.off = end
		return &Element{Tag: tag, VR: VR_SQ, Value: items}, nil
	}

	raw := r.data[r.off : r.off+int(length)]
	r.off += int(length)
	return &Element{Tag: tag, VR: vr, Value: decodeValue(vr, raw)}, nil
}

func (r *reader) readSequence(end int, undefined bool) ([]*Dataset, error) {
	var items []*Dataset
	for undefined || r.off < end {
		tag, length, err := r.readItemHeader()
		if err != nil {
			return nil, err
		}
		switch tag {
		case tagSequenceDelimitation:
			return items, nil
		case tagItem:
			var item *Dataset
			if length == undefinedLength {
				item, err = r.readDataset(len(r.data), true)
			} else {
				if err := r.need(int(length)); err != nil {
					return nil, err
				}
				itemEnd := r.off + int(length)
				item, err = r.readDataset(itemEnd, false)
				r.off = itemEnd
			}
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		default:
			return nil, fmt.Errorf("unexpected tag %s in sequence", tag)
		}
	}
	return items, nil
}

func (r *reader) readFragments() (*Fragments, error) {
	fragments := &Fragments{}
	first := true
	for {
		tag, length, err := r.readItemHeader()
		if err != nil {
			return nil, err
		}
		if tag == tagSequenceDelimitation {
			return fragments, nil
		}
		if tag != tagItem || length == undefinedLength {
			return nil, fmt.Errorf("unexpected tag %s in encapsulated pixel data", tag)
		}
		if err := r.need(int(length)); err != nil {
			return nil, err
		}
		b := bytes.Clone(r.data[r.off : r.off+int(length)])
		r.off += int(length)
		if first {
			fragments.OffsetTable = b
			first = false
			continue
		}
		fragments.Items = append(fragments.Items, b)
	}
}

func hasLongLength(vr string) bool {
	switch vr {
	case VR_OB, VR_OD, VR_OF, VR_OL, VR_OV, VR_OW, VR_SQ, VR_SV, VR_UC, VR_UN, VR_UR, VR_UT, VR_UV:
		return true
	}
	return false
}

func decodeValue(vr string, raw []byte) interface{} {
	switch vr {
	case VR_US:
		out := make([]uint16, len(raw)/2)
		for i := range out {
			out[i] = binary.LittleEndian.Uint16(raw[i*2:])
		}
		return out
	case VR_SS:
		out := make([]int16, len(raw)/2)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out
	case VR_UL:
		out := make([]uint32, len(raw)/4)
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(raw[i*4:])
		}
		return out
	case VR_SL:
		out := make([]int32, len(raw)/4)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out
	case VR_FL:
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out
	case VR_FD:
		out := make([]float64, len(raw)/8)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
		return out
	case VR_AT:
		out := make([]Tag, len(raw)/4)
		for i := range out {
			out[i] = Tag{
				Group:   binary.LittleEndian.Uint16(raw[i*4:]),
				Element: binary.LittleEndian.Uint16(raw[i*4+2:]),
			}
		}
		return out
	}
	if IsStringVR(vr) {
		return strings.TrimRight(string(raw), " \x00")
	}
	return bytes.Clone(raw)
}

// EncodeDataset encodes the dataset in Explicit VR Little Endian.
func (d *Dataset) EncodeDataset() []byte {
	data, err := EncodeDatasetWithTransferSyntax(d, types.ExplicitVRLittleEndian)
	if err != nil {
		return nil
	}
	return data
}

// EncodeDatasetWithTransferSyntax encodes ds for transmission or storage.
// File meta (group 0002) elements are never part of the encoded body.
func EncodeDatasetWithTransferSyntax(ds *Dataset, transferSyntaxUID string) ([]byte, error) {
	if transferSyntaxUID == "" {
		transferSyntaxUID = types.ExplicitVRLittleEndian
	}
	info, _ := types.LookupTransferSyntax(transferSyntaxUID)
	if info.BigEndian || info.Deflated {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTransferSyntax, transferSyntaxUID)
	}
	w := &writer{implicit: info.ImplicitVR, skipMeta: true}
	if err := w.writeDataset(ds); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

type writer struct {
	buf      bytes.Buffer
	implicit bool
	skipMeta bool
}

func (w *writer) writeDataset(ds *Dataset) error {
	for _, tag := range ds.Tags() {
		if w.skipMeta && tag.Group == 0x0002 {
			continue
		}
		if err := w.writeElement(ds.Elements[tag]); err != nil {
			return fmt.Errorf("element %s: %w", tag, err)
		}
	}
	return nil
}

func (w *writer) writeUint16(v uint16) {
	w.buf.Write(binary.LittleEndian.AppendUint16(nil, v))
}

func (w *writer) writeUint32(v uint32) {
	w.buf.Write(binary.LittleEndian.AppendUint32(nil, v))
}

func (w *writer) writeTag(tag Tag) {
	w.writeUint16(tag.Group)
	w.writeUint16(tag.Element)
}

func (w *writer) writeHeader(tag Tag, vr string, length uint32) error {
	w.writeTag(tag)
	if w.implicit {
		w.writeUint32(length)
		return nil
	}
	w.buf.WriteString(vr)
	if hasLongLength(vr) {
		w.writeUint16(0)
		w.writeUint32(length)
		return nil
	}
	if length > math.MaxUint16 {
		return fmt.Errorf("value of %d bytes too long for VR %s", length, vr)
	}
	w.writeUint16(uint16(length))
	return nil
}

func (w *writer) writeElement(e *Element) error {
	vr := e.VR
	if vr == "" {
		vr = LookupVR(e.Tag)
	}

	switch v := e.Value.(type) {
	case []*Dataset:
		if err := w.writeHeader(e.Tag, VR_SQ, undefinedLength); err != nil {
			return err
		}
		for _, item := range v {
			w.writeTag(tagItem)
			w.writeUint32(undefinedLength)
			if err := w.writeDataset(item); err != nil {
				return err
			}
			w.writeTag(tagItemDelimitation)
			w.writeUint32(0)
		}
		w.writeTag(tagSequenceDelimitation)
		w.writeUint32(0)
		return nil
	case *Fragments:
		if err := w.writeHeader(e.Tag, VR_OB, undefinedLength); err != nil {
			return err
		}
		w.writeTag(tagItem)
		w.writeUint32(uint32(len(v.OffsetTable)))
		w.buf.Write(v.OffsetTable)
		for _, item := range v.Items {
			padded := item
			if len(padded)%2 != 0 {
				padded = append(bytes.Clone(item), 0x00)
			}
			w.writeTag(tagItem)
			w.writeUint32(uint32(len(padded)))
			w.buf.Write(padded)
		}
		w.writeTag(tagSequenceDelimitation)
		w.writeUint32(0)
		return nil
	}

	raw, err := encodeValue(vr, e.Value)
	if err != nil {
		return err
	}
	if len(raw)%2 != 0 {
		pad := byte(0x00)
		if IsStringVR(vr) && vr != VR_UI {
			pad = ' '
		}
		raw = append(raw, pad)
	}
	if err := w.writeHeader(e.Tag, vr, uint32(len(raw))); err != nil {
		return err
	}
	w.buf.Write(raw)
	return nil
}

func encodeValue(vr string, value interface{}) ([]byte, error) {
	switch v := normalizeValue(vr, value).(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case []uint16:
		out := make([]byte, 0, len(v)*2)
		for _, n := range v {
			out = binary.LittleEndian.AppendUint16(out, n)
		}
		return out, nil
	case []int16:
		out := make([]byte, 0, len(v)*2)
		for _, n := range v {
			out = binary.LittleEndian.AppendUint16(out, uint16(n))
		}
		return out, nil
	case []uint32:
		out := make([]byte, 0, len(v)*4)
		for _, n := range v {
			out = binary.LittleEndian.AppendUint32(out, n)
		}
		return out, nil
	case []int32:
		out := make([]byte, 0, len(v)*4)
		for _, n := range v {
			out = binary.LittleEndian.AppendUint32(out, uint32(n))
		}
		return out, nil
	case []float32:
		out := make([]byte, 0, len(v)*4)
		for _, n := range v {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(n))
		}
		return out, nil
	case []float64:
		out := make([]byte, 0, len(v)*8)
		for _, n := range v {
			out = binary.LittleEndian.AppendUint64(out, math.Float64bits(n))
		}
		return out, nil
	case []Tag:
		out := make([]byte, 0, len(v)*4)
		for _, t := range v {
			out = binary.LittleEndian.AppendUint16(out, t.Group)
			out = binary.LittleEndian.AppendUint16(out, t.Element)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T for VR %s", value, vr)
	}
}
