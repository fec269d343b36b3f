package dicom

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// VR (Value Representation) constants
const (
	VR_AE = "AE" // Application Entity
	VR_AS = "AS" // Age String
	VR_AT = "AT" // Attribute Tag
	VR_CS = "CS" // Code String
	VR_DA = "DA" // Date
	VR_DS = "DS" // Decimal String
	VR_DT = "DT" // Date Time
	VR_FL = "FL" // Floating Point Single
	VR_FD = "FD" // Floating Point Double
	VR_IS = "IS" // Integer String
	VR_LO = "LO" // Long String
	VR_LT = "LT" // Long Text
	VR_OB = "OB" // Other Byte
	VR_OD = "OD" // Other Double
	VR_OF = "OF" // Other Float
	VR_OL = "OL" // Other Long
	VR_OV = "OV" // Other Very Long
	VR_OW = "OW" // Other Word
	VR_PN = "PN" // Person Name
	VR_SH = "SH" // Short String
	VR_SL = "SL" // Signed Long
	VR_SQ = "SQ" // Sequence of Items
	VR_SS = "SS" // Signed Short
	VR_ST = "ST" // Short Text
	VR_SV = "SV" // Signed Very Long
	VR_TM = "TM" // Time
	VR_UC = "UC" // Unlimited Characters
	VR_UI = "UI" // Unique Identifier
	VR_UL = "UL" // Unsigned Long
	VR_UN = "UN" // Unknown
	VR_UR = "UR" // Universal Resource
	VR_US = "US" // Unsigned Short
	VR_UT = "UT" // Unlimited Text
	VR_UV = "UV" // Unsigned Very Long
)

// IsStringVR reports whether values of vr are character strings.
func IsStringVR(vr string) bool {
	switch vr {
	case VR_AE, VR_AS, VR_CS, VR_DA, VR_DS, VR_DT, VR_IS, VR_LO, VR_LT,
		VR_PN, VR_SH, VR_ST, VR_TM, VR_UC, VR_UI, VR_UR, VR_UT:
		return true
	}
	return false
}

// Tag represents a DICOM tag (group, element)
type Tag struct {
	Group   uint16
	Element uint16
}

// String returns the tag as a string in (GGGG,EEEE) format
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// IsPrivate reports whether the tag belongs to an odd (private) group.
func (t Tag) IsPrivate() bool {
	return t.Group%2 == 1
}

func (t Tag) compare(o Tag) int {
	if t.Group != o.Group {
		return int(t.Group) - int(o.Group)
	}
	return int(t.Element) - int(o.Element)
}

// Element represents a DICOM data element. Value holds the decoded form for
// the element's VR: string for character VRs (multiple values joined by a
// backslash), typed slices for binary numbers, []byte for OB/OW/UN,
// []*Dataset for SQ and *Fragments for encapsulated pixel data.
type Element struct {
	Tag   Tag
	VR    string
	Value interface{}
}

// Fragments holds encapsulated (compressed) pixel data as stored on the wire.
type Fragments struct {
	OffsetTable []byte
	Items       [][]byte
}

// Dataset represents a collection of DICOM elements keyed by tag. Tags
// returns them in ascending order, the order they are encoded in.
type Dataset struct {
	Elements map[Tag]*Element

	// TransferSyntaxUID is the encoding the dataset was decoded from, or the
	// encoding it should be written with.
	TransferSyntaxUID string
}

// NewDataset creates a new empty dataset
func NewDataset() *Dataset {
	return &Dataset{
		Elements: make(map[Tag]*Element),
	}
}

// AddElement adds an element to the dataset, replacing any element with the
// same tag. Scalars are stored as one-element slices so readers see a single
// representation per VR.
func (d *Dataset) AddElement(tag Tag, vr string, value interface{}) {
	d.Elements[tag] = &Element{
		Tag:   tag,
		VR:    vr,
		Value: normalizeValue(vr, value),
	}
}

func normalizeValue(vr string, value interface{}) interface{} {
	switch v := value.(type) {
	case []string:
		return strings.Join(v, "\\")
	case uint16:
		return []uint16{v}
	case uint32:
		return []uint32{v}
	case int16:
		return []int16{v}
	case int32:
		return []int32{v}
	case float32:
		return []float32{v}
	case float64:
		if IsStringVR(vr) {
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
		return []float64{v}
	case int:
		switch vr {
		case VR_US:
			return []uint16{uint16(v)}
		case VR_UL:
			return []uint32{uint32(v)}
		case VR_SS:
			return []int16{int16(v)}
		case VR_SL:
			return []int32{int32(v)}
		}
		return strconv.Itoa(v)
	}
	return value
}

// GetElement returns an element by tag
func (d *Dataset) GetElement(tag Tag) (*Element, bool) {
	element, exists := d.Elements[tag]
	return element, exists
}

// Has reports whether the tag is present, even with an empty value.
func (d *Dataset) Has(tag Tag) bool {
	_, ok := d.Elements[tag]
	return ok
}

// Remove deletes the element with the given tag.
func (d *Dataset) Remove(tag Tag) {
	delete(d.Elements, tag)
}

// Len returns the number of top-level elements.
func (d *Dataset) Len() int {
	return len(d.Elements)
}

// Tags returns the dataset's tags in ascending order.
func (d *Dataset) Tags() []Tag {
	tags := make([]Tag, 0, len(d.Elements))
	for tag := range d.Elements {
		tags = append(tags, tag)
	}
	slices.SortFunc(tags, Tag.compare)
	return tags
}

// GetString returns a string value for a tag. Numeric values are formatted;
// missing or binary values yield "".
func (d *Dataset) GetString(tag Tag) string {
	element, exists := d.Elements[tag]
	if !exists {
		return ""
	}
	switch v := element.Value.(type) {
	case string:
		return strings.Trim(v, " \x00")
	case []uint16:
		if len(v) > 0 {
			return strconv.Itoa(int(v[0]))
		}
	case []uint32:
		if len(v) > 0 {
			return strconv.FormatUint(uint64(v[0]), 10)
		}
	case []int16:
		if len(v) > 0 {
			return strconv.Itoa(int(v[0]))
		}
	case []int32:
		if len(v) > 0 {
			return strconv.Itoa(int(v[0]))
		}
	}
	return ""
}

// GetStrings returns a slice of string values for a tag
func (d *Dataset) GetStrings(tag Tag) []string {
	element, exists := d.Elements[tag]
	if !exists {
		return nil
	}
	v, ok := element.Value.(string)
	if !ok {
		if s := d.GetString(tag); s != "" {
			return []string{s}
		}
		return nil
	}
	if strings.Trim(v, " \x00") == "" {
		return nil
	}
	parts := strings.Split(v, "\\")
	result := make([]string, len(parts))
	for i, part := range parts {
		result[i] = strings.Trim(part, " \x00")
	}
	return result
}

// GetInt returns the first value of a binary or IS element as an int.
func (d *Dataset) GetInt(tag Tag) (int, bool) {
	element, exists := d.Elements[tag]
	if !exists {
		return 0, false
	}
	switch v := element.Value.(type) {
	case []uint16:
		if len(v) > 0 {
			return int(v[0]), true
		}
	case []uint32:
		if len(v) > 0 {
			return int(v[0]), true
		}
	case []int16:
		if len(v) > 0 {
			return int(v[0]), true
		}
	case []int32:
		if len(v) > 0 {
			return int(v[0]), true
		}
	case string:
		first, _, _ := strings.Cut(v, "\\")
		n, err := strconv.Atoi(strings.Trim(first, " \x00"))
		if err == nil {
			return n, true
		}
		f, err := strconv.ParseFloat(strings.Trim(first, " \x00"), 64)
		if err == nil {
			return int(f), true
		}
	}
	return 0, false
}

// GetFloat returns the first value of a DS, IS, FL, FD or integer element.
func (d *Dataset) GetFloat(tag Tag) (float64, bool) {
	element, exists := d.Elements[tag]
	if !exists {
		return 0, false
	}
	switch v := element.Value.(type) {
	case []float32:
		if len(v) > 0 {
			return float64(v[0]), true
		}
	case []float64:
		if len(v) > 0 {
			return v[0], true
		}
	case string:
		first, _, _ := strings.Cut(v, "\\")
		f, err := strconv.ParseFloat(strings.Trim(first, " \x00"), 64)
		if err == nil {
			return f, true
		}
		return 0, false
	}
	n, ok := d.GetInt(tag)
	return float64(n), ok
}

// GetBytes returns the raw bytes of an OB/OW/UN element.
func (d *Dataset) GetBytes(tag Tag) []byte {
	if element, exists := d.Elements[tag]; exists {
		if b, ok := element.Value.([]byte); ok {
			return b
		}
	}
	return nil
}

// GetSequence returns the items of an SQ element.
func (d *Dataset) GetSequence(tag Tag) []*Dataset {
	if element, exists := d.Elements[tag]; exists {
		if items, ok := element.Value.([]*Dataset); ok {
			return items
		}
	}
	return nil
}

// Copy returns a shallow copy: element structs are duplicated, values are shared.
func (d *Dataset) Copy() *Dataset {
	out := &Dataset{
		Elements:          make(map[Tag]*Element, len(d.Elements)),
		TransferSyntaxUID: d.TransferSyntaxUID,
	}
	for tag, element := range d.Elements {
		e := *element
		out.Elements[tag] = &e
	}
	return out
}
