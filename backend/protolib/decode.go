package protolib

import (
	"bytes"
	"fmt"

	sdicom "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/caio-sobreiro/pacsman/client"
	"github.com/caio-sobreiro/pacsman/dicom"
)

// decode turns a received C-STORE payload into a dataset. Attributes are read
// with the suyashkumar/dicom parser; pixel data is taken from the toolkit
// codec, which keeps encapsulated fragments intact.
func decode(ind *client.CStoreIndication) (*dicom.Dataset, error) {
	var file bytes.Buffer
	if err := dicom.WriteEncodedPart10(&file, ind.SOPClassUID, ind.SOPInstanceUID, ind.TransferSyntaxUID, ind.Data); err != nil {
		return nil, err
	}
	parsed, err := sdicom.Parse(bytes.NewReader(file.Bytes()), int64(file.Len()), nil, sdicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", ind.SOPInstanceUID, err)
	}

	ds := convert(parsed.Elements)
	ds.TransferSyntaxUID = ind.TransferSyntaxUID

	native, err := ind.Dataset()
	if err != nil {
		return nil, fmt.Errorf("decode pixel data of %s: %w", ind.SOPInstanceUID, err)
	}
	if px, ok := native.GetElement(dicom.TagPixelData); ok {
		ds.Elements[dicom.TagPixelData] = px
	}
	return ds, nil
}

func convert(elements []*sdicom.Element) *dicom.Dataset {
	ds := dicom.NewDataset()
	for _, e := range elements {
		if e.Tag.Group == 0x0002 || e.Tag == tag.PixelData || e.Value == nil {
			continue
		}
		t := dicom.Tag{Group: e.Tag.Group, Element: e.Tag.Element}
		vr := e.RawValueRepresentation
		if vr == "" || vr == dicom.VR_UN {
			vr = dicom.LookupVR(t)
		}
		if value, ok := convertValue(vr, e.Value.GetValue()); ok {
			ds.AddElement(t, vr, value)
		}
	}
	return ds
}

func convertValue(vr string, value any) (any, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []byte:
		return v, true
	case []int:
		return convertInts(vr, v)
	case []float64:
		if vr == dicom.VR_FL {
			out := make([]float32, len(v))
			for i, f := range v {
				out[i] = float32(f)
			}
			return out, true
		}
		return v, true
	case []*sdicom.SequenceItemValue:
		items := make([]*dicom.Dataset, 0, len(v))
		for _, item := range v {
			elements, _ := item.GetValue().([]*sdicom.Element)
			items = append(items, convert(elements))
		}
		return items, true
	}
	return nil, false
}

func convertInts(vr string, v []int) (any, bool) {
	switch vr {
	case dicom.VR_US:
		out := make([]uint16, len(v))
		for i, n := range v {
			out[i] = uint16(n)
		}
		return out, true
	case dicom.VR_UL:
		out := make([]uint32, len(v))
		for i, n := range v {
			out[i] = uint32(n)
		}
		return out, true
	case dicom.VR_SS:
		out := make([]int16, len(v))
		for i, n := range v {
			out[i] = int16(n)
		}
		return out, true
	case dicom.VR_SL:
		out := make([]int32, len(v))
		for i, n := range v {
			out[i] = int32(n)
		}
		return out, true
	}
	return nil, false
}
