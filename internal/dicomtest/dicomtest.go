// Package dicomtest builds small synthetic instances for tests.
package dicomtest

import (
	"encoding/binary"
	"strconv"

	"github.com/caio-sobreiro/pacsman/dicom"
	"github.com/caio-sobreiro/pacsman/types"
)

// Instance describes a synthetic CT instance. Zero fields get defaults.
type Instance struct {
	PatientID      string
	PatientName    string
	StudyUID       string
	StudyDate      string
	SeriesUID      string
	SOPInstanceUID string
	Modality       string
	InstanceNumber int
	Rows, Columns  int
}

// Dataset returns a native, explicit VR little endian dataset with a
// 16-bit MONOCHROME2 gradient.
func (in Instance) Dataset() *dicom.Dataset {
	if in.PatientID == "" {
		in.PatientID = "TEST001"
	}
	if in.PatientName == "" {
		in.PatientName = "DOE^JANE"
	}
	if in.StudyDate == "" {
		in.StudyDate = "20240115"
	}
	if in.Modality == "" {
		in.Modality = "CT"
	}
	if in.Rows == 0 {
		in.Rows = 16
	}
	if in.Columns == 0 {
		in.Columns = 16
	}

	raw := make([]byte, 2*in.Rows*in.Columns)
	for y := 0; y < in.Rows; y++ {
		for x := 0; x < in.Columns; x++ {
			binary.LittleEndian.PutUint16(raw[2*(y*in.Columns+x):], uint16(x*40+y*10+in.InstanceNumber))
		}
	}

	ds := dicom.NewDataset()
	ds.AddElement(dicom.TagSOPClassUID, dicom.VR_UI, types.CTImageStorage)
	ds.AddElement(dicom.TagSOPInstanceUID, dicom.VR_UI, in.SOPInstanceUID)
	ds.AddElement(dicom.TagStudyDate, dicom.VR_DA, in.StudyDate)
	ds.AddElement(dicom.TagAccessionNumber, dicom.VR_SH, "ACC"+in.StudyDate)
	ds.AddElement(dicom.TagModality, dicom.VR_CS, in.Modality)
	ds.AddElement(dicom.TagStudyDescription, dicom.VR_LO, "SYNTHETIC")
	ds.AddElement(dicom.TagPatientName, dicom.VR_PN, in.PatientName)
	ds.AddElement(dicom.TagPatientID, dicom.VR_LO, in.PatientID)
	ds.AddElement(dicom.TagStudyInstanceUID, dicom.VR_UI, in.StudyUID)
	ds.AddElement(dicom.TagSeriesInstanceUID, dicom.VR_UI, in.SeriesUID)
	ds.AddElement(dicom.TagSeriesNumber, dicom.VR_IS, 1)
	ds.AddElement(dicom.TagInstanceNumber, dicom.VR_IS, in.InstanceNumber)
	ds.AddElement(dicom.TagSamplesPerPixel, dicom.VR_US, 1)
	ds.AddElement(dicom.TagPhotometricInterpretation, dicom.VR_CS, "MONOCHROME2")
	ds.AddElement(dicom.TagRows, dicom.VR_US, in.Rows)
	ds.AddElement(dicom.TagColumns, dicom.VR_US, in.Columns)
	ds.AddElement(dicom.TagBitsAllocated, dicom.VR_US, 16)
	ds.AddElement(dicom.TagBitsStored, dicom.VR_US, 12)
	ds.AddElement(dicom.TagHighBit, dicom.VR_US, 11)
	ds.AddElement(dicom.TagPixelRepresentation, dicom.VR_US, 0)
	ds.AddElement(dicom.TagPixelData, dicom.VR_OW, raw)
	ds.TransferSyntaxUID = types.ExplicitVRLittleEndian
	return ds
}

// Compressed returns the instance re-labelled as JPEG baseline with
// encapsulated pixel data that no decoder here can read.
func (in Instance) Compressed() *dicom.Dataset {
	ds := in.Dataset()
	ds.AddElement(dicom.TagBitsAllocated, dicom.VR_US, 8)
	ds.AddElement(dicom.TagBitsStored, dicom.VR_US, 8)
	ds.AddElement(dicom.TagHighBit, dicom.VR_US, 7)
	ds.Elements[dicom.TagPixelData] = &dicom.Element{
		Tag:   dicom.TagPixelData,
		VR:    dicom.VR_OB,
		Value: &dicom.Fragments{Items: [][]byte{{0xFF, 0xD8, 0xFF, 0xD9}}},
	}
	ds.TransferSyntaxUID = types.JPEGBaseline8Bit
	return ds
}

// Study builds count instances numbered from 1 in one series.
func Study(patientID, studyUID, seriesUID string, count int) []*dicom.Dataset {
	out := make([]*dicom.Dataset, count)
	for i := range out {
		out[i] = Instance{
			PatientID:      patientID,
			StudyUID:       studyUID,
			SeriesUID:      seriesUID,
			SOPInstanceUID: seriesUID + "." + strconv.Itoa(i+1),
			InstanceNumber: i + 1,
		}.Dataset()
	}
	return out
}
