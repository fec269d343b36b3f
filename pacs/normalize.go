package pacs

import "github.com/caio-sobreiro/pacsman/dicom"

// Unknown fills canonical attributes a backend did not provide.
const Unknown = "UNKNOWN"

// CanonicalTags are present on every dataset a Client returns.
var CanonicalTags = []dicom.Tag{
	dicom.TagPatientID,
	dicom.TagStudyInstanceUID,
	dicom.TagSeriesInstanceUID,
	dicom.TagSOPInstanceUID,
	dicom.TagModality,
}

// Normalize fills every canonical attribute that is missing or empty with
// Unknown. ds is modified in place and returned; nil yields a new dataset.
func Normalize(ds *dicom.Dataset) *dicom.Dataset {
	if ds == nil {
		ds = dicom.NewDataset()
	}
	for _, tag := range CanonicalTags {
		if ds.GetString(tag) != "" {
			continue
		}
		ds.AddElement(tag, dicom.LookupVR(tag), Unknown)
	}
	return ds
}
