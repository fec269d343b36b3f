package pacs

import (
	"fmt"

	"github.com/caio-sobreiro/pacsman/dicom"
)

// StudyIdentifier addresses one study.
type StudyIdentifier struct {
	PatientID        string
	StudyInstanceUID string
}

// SeriesIdentifier addresses one series within a study.
type SeriesIdentifier struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
}

// InstanceIdentifier addresses one SOP instance. StudyInstanceUID is carried
// when known so network backends can build hierarchical retrieve keys;
// FindInstances always fills it.
type InstanceIdentifier struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
}

func (id InstanceIdentifier) String() string {
	return fmt.Sprintf("%s/%s", id.SeriesInstanceUID, id.SOPInstanceUID)
}

// Series returns the identifier of the series holding the instance.
func (id InstanceIdentifier) Series() SeriesIdentifier {
	return SeriesIdentifier{StudyInstanceUID: id.StudyInstanceUID, SeriesInstanceUID: id.SeriesInstanceUID}
}

// Study is a study-level query match.
type Study struct {
	ID    StudyIdentifier
	Attrs *dicom.Dataset
}

// Date returns the study date (YYYYMMDD) or "".
func (s Study) Date() string { return s.Attrs.GetString(dicom.TagStudyDate) }

// Description returns the study description.
func (s Study) Description() string { return s.Attrs.GetString(dicom.TagStudyDescription) }

// Modalities returns ModalitiesInStudy.
func (s Study) Modalities() []string { return s.Attrs.GetStrings(dicom.TagModalitiesInStudy) }

// Series is a series-level query match.
type Series struct {
	ID    SeriesIdentifier
	Attrs *dicom.Dataset
}

// Modality returns the series modality.
func (s Series) Modality() string { return s.Attrs.GetString(dicom.TagModality) }

// NumberOfInstances returns NumberOfSeriesRelatedInstances, or -1 when absent.
func (s Series) NumberOfInstances() int {
	if n, ok := s.Attrs.GetInt(dicom.TagNumberOfSeriesRelatedInstances); ok {
		return n
	}
	return -1
}

// Instance is an image-level query match.
type Instance struct {
	ID    InstanceIdentifier
	Attrs *dicom.Dataset
}

// InstanceNumber returns the instance number, or 0 when absent.
func (i Instance) InstanceNumber() int {
	n, _ := i.Attrs.GetInt(dicom.TagInstanceNumber)
	return n
}

// Patient aggregates the studies of one patient found by SearchPatients.
type Patient struct {
	PatientID           string
	PatientName         string
	BirthDate           string
	Sex                 string
	StudyInstanceUIDs   []string
	MostRecentStudyDate string
	Attrs               *dicom.Dataset
}

// StudyFromDataset normalizes a study-level dataset into a Study.
func StudyFromDataset(ds *dicom.Dataset) Study {
	ds = Normalize(ds)
	return Study{
		ID: StudyIdentifier{
			PatientID:        ds.GetString(dicom.TagPatientID),
			StudyInstanceUID: ds.GetString(dicom.TagStudyInstanceUID),
		},
		Attrs: ds,
	}
}

// SeriesFromDataset normalizes a series-level dataset into a Series. The
// study UID falls back to study when the dataset omits it.
func SeriesFromDataset(study StudyIdentifier, ds *dicom.Dataset) Series {
	if ds != nil && ds.GetString(dicom.TagStudyInstanceUID) == "" {
		ds.AddElement(dicom.TagStudyInstanceUID, dicom.VR_UI, study.StudyInstanceUID)
	}
	if ds != nil && ds.GetString(dicom.TagPatientID) == "" && study.PatientID != "" {
		ds.AddElement(dicom.TagPatientID, dicom.VR_LO, study.PatientID)
	}
	ds = Normalize(ds)
	return Series{
		ID: SeriesIdentifier{
			StudyInstanceUID:  ds.GetString(dicom.TagStudyInstanceUID),
			SeriesInstanceUID: ds.GetString(dicom.TagSeriesInstanceUID),
		},
		Attrs: ds,
	}
}

// InstanceFromDataset normalizes an image-level dataset into an Instance,
// filling missing hierarchy UIDs from series.
func InstanceFromDataset(series SeriesIdentifier, ds *dicom.Dataset) Instance {
	if ds != nil {
		if ds.GetString(dicom.TagStudyInstanceUID) == "" {
			ds.AddElement(dicom.TagStudyInstanceUID, dicom.VR_UI, series.StudyInstanceUID)
		}
		if ds.GetString(dicom.TagSeriesInstanceUID) == "" {
			ds.AddElement(dicom.TagSeriesInstanceUID, dicom.VR_UI, series.SeriesInstanceUID)
		}
	}
	ds = Normalize(ds)
	return Instance{
		ID:    IdentifierOf(ds),
		Attrs: ds,
	}
}

// IdentifierOf returns the instance identifier of ds.
func IdentifierOf(ds *dicom.Dataset) InstanceIdentifier {
	return InstanceIdentifier{
		StudyInstanceUID:  ds.GetString(dicom.TagStudyInstanceUID),
		SeriesInstanceUID: ds.GetString(dicom.TagSeriesInstanceUID),
		SOPInstanceUID:    ds.GetString(dicom.TagSOPInstanceUID),
	}
}
