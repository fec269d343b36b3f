package pacs

import (
	"context"
	"slices"
	"strings"

	"github.com/caio-sobreiro/pacsman/dicom"
)

// SearchPatients finds patients whose ID or name contains query and
// aggregates their studies. An empty query lists every patient.
//
// Each Patient's Attrs carries the patient module plus a private block
// (creator "pacsman") listing the study UIDs and the most recent study date.
func SearchPatients(ctx context.Context, c Client, query string) ([]Patient, error) {
	pattern := "*"
	if q := strings.Trim(query, "* "); q != "" {
		pattern = "*" + q + "*"
	}

	filters := []StudyFilter{{PatientID: pattern}}
	if pattern != "*" {
		filters = append(filters, StudyFilter{PatientName: pattern})
	}

	byID := make(map[string]*Patient)
	for _, filter := range filters {
		for study, err := range c.FindStudies(ctx, filter) {
			if err != nil {
				return nil, err
			}
			addStudy(byID, study)
		}
	}

	patients := make([]Patient, 0, len(byID))
	for _, p := range byID {
		slices.Sort(p.StudyInstanceUIDs)
		p.Attrs = patientAttrs(p)
		patients = append(patients, *p)
	}
	slices.SortFunc(patients, func(a, b Patient) int {
		return strings.Compare(a.PatientID, b.PatientID)
	})
	return patients, nil
}

func addStudy(byID map[string]*Patient, study Study) {
	p, ok := byID[study.ID.PatientID]
	if !ok {
		p = &Patient{
			PatientID:   study.ID.PatientID,
			PatientName: study.Attrs.GetString(dicom.TagPatientName),
			BirthDate:   study.Attrs.GetString(dicom.TagPatientBirthDate),
			Sex:         study.Attrs.GetString(dicom.TagPatientSex),
		}
		byID[study.ID.PatientID] = p
	}
	if !slices.Contains(p.StudyInstanceUIDs, study.ID.StudyInstanceUID) {
		p.StudyInstanceUIDs = append(p.StudyInstanceUIDs, study.ID.StudyInstanceUID)
	}
	if date := study.Date(); date > p.MostRecentStudyDate {
		p.MostRecentStudyDate = date
	}
}

func patientAttrs(p *Patient) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.AddElement(dicom.TagPatientID, dicom.VR_LO, p.PatientID)
	ds.AddElement(dicom.TagPatientName, dicom.VR_PN, p.PatientName)
	ds.AddElement(dicom.TagPatientBirthDate, dicom.VR_DA, p.BirthDate)
	ds.AddElement(dicom.TagPatientSex, dicom.VR_CS, p.Sex)
	ds.AddElement(dicom.TagPacsmanPrivateCreator, dicom.VR_LO, dicom.PacsmanPrivateCreator)
	ds.AddElement(dicom.TagPatientStudyInstanceUIDs, dicom.VR_UI, p.StudyInstanceUIDs)
	ds.AddElement(dicom.TagPatientMostRecentStudyDate, dicom.VR_DA, p.MostRecentStudyDate)
	return ds
}
