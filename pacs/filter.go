package pacs

import (
	"fmt"
	"strings"
	"time"

	"github.com/caio-sobreiro/pacsman/dicom"
	"github.com/caio-sobreiro/pacsman/types"
)

const dateLayout = "20060102"

// DateRange is an inclusive range of calendar days. A zero bound is open.
type DateRange struct {
	From time.Time
	To   time.Time
}

// ParseDateRange parses DICOM range syntax: "YYYYMMDD", "YYYYMMDD-",
// "-YYYYMMDD" or "YYYYMMDD-YYYYMMDD". The empty string is an open range.
func ParseDateRange(s string) (DateRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DateRange{}, nil
	}
	from, to, isRange := strings.Cut(s, "-")
	if !isRange {
		to = from
	}

	var r DateRange
	var err error
	if from != "" {
		if r.From, err = time.Parse(dateLayout, from); err != nil {
			return DateRange{}, fmt.Errorf("invalid start date %q: %w", from, err)
		}
	}
	if to != "" {
		if r.To, err = time.Parse(dateLayout, to); err != nil {
			return DateRange{}, fmt.Errorf("invalid end date %q: %w", to, err)
		}
	}
	if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
		return DateRange{}, fmt.Errorf("date range %q ends before it starts", s)
	}
	return r, nil
}

// IsZero reports whether both bounds are open.
func (r DateRange) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}

// Contains reports whether the DA value falls inside the range. An open
// range contains everything; a bounded range never contains an unparsable
// date.
func (r DateRange) Contains(da string) bool {
	if r.IsZero() {
		return true
	}
	d, err := time.Parse(dateLayout, strings.TrimSpace(da))
	if err != nil {
		return false
	}
	if !r.From.IsZero() && d.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && d.After(r.To) {
		return false
	}
	return true
}

// String returns the range in DICOM range matching syntax.
func (r DateRange) String() string {
	if r.IsZero() {
		return ""
	}
	var from, to string
	if !r.From.IsZero() {
		from = r.From.Format(dateLayout)
	}
	if !r.To.IsZero() {
		to = r.To.Format(dateLayout)
	}
	if from == to {
		return from
	}
	return from + "-" + to
}

// MatchWildcard applies DICOM wildcard matching: '*' matches any run of
// characters and '?' exactly one. An empty pattern or "*" matches anything.
func MatchWildcard(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	p, v := []rune(pattern), []rune(strings.TrimSpace(value))
	pi, vi := 0, 0
	star, mark := -1, 0
	for vi < len(v) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == v[vi]):
			pi++
			vi++
		case pi < len(p) && p[pi] == '*':
			star, mark = pi, vi
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			vi = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

// StudyFilter selects studies. Zero fields do not constrain the match.
type StudyFilter struct {
	PatientID        string // exact or wildcard
	PatientName      string // wildcard, case-insensitive
	StudyInstanceUID string
	DateRange        DateRange
	Modality         string // matched against ModalitiesInStudy
	AccessionNumber  string

	// AdditionalTags are returned alongside the default study keys.
	AdditionalTags []dicom.Tag
}

// Match applies the filter to a study-level dataset.
func (f StudyFilter) Match(ds *dicom.Dataset) bool {
	if !MatchWildcard(f.PatientID, ds.GetString(dicom.TagPatientID)) {
		return false
	}
	if f.PatientName != "" && !MatchWildcard(strings.ToUpper(f.PatientName), strings.ToUpper(ds.GetString(dicom.TagPatientName))) {
		return false
	}
	if f.StudyInstanceUID != "" && ds.GetString(dicom.TagStudyInstanceUID) != f.StudyInstanceUID {
		return false
	}
	if !f.DateRange.Contains(ds.GetString(dicom.TagStudyDate)) {
		return false
	}
	if f.AccessionNumber != "" && ds.GetString(dicom.TagAccessionNumber) != f.AccessionNumber {
		return false
	}
	if f.Modality != "" && !hasModality(ds, f.Modality) {
		return false
	}
	return true
}

func hasModality(ds *dicom.Dataset, modality string) bool {
	modalities := ds.GetStrings(dicom.TagModalitiesInStudy)
	if len(modalities) == 0 {
		modalities = ds.GetStrings(dicom.TagModality)
	}
	for _, m := range modalities {
		if strings.EqualFold(m, modality) {
			return true
		}
	}
	return false
}

// Query builds the STUDY level C-FIND identifier for the filter.
func (f StudyFilter) Query() *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.AddElement(dicom.TagQueryRetrieveLevel, dicom.VR_CS, string(types.QueryLevelStudy))
	ds.AddElement(dicom.TagPatientID, dicom.VR_LO, f.PatientID)
	ds.AddElement(dicom.TagPatientName, dicom.VR_PN, f.PatientName)
	ds.AddElement(dicom.TagPatientBirthDate, dicom.VR_DA, "")
	ds.AddElement(dicom.TagPatientSex, dicom.VR_CS, "")
	ds.AddElement(dicom.TagStudyInstanceUID, dicom.VR_UI, f.StudyInstanceUID)
	ds.AddElement(dicom.TagStudyDate, dicom.VR_DA, f.DateRange.String())
	ds.AddElement(dicom.TagStudyTime, dicom.VR_TM, "")
	ds.AddElement(dicom.TagStudyDescription, dicom.VR_LO, "")
	ds.AddElement(dicom.TagStudyID, dicom.VR_SH, "")
	ds.AddElement(dicom.TagAccessionNumber, dicom.VR_SH, f.AccessionNumber)
	ds.AddElement(dicom.TagModalitiesInStudy, dicom.VR_CS, f.Modality)
	ds.AddElement(dicom.TagNumberOfStudyRelatedSeries, dicom.VR_IS, "")
	ds.AddElement(dicom.TagNumberOfStudyRelatedInstances, dicom.VR_IS, "")
	addReturnKeys(ds, f.AdditionalTags)
	return ds
}

// ParseStudyQuery reads a STUDY level C-FIND identifier back into a filter.
// Requested keys outside the filter become AdditionalTags.
func ParseStudyQuery(ds *dicom.Dataset) (StudyFilter, error) {
	f := StudyFilter{
		PatientID:        ds.GetString(dicom.TagPatientID),
		PatientName:      ds.GetString(dicom.TagPatientName),
		StudyInstanceUID: ds.GetString(dicom.TagStudyInstanceUID),
		Modality:         ds.GetString(dicom.TagModalitiesInStudy),
		AccessionNumber:  ds.GetString(dicom.TagAccessionNumber),
	}
	r, err := ParseDateRange(ds.GetString(dicom.TagStudyDate))
	if err != nil {
		return StudyFilter{}, err
	}
	f.DateRange = r
	f.AdditionalTags = extraKeys(ds, f.Query())
	return f, nil
}

// SeriesFilter selects series within a study.
type SeriesFilter struct {
	Modality       string
	AdditionalTags []dicom.Tag
}

// Match applies the filter to a series-level dataset.
func (f SeriesFilter) Match(ds *dicom.Dataset) bool {
	return f.Modality == "" || strings.EqualFold(ds.GetString(dicom.TagModality), f.Modality)
}

// SeriesQuery builds the SERIES level C-FIND identifier.
func SeriesQuery(study StudyIdentifier, f SeriesFilter) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.AddElement(dicom.TagQueryRetrieveLevel, dicom.VR_CS, string(types.QueryLevelSeries))
	ds.AddElement(dicom.TagStudyInstanceUID, dicom.VR_UI, study.StudyInstanceUID)
	ds.AddElement(dicom.TagSeriesInstanceUID, dicom.VR_UI, "")
	ds.AddElement(dicom.TagModality, dicom.VR_CS, f.Modality)
	ds.AddElement(dicom.TagSeriesNumber, dicom.VR_IS, "")
	ds.AddElement(dicom.TagSeriesDescription, dicom.VR_LO, "")
	ds.AddElement(dicom.TagSeriesDate, dicom.VR_DA, "")
	ds.AddElement(dicom.TagBodyPartExamined, dicom.VR_CS, "")
	ds.AddElement(dicom.TagNumberOfSeriesRelatedInstances, dicom.VR_IS, "")
	addReturnKeys(ds, f.AdditionalTags)
	return ds
}

// ParseSeriesQuery reads a SERIES level C-FIND identifier.
func ParseSeriesQuery(ds *dicom.Dataset) (StudyIdentifier, SeriesFilter) {
	study := StudyIdentifier{
		PatientID:        ds.GetString(dicom.TagPatientID),
		StudyInstanceUID: ds.GetString(dicom.TagStudyInstanceUID),
	}
	f := SeriesFilter{Modality: ds.GetString(dicom.TagModality)}
	f.AdditionalTags = extraKeys(ds, SeriesQuery(study, f))
	return study, f
}

// InstanceQuery builds the IMAGE level C-FIND identifier.
func InstanceQuery(series SeriesIdentifier) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.AddElement(dicom.TagQueryRetrieveLevel, dicom.VR_CS, string(types.QueryLevelImage))
	ds.AddElement(dicom.TagStudyInstanceUID, dicom.VR_UI, series.StudyInstanceUID)
	ds.AddElement(dicom.TagSeriesInstanceUID, dicom.VR_UI, series.SeriesInstanceUID)
	ds.AddElement(dicom.TagSOPInstanceUID, dicom.VR_UI, "")
	ds.AddElement(dicom.TagSOPClassUID, dicom.VR_UI, "")
	ds.AddElement(dicom.TagInstanceNumber, dicom.VR_IS, "")
	return ds
}

// RetrieveKeys builds the IMAGE level C-GET/C-MOVE identifier for one instance.
func RetrieveKeys(id InstanceIdentifier) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.AddElement(dicom.TagQueryRetrieveLevel, dicom.VR_CS, string(types.QueryLevelImage))
	if id.StudyInstanceUID != "" {
		ds.AddElement(dicom.TagStudyInstanceUID, dicom.VR_UI, id.StudyInstanceUID)
	}
	ds.AddElement(dicom.TagSeriesInstanceUID, dicom.VR_UI, id.SeriesInstanceUID)
	ds.AddElement(dicom.TagSOPInstanceUID, dicom.VR_UI, id.SOPInstanceUID)
	return ds
}

func addReturnKeys(ds *dicom.Dataset, tags []dicom.Tag) {
	for _, tag := range tags {
		if !ds.Has(tag) {
			ds.AddElement(tag, dicom.LookupVR(tag), "")
		}
	}
}

func extraKeys(query, defaults *dicom.Dataset) []dicom.Tag {
	var extra []dicom.Tag
	for _, tag := range query.Tags() {
		if !defaults.Has(tag) {
			extra = append(extra, tag)
		}
	}
	return extra
}
