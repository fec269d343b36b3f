package pacs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"testing"
	"time"

	"github.com/caio-sobreiro/pacsman/dicom"
	"github.com/caio-sobreiro/pacsman/imaging"
)

// fakeClient serves fixed datasets. Only the query and retrieve methods are
// meaningful.
type fakeClient struct {
	studies   []*dicom.Dataset
	instances []*dicom.Dataset
	retrieved []InstanceIdentifier
}

func (f *fakeClient) Echo(ctx context.Context) (bool, error) { return true, nil }

func (f *fakeClient) FindStudies(ctx context.Context, filter StudyFilter) iter.Seq2[Study, error] {
	return func(yield func(Study, error) bool) {
		for _, ds := range f.studies {
			if filter.Match(ds) && !yield(StudyFromDataset(ds.Copy()), nil) {
				return
			}
		}
	}
}

func (f *fakeClient) FindSeries(ctx context.Context, study StudyIdentifier, filter SeriesFilter) iter.Seq2[Series, error] {
	return func(yield func(Series, error) bool) {}
}

func (f *fakeClient) FindInstances(ctx context.Context, series SeriesIdentifier) iter.Seq2[Instance, error] {
	return func(yield func(Instance, error) bool) {
		for _, ds := range f.instances {
			if ds.GetString(dicom.TagSeriesInstanceUID) != series.SeriesInstanceUID {
				continue
			}
			if !yield(InstanceFromDataset(series, ds.Copy()), nil) {
				return
			}
		}
	}
}

func (f *fakeClient) RetrieveInstance(ctx context.Context, id InstanceIdentifier) (*dicom.Dataset, error) {
	f.retrieved = append(f.retrieved, id)
	for _, ds := range f.instances {
		if ds.GetString(dicom.TagSOPInstanceUID) == id.SOPInstanceUID {
			return ds.Copy(), nil
		}
	}
	return nil, Errorf(KindNotFound, "retrieve instance", "%s", id)
}

func (f *fakeClient) RetrieveSeries(ctx context.Context, series SeriesIdentifier, sink Sink) (*RetrieveResult, error) {
	return nil, nil
}

func (f *fakeClient) RetrieveStudy(ctx context.Context, study StudyIdentifier, sink Sink) (*RetrieveResult, error) {
	return nil, nil
}

func (f *fakeClient) Store(ctx context.Context, ds *dicom.Dataset) (bool, error) { return true, nil }

func (f *fakeClient) GetThumbnail(ctx context.Context, id InstanceIdentifier, size imaging.Size) (*imaging.PixelImage, error) {
	ds, err := f.RetrieveInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return RenderThumbnail(ds, size)
}

func (f *fakeClient) Close() error { return nil }

func studyDataset(patientID, name, studyUID, date, modalities string) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.AddElement(dicom.TagPatientID, dicom.VR_LO, patientID)
	ds.AddElement(dicom.TagPatientName, dicom.VR_PN, name)
	ds.AddElement(dicom.TagStudyInstanceUID, dicom.VR_UI, studyUID)
	ds.AddElement(dicom.TagStudyDate, dicom.VR_DA, date)
	ds.AddElement(dicom.TagModalitiesInStudy, dicom.VR_CS, modalities)
	ds.AddElement(dicom.TagAccessionNumber, dicom.VR_SH, "ACC-"+studyUID)
	return ds
}

func TestError_IsAndKindOf(t *testing.T) {
	err := Errorf(KindNotFound, "retrieve instance", "missing %s", "1.2.3")

	if !errors.Is(err, ErrNotFound) {
		t.Error("Expected errors.Is(err, ErrNotFound)")
	}
	if errors.Is(err, ErrConnection) {
		t.Error("NotFound must not match ErrConnection")
	}
	if KindOf(fmt.Errorf("wrapped: %w", err)) != KindNotFound {
		t.Errorf("KindOf(wrapped) = %v, want not found", KindOf(fmt.Errorf("wrapped: %w", err)))
	}
	if KindOf(io.EOF) != KindUnknown {
		t.Error("Expected KindUnknown for foreign errors")
	}
	want := "pacs retrieve instance: not found: missing 1.2.3"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrap(t *testing.T) {
	native := fmt.Errorf("read tcp: %w", io.ErrUnexpectedEOF)
	err := Wrap(KindConnection, "find studies", native)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("Native error must not be reachable through the contract")
	}
	if !errors.Is(err, ErrConnection) {
		t.Error("Expected connection kind")
	}

	cancelled := Wrap(KindConnection, "find studies", fmt.Errorf("interrupted: %w", context.Canceled))
	if !errors.Is(cancelled, context.Canceled) {
		t.Error("context.Canceled must stay reachable")
	}
	if IsTransient(cancelled) {
		t.Error("Cancelled operations are not transient")
	}
	if !IsTransient(err) {
		t.Error("Connection failures are transient")
	}

	original := Errorf(KindStoreRejected, "store", "duplicate")
	if got := Wrap(KindConnection, "other", original); got != original {
		t.Error("Wrap must return an *Error unchanged")
	}
	if Wrap(KindConnection, "op", nil) != nil {
		t.Error("Wrap(nil) must be nil")
	}
}

func TestMatchWildcard(t *testing.T) {
	tests := []struct {
		pattern, value string
		want           bool
	}{
		{"", "anything", true},
		{"*", "", true},
		{"TEST001", "TEST001", true},
		{"TEST001", "TEST0011", false},
		{"TEST*", "TEST001", true},
		{"*001", "TEST001", true},
		{"*ST0*", "TEST001", true},
		{"T?ST001", "TEST001", true},
		{"T?ST001", "TST001", false},
		{"*X*", "TEST001", false},
		{"a*b*c", "aXXbYYc", true},
		{"a*b*c", "aXXbYY", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.value, func(t *testing.T) {
			if got := MatchWildcard(tt.pattern, tt.value); got != tt.want {
				t.Errorf("MatchWildcard(%q, %q) = %v, want %v", tt.pattern, tt.value, got, tt.want)
			}
		})
	}
}

func TestParseDateRange(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"20240101", "20240101", false},
		{"20240101-", "20240101-", false},
		{"-20240131", "-20240131", false},
		{"20240101-20240131", "20240101-20240131", false},
		{"20240131-20240101", "", true},
		{"2024-01-01", "", true},
		{"yesterday", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			r, err := ParseDateRange(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDateRange(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && r.String() != tt.want {
				t.Errorf("String() = %q, want %q", r.String(), tt.want)
			}
		})
	}
}

func TestDateRange_Contains(t *testing.T) {
	r, err := ParseDateRange("20240101-20240131")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		date string
		want bool
	}{
		{"20240101", true},
		{"20240115", true},
		{"20240131", true},
		{"20231231", false},
		{"20240201", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := r.Contains(tt.date); got != tt.want {
			t.Errorf("Contains(%q) = %v, want %v", tt.date, got, tt.want)
		}
	}
	if !(DateRange{}).Contains("") {
		t.Error("Open range must contain everything")
	}
}

func TestStudyFilter_Match(t *testing.T) {
	ds := studyDataset("TEST001", "DOE^JANE", "1.2.3", "20240115", `CT\SR`)
	jan, _ := ParseDateRange("20240101-20240131")
	feb, _ := ParseDateRange("20240201-")

	tests := []struct {
		name   string
		filter StudyFilter
		want   bool
	}{
		{"empty filter", StudyFilter{}, true},
		{"exact patient", StudyFilter{PatientID: "TEST001"}, true},
		{"other patient", StudyFilter{PatientID: "TEST002"}, false},
		{"wildcard patient", StudyFilter{PatientID: "TEST*"}, true},
		{"name case-insensitive", StudyFilter{PatientName: "*doe*"}, true},
		{"date inside", StudyFilter{DateRange: jan}, true},
		{"date outside", StudyFilter{DateRange: feb}, false},
		{"modality in study", StudyFilter{Modality: "SR"}, true},
		{"modality absent", StudyFilter{Modality: "MR"}, false},
		{"accession", StudyFilter{AccessionNumber: "ACC-1.2.3"}, true},
		{"wrong accession", StudyFilter{AccessionNumber: "X"}, false},
		{"study uid", StudyFilter{StudyInstanceUID: "1.2.3"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(ds); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStudyFilter_QueryRoundTrip(t *testing.T) {
	r, _ := ParseDateRange("20240101-20240131")
	filter := StudyFilter{
		PatientID:       "TEST*",
		DateRange:       r,
		Modality:        "CT",
		AccessionNumber: "A1",
		AdditionalTags:  []dicom.Tag{dicom.TagInstitutionName},
	}

	query := filter.Query()
	if query.GetString(dicom.TagQueryRetrieveLevel) != "STUDY" {
		t.Errorf("QueryRetrieveLevel = %q, want STUDY", query.GetString(dicom.TagQueryRetrieveLevel))
	}
	if !query.Has(dicom.TagInstitutionName) {
		t.Error("Expected additional return key")
	}

	parsed, err := ParseStudyQuery(query)
	if err != nil {
		t.Fatalf("ParseStudyQuery failed: %v", err)
	}
	if parsed.PatientID != filter.PatientID || parsed.Modality != "CT" || parsed.AccessionNumber != "A1" {
		t.Errorf("Parsed filter = %+v", parsed)
	}
	if parsed.DateRange.String() != r.String() {
		t.Errorf("DateRange = %s, want %s", parsed.DateRange, r)
	}
	if len(parsed.AdditionalTags) != 1 || parsed.AdditionalTags[0] != dicom.TagInstitutionName {
		t.Errorf("AdditionalTags = %v", parsed.AdditionalTags)
	}
}

func TestSeriesQuery(t *testing.T) {
	study := StudyIdentifier{PatientID: "P", StudyInstanceUID: "1.2"}
	query := SeriesQuery(study, SeriesFilter{Modality: "CT"})
	gotStudy, filter := ParseSeriesQuery(query)
	if gotStudy.StudyInstanceUID != "1.2" || filter.Modality != "CT" {
		t.Errorf("ParseSeriesQuery = %+v %+v", gotStudy, filter)
	}

	series := dicom.NewDataset()
	series.AddElement(dicom.TagModality, dicom.VR_CS, "ct")
	if !filter.Match(series) {
		t.Error("Modality match should be case-insensitive")
	}
}

func TestNormalize(t *testing.T) {
	ds := dicom.NewDataset()
	ds.AddElement(dicom.TagPatientID, dicom.VR_LO, "TEST001")
	ds.AddElement(dicom.TagModality, dicom.VR_CS, "")

	Normalize(ds)
	for _, tag := range CanonicalTags {
		if ds.GetString(tag) == "" {
			t.Errorf("Canonical tag %s missing after Normalize", tag)
		}
	}
	if ds.GetString(dicom.TagPatientID) != "TEST001" {
		t.Error("Normalize must keep existing values")
	}
	if ds.GetString(dicom.TagModality) != Unknown {
		t.Errorf("Modality = %q, want %q", ds.GetString(dicom.TagModality), Unknown)
	}
	if Normalize(nil).GetString(dicom.TagSOPInstanceUID) != Unknown {
		t.Error("Normalize(nil) must return a filled dataset")
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()
	want := []time.Duration{0, 500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	for n, w := range want {
		if got := p.Backoff(n); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", n, got, w)
		}
	}
	if got := p.Timeout(30*time.Second, 2); got != 70*time.Second {
		t.Errorf("Timeout(30s, 2) = %v, want 70s", got)
	}
}

func TestRetryPolicy_Do(t *testing.T) {
	p := RetryPolicy{Attempts: 3, InitialBackoff: time.Millisecond, Multiplier: 2}
	transient := Errorf(KindConnection, "connect", "refused")
	permanent := Errorf(KindNotFound, "retrieve", "gone")

	tests := []struct {
		name      string
		failures  []error
		wantCalls int
		wantErr   error
	}{
		{"first try", nil, 1, nil},
		{"recovers", []error{transient, transient}, 3, nil},
		{"exhausted", []error{transient, transient, transient, transient}, 3, ErrConnection},
		{"not retryable", []error{permanent}, 1, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := p.Do(context.Background(), IsTransient, func(ctx context.Context, attempt int) error {
				if attempt != calls {
					t.Errorf("attempt = %d, want %d", attempt, calls)
				}
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("Do() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Do() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetryPolicy_DoStopsOnCancel(t *testing.T) {
	p := RetryPolicy{Attempts: 5, InitialBackoff: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error)
	go func() {
		done <- p.Do(ctx, IsTransient, func(ctx context.Context, attempt int) error {
			calls++
			return Errorf(KindConnection, "connect", "refused")
		})
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, ErrConnection) {
			t.Errorf("Do() error = %v, want last attempt error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not stop after cancel")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
