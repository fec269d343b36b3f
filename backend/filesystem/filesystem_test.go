package filesystem

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/caio-sobreiro/pacsman/dicom"
	"github.com/caio-sobreiro/pacsman/imaging"
	"github.com/caio-sobreiro/pacsman/internal/dicomtest"
	"github.com/caio-sobreiro/pacsman/pacs"
)

func newStore(t *testing.T, datasets ...*dicom.Dataset) (*Client, string) {
	t.Helper()
	root := t.TempDir()
	c := New(Options{Root: root, Workers: 2})
	for _, ds := range datasets {
		if ok, err := c.Store(context.Background(), ds); !ok || err != nil {
			t.Fatalf("Store(%s) = %v, %v", ds.GetString(dicom.TagSOPInstanceUID), ok, err)
		}
	}
	return c, root
}

func TestEcho(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "plain.txt")
	os.WriteFile(file, []byte("x"), 0o644)

	tests := []struct {
		name    string
		root    string
		want    bool
		wantErr error
	}{
		{"directory", root, true, nil},
		{"missing", filepath.Join(root, "missing"), false, pacs.ErrConnection},
		{"file", file, false, pacs.ErrConnection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := New(Options{Root: tt.root}).Echo(context.Background())
			if ok != tt.want {
				t.Errorf("Echo() = %v, want %v", ok, tt.want)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("Echo() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Echo() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFindStudies_EmptyStore(t *testing.T) {
	c, _ := newStore(t)
	studies, err := pacs.Collect(c.FindStudies(context.Background(), pacs.StudyFilter{}))
	if err != nil {
		t.Fatalf("FindStudies failed: %v", err)
	}
	if len(studies) != 0 {
		t.Errorf("Expected no studies, got %d", len(studies))
	}
}

func TestFindStudies_MissingRoot(t *testing.T) {
	c := New(Options{Root: filepath.Join(t.TempDir(), "missing")})
	_, err := pacs.Collect(c.FindStudies(context.Background(), pacs.StudyFilter{}))
	if !errors.Is(err, pacs.ErrConnection) {
		t.Errorf("FindStudies error = %v, want connection", err)
	}
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	original := dicomtest.Instance{StudyUID: "1.2", SeriesUID: "1.2.3", SOPInstanceUID: "1.2.3.4"}.Dataset()
	c, root := newStore(t, original)

	path := filepath.Join(root, "1.2", "1.2.3", "1.2.3.4.dcm")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Expected instance at %s: %v", path, err)
	}
	if _, err := os.Stat(filepath.Join(root, DefaultIndexName)); err != nil {
		t.Errorf("Expected index file: %v", err)
	}

	got, err := c.RetrieveInstance(context.Background(), pacs.InstanceIdentifier{SeriesInstanceUID: "1.2.3", SOPInstanceUID: "1.2.3.4"})
	if err != nil {
		t.Fatalf("RetrieveInstance failed: %v", err)
	}
	for _, tag := range []dicom.Tag{dicom.TagPatientID, dicom.TagStudyInstanceUID, dicom.TagModality, dicom.TagStudyDate} {
		if got.GetString(tag) != original.GetString(tag) {
			t.Errorf("%s = %q, want %q", tag, got.GetString(tag), original.GetString(tag))
		}
	}
	if !bytes.Equal(got.GetBytes(dicom.TagPixelData), original.GetBytes(dicom.TagPixelData)) {
		t.Error("Pixel data differs after round trip")
	}
}

func TestStore_Rejections(t *testing.T) {
	instance := dicomtest.Instance{StudyUID: "1.2", SeriesUID: "1.2.3", SOPInstanceUID: "1.2.3.4"}
	c, _ := newStore(t, instance.Dataset())

	tests := []struct {
		name string
		ds   *dicom.Dataset
	}{
		{"duplicate", instance.Dataset()},
		{"missing SOP UID", dicomtest.Instance{StudyUID: "1.2", SeriesUID: "1.2.3"}.Dataset()},
		{"path separator", dicomtest.Instance{StudyUID: "../1.2", SeriesUID: "1.2.3", SOPInstanceUID: "9"}.Dataset()},
		{"nil", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := c.Store(context.Background(), tt.ds)
			if ok || !errors.Is(err, pacs.ErrStoreRejected) {
				t.Errorf("Store() = %v, %v; want false, store rejected", ok, err)
			}
		})
	}
}

func TestStore_Overwrite(t *testing.T) {
	root := t.TempDir()
	c := New(Options{Root: root, Overwrite: true})
	instance := dicomtest.Instance{StudyUID: "1.2", SeriesUID: "1.2.3", SOPInstanceUID: "1.2.3.4"}

	for _, desc := range []string{"FIRST", "SECOND"} {
		ds := instance.Dataset()
		ds.AddElement(dicom.TagStudyDescription, dicom.VR_LO, desc)
		if ok, err := c.Store(context.Background(), ds); !ok || err != nil {
			t.Fatalf("Store(%s) = %v, %v", desc, ok, err)
		}
	}

	got, err := c.RetrieveInstance(context.Background(), pacs.InstanceIdentifier{SOPInstanceUID: "1.2.3.4"})
	if err != nil {
		t.Fatal(err)
	}
	if got.GetString(dicom.TagStudyDescription) != "SECOND" {
		t.Errorf("StudyDescription = %q, want SECOND", got.GetString(dicom.TagStudyDescription))
	}
	instances, _ := pacs.Collect(c.FindInstances(context.Background(), pacs.SeriesIdentifier{SeriesInstanceUID: "1.2.3"}))
	if len(instances) != 1 {
		t.Errorf("Instances = %d, want 1", len(instances))
	}
}

func TestRetrieveInstance_NotFound(t *testing.T) {
	c, _ := newStore(t, dicomtest.Instance{StudyUID: "1.2", SeriesUID: "1.2.3", SOPInstanceUID: "1.2.3.4"}.Dataset())

	tests := []pacs.InstanceIdentifier{
		{SOPInstanceUID: "9.9.9"},
		{SeriesInstanceUID: "other", SOPInstanceUID: "1.2.3.4"},
	}
	for _, id := range tests {
		if _, err := c.RetrieveInstance(context.Background(), id); !errors.Is(err, pacs.ErrNotFound) {
			t.Errorf("RetrieveInstance(%s) error = %v, want not found", id, err)
		}
	}
}

func TestSinglePatientScenario(t *testing.T) {
	var datasets []*dicom.Dataset
	datasets = append(datasets, dicomtest.Study("TEST001", "1.2", "1.2.1", 3)...)
	datasets = append(datasets, dicomtest.Study("TEST001", "1.2", "1.2.2", 2)...)
	datasets = append(datasets, dicomtest.Study("OTHER", "7.7", "7.7.1", 1)...)
	c, _ := newStore(t, datasets...)
	ctx := context.Background()

	studies, err := pacs.Collect(c.FindStudies(ctx, pacs.StudyFilter{PatientID: "TEST001"}))
	if err != nil {
		t.Fatal(err)
	}
	if len(studies) != 1 {
		t.Fatalf("Studies = %d, want 1", len(studies))
	}
	study := studies[0]
	if study.ID.StudyInstanceUID != "1.2" || study.ID.PatientID != "TEST001" {
		t.Errorf("Study = %+v", study.ID)
	}
	if n, _ := study.Attrs.GetInt(dicom.TagNumberOfStudyRelatedInstances); n != 5 {
		t.Errorf("NumberOfStudyRelatedInstances = %d, want 5", n)
	}
	for _, tag := range pacs.CanonicalTags {
		if study.Attrs.GetString(tag) == "" {
			t.Errorf("Canonical tag %s missing", tag)
		}
	}

	series, err := pacs.Collect(c.FindSeries(ctx, study.ID, pacs.SeriesFilter{}))
	if err != nil {
		t.Fatal(err)
	}
	if len(series) != 2 {
		t.Fatalf("Series = %d, want 2", len(series))
	}
	if series[0].NumberOfInstances() != 3 || series[1].NumberOfInstances() != 2 {
		t.Errorf("Instance counts = %d, %d; want 3, 2", series[0].NumberOfInstances(), series[1].NumberOfInstances())
	}

	instances, err := pacs.Collect(c.FindInstances(ctx, series[0].ID))
	if err != nil {
		t.Fatal(err)
	}
	var numbers []int
	for _, inst := range instances {
		numbers = append(numbers, inst.InstanceNumber())
		if inst.ID.StudyInstanceUID != "1.2" {
			t.Errorf("Instance study UID = %q, want 1.2", inst.ID.StudyInstanceUID)
		}
	}
	if !reflect.DeepEqual(numbers, []int{1, 2, 3}) {
		t.Errorf("InstanceNumbers = %v, want [1 2 3]", numbers)
	}

	sink := &pacs.MemorySink{}
	result, err := c.RetrieveStudy(ctx, study.ID, sink)
	if err != nil {
		t.Fatalf("RetrieveStudy failed: %v", err)
	}
	if !result.Complete() || len(result.Succeeded()) != 5 || sink.Len() != 5 {
		t.Errorf("RetrieveStudy succeeded %d, sink %d, want 5", len(result.Succeeded()), sink.Len())
	}

	result, err = c.RetrieveSeries(ctx, series[1].ID, nil)
	if err != nil || len(result.Succeeded()) != 2 {
		t.Errorf("RetrieveSeries = %v, %v", result.Succeeded(), err)
	}
}

func TestFindStudies_Filters(t *testing.T) {
	a := dicomtest.Instance{PatientID: "P1", StudyUID: "1", SeriesUID: "1.1", SOPInstanceUID: "1.1.1", StudyDate: "20240105", Modality: "MR"}
	b := dicomtest.Instance{PatientID: "P2", StudyUID: "2", SeriesUID: "2.1", SOPInstanceUID: "2.1.1", StudyDate: "20240220"}
	c, _ := newStore(t, a.Dataset(), b.Dataset())
	jan, _ := pacs.ParseDateRange("20240101-20240131")

	tests := []struct {
		name   string
		filter pacs.StudyFilter
		want   []string
	}{
		{"all", pacs.StudyFilter{}, []string{"1", "2"}},
		{"wildcard", pacs.StudyFilter{PatientID: "P*"}, []string{"1", "2"}},
		{"date", pacs.StudyFilter{DateRange: jan}, []string{"1"}},
		{"modality", pacs.StudyFilter{Modality: "CT"}, []string{"2"}},
		{"accession", pacs.StudyFilter{AccessionNumber: "ACC20240220"}, []string{"2"}},
		{"no match", pacs.StudyFilter{PatientID: "NOPE"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			studies, err := pacs.Collect(c.FindStudies(context.Background(), tt.filter))
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, s := range studies {
				got = append(got, s.ID.StudyInstanceUID)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("studies = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFindStudies_AdditionalTags(t *testing.T) {
	ds := dicomtest.Instance{StudyUID: "1.2", SeriesUID: "1.2.3", SOPInstanceUID: "1.2.3.4"}.Dataset()
	ds.AddElement(dicom.TagInstitutionName, dicom.VR_LO, "GENERAL HOSPITAL")
	c, _ := newStore(t, ds)

	studies, err := pacs.Collect(c.FindStudies(context.Background(), pacs.StudyFilter{AdditionalTags: []dicom.Tag{dicom.TagInstitutionName}}))
	if err != nil || len(studies) != 1 {
		t.Fatalf("FindStudies = %d, %v", len(studies), err)
	}
	if got := studies[0].Attrs.GetString(dicom.TagInstitutionName); got != "GENERAL HOSPITAL" {
		t.Errorf("InstitutionName = %q", got)
	}
}

func TestFind_EarlyBreakAndRestart(t *testing.T) {
	c, _ := newStore(t, dicomtest.Study("TEST001", "1.2", "1.2.1", 4)...)
	seq := c.FindInstances(context.Background(), pacs.SeriesIdentifier{StudyInstanceUID: "1.2", SeriesInstanceUID: "1.2.1"})

	seen := 0
	for _, err := range seq {
		if err != nil {
			t.Fatal(err)
		}
		seen++
		if seen == 2 {
			break
		}
	}
	all, err := pacs.Collect(seq)
	if err != nil || len(all) != 4 {
		t.Errorf("Restarted sequence = %d, %v; want 4", len(all), err)
	}
}

func TestIndex_ReloadAndRebuild(t *testing.T) {
	c, root := newStore(t, dicomtest.Study("TEST001", "1.2", "1.2.1", 2)...)

	fresh := New(Options{Root: root})
	studies, err := pacs.Collect(fresh.FindStudies(context.Background(), pacs.StudyFilter{}))
	if err != nil || len(studies) != 1 {
		t.Fatalf("Reloaded index: %d studies, %v", len(studies), err)
	}

	// A file dropped in by another process, plus a stray non-DICOM file.
	extra := dicomtest.Instance{PatientID: "LATE", StudyUID: "5.5", SeriesUID: "5.5.1", SOPInstanceUID: "5.5.1.1"}.Dataset()
	data, err := dicom.EncodePart10(extra)
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(root, "incoming.dcm"), data, 0o644)
	os.WriteFile(filepath.Join(root, "README"), []byte("not dicom"), 0o644)

	studies, err = pacs.Collect(c.FindStudies(context.Background(), pacs.StudyFilter{}))
	if err != nil {
		t.Fatal(err)
	}
	if len(studies) != 2 {
		t.Errorf("Studies after rebuild = %d, want 2", len(studies))
	}
	if _, err := c.RetrieveInstance(context.Background(), pacs.InstanceIdentifier{SOPInstanceUID: "5.5.1.1"}); err != nil {
		t.Errorf("RetrieveInstance of externally added file: %v", err)
	}

	idx, err := readIndex(filepath.Join(root, DefaultIndexName))
	if err != nil {
		t.Fatalf("readIndex failed: %v", err)
	}
	if len(idx.Entries) != 3 {
		t.Errorf("Persisted entries = %d, want 3", len(idx.Entries))
	}
}

func TestGetThumbnail(t *testing.T) {
	c, _ := newStore(t,
		dicomtest.Instance{StudyUID: "1.2", SeriesUID: "1.2.3", SOPInstanceUID: "1.2.3.4", Rows: 32, Columns: 64}.Dataset(),
		dicomtest.Instance{StudyUID: "1.2", SeriesUID: "1.2.3", SOPInstanceUID: "1.2.3.5"}.Compressed(),
	)
	id := pacs.InstanceIdentifier{SeriesInstanceUID: "1.2.3", SOPInstanceUID: "1.2.3.4"}

	first, err := c.GetThumbnail(context.Background(), id, imaging.Square(16))
	if err != nil {
		t.Fatalf("GetThumbnail failed: %v", err)
	}
	if first.Columns != 16 || first.Rows != 8 {
		t.Errorf("Thumbnail = %dx%d, want 16x8", first.Columns, first.Rows)
	}
	second, _ := c.GetThumbnail(context.Background(), id, imaging.Square(16))
	if !reflect.DeepEqual(first.Pix, second.Pix) {
		t.Error("Thumbnails of the same instance differ")
	}

	_, err = c.GetThumbnail(context.Background(), pacs.InstanceIdentifier{SOPInstanceUID: "1.2.3.5"}, imaging.Square(16))
	if !errors.Is(err, pacs.ErrUnsupportedEncoding) {
		t.Errorf("Compressed thumbnail error = %v, want unsupported encoding", err)
	}
}
