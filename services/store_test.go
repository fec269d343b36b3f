package services

import (
	"context"
	"errors"
	"testing"

	"github.com/caio-sobreiro/pacsman/dicom"
	"github.com/caio-sobreiro/pacsman/types"
)

func encodedInstance(t *testing.T, sopInstanceUID string) []byte {
	t.Helper()
	ds := dicom.NewDataset()
	ds.AddElement(dicom.TagSOPClassUID, dicom.VR_UI, types.CTImageStorage)
	ds.AddElement(dicom.TagSOPInstanceUID, dicom.VR_UI, sopInstanceUID)
	ds.AddElement(dicom.TagPatientID, dicom.VR_LO, "TEST001")
	data, err := dicom.EncodeDatasetWithTransferSyntax(ds, types.ImplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("EncodeDatasetWithTransferSyntax failed: %v", err)
	}
	return data
}

func TestStoreService_HandleDIMSE(t *testing.T) {
	tests := []struct {
		name       string
		store      StoreFunc
		data       func(t *testing.T) []byte
		wantStatus uint16
	}{
		{
			name:       "accepted",
			store:      func(ctx context.Context, ds *dicom.Dataset) error { return nil },
			data:       func(t *testing.T) []byte { return encodedInstance(t, "1.2.3") },
			wantStatus: types.StatusSuccess,
		},
		{
			name:       "generic failure",
			store:      func(ctx context.Context, ds *dicom.Dataset) error { return errors.New("disk full") },
			data:       func(t *testing.T) []byte { return encodedInstance(t, "1.2.3") },
			wantStatus: types.StatusProcessingFailure,
		},
		{
			name: "status error",
			store: func(ctx context.Context, ds *dicom.Dataset) error {
				return &StatusError{Status: types.StatusDuplicateSOPInstance, Err: errors.New("duplicate")}
			},
			data:       func(t *testing.T) []byte { return encodedInstance(t, "1.2.3") },
			wantStatus: types.StatusDuplicateSOPInstance,
		},
		{
			name:       "undecodable dataset",
			store:      func(ctx context.Context, ds *dicom.Dataset) error { return nil },
			data:       func(t *testing.T) []byte { return []byte{0x08, 0x00, 0x18} },
			wantStatus: types.StatusStorageCannotUnderstand,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := NewStoreService(tt.store, nil)
			msg := &types.Message{
				CommandField:           types.CStoreRQ,
				MessageID:              1,
				AffectedSOPClassUID:    types.CTImageStorage,
				AffectedSOPInstanceUID: "1.2.3",
				TransferSyntaxUID:      types.ImplicitVRLittleEndian,
			}
			rsp, _, err := service.HandleDIMSE(context.Background(), msg, tt.data(t))
			if err != nil {
				t.Fatalf("HandleDIMSE failed: %v", err)
			}
			if rsp.Status != tt.wantStatus {
				t.Errorf("Status = 0x%04x, want 0x%04x", rsp.Status, tt.wantStatus)
			}
			if rsp.AffectedSOPInstanceUID != "1.2.3" {
				t.Errorf("AffectedSOPInstanceUID = %q, want 1.2.3", rsp.AffectedSOPInstanceUID)
			}
		})
	}
}

func TestStoreService_DecodesWithContextSyntax(t *testing.T) {
	var got *dicom.Dataset
	service := NewStoreService(func(ctx context.Context, ds *dicom.Dataset) error {
		got = ds
		return nil
	}, nil)

	msg := &types.Message{CommandField: types.CStoreRQ, MessageID: 1, TransferSyntaxUID: types.ImplicitVRLittleEndian}
	if _, _, err := service.HandleDIMSE(context.Background(), msg, encodedInstance(t, "9.8.7")); err != nil {
		t.Fatalf("HandleDIMSE failed: %v", err)
	}
	if got == nil {
		t.Fatal("StoreFunc not called")
	}
	if got.GetString(dicom.TagPatientID) != "TEST001" {
		t.Errorf("PatientID = %q, want TEST001", got.GetString(dicom.TagPatientID))
	}
	if got.TransferSyntaxUID != types.ImplicitVRLittleEndian {
		t.Errorf("TransferSyntaxUID = %s, want implicit", got.TransferSyntaxUID)
	}
}

func TestEchoService(t *testing.T) {
	rsp, data, err := NewEchoService(nil).HandleDIMSE(context.Background(), &types.Message{CommandField: types.CEchoRQ, MessageID: 11}, nil)
	if err != nil {
		t.Fatalf("HandleDIMSE failed: %v", err)
	}
	if rsp.Status != types.StatusSuccess || rsp.MessageIDBeingRespondedTo != 11 {
		t.Errorf("Unexpected response %+v", rsp)
	}
	if data != nil {
		t.Error("Expected no dataset")
	}
}
