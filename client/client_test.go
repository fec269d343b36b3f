package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/caio-sobreiro/pacsman/dicom"
	dicomerrors "github.com/caio-sobreiro/pacsman/errors"
	"github.com/caio-sobreiro/pacsman/interfaces"
	"github.com/caio-sobreiro/pacsman/server"
	"github.com/caio-sobreiro/pacsman/types"
)

// testSCP answers every DIMSE service from in-memory fixtures.
type testSCP struct {
	mu        sync.Mutex
	matches   int
	instances []*dicom.Dataset
	stored    []*dicom.Dataset
	cancels   int
	findDelay time.Duration
}

func (s *testSCP) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	rsp := &types.Message{
		CommandField:              types.ResponseCommandFor(msg.CommandField),
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
		Status:                    types.StatusSuccess,
	}
	switch msg.CommandField {
	case types.CCancelRQ:
		s.mu.Lock()
		s.cancels++
		s.mu.Unlock()
		return nil, nil, nil
	case types.CStoreRQ:
		ds, err := dicom.ParseDatasetWithTransferSyntax(data, msg.TransferSyntaxUID)
		if err != nil {
			rsp.Status = types.StatusStorageCannotUnderstand
			return rsp, nil, nil
		}
		s.mu.Lock()
		s.stored = append(s.stored, ds)
		s.mu.Unlock()
	case types.CMoveRQ:
		if msg.MoveDestination != "KNOWN" {
			rsp.Status = types.StatusMoveDestinationUnknown
			return rsp, nil, nil
		}
		completed, failed, warning := uint16(2), uint16(0), uint16(0)
		rsp.NumberOfCompletedSuboperations = &completed
		rsp.NumberOfFailedSuboperations = &failed
		rsp.NumberOfWarningSuboperations = &warning
	}
	return rsp, nil, nil
}

func (s *testSCP) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
	switch msg.CommandField {
	case types.CFindRQ:
		return s.find(ctx, msg, responder)
	case types.CGetRQ:
		return s.get(ctx, msg, responder)
	}
	rsp, rspData, err := s.HandleDIMSE(ctx, msg, data)
	if err != nil || rsp == nil {
		return err
	}
	return responder.SendResponse(rsp, rspData)
}

func (s *testSCP) find(ctx context.Context, msg *types.Message, responder interfaces.ResponseSender) error {
	for i := 0; i < s.matches; i++ {
		if s.findDelay > 0 {
			time.Sleep(s.findDelay)
		}
		ds := dicom.NewDataset()
		ds.AddElement(dicom.TagQueryRetrieveLevel, dicom.VR_CS, "STUDY")
		ds.AddElement(dicom.TagStudyInstanceUID, dicom.VR_UI, "1.2.3."+string(rune('1'+i%9)))
		data, err := dicom.EncodeDatasetWithTransferSyntax(ds, msg.TransferSyntaxUID)
		if err != nil {
			return err
		}
		pending := &types.Message{
			CommandField:              types.CFindRSP,
			MessageIDBeingRespondedTo: msg.MessageID,
			AffectedSOPClassUID:       msg.AffectedSOPClassUID,
			Status:                    types.StatusPending,
		}
		if err := responder.SendResponse(pending, data); err != nil {
			return err
		}
	}
	return responder.SendResponse(&types.Message{
		CommandField:              types.CFindRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		Status:                    types.StatusSuccess,
	}, nil)
}

func (s *testSCP) get(ctx context.Context, msg *types.Message, responder interfaces.ResponseSender) error {
	getResponder, ok := responder.(interfaces.CGetResponder)
	if !ok {
		return errors.New("responder cannot send sub-operations")
	}
	var completed, failed, warning uint16
	for _, ds := range s.instances {
		status, err := getResponder.SendCStore(ctx, ds)
		switch {
		case err != nil || status == types.StatusProcessingFailure:
			failed++
		case status == types.StatusSuccess:
			completed++
		default:
			warning++
		}
	}
	final := &types.Message{
		CommandField:                   types.CGetRSP,
		MessageIDBeingRespondedTo:      msg.MessageID,
		AffectedSOPClassUID:            msg.AffectedSOPClassUID,
		Status:                         types.StatusSuccess,
		NumberOfCompletedSuboperations: &completed,
		NumberOfFailedSuboperations:    &failed,
		NumberOfWarningSuboperations:   &warning,
	}
	if failed > 0 {
		final.Status = types.StatusSubOperationsWarning
	}
	return responder.SendResponse(final, nil)
}

func startSCP(t *testing.T, scp *testSCP) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := server.New("TESTSCP", scp)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func connect(t *testing.T, addr string, contexts []ContextProposal) *Association {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assoc, err := Connect(ctx, addr, Config{
		CallingAETitle: "TESTSCU",
		CalledAETitle:  "TESTSCP",
		Contexts:       contexts,
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { assoc.Close() })
	return assoc
}

func instance(sopInstanceUID string) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.AddElement(dicom.TagSOPClassUID, dicom.VR_UI, types.CTImageStorage)
	ds.AddElement(dicom.TagSOPInstanceUID, dicom.VR_UI, sopInstanceUID)
	ds.AddElement(dicom.TagPatientID, dicom.VR_LO, "PAT001")
	ds.AddElement(dicom.TagStudyInstanceUID, dicom.VR_UI, "1.2.3")
	ds.TransferSyntaxUID = types.ExplicitVRLittleEndian
	return ds
}

func studyQuery() *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.AddElement(dicom.TagQueryRetrieveLevel, dicom.VR_CS, "STUDY")
	ds.AddElement(dicom.TagStudyInstanceUID, dicom.VR_UI, "")
	return ds
}

func TestConnect_AndEcho(t *testing.T) {
	addr := startSCP(t, &testSCP{})
	assoc := connect(t, addr, nil)

	if !assoc.AcceptedSOPClass(types.VerificationSOPClass) {
		t.Fatal("Expected verification context to be accepted")
	}
	if assoc.MaxPDULength() == 0 {
		t.Error("Expected peer max PDU length")
	}

	rsp, err := assoc.SendCEcho(context.Background())
	if err != nil {
		t.Fatalf("SendCEcho failed: %v", err)
	}
	if rsp.Status != types.StatusSuccess {
		t.Errorf("Status = 0x%04x, want 0x0000", rsp.Status)
	}

	rsp2, err := assoc.SendCEcho(context.Background())
	if err != nil {
		t.Fatalf("Second SendCEcho failed: %v", err)
	}
	if rsp2.MessageID == rsp.MessageID {
		t.Error("Expected message IDs to increase between requests")
	}
}

func TestConnect_WrongCalledAETitle(t *testing.T) {
	addr := startSCP(t, &testSCP{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Connect(ctx, addr, Config{CallingAETitle: "TESTSCU", CalledAETitle: "SOMEONE"})
	if err == nil {
		t.Fatal("Expected association to be rejected")
	}
	var rejectErr *dicomerrors.AssociationError
	if !errors.As(err, &rejectErr) {
		t.Fatalf("Expected AssociationError, got %T: %v", err, err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Connect(ctx, addr, Config{CallingAETitle: "A", CalledAETitle: "B"})
	if err == nil {
		t.Fatal("Expected connect to fail")
	}
	var netErr *dicomerrors.NetworkError
	if !errors.As(err, &netErr) {
		t.Errorf("Expected network error, got %v", err)
	}
}

func TestConnect_TooManyContexts(t *testing.T) {
	contexts := make([]ContextProposal, maxPresentationContexts+1)
	_, err := Connect(context.Background(), "127.0.0.1:1", Config{Contexts: contexts})
	if err == nil {
		t.Fatal("Expected error for too many contexts")
	}
}

func TestSendCFind(t *testing.T) {
	addr := startSCP(t, &testSCP{matches: 3})
	assoc := connect(t, addr, nil)

	responses, err := assoc.SendCFind(context.Background(), &CFindRequest{Dataset: studyQuery()})
	if err != nil {
		t.Fatalf("SendCFind failed: %v", err)
	}
	if len(responses) != 4 {
		t.Fatalf("Responses = %d, want 4", len(responses))
	}
	for i, rsp := range responses[:3] {
		if rsp.Status != types.StatusPending {
			t.Errorf("Response %d status = 0x%04x, want pending", i, rsp.Status)
		}
		if rsp.Dataset == nil || rsp.Dataset.GetString(dicom.TagStudyInstanceUID) == "" {
			t.Errorf("Response %d missing identifier", i)
		}
	}
	if responses[3].Status != types.StatusSuccess || responses[3].Dataset != nil {
		t.Errorf("Unexpected final response %+v", responses[3])
	}
}

func TestSendCFind_Validation(t *testing.T) {
	addr := startSCP(t, &testSCP{})
	assoc := connect(t, addr, VerificationContexts())

	if _, err := assoc.SendCFind(context.Background(), nil); err == nil {
		t.Error("Expected error for nil request")
	}
	if _, err := assoc.SendCFind(context.Background(), &CFindRequest{}); err == nil {
		t.Error("Expected error for missing dataset")
	}
	_, err := assoc.SendCFind(context.Background(), &CFindRequest{Dataset: studyQuery()})
	if !errors.Is(err, dicomerrors.ErrNoPresentationCtx) {
		t.Errorf("Expected ErrNoPresentationCtx, got %v", err)
	}
	if assoc.Broken() {
		t.Error("Validation errors must not break the association")
	}
}

func TestStreamCFind_Cancel(t *testing.T) {
	scp := &testSCP{matches: 20}
	addr := startSCP(t, scp)
	assoc := connect(t, addr, nil)

	delivered := 0
	err := assoc.StreamCFind(context.Background(), &CFindRequest{Dataset: studyQuery()}, func(rsp *CFindResponse) bool {
		delivered++
		return delivered < 2
	})
	if err != nil {
		t.Fatalf("StreamCFind failed: %v", err)
	}
	if delivered != 2 {
		t.Errorf("Delivered = %d, want 2", delivered)
	}
	if assoc.Broken() {
		t.Fatal("Association should stay usable after cancel")
	}

	if _, err := assoc.SendCEcho(context.Background()); err != nil {
		t.Fatalf("SendCEcho after cancel failed: %v", err)
	}
	scp.mu.Lock()
	defer scp.mu.Unlock()
	if scp.cancels != 1 {
		t.Errorf("Cancels = %d, want 1", scp.cancels)
	}
}

func TestSendCFind_ContextDeadline(t *testing.T) {
	addr := startSCP(t, &testSCP{matches: 5, findDelay: 200 * time.Millisecond})
	assoc := connect(t, addr, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := assoc.SendCFind(ctx, &CFindRequest{Dataset: studyQuery()})
	if err == nil {
		t.Fatal("Expected deadline error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
	if !assoc.Broken() {
		t.Error("Expected association to be marked broken")
	}
	if _, err := assoc.SendCEcho(context.Background()); !errors.Is(err, dicomerrors.ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed on broken association, got %v", err)
	}
}

func TestSendCGet(t *testing.T) {
	scp := &testSCP{instances: []*dicom.Dataset{instance("1.2.3.1"), instance("1.2.3.2"), instance("1.2.3.3")}}
	addr := startSCP(t, scp)

	contexts := append(QueryRetrieveContexts(types.StudyRootQueryRetrieveInformationModelGet),
		StorageContexts([]string{types.CTImageStorage})...)
	assoc := connect(t, addr, contexts)

	var received []string
	responses, err := assoc.SendCGet(context.Background(), &CGetRequest{Dataset: studyQuery()},
		func(ctx context.Context, ind *CStoreIndication) uint16 {
			ds, err := ind.Dataset()
			if err != nil {
				t.Errorf("Failed to decode sub-operation: %v", err)
				return types.StatusStorageCannotUnderstand
			}
			received = append(received, ds.GetString(dicom.TagSOPInstanceUID))
			if ind.SOPInstanceUID == "1.2.3.3" {
				return types.StatusProcessingFailure
			}
			return types.StatusSuccess
		})
	if err != nil {
		t.Fatalf("SendCGet failed: %v", err)
	}
	if len(received) != 3 {
		t.Fatalf("Received = %v, want 3 instances", received)
	}
	final := responses[len(responses)-1]
	if final.Completed() != 2 || final.Failed() != 1 {
		t.Errorf("Completed/Failed = %d/%d, want 2/1", final.Completed(), final.Failed())
	}
	if final.Status != types.StatusSubOperationsWarning {
		t.Errorf("Status = 0x%04x, want 0xb000", final.Status)
	}
}

func TestSendCMove(t *testing.T) {
	addr := startSCP(t, &testSCP{})
	assoc := connect(t, addr, QueryRetrieveContexts(types.StudyRootQueryRetrieveInformationModelMove))

	tests := []struct {
		name        string
		destination string
		wantStatus  uint16
		wantDone    int
	}{
		{"known destination", "KNOWN", types.StatusSuccess, 2},
		{"unknown destination", "NOWHERE", types.StatusMoveDestinationUnknown, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			responses, err := assoc.SendCMove(context.Background(), &CMoveRequest{
				Destination: tt.destination,
				Dataset:     studyQuery(),
			})
			if err != nil {
				t.Fatalf("SendCMove failed: %v", err)
			}
			final := responses[len(responses)-1]
			if final.Status != tt.wantStatus {
				t.Errorf("Status = 0x%04x, want 0x%04x", final.Status, tt.wantStatus)
			}
			if final.Completed() != tt.wantDone {
				t.Errorf("Completed = %d, want %d", final.Completed(), tt.wantDone)
			}
		})
	}
}

func TestSendCStore(t *testing.T) {
	scp := &testSCP{}
	addr := startSCP(t, scp)
	assoc := connect(t, addr, []ContextProposal{StoreContext(types.CTImageStorage, types.ExplicitVRLittleEndian)})

	rsp, err := assoc.SendCStore(context.Background(), &CStoreRequest{Dataset: instance("1.2.3.9")})
	if err != nil {
		t.Fatalf("SendCStore failed: %v", err)
	}
	if rsp.Status != types.StatusSuccess {
		t.Errorf("Status = 0x%04x, want success", rsp.Status)
	}
	if rsp.SOPInstanceUID != "1.2.3.9" {
		t.Errorf("SOPInstanceUID = %q, want 1.2.3.9", rsp.SOPInstanceUID)
	}

	scp.mu.Lock()
	defer scp.mu.Unlock()
	if len(scp.stored) != 1 || scp.stored[0].GetString(dicom.TagPatientID) != "PAT001" {
		t.Errorf("Unexpected stored instances: %d", len(scp.stored))
	}
}

func TestSendCStore_MissingIdentifiers(t *testing.T) {
	addr := startSCP(t, &testSCP{})
	assoc := connect(t, addr, []ContextProposal{StoreContext(types.CTImageStorage, "")})

	if _, err := assoc.SendCStore(context.Background(), &CStoreRequest{Dataset: dicom.NewDataset()}); err == nil {
		t.Error("Expected error for dataset without SOP identifiers")
	}
	if _, err := assoc.SendCStore(context.Background(), &CStoreRequest{}); err == nil {
		t.Error("Expected error for missing dataset")
	}
}

func TestStorageContexts(t *testing.T) {
	contexts := StorageContexts([]string{types.CTImageStorage, types.MRImageStorage})
	perClass := 1 + len(types.StorageTransferSyntaxes()) - len(types.NativeTransferSyntaxes())
	if len(contexts) != 2*perClass {
		t.Fatalf("Contexts = %d, want %d", len(contexts), 2*perClass)
	}
	for _, c := range contexts {
		if !c.SCPRole {
			t.Errorf("Context for %s does not request SCP role", c.AbstractSyntax)
		}
	}
}

func TestStoreContext(t *testing.T) {
	c := StoreContext(types.CTImageStorage, types.JPEGBaseline8Bit)
	if c.TransferSyntaxes[0] != types.JPEGBaseline8Bit {
		t.Errorf("First transfer syntax = %s, want the instance syntax", c.TransferSyntaxes[0])
	}
	if len(c.TransferSyntaxes) != 1+len(types.NativeTransferSyntaxes()) {
		t.Errorf("TransferSyntaxes = %v", c.TransferSyntaxes)
	}
}
