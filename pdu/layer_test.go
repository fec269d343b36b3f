package pdu

import (
	"errors"
	"net"
	"testing"
	"time"

	dicomerrors "github.com/caio-sobreiro/pacsman/errors"
	"github.com/caio-sobreiro/pacsman/interfaces"
	"github.com/caio-sobreiro/pacsman/types"
)

// MockDIMSEHandler is a mock implementation of DIMSEHandler for testing
type MockDIMSEHandler struct {
	HandleDIMSEMessageFunc func(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer interfaces.PDULayer) error
}

func (m *MockDIMSEHandler) HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer interfaces.PDULayer) error {
	if m.HandleDIMSEMessageFunc != nil {
		return m.HandleDIMSEMessageFunc(presContextID, msgCtrlHeader, data, pduLayer)
	}
	return nil
}

// startLayer serves one association on a pipe and returns the requester end.
func startLayer(t *testing.T, handler interfaces.DIMSEHandler, opts ...LayerOption) (net.Conn, *Layer, <-chan error) {
	t.Helper()
	scu, scp := net.Pipe()
	layer := NewLayer(scp, handler, "PACS", nil, opts...)
	done := make(chan error, 1)
	go func() {
		done <- layer.HandleConnection()
	}()
	t.Cleanup(func() { scu.Close() })
	return scu, layer, done
}

func associate(t *testing.T, conn net.Conn, rq *AssociateRQ) *types.PDU {
	t.Helper()
	if err := WritePDU(conn, types.TypeAssociateRQ, EncodeAssociateRQ(rq)); err != nil {
		t.Fatalf("Failed to send A-ASSOCIATE-RQ: %v", err)
	}
	p, err := ReadPDU(conn)
	if err != nil {
		t.Fatalf("Failed to read association response: %v", err)
	}
	return p
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Layer did not finish")
		return nil
	}
}

func TestNewLayer(t *testing.T) {
	scu, scp := net.Pipe()
	defer scu.Close()
	defer scp.Close()
	handler := &MockDIMSEHandler{}

	layer := NewLayer(scp, handler, "TEST_AE", nil)
	if layer.conn != scp {
		t.Error("Layer conn not set correctly")
	}
	if layer.serverAETitle != "TEST_AE" {
		t.Errorf("Expected AE title TEST_AE, got %s", layer.serverAETitle)
	}
	if layer.logger == nil {
		t.Error("Expected default logger")
	}
	if layer.MaxPDULength() != types.DefaultMaxPDULength {
		t.Errorf("MaxPDULength() = %d before association, want default", layer.MaxPDULength())
	}
	if layer.CallingAETitle() != "" {
		t.Errorf("CallingAETitle() = %q before association, want empty", layer.CallingAETitle())
	}
}

func TestLayer_NegotiationAndRelease(t *testing.T) {
	scu, layer, done := startLayer(t, &MockDIMSEHandler{})

	p := associate(t, scu, &AssociateRQ{
		CalledAETitle:  "PACS",
		CallingAETitle: "CLIENT",
		MaxPDULength:   32768,
		Contexts: []ProposedContext{
			{ID: 1, AbstractSyntax: types.VerificationSOPClass, TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
			{ID: 3, AbstractSyntax: types.StudyRootQueryRetrieveInformationModelFind, TransferSyntaxes: []string{types.JPEG2000, types.ExplicitVRLittleEndian}},
			{ID: 5, AbstractSyntax: "1.2.3.4.5.6", TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
			{ID: 7, AbstractSyntax: types.CTImageStorage, TransferSyntaxes: []string{types.JPEG2000Lossless}},
			{ID: 9, AbstractSyntax: types.MRImageStorage, TransferSyntaxes: []string{types.ExplicitVRBigEndian}},
		},
		Roles: []types.RoleSelection{{SOPClassUID: types.CTImageStorage, SCPRole: true}},
	})
	if p.Type != types.TypeAssociateAC {
		t.Fatalf("Expected A-ASSOCIATE-AC, got 0x%02x", p.Type)
	}
	ac, err := DecodeAssociateAC(p.Data)
	if err != nil {
		t.Fatalf("DecodeAssociateAC failed: %v", err)
	}

	accepted := map[byte]string{}
	for _, pc := range ac.Contexts {
		if pc.Result != types.PresentationAcceptance {
			t.Errorf("AC lists non-accepted context %d", pc.ID)
		}
		accepted[pc.ID] = pc.TransferSyntax
	}
	want := map[byte]string{
		1: types.ImplicitVRLittleEndian,
		3: types.ExplicitVRLittleEndian,
		7: types.JPEG2000Lossless,
	}
	if len(accepted) != len(want) {
		t.Errorf("Accepted contexts = %v, want %v", accepted, want)
	}
	for id, ts := range want {
		if accepted[id] != ts {
			t.Errorf("Context %d transfer syntax = %q, want %q", id, accepted[id], ts)
		}
	}
	if len(ac.Roles) != 1 || ac.Roles[0].SOPClassUID != types.CTImageStorage {
		t.Errorf("Roles = %+v, want CT storage echoed", ac.Roles)
	}

	if err := WriteReleaseRQ(scu); err != nil {
		t.Fatalf("WriteReleaseRQ failed: %v", err)
	}
	rp, err := ReadPDU(scu)
	if err != nil {
		t.Fatalf("Failed to read release response: %v", err)
	}
	if rp.Type != types.TypeReleaseRP {
		t.Errorf("Expected A-RELEASE-RP, got 0x%02x", rp.Type)
	}
	if err := waitDone(t, done); err != nil {
		t.Errorf("HandleConnection() = %v, want nil", err)
	}

	if layer.MaxPDULength() != 32768 {
		t.Errorf("MaxPDULength() = %d, want 32768", layer.MaxPDULength())
	}
	if layer.CallingAETitle() != "CLIENT" {
		t.Errorf("CallingAETitle() = %q, want CLIENT", layer.CallingAETitle())
	}
	if ts, err := layer.GetTransferSyntax(7); err != nil || ts != types.JPEG2000Lossless {
		t.Errorf("GetTransferSyntax(7) = %q, %v", ts, err)
	}
	if _, err := layer.GetTransferSyntax(5); err == nil {
		t.Error("Expected error for rejected context")
	}
	if got := layer.AcceptedContexts(); len(got) != 3 || got[0].ID != 1 || got[2].ID != 7 {
		t.Errorf("AcceptedContexts() = %+v", got)
	}
}

func TestLayer_RejectsUnknownCalledAETitle(t *testing.T) {
	scu, _, done := startLayer(t, &MockDIMSEHandler{})

	p := associate(t, scu, &AssociateRQ{
		CalledAETitle:  "OTHER",
		CallingAETitle: "CLIENT",
		Contexts: []ProposedContext{
			{ID: 1, AbstractSyntax: types.VerificationSOPClass, TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
		},
	})
	if p.Type != types.TypeAssociateRJ {
		t.Fatalf("Expected A-ASSOCIATE-RJ, got 0x%02x", p.Type)
	}
	rj := ParseAssociateReject(p.Data)
	if rj.Reason != dicomerrors.RejectReasonCalledAETitleNotRecognized {
		t.Errorf("Reason = %v, want called AE title not recognized", rj.Reason)
	}
	if err := waitDone(t, done); err == nil {
		t.Error("Expected association error")
	}
}

func TestLayer_StorageOnly(t *testing.T) {
	scu, _, done := startLayer(t, &MockDIMSEHandler{}, WithAbstractSyntaxes(StorageOnly))

	p := associate(t, scu, &AssociateRQ{
		CalledAETitle:  "PACS",
		CallingAETitle: "CLIENT",
		Contexts: []ProposedContext{
			{ID: 1, AbstractSyntax: types.StudyRootQueryRetrieveInformationModelFind, TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
			{ID: 3, AbstractSyntax: types.CTImageStorage, TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
		},
	})
	ac, err := DecodeAssociateAC(p.Data)
	if err != nil {
		t.Fatalf("DecodeAssociateAC failed: %v", err)
	}
	if len(ac.Contexts) != 1 || ac.Contexts[0].ID != 3 {
		t.Errorf("Expected only storage context accepted, got %+v", ac.Contexts)
	}

	_ = WriteAbort(scu, 0, 0)
	if err := waitDone(t, done); err != nil {
		t.Errorf("HandleConnection() after abort = %v, want nil", err)
	}
}

func TestLayer_DispatchesPDVs(t *testing.T) {
	type call struct {
		pcID    byte
		control byte
		size    int
	}
	calls := make(chan call, 8)
	handler := &MockDIMSEHandler{
		HandleDIMSEMessageFunc: func(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer interfaces.PDULayer) error {
			calls <- call{presContextID, msgCtrlHeader, len(data)}
			return nil
		},
	}
	scu, _, done := startLayer(t, handler)

	associate(t, scu, &AssociateRQ{
		CalledAETitle:  "PACS",
		CallingAETitle: "CLIENT",
		MaxPDULength:   16384,
		Contexts: []ProposedContext{
			{ID: 1, AbstractSyntax: types.VerificationSOPClass, TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
		},
	})

	if err := WritePDataTF(scu, 1, 16384, make([]byte, 20), true); err != nil {
		t.Fatalf("WritePDataTF failed: %v", err)
	}
	got := <-calls
	if got.pcID != 1 || got.control != 0x03 || got.size != 20 {
		t.Errorf("Handler call = %+v, want context 1, control 0x03, 20 bytes", got)
	}

	// Unknown presentation context aborts the association.
	if err := WritePDataTF(scu, 9, 16384, make([]byte, 4), true); err != nil {
		t.Fatalf("WritePDataTF failed: %v", err)
	}
	p, err := ReadPDU(scu)
	if err != nil {
		t.Fatalf("Expected A-ABORT, read failed: %v", err)
	}
	if p.Type != types.TypeAbort {
		t.Errorf("Expected A-ABORT, got 0x%02x", p.Type)
	}
	if err := waitDone(t, done); !errors.Is(err, dicomerrors.ErrInvalidPDU) {
		t.Errorf("HandleConnection() = %v, want ErrInvalidPDU", err)
	}
}

func TestSupportsTransferSyntax(t *testing.T) {
	tests := []struct {
		abstract string
		ts       string
		want     bool
	}{
		{types.VerificationSOPClass, types.ImplicitVRLittleEndian, true},
		{types.StudyRootQueryRetrieveInformationModelFind, types.JPEG2000Lossless, false},
		{types.CTImageStorage, types.JPEG2000Lossless, true},
		{types.CTImageStorage, types.ExplicitVRBigEndian, false},
		{types.CTImageStorage, types.DeflatedExplicitVRLittleEndian, false},
		{types.CTImageStorage, "1.2.3.4", false},
	}
	for _, tt := range tests {
		if got := supportsTransferSyntax(tt.abstract, tt.ts); got != tt.want {
			t.Errorf("supportsTransferSyntax(%s, %s) = %v, want %v", tt.abstract, tt.ts, got, tt.want)
		}
	}
}
