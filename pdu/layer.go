package pdu

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"time"

	dicomerrors "github.com/caio-sobreiro/pacsman/errors"
	"github.com/caio-sobreiro/pacsman/interfaces"
	"github.com/caio-sobreiro/pacsman/types"
)

// Layer handles the DICOM Upper Layer Protocol for one accepted connection.
type Layer struct {
	conn           net.Conn
	associationCtx *types.AssociationContext
	dimseHandler   interfaces.DIMSEHandler
	serverAETitle  string
	logger         *slog.Logger

	readTimeout    time.Duration
	acceptAbstract func(uid string) bool
}

// LayerOption configures a Layer.
type LayerOption func(*Layer)

// WithReadTimeout bounds the wait for each incoming PDU.
func WithReadTimeout(d time.Duration) LayerOption {
	return func(l *Layer) {
		l.readTimeout = d
	}
}

// WithAbstractSyntaxes restricts the SOP classes the layer accepts.
func WithAbstractSyntaxes(accept func(uid string) bool) LayerOption {
	return func(l *Layer) {
		if accept != nil {
			l.acceptAbstract = accept
		}
	}
}

var supportedAbstractSyntaxes = map[string]bool{
	types.VerificationSOPClass:                         true,
	types.PatientRootQueryRetrieveInformationModelFind: true,
	types.StudyRootQueryRetrieveInformationModelFind:   true,
	types.PatientRootQueryRetrieveInformationModelMove: true,
	types.StudyRootQueryRetrieveInformationModelMove:   true,
	types.PatientRootQueryRetrieveInformationModelGet:  true,
	types.StudyRootQueryRetrieveInformationModelGet:    true,
}

// DefaultAbstractSyntaxes accepts verification, query/retrieve and every storage SOP class.
func DefaultAbstractSyntaxes(uid string) bool {
	return supportedAbstractSyntaxes[uid] || types.IsStorageSOPClass(uid)
}

// StorageOnly accepts verification and storage SOP classes.
func StorageOnly(uid string) bool {
	return uid == types.VerificationSOPClass || types.IsStorageSOPClass(uid)
}

// supportsTransferSyntax accepts native syntaxes for every service and any
// known little endian syntax for storage, which is stored as received.
func supportsTransferSyntax(abstractSyntax, ts string) bool {
	info, known := types.LookupTransferSyntax(ts)
	if !known {
		return false
	}
	if types.IsStorageSOPClass(abstractSyntax) {
		return info.Decodable()
	}
	return info.Native()
}

// NewLayer creates a new PDU layer handler
func NewLayer(conn net.Conn, dimseHandler interfaces.DIMSEHandler, serverAETitle string, logger *slog.Logger, opts ...LayerOption) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Layer{
		conn:           conn,
		dimseHandler:   dimseHandler,
		serverAETitle:  serverAETitle,
		logger:         logger,
		acceptAbstract: DefaultAbstractSyntaxes,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// HandleConnection manages the complete DICOM connection lifecycle
func (p *Layer) HandleConnection() error {
	defer p.conn.Close()
	p.logger.Debug("New DICOM connection", "remote_addr", p.conn.RemoteAddr())

	if err := p.handleAssociationPhase(); err != nil {
		return fmt.Errorf("association failed: %w", err)
	}

	for {
		pdu, err := p.readPDU()
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.logger.Debug("Connection closed by peer", "remote_addr", p.conn.RemoteAddr())
				return nil
			}
			return fmt.Errorf("error reading PDU: %w", err)
		}

		if err := p.handlePDU(pdu); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			_ = WriteAbort(p.conn, 0x02, 0x00)
			return fmt.Errorf("error handling PDU: %w", err)
		}
	}
}

func (p *Layer) readPDU() (*types.PDU, error) {
	if p.readTimeout > 0 {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.readTimeout)); err != nil {
			return nil, err
		}
	}
	return ReadPDU(p.conn)
}

// handlePDU routes PDUs to appropriate handlers
func (p *Layer) handlePDU(pdu *types.PDU) error {
	switch pdu.Type {
	case types.TypePDataTF:
		return p.handlePDataTF(pdu)
	case types.TypeReleaseRQ:
		return p.handleReleaseRequest()
	case types.TypeReleaseRP:
		return io.EOF
	case types.TypeAbort:
		abort := ParseAbort(pdu.Data)
		p.logger.Info("Received A-ABORT", "error", abort)
		return io.EOF
	default:
		return dicomerrors.NewPDUError(pdu.Type, "unexpected PDU during association")
	}
}

func (p *Layer) handleAssociationPhase() error {
	pdu, err := p.readPDU()
	if err != nil {
		return fmt.Errorf("failed to read association request: %w", err)
	}
	if pdu.Type != types.TypeAssociateRQ {
		return fmt.Errorf("expected A-ASSOCIATE-RQ, got PDU type: 0x%02x", pdu.Type)
	}

	rq, err := DecodeAssociateRQ(pdu.Data)
	if err != nil {
		_ = WriteAssociateReject(p.conn, dicomerrors.RejectResultPermanent,
			dicomerrors.RejectSourceServiceUser, dicomerrors.RejectReasonNoReasonGiven)
		return err
	}

	if p.serverAETitle != "" && rq.CalledAETitle != "" && rq.CalledAETitle != p.serverAETitle {
		p.logger.Warn("Rejecting association for unknown called AE title",
			"called_ae", rq.CalledAETitle,
			"ae_title", p.serverAETitle)
		_ = WriteAssociateReject(p.conn, dicomerrors.RejectResultPermanent,
			dicomerrors.RejectSourceServiceUser, dicomerrors.RejectReasonCalledAETitleNotRecognized)
		return fmt.Errorf("called AE title %q not recognized", rq.CalledAETitle)
	}

	ac := p.negotiate(rq)
	if err := WritePDU(p.conn, types.TypeAssociateAC, EncodeAssociateAC(ac)); err != nil {
		return fmt.Errorf("failed to send A-ASSOCIATE-AC: %w", err)
	}
	return nil
}

// negotiate decides every proposed context and role and records the outcome.
func (p *Layer) negotiate(rq *AssociateRQ) *AssociateAC {
	maxPDU := rq.MaxPDULength
	p.associationCtx = &types.AssociationContext{
		CalledAETitle:    rq.CalledAETitle,
		CallingAETitle:   rq.CallingAETitle,
		MaxPDULength:     maxPDU,
		PresentationCtxs: make(map[byte]*types.PresentationContext),
		Roles:            make(map[string]types.RoleSelection),
	}

	ac := &AssociateAC{
		CalledAETitle:  rq.CalledAETitle,
		CallingAETitle: rq.CallingAETitle,
		MaxPDULength:   types.DefaultMaxPDULength,
	}

	accepted := 0
	for _, proposed := range rq.Contexts {
		pc := &types.PresentationContext{
			ID:             proposed.ID,
			AbstractSyntax: proposed.AbstractSyntax,
			Result:         types.PresentationAbstractSyntaxRejected,
		}
		if p.acceptAbstract(proposed.AbstractSyntax) {
			pc.Result = types.PresentationTransferSyntaxRejected
			for _, ts := range proposed.TransferSyntaxes {
				if supportsTransferSyntax(proposed.AbstractSyntax, ts) {
					pc.TransferSyntax = ts
					pc.Result = types.PresentationAcceptance
					accepted++
					break
				}
			}
		}
		p.associationCtx.PresentationCtxs[pc.ID] = pc

		// Some peers (DCMTK, Orthanc) refuse an AC that lists rejected
		// contexts, so only accepted ones are sent back.
		if pc.Result == types.PresentationAcceptance {
			ac.Contexts = append(ac.Contexts, pc)
		}
	}

	for _, role := range rq.Roles {
		if !p.acceptAbstract(role.SOPClassUID) {
			continue
		}
		p.associationCtx.Roles[role.SOPClassUID] = role
		ac.Roles = append(ac.Roles, role)
	}

	p.logger.Info("Association negotiated",
		"calling_ae", rq.CallingAETitle,
		"called_ae", rq.CalledAETitle,
		"proposed", len(rq.Contexts),
		"accepted", accepted,
		"max_pdu_length", maxPDU)
	return ac
}

// handlePDataTF forwards every PDV of a P-DATA-TF to the DIMSE layer.
func (p *Layer) handlePDataTF(pdu *types.PDU) error {
	pdvs, err := ParsePDVs(pdu.Data)
	if err != nil {
		return err
	}
	for _, pdv := range pdvs {
		if _, ok := p.associationCtx.PresentationCtxs[pdv.PresentationContextID]; !ok {
			return dicomerrors.NewPDUError(types.TypePDataTF,
				fmt.Sprintf("unknown presentation context %d", pdv.PresentationContextID))
		}
		if err := p.dimseHandler.HandleDIMSEMessage(pdv.PresentationContextID, pdv.MessageControlHeader, pdv.Data, p); err != nil {
			return err
		}
	}
	return nil
}

func (p *Layer) handleReleaseRequest() error {
	if err := WriteReleaseRP(p.conn); err != nil {
		return fmt.Errorf("failed to send A-RELEASE-RP: %w", err)
	}
	p.logger.Debug("Association released", "calling_ae", p.CallingAETitle())
	return io.EOF
}

// SendDIMSEResponse sends a DIMSE response via P-DATA-TF
func (p *Layer) SendDIMSEResponse(presContextID byte, commandData []byte) error {
	return p.SendDIMSEResponseWithDataset(presContextID, commandData, nil)
}

// SendDIMSEResponseWithDataset sends a command and optional dataset,
// fragmented to the peer's maximum PDU length.
func (p *Layer) SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error {
	if err := WritePDataTF(p.conn, presContextID, p.MaxPDULength(), commandData, true); err != nil {
		return fmt.Errorf("failed to send command PDU: %w", err)
	}
	if len(datasetData) > 0 {
		if err := WritePDataTF(p.conn, presContextID, p.MaxPDULength(), datasetData, false); err != nil {
			return fmt.Errorf("failed to send dataset PDU: %w", err)
		}
	}
	return nil
}

// GetTransferSyntax returns the negotiated transfer syntax for the given presentation context.
func (p *Layer) GetTransferSyntax(presContextID byte) (string, error) {
	if p.associationCtx == nil {
		return "", fmt.Errorf("association context not initialized")
	}
	ctx, ok := p.associationCtx.PresentationCtxs[presContextID]
	if !ok {
		return "", fmt.Errorf("presentation context %d not found", presContextID)
	}
	if ctx.Result != types.PresentationAcceptance || ctx.TransferSyntax == "" {
		return "", fmt.Errorf("no transfer syntax negotiated for presentation context %d", presContextID)
	}
	return ctx.TransferSyntax, nil
}

// AcceptedContexts returns the accepted presentation contexts ordered by ID.
func (p *Layer) AcceptedContexts() []*types.PresentationContext {
	if p.associationCtx == nil {
		return nil
	}
	var out []*types.PresentationContext
	for _, pc := range p.associationCtx.PresentationCtxs {
		if pc.Result == types.PresentationAcceptance {
			out = append(out, pc)
		}
	}
	slices.SortFunc(out, func(a, b *types.PresentationContext) int { return int(a.ID) - int(b.ID) })
	return out
}

// MaxPDULength is the limit the requester announced, or the default.
func (p *Layer) MaxPDULength() uint32 {
	if p.associationCtx == nil {
		return types.DefaultMaxPDULength
	}
	return p.associationCtx.MaxPDULength
}

// Conn returns the underlying connection.
func (p *Layer) Conn() io.ReadWriter {
	return p.conn
}

// CallingAETitle returns the requester's AE title.
func (p *Layer) CallingAETitle() string {
	if p.associationCtx == nil {
		return ""
	}
	return p.associationCtx.CallingAETitle
}
