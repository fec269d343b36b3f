package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	dicomerrors "github.com/caio-sobreiro/pacsman/errors"
	"github.com/caio-sobreiro/pacsman/pdu"
	"github.com/caio-sobreiro/pacsman/types"
)

// maxPresentationContexts is the number of odd context IDs available (1..255).
const maxPresentationContexts = 128

// Association represents a client-side DICOM association.
// It is not safe for concurrent use.
type Association struct {
	conn             *deadlineConn
	callingAETitle   string
	calledAETitle    string
	maxPDULength     uint32 // limit announced by the peer
	presentationCtxs map[byte]*PresentationContext
	roles            map[string]types.RoleSelection
	logger           *slog.Logger
	messageID        uint16
	broken           bool
}

// PresentationContext holds negotiated presentation context info
type PresentationContext struct {
	ID             byte
	AbstractSyntax string
	TransferSyntax string
	Accepted       bool
}

// ContextProposal is one presentation context offered during negotiation.
type ContextProposal struct {
	AbstractSyntax   string
	TransferSyntaxes []string
	// SCPRole asks to act as SCP for this SOP class, as C-GET requires.
	SCPRole bool
}

// Config holds client configuration
type Config struct {
	CallingAETitle string
	CalledAETitle  string
	MaxPDULength   uint32
	ConnectTimeout time.Duration // Timeout for establishing connection (default: 30s)
	ReadTimeout    time.Duration // Timeout for each read (default: 60s)
	WriteTimeout   time.Duration // Timeout for each write (default: 60s)
	Logger         *slog.Logger  // Logger for the association (default: slog.Default())
	Contexts       []ContextProposal
}

// VerificationContexts proposes the Verification SOP class.
func VerificationContexts() []ContextProposal {
	return []ContextProposal{{
		AbstractSyntax:   types.VerificationSOPClass,
		TransferSyntaxes: types.NativeTransferSyntaxes(),
	}}
}

// QueryRetrieveContexts proposes the given query/retrieve information models.
func QueryRetrieveContexts(sopClasses ...string) []ContextProposal {
	out := make([]ContextProposal, 0, len(sopClasses))
	for _, uid := range sopClasses {
		out = append(out, ContextProposal{AbstractSyntax: uid, TransferSyntaxes: types.NativeTransferSyntaxes()})
	}
	return out
}

// StorageContexts proposes storage SOP classes for receiving C-GET
// sub-operations. Every class gets one native context and one context per
// encapsulated syntax so the peer can send instances as stored.
func StorageContexts(sopClasses []string) []ContextProposal {
	encapsulated := types.StorageTransferSyntaxes()[len(types.NativeTransferSyntaxes()):]
	var out []ContextProposal
	for _, uid := range sopClasses {
		out = append(out, ContextProposal{AbstractSyntax: uid, TransferSyntaxes: types.NativeTransferSyntaxes(), SCPRole: true})
		for _, ts := range encapsulated {
			out = append(out, ContextProposal{AbstractSyntax: uid, TransferSyntaxes: []string{ts}, SCPRole: true})
		}
	}
	return out
}

// StoreContext proposes a single SOP class for sending an instance. The
// instance's own transfer syntax is offered first, then the native ones.
func StoreContext(sopClassUID, transferSyntaxUID string) ContextProposal {
	syntaxes := []string{}
	if transferSyntaxUID != "" {
		syntaxes = append(syntaxes, transferSyntaxUID)
	}
	for _, ts := range types.NativeTransferSyntaxes() {
		if ts != transferSyntaxUID {
			syntaxes = append(syntaxes, ts)
		}
	}
	return ContextProposal{AbstractSyntax: sopClassUID, TransferSyntaxes: syntaxes}
}

// Connect establishes a DICOM association with a remote SCP
func Connect(ctx context.Context, address string, config Config) (*Association, error) {
	if config.MaxPDULength == 0 {
		config.MaxPDULength = types.DefaultMaxPDULength
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 60 * time.Second
	}
	if len(config.Contexts) == 0 {
		config.Contexts = append(VerificationContexts(),
			QueryRetrieveContexts(types.StudyRootQueryRetrieveInformationModelFind)...)
	}
	if len(config.Contexts) > maxPresentationContexts {
		return nil, fmt.Errorf("too many presentation contexts: %d (max %d)", len(config.Contexts), maxPresentationContexts)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := &net.Dialer{Timeout: config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, dicomerrors.NewNetworkError("connect", err)
	}

	assoc := &Association{
		conn: &deadlineConn{
			Conn:         conn,
			readTimeout:  config.ReadTimeout,
			writeTimeout: config.WriteTimeout,
			ctx:          context.Background(),
		},
		callingAETitle:   config.CallingAETitle,
		calledAETitle:    config.CalledAETitle,
		presentationCtxs: make(map[byte]*PresentationContext),
		roles:            make(map[string]types.RoleSelection),
		logger:           logger,
	}

	done := assoc.conn.use(ctx)
	err = assoc.negotiate(config)
	done()
	if err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("DICOM association established",
		"remote_addr", address,
		"calling_ae", config.CallingAETitle,
		"called_ae", config.CalledAETitle,
		"accepted_contexts", len(assoc.acceptedContexts()))

	return assoc, nil
}

func (a *Association) negotiate(config Config) error {
	rq := &pdu.AssociateRQ{
		CalledAETitle:  config.CalledAETitle,
		CallingAETitle: config.CallingAETitle,
		MaxPDULength:   config.MaxPDULength,
	}
	roleSeen := make(map[string]bool)
	for i, proposal := range config.Contexts {
		id := byte(2*i + 1)
		rq.Contexts = append(rq.Contexts, pdu.ProposedContext{
			ID:               id,
			AbstractSyntax:   proposal.AbstractSyntax,
			TransferSyntaxes: proposal.TransferSyntaxes,
		})
		a.presentationCtxs[id] = &PresentationContext{ID: id, AbstractSyntax: proposal.AbstractSyntax}
		if proposal.SCPRole && !roleSeen[proposal.AbstractSyntax] {
			roleSeen[proposal.AbstractSyntax] = true
			rq.Roles = append(rq.Roles, types.RoleSelection{SOPClassUID: proposal.AbstractSyntax, SCURole: true, SCPRole: true})
		}
	}

	if err := pdu.WritePDU(a.conn, types.TypeAssociateRQ, pdu.EncodeAssociateRQ(rq)); err != nil {
		return dicomerrors.NewNetworkError("associate", err)
	}

	p, err := pdu.ReadPDU(a.conn)
	if err != nil {
		return dicomerrors.NewNetworkError("associate", err)
	}

	switch p.Type {
	case types.TypeAssociateAC:
	case types.TypeAssociateRJ:
		return pdu.ParseAssociateReject(p.Data)
	case types.TypeAbort:
		return pdu.ParseAbort(p.Data)
	default:
		return dicomerrors.NewPDUError(p.Type, "unexpected PDU (expected A-ASSOCIATE-AC)")
	}

	ac, err := pdu.DecodeAssociateAC(p.Data)
	if err != nil {
		return dicomerrors.NewPDUError(p.Type, err.Error())
	}
	a.maxPDULength = ac.MaxPDULength
	for _, result := range ac.Contexts {
		pc, ok := a.presentationCtxs[result.ID]
		if !ok {
			continue
		}
		pc.Accepted = result.Result == types.PresentationAcceptance
		if pc.Accepted {
			pc.TransferSyntax = result.TransferSyntax
		}
		a.logger.Debug("Presentation context negotiation",
			"context_id", pc.ID,
			"abstract_syntax", pc.AbstractSyntax,
			"result", result.Result,
			"transfer_syntax", pc.TransferSyntax)
	}
	for _, role := range ac.Roles {
		a.roles[role.SOPClassUID] = role
	}
	return nil
}

// Close gracefully releases the association and closes the connection.
func (a *Association) Close() error {
	if a.broken {
		return a.conn.Close()
	}
	a.broken = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := a.conn.use(ctx)
	defer done()

	if err := pdu.WriteReleaseRQ(a.conn); err != nil {
		a.logger.Warn("Failed to send release request", "error", err)
		return a.conn.Close()
	}
	for {
		p, err := pdu.ReadPDU(a.conn)
		if err != nil {
			break
		}
		if p.Type == types.TypeReleaseRP || p.Type == types.TypeAbort {
			break
		}
	}
	return a.conn.Close()
}

// Abort sends an A-ABORT and closes the connection.
func (a *Association) Abort() error {
	if !a.broken {
		a.broken = true
		_ = pdu.WriteAbort(a.conn, 0x00, 0x00)
	}
	return a.conn.Close()
}

// Broken reports whether the association can no longer be used because a
// transfer failed or was interrupted mid-message.
func (a *Association) Broken() bool {
	return a.broken
}

// MaxPDULength is the largest PDU the peer accepts (0 means unlimited).
func (a *Association) MaxPDULength() uint32 {
	return a.maxPDULength
}

// GetPresentationContextID finds a presentation context for the given abstract syntax
func (a *Association) GetPresentationContextID(abstractSyntax string) (byte, error) {
	for _, pc := range a.acceptedContexts() {
		if pc.AbstractSyntax == abstractSyntax {
			return pc.ID, nil
		}
	}
	return 0, fmt.Errorf("%w for abstract syntax: %s", dicomerrors.ErrNoPresentationCtx, abstractSyntax)
}

// AcceptedSOPClass reports whether the peer accepted at least one context for uid.
func (a *Association) AcceptedSOPClass(uid string) bool {
	_, err := a.GetPresentationContextID(uid)
	return err == nil
}

func (a *Association) acceptedContexts() []*types.PresentationContext {
	var out []*types.PresentationContext
	for id := 1; id < 256; id += 2 {
		pc, ok := a.presentationCtxs[byte(id)]
		if !ok || !pc.Accepted {
			continue
		}
		out = append(out, &types.PresentationContext{
			ID:             pc.ID,
			AbstractSyntax: pc.AbstractSyntax,
			TransferSyntax: pc.TransferSyntax,
			Result:         types.PresentationAcceptance,
		})
	}
	return out
}

func (a *Association) transferSyntax(id byte) string {
	if pc, ok := a.presentationCtxs[id]; ok && pc.TransferSyntax != "" {
		return pc.TransferSyntax
	}
	return types.ImplicitVRLittleEndian
}

func (a *Association) nextMessageID() uint16 {
	a.messageID++
	if a.messageID == 0 {
		a.messageID = 1
	}
	return a.messageID
}

// begin scopes I/O to ctx for one operation.
func (a *Association) begin(ctx context.Context) (func(), error) {
	if a.broken {
		return nil, fmt.Errorf("association unusable: %w", dicomerrors.ErrConnectionClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.conn.use(ctx), nil
}

// fail marks the association unusable after a transport failure. Errors
// caused by ctx wrap the context error so callers can tell cancellation and
// deadlines from a broken peer.
func (a *Association) fail(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var dimseErr *dicomerrors.DIMSEError
	if errors.As(err, &dimseErr) {
		return err
	}
	a.broken = true
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("dimse operation interrupted: %w", ctxErr)
	}
	// The read deadline can expire just before the context timer fires.
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return fmt.Errorf("dimse operation interrupted: %w", context.DeadlineExceeded)
	}
	if dicomerrors.IsTimeout(err) {
		return fmt.Errorf("%w: %w", dicomerrors.NewTimeoutError("dimse read", a.conn.readTimeout.String()), err)
	}
	return err
}
