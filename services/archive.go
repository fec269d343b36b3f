package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/caio-sobreiro/pacsman/client"
	"github.com/caio-sobreiro/pacsman/dicom"
	dicomerrors "github.com/caio-sobreiro/pacsman/errors"
	"github.com/caio-sobreiro/pacsman/interfaces"
	"github.com/caio-sobreiro/pacsman/pacs"
	"github.com/caio-sobreiro/pacsman/types"
)

// Archive serves a pacs.Client as a study-root query/retrieve SCP. It
// answers C-ECHO, C-FIND at STUDY, SERIES and IMAGE level, C-GET, C-MOVE to
// the destinations it knows, and C-STORE.
//
// Associations are served concurrently, so the backend must tolerate
// concurrent calls.
type Archive struct {
	aeTitle        string
	backend        pacs.Client
	logger         *slog.Logger
	connectTimeout time.Duration

	mu           sync.RWMutex
	destinations map[string]string
}

// ArchiveOption configures an Archive.
type ArchiveOption func(*Archive)

// WithDestination registers a C-MOVE destination AE title and its address.
func WithDestination(aeTitle, address string) ArchiveOption {
	return func(a *Archive) {
		a.destinations[aeTitle] = address
	}
}

// WithConnectTimeout bounds connecting to a C-MOVE destination.
func WithConnectTimeout(d time.Duration) ArchiveOption {
	return func(a *Archive) {
		a.connectTimeout = d
	}
}

// NewArchive creates an archive answering as aeTitle.
func NewArchive(aeTitle string, backend pacs.Client, logger *slog.Logger, opts ...ArchiveOption) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Archive{
		aeTitle:        aeTitle,
		backend:        backend,
		logger:         logger,
		connectTimeout: 10 * time.Second,
		destinations:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AddDestination registers or replaces a C-MOVE destination.
func (a *Archive) AddDestination(aeTitle, address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destinations[aeTitle] = address
}

func (a *Archive) destination(aeTitle string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	address, ok := a.destinations[aeTitle]
	return address, ok
}

// Registry returns a registry with every archive service registered.
func (a *Archive) Registry() *Registry {
	registry := NewRegistry(a.logger)
	registry.RegisterHandler(types.CEchoRQ, NewEchoService(a.logger))
	registry.RegisterHandler(types.CFindRQ, &findHandler{a})
	registry.RegisterHandler(types.CGetRQ, &getHandler{a})
	registry.RegisterHandler(types.CMoveRQ, &moveHandler{a})
	registry.RegisterHandler(types.CStoreRQ, NewStoreService(a.store, a.logger))
	return registry
}

// AcceptAbstractSyntax reports whether the archive negotiates uid. It is
// meant for server.WithAbstractSyntaxes.
func (a *Archive) AcceptAbstractSyntax(uid string) bool {
	switch uid {
	case types.VerificationSOPClass,
		types.StudyRootQueryRetrieveInformationModelFind,
		types.StudyRootQueryRetrieveInformationModelGet,
		types.StudyRootQueryRetrieveInformationModelMove:
		return true
	}
	return types.IsStorageSOPClass(uid)
}

func (a *Archive) store(ctx context.Context, ds *dicom.Dataset) error {
	ok, err := a.backend.Store(ctx, ds)
	if err != nil {
		if pacs.KindOf(err) == pacs.KindStoreRejected {
			return &StatusError{Status: types.StatusFailure, Err: err}
		}
		return err
	}
	if !ok {
		return errors.New("backend refused the instance")
	}
	return nil
}

type findHandler struct{ *Archive }

func (h *findHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	return NewCFindErrorResponse(msg, types.StatusUnableToProcess), nil, nil
}

// HandleDIMSEStreaming answers a C-FIND with one pending response per match.
func (h *findHandler) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
	query, err := dicom.ParseDatasetWithTransferSyntax(data, msg.TransferSyntaxUID)
	if err != nil {
		h.logger.WarnContext(ctx, "Unreadable C-FIND identifier", "error", err)
		return responder.SendResponse(NewCFindErrorResponse(msg, types.StatusIdentifierMismatch), nil)
	}

	level := types.QueryLevel(query.GetString(dicom.TagQueryRetrieveLevel))
	matches, err := h.matches(ctx, level, query)
	if err != nil {
		h.logger.WarnContext(ctx, "Unsupported C-FIND identifier", "level", level, "error", err)
		return responder.SendResponse(NewCFindErrorResponse(msg, types.StatusIdentifierMismatch), nil)
	}

	count := 0
	for ds, err := range matches {
		if err != nil {
			h.logger.ErrorContext(ctx, "C-FIND backend query failed", "level", level, "error", err)
			rsp := NewCFindErrorResponse(msg, types.StatusUnableToProcess)
			rsp.ErrorComment = err.Error()
			return responder.SendResponse(rsp, nil)
		}
		ds = ds.Copy()
		ds.AddElement(dicom.TagQueryRetrieveLevel, dicom.VR_CS, string(level))
		ds.AddElement(dicom.TagRetrieveAETitle, dicom.VR_AE, h.aeTitle)
		payload, err := dicom.EncodeDatasetWithTransferSyntax(ds, msg.TransferSyntaxUID)
		if err != nil {
			return fmt.Errorf("encode C-FIND match: %w", err)
		}
		if err := responder.SendResponse(NewCFindPendingResponse(msg), payload); err != nil {
			return err
		}
		count++
	}

	h.logger.DebugContext(ctx, "C-FIND completed", "level", level, "matches", count)
	return responder.SendResponse(NewCFindSuccessResponse(msg), nil)
}

func (h *findHandler) matches(ctx context.Context, level types.QueryLevel, query *dicom.Dataset) (iter.Seq2[*dicom.Dataset, error], error) {
	switch level {
	case types.QueryLevelStudy:
		filter, err := pacs.ParseStudyQuery(query)
		if err != nil {
			return nil, err
		}
		return attrs(h.backend.FindStudies(ctx, filter), func(s pacs.Study) *dicom.Dataset { return s.Attrs }), nil
	case types.QueryLevelSeries:
		study, filter := pacs.ParseSeriesQuery(query)
		return attrs(h.backend.FindSeries(ctx, study, filter), func(s pacs.Series) *dicom.Dataset { return s.Attrs }), nil
	case types.QueryLevelImage:
		series := pacs.SeriesIdentifier{
			StudyInstanceUID:  query.GetString(dicom.TagStudyInstanceUID),
			SeriesInstanceUID: query.GetString(dicom.TagSeriesInstanceUID),
		}
		if series.SeriesInstanceUID == "" {
			return nil, errors.New("IMAGE level query without SeriesInstanceUID")
		}
		sop := query.GetString(dicom.TagSOPInstanceUID)
		return func(yield func(*dicom.Dataset, error) bool) {
			for inst, err := range h.backend.FindInstances(ctx, series) {
				if err != nil {
					yield(nil, err)
					return
				}
				if sop != "" && inst.ID.SOPInstanceUID != sop {
					continue
				}
				if !yield(inst.Attrs, nil) {
					return
				}
			}
		}, nil
	}
	return nil, fmt.Errorf("query level %q not supported", level)
}

func attrs[T any](seq iter.Seq2[T, error], get func(T) *dicom.Dataset) iter.Seq2[*dicom.Dataset, error] {
	return func(yield func(*dicom.Dataset, error) bool) {
		for v, err := range seq {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(get(v), nil) {
				return
			}
		}
	}
}

// resolve lists the instances a C-GET or C-MOVE identifier selects.
func (a *Archive) resolve(ctx context.Context, keys *dicom.Dataset) ([]pacs.InstanceIdentifier, error) {
	study := pacs.StudyIdentifier{
		PatientID:        keys.GetString(dicom.TagPatientID),
		StudyInstanceUID: keys.GetString(dicom.TagStudyInstanceUID),
	}
	series := keys.GetString(dicom.TagSeriesInstanceUID)
	level := types.QueryLevel(keys.GetString(dicom.TagQueryRetrieveLevel))

	var seriesIDs []pacs.SeriesIdentifier
	switch {
	case level == types.QueryLevelStudy || (level == "" && series == ""):
		if study.StudyInstanceUID == "" {
			return nil, errors.New("retrieve without StudyInstanceUID")
		}
		found, err := pacs.Collect(a.backend.FindSeries(ctx, study, pacs.SeriesFilter{}))
		if err != nil {
			return nil, err
		}
		for _, s := range found {
			seriesIDs = append(seriesIDs, s.ID)
		}
	case series != "":
		seriesIDs = []pacs.SeriesIdentifier{{StudyInstanceUID: study.StudyInstanceUID, SeriesInstanceUID: series}}
	default:
		return nil, fmt.Errorf("%s level retrieve without SeriesInstanceUID", level)
	}

	wanted := make(map[string]bool)
	if level == types.QueryLevelImage {
		for _, uid := range keys.GetStrings(dicom.TagSOPInstanceUID) {
			wanted[uid] = true
		}
	}

	var ids []pacs.InstanceIdentifier
	for _, s := range seriesIDs {
		instances, err := pacs.Collect(a.backend.FindInstances(ctx, s))
		if err != nil {
			return nil, err
		}
		for _, inst := range instances {
			if len(wanted) > 0 && !wanted[inst.ID.SOPInstanceUID] {
				continue
			}
			ids = append(ids, inst.ID)
		}
	}
	return ids, nil
}

// subOperation sends one instance to the retrieve destination and returns the
// C-STORE status. An error means the destination can no longer be reached.
type subOperation func(ctx context.Context, ds *dicom.Dataset) (uint16, error)

// retrieve runs the sub-operations for ids and sends the pending and final
// responses.
func (a *Archive) retrieve(ctx context.Context, msg *types.Message, ids []pacs.InstanceIdentifier, send subOperation, responder interfaces.ResponseSender) error {
	var completed, failed, warning uint16
	var failedUIDs []string
	remaining := uint16(len(ids))

	for _, id := range ids {
		remaining--
		ds, err := a.backend.RetrieveInstance(ctx, id)
		if err != nil {
			a.logger.WarnContext(ctx, "Sub-operation source read failed", "sop_instance", id.SOPInstanceUID, "error", err)
			failed++
			failedUIDs = append(failedUIDs, id.SOPInstanceUID)
		} else {
			status, err := send(ctx, ds)
			switch {
			case errors.Is(err, dicomerrors.ErrNoPresentationCtx):
				a.logger.WarnContext(ctx, "No context for sub-operation", "sop_instance", id.SOPInstanceUID, "error", err)
				failed++
				failedUIDs = append(failedUIDs, id.SOPInstanceUID)
			case err != nil:
				return err
			case status == types.StatusSuccess:
				completed++
			case types.IsWarningStatus(status):
				warning++
			default:
				failed++
				failedUIDs = append(failedUIDs, id.SOPInstanceUID)
			}
		}
		if remaining > 0 {
			if err := responder.SendResponse(NewRetrievePendingResponse(msg, completed, failed, warning, remaining), nil); err != nil {
				return err
			}
		}
	}

	rsp := NewRetrieveFinalResponse(msg, completed, failed, warning)
	var payload []byte
	if len(failedUIDs) > 0 {
		ds := dicom.NewDataset()
		ds.AddElement(dicom.TagFailedSOPInstanceUIDList, dicom.VR_UI, failedUIDs)
		var err error
		if payload, err = dicom.EncodeDatasetWithTransferSyntax(ds, msg.TransferSyntaxUID); err != nil {
			return fmt.Errorf("encode failed instance list: %w", err)
		}
	}
	a.logger.InfoContext(ctx, "Retrieve completed",
		"command_field", fmt.Sprintf("0x%04x", msg.CommandField),
		"completed", completed,
		"failed", failed,
		"warning", warning)
	return responder.SendResponse(rsp, payload)
}

func (a *Archive) retrieveKeys(ctx context.Context, msg *types.Message, data []byte, responder interfaces.ResponseSender) ([]pacs.InstanceIdentifier, bool, error) {
	keys, err := dicom.ParseDatasetWithTransferSyntax(data, msg.TransferSyntaxUID)
	if err != nil {
		return nil, false, responder.SendResponse(NewRetrieveErrorResponse(msg, types.StatusIdentifierMismatch), nil)
	}
	ids, err := a.resolve(ctx, keys)
	if err != nil {
		a.logger.WarnContext(ctx, "Retrieve identifier rejected", "error", err)
		rsp := NewRetrieveErrorResponse(msg, types.StatusIdentifierMismatch)
		rsp.ErrorComment = err.Error()
		return nil, false, responder.SendResponse(rsp, nil)
	}
	return ids, true, nil
}

type getHandler struct{ *Archive }

func (h *getHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	return NewRetrieveErrorResponse(msg, types.StatusUnableToProcess), nil, nil
}

// HandleDIMSEStreaming answers a C-GET with C-STORE sub-operations on the
// requesting association.
func (h *getHandler) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
	getResponder, ok := responder.(interfaces.CGetResponder)
	if !ok {
		return responder.SendResponse(NewRetrieveErrorResponse(msg, types.StatusUnableToProcess), nil)
	}
	ids, ok, err := h.retrieveKeys(ctx, msg, data, responder)
	if !ok {
		return err
	}
	return h.retrieve(ctx, msg, ids, getResponder.SendCStore, responder)
}

type moveHandler struct{ *Archive }

func (h *moveHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	return NewRetrieveErrorResponse(msg, types.StatusUnableToProcess), nil, nil
}

// HandleDIMSEStreaming answers a C-MOVE by opening a storage association to
// the destination AE and sending the matching instances over it.
func (h *moveHandler) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
	address, known := h.destination(msg.MoveDestination)
	if !known {
		h.logger.WarnContext(ctx, "Unknown move destination", "destination", msg.MoveDestination)
		return responder.SendResponse(NewRetrieveErrorResponse(msg, types.StatusMoveDestinationUnknown), nil)
	}
	ids, ok, err := h.retrieveKeys(ctx, msg, data, responder)
	if !ok {
		return err
	}

	var originator string
	if r, ok := responder.(interfaces.Requester); ok {
		originator = r.CallingAETitle()
	}

	var assoc *client.Association
	defer func() {
		if assoc != nil {
			assoc.Close()
		}
	}()
	send := func(ctx context.Context, ds *dicom.Dataset) (uint16, error) {
		if assoc == nil {
			var err error
			assoc, err = client.Connect(ctx, address, client.Config{
				CallingAETitle: h.aeTitle,
				CalledAETitle:  msg.MoveDestination,
				ConnectTimeout: h.connectTimeout,
				Logger:         h.logger,
				Contexts:       moveContexts(),
			})
			if err != nil {
				return 0, err
			}
		}
		rsp, err := assoc.SendCStore(ctx, &client.CStoreRequest{
			Dataset:                 ds,
			MoveOriginatorAETitle:   originator,
			MoveOriginatorMessageID: msg.MessageID,
		})
		if err != nil {
			return 0, err
		}
		return rsp.Status, nil
	}

	if err := h.retrieve(ctx, msg, ids, send, responder); err != nil {
		h.logger.ErrorContext(ctx, "C-MOVE aborted", "destination", msg.MoveDestination, "error", err)
		rsp := NewRetrieveErrorResponse(msg, types.StatusUnableToProcess)
		rsp.ErrorComment = err.Error()
		return responder.SendResponse(rsp, nil)
	}
	return nil
}

// moveContexts proposes every storage SOP class for the SCU role only.
func moveContexts() []client.ContextProposal {
	contexts := client.StorageContexts(types.StorageSOPClasses())
	for i := range contexts {
		contexts[i].SCPRole = false
	}
	return contexts
}
