package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/caio-sobreiro/pacsman/dicom"
	"github.com/caio-sobreiro/pacsman/types"
)

// StoreFunc receives one decoded instance. The dataset's TransferSyntaxUID is
// the syntax it arrived in.
type StoreFunc func(ctx context.Context, ds *dicom.Dataset) error

// StatusError lets a StoreFunc choose the DIMSE status reported to the peer.
type StatusError struct {
	Status uint16
	Err    error
}

func (e *StatusError) Error() string { return e.Err.Error() }

func (e *StatusError) Unwrap() error { return e.Err }

// StoreService handles C-STORE requests by decoding the dataset and handing
// it to a StoreFunc.
//
// It serves the storage SCP that receives C-MOVE results, and the store
// side of the archive SCP.
type StoreService struct {
	store  StoreFunc
	logger *slog.Logger
}

// NewStoreService creates a C-STORE service backed by store.
func NewStoreService(store StoreFunc, logger *slog.Logger) *StoreService {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreService{store: store, logger: logger}
}

// HandleDIMSE processes a C-STORE request.
//
// Status mapping:
//   - 0x0000 when the StoreFunc accepts the instance
//   - 0xC0FF (cannot understand) when the dataset cannot be decoded
//   - the StatusError status when the StoreFunc returns one
//   - 0x0110 (processing failure) for any other StoreFunc error
func (s *StoreService) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	ds, err := dicom.ParseDatasetWithTransferSyntax(data, msg.TransferSyntaxUID)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to decode C-STORE dataset",
			"sop_instance", msg.AffectedSOPInstanceUID,
			"transfer_syntax", msg.TransferSyntaxUID,
			"error", err)
		return NewCStoreResponse(msg, types.StatusStorageCannotUnderstand), nil, nil
	}

	if err := s.store(ctx, ds); err != nil {
		status := uint16(types.StatusProcessingFailure)
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			status = statusErr.Status
		}
		s.logger.WarnContext(ctx, "C-STORE rejected",
			"sop_instance", msg.AffectedSOPInstanceUID,
			"status", status,
			"error", err)
		rsp := NewCStoreResponse(msg, status)
		rsp.ErrorComment = err.Error()
		return rsp, nil, nil
	}

	s.logger.DebugContext(ctx, "C-STORE accepted",
		"sop_class", msg.AffectedSOPClassUID,
		"sop_instance", msg.AffectedSOPInstanceUID,
		"size", len(data))
	return NewCStoreResponse(msg, types.StatusSuccess), nil, nil
}
