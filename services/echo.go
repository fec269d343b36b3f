// Package services provides reusable DICOM service implementations.
//
// This package contains the DIMSE service handlers used by the storage SCP of
// the network backend and by the archive SCP that exposes any pacs.Client
// over the network. Handlers are plugged into a Registry, which is the
// interfaces.ServiceHandler given to server.Server.
package services

import (
	"context"
	"log/slog"

	"github.com/caio-sobreiro/pacsman/types"
)

// EchoService handles C-ECHO verification requests.
//
// C-ECHO is used to verify connectivity and application-level communication
// between two DICOM Application Entities (AEs). It's the DICOM equivalent
// of a "ping" operation.
type EchoService struct {
	logger *slog.Logger
}

// NewEchoService creates a new C-ECHO service instance.
func NewEchoService(logger *slog.Logger) *EchoService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EchoService{logger: logger}
}

// HandleDIMSE processes a C-ECHO request and returns a success response.
//
// According to DICOM standard PS3.4, C-ECHO has no dataset and simply
// returns a status indicating whether the AE is operational.
func (s *EchoService) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	s.logger.DebugContext(ctx, "C-ECHO request",
		"message_id", msg.MessageID,
		"affected_sop_class", msg.AffectedSOPClassUID)

	return NewCEchoResponse(msg, types.StatusSuccess), nil, nil
}
