package netkit

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/caio-sobreiro/pacsman/dicom"
	"github.com/caio-sobreiro/pacsman/logging"
	"github.com/caio-sobreiro/pacsman/server"
	"github.com/caio-sobreiro/pacsman/services"
	"github.com/caio-sobreiro/pacsman/types"
)

// storageSCP receives the C-STORE sub-operations of our C-MOVEs and hands
// each instance to the retrieve waiting for its SOPInstanceUID.
type storageSCP struct {
	logger *zap.Logger
	addr   net.Addr
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	waiting map[string]chan *dicom.Dataset
}

func startStorageSCP(aeTitle string, port int, logger *zap.Logger) (*storageSCP, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("storage SCP: %w", err)
	}

	s := &storageSCP{
		logger:  logger,
		addr:    ln.Addr(),
		done:    make(chan struct{}),
		waiting: make(map[string]chan *dicom.Dataset),
	}

	slogger := logging.Slog(logger.Named("storage_scp"))
	registry := services.NewRegistry(slogger)
	registry.RegisterHandler(types.CEchoRQ, services.NewEchoService(slogger))
	registry.RegisterHandler(types.CStoreRQ, services.NewStoreService(s.deliver, slogger))

	srv := server.New(aeTitle, registry,
		server.WithLogger(slogger),
		server.WithAbstractSyntaxes(func(uid string) bool {
			return uid == types.VerificationSOPClass || types.IsStorageSOPClass(uid)
		}))

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		if err := srv.Serve(ctx, ln); err != nil && ctx.Err() == nil {
			logger.Error("Storage SCP stopped", zap.Error(err))
		}
	}()

	logger.Info("Storage SCP started", zap.String("ae_title", aeTitle), zap.Stringer("address", s.addr))
	return s, nil
}

// expect registers interest in one instance. The returned func withdraws it.
func (s *storageSCP) expect(sopInstanceUID string) (<-chan *dicom.Dataset, func()) {
	ch := make(chan *dicom.Dataset, 1)
	s.mu.Lock()
	s.waiting[sopInstanceUID] = ch
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		if s.waiting[sopInstanceUID] == ch {
			delete(s.waiting, sopInstanceUID)
		}
		s.mu.Unlock()
	}
}

func (s *storageSCP) deliver(ctx context.Context, ds *dicom.Dataset) error {
	uid := ds.GetString(dicom.TagSOPInstanceUID)
	s.mu.Lock()
	ch, ok := s.waiting[uid]
	delete(s.waiting, uid)
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("Unsolicited instance refused", zap.String("sop_instance", uid))
		return &services.StatusError{Status: types.StatusProcessingFailure, Err: fmt.Errorf("no retrieve waiting for %s", uid)}
	}
	ch <- ds
	return nil
}

func (s *storageSCP) stop() {
	s.cancel()
	<-s.done
}
