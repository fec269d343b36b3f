package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/caio-sobreiro/pacsman/dimse"
	"github.com/caio-sobreiro/pacsman/interfaces"
	"github.com/caio-sobreiro/pacsman/pdu"
)

// Option configures a Server instance.
type Option func(*Server)

// WithLogger overrides the logger used by the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.Logger = logger
	}
}

// WithReadTimeout sets the idle timeout between PDUs on client connections.
func WithReadTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.ReadTimeout = timeout
	}
}

// WithAbstractSyntaxes restricts the SOP classes accepted during negotiation.
func WithAbstractSyntaxes(accept func(uid string) bool) Option {
	return func(s *Server) {
		s.AcceptAbstractSyntax = accept
	}
}

// Server exposes a reusable DICOM listener that wires the DIMSE and PDU layers.
type Server struct {
	AETitle              string
	Handler              interfaces.ServiceHandler
	Logger               *slog.Logger
	ReadTimeout          time.Duration // Idle timeout between PDUs (default: none)
	AcceptAbstractSyntax func(uid string) bool

	mu       sync.Mutex
	listener net.Listener
}

// New builds a Server with the provided AE title and handler.
func New(aeTitle string, handler interfaces.ServiceHandler, opts ...Option) *Server {
	srv := &Server{AETitle: aeTitle, Handler: handler}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// ListenAndServe listens on the given address and serves until the context is done or an error occurs.
func ListenAndServe(ctx context.Context, address, aeTitle string, handler interfaces.ServiceHandler, opts ...Option) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	defer listener.Close()

	srv := New(aeTitle, handler, opts...)
	return srv.Serve(ctx, listener)
}

// Addr returns the listening address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections from listener until ctx is cancelled or an unrecoverable error occurs.
// Open associations are waited for before Serve returns.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if listener == nil {
		return errors.New("server: listener is required")
	}
	if s == nil {
		return errors.New("server: server is nil")
	}
	if s.Handler == nil {
		return errors.New("server: handler is required")
	}
	if s.AETitle == "" {
		return errors.New("server: AE title is required")
	}

	logger := s.logger()

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg    sync.WaitGroup
		conns sync.Map
	)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
		conns.Range(func(key, _ any) bool {
			_ = key.(net.Conn).Close()
			return true
		})
	}()

	logger.Info("DICOM server listening",
		"address", listener.Addr().String(),
		"ae_title", s.AETitle)

	var serveErr error
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Warn("Accept timeout", "error", err)
				continue
			}
			serveErr = err
			break
		}

		conns.Store(conn, struct{}{})
		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer conns.Delete(c)
			s.handleConnection(ctx, c, logger)
		}(conn)
	}

	wg.Wait()

	if serveErr != nil {
		return serveErr
	}
	return ctx.Err()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	logger.Debug("Accepted DICOM connection",
		"remote_addr", conn.RemoteAddr())

	var opts []pdu.LayerOption
	if s.ReadTimeout > 0 {
		opts = append(opts, pdu.WithReadTimeout(s.ReadTimeout))
	}
	if s.AcceptAbstractSyntax != nil {
		opts = append(opts, pdu.WithAbstractSyntaxes(s.AcceptAbstractSyntax))
	}

	service := dimse.NewService(ctx, s.Handler, logger)
	layer := pdu.NewLayer(conn, service, s.AETitle, logger, opts...)

	if err := layer.HandleConnection(); err != nil && ctx.Err() == nil {
		logger.Warn("DIMSE connection ended",
			"error", err,
			"remote_addr", conn.RemoteAddr())
	} else {
		logger.Debug("DIMSE connection closed",
			"remote_addr", conn.RemoteAddr())
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
