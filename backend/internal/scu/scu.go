// Package scu holds the association handling and error mapping shared by
// the network backends.
package scu

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/caio-sobreiro/pacsman/client"
	"github.com/caio-sobreiro/pacsman/dicom"
	dicomerrors "github.com/caio-sobreiro/pacsman/errors"
	"github.com/caio-sobreiro/pacsman/pacs"
)

// Endpoint addresses a remote application entity.
type Endpoint struct {
	Address        string
	CalledAETitle  string
	CallingAETitle string
	MaxPDULength   uint32
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Retry          pacs.RetryPolicy
	Logger         *slog.Logger
}

// Dial opens an association proposing contexts. Transient failures are
// retried according to the endpoint's retry policy; the returned error is
// the toolkit's.
func (e Endpoint) Dial(ctx context.Context, contexts []client.ContextProposal) (*client.Association, error) {
	var assoc *client.Association
	err := e.Retry.Do(ctx, dicomerrors.IsTransient, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			e.logger().WarnContext(ctx, "Retrying association",
				"address", e.Address,
				"called_ae", e.CalledAETitle,
				"attempt", attempt+1)
		}
		a, err := client.Connect(ctx, e.Address, client.Config{
			CallingAETitle: e.CallingAETitle,
			CalledAETitle:  e.CalledAETitle,
			MaxPDULength:   e.MaxPDULength,
			ConnectTimeout: e.ConnectTimeout,
			ReadTimeout:    e.ReadTimeout,
			WriteTimeout:   e.ReadTimeout,
			Logger:         e.logger(),
			Contexts:       contexts,
		})
		if err != nil {
			return err
		}
		assoc = a
		return nil
	})
	return assoc, err
}

func (e Endpoint) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Release ends an association: a graceful release after a clean exchange,
// an abort otherwise.
func Release(assoc *client.Association, failed bool) {
	if assoc == nil {
		return
	}
	if failed || assoc.Broken() {
		assoc.Abort()
		return
	}
	assoc.Close()
}

// Runner executes fn on an association for the duration of one operation.
type Runner func(ctx context.Context, fn func(ctx context.Context, assoc *client.Association) error) error

// Scoped returns a Runner that opens a new association for every call and
// releases it afterwards.
func (e Endpoint) Scoped(contexts []client.ContextProposal) Runner {
	return func(ctx context.Context, fn func(context.Context, *client.Association) error) error {
		assoc, err := e.Dial(ctx, contexts)
		if err != nil {
			return err
		}
		err = fn(ctx, assoc)
		Release(assoc, err != nil)
		return err
	}
}

// MapError converts a toolkit error into the pacs taxonomy. Errors already in
// the taxonomy pass through; cancellation stays reachable.
func MapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if pacs.KindOf(err) != pacs.KindUnknown {
		return err
	}

	var (
		timeoutErr *dicomerrors.TimeoutError
		netErr     *dicomerrors.NetworkError
		assocErr   *dicomerrors.AssociationError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return pacs.Wrap(pacs.KindConnection, op, err)
	// A read timeout on an established association wraps the network error
	// of the read, so it is matched first.
	case errors.As(err, &timeoutErr):
		return pacs.Wrap(pacs.KindRetrieveTimeout, op, err)
	case errors.As(err, &netErr), errors.As(err, &assocErr):
		return pacs.Wrap(pacs.KindConnection, op, err)
	case errors.Is(err, context.DeadlineExceeded), dicomerrors.IsTimeout(err):
		return pacs.Wrap(pacs.KindRetrieveTimeout, op, err)
	case errors.Is(err, dicom.ErrTruncated),
		errors.Is(err, dicom.ErrUnsupportedTransferSyntax),
		errors.Is(err, dicomerrors.ErrNoPresentationCtx):
		return pacs.Wrap(pacs.KindTransferSyntax, op, err)
	default:
		return pacs.Wrap(pacs.KindConnection, op, err)
	}
}
