// Package netkit implements pacs.Client over DICOM networking with C-MOVE
// retrieval.
//
// Queries share one long-lived association that is opened on first use and
// released after IdleTimeout without traffic. Retrieved instances are
// received by a storage SCP listening on StoragePort under CallingAETitle,
// which the remote PACS must know as a move destination.
package netkit

import (
	"context"
	"errors"
	"iter"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caio-sobreiro/pacsman/backend/internal/scu"
	"github.com/caio-sobreiro/pacsman/client"
	"github.com/caio-sobreiro/pacsman/dicom"
	dicomerrors "github.com/caio-sobreiro/pacsman/errors"
	"github.com/caio-sobreiro/pacsman/imaging"
	"github.com/caio-sobreiro/pacsman/logging"
	"github.com/caio-sobreiro/pacsman/pacs"
	"github.com/caio-sobreiro/pacsman/types"
)

// arrivalGrace bounds the wait for an instance whose C-MOVE reported a
// completed sub-operation before the storage association delivered it.
const arrivalGrace = 2 * time.Second

// Options configures a network client.
type Options struct {
	Address        string
	CalledAETitle  string
	CallingAETitle string
	// StoragePort is where the storage SCP listens. 0 picks a free port.
	StoragePort     int
	MaxPDULength    uint32
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	RetrieveTimeout time.Duration
	IdleTimeout     time.Duration
	Retry           pacs.RetryPolicy
	Logger          *zap.Logger
}

// Client is a pacs.Client talking to a remote PACS. It is safe for
// concurrent use; callers that find the shared association busy get a scoped
// one, and retrievals are serialized.
type Client struct {
	opts     Options
	logger   *zap.Logger
	endpoint scu.Endpoint

	// mu is held while an operation uses assoc.
	mu    sync.Mutex
	assoc *client.Association
	idle  *time.Timer

	// moveMu serializes C-MOVEs so arrivals are never ambiguous.
	moveMu sync.Mutex

	scpMu sync.Mutex
	scp   *storageSCP
}

var _ pacs.Client = (*Client)(nil)

// New returns a client for opts. No connection is made until the first call.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("backend", "network-toolkit"), zap.String("called_ae", opts.CalledAETitle))
	return &Client{
		opts:   opts,
		logger: logger,
		endpoint: scu.Endpoint{
			Address:        opts.Address,
			CalledAETitle:  opts.CalledAETitle,
			CallingAETitle: opts.CallingAETitle,
			MaxPDULength:   opts.MaxPDULength,
			ConnectTimeout: opts.ConnectTimeout,
			ReadTimeout:    opts.ReadTimeout,
			Retry:          opts.Retry,
			Logger:         logging.Slog(logger),
		},
	}
}

func sessionContexts() []client.ContextProposal {
	contexts := client.VerificationContexts()
	return append(contexts, client.QueryRetrieveContexts(
		types.StudyRootQueryRetrieveInformationModelFind,
		types.StudyRootQueryRetrieveInformationModelMove)...)
}

// run executes fn on the shared association. A call made while the shared
// association is busy, such as a query issued from inside a FindInstances
// loop, gets an association of its own.
func (c *Client) run(ctx context.Context, fn func(context.Context, *client.Association) error) error {
	if !c.mu.TryLock() {
		c.logger.Debug("Shared association busy, opening a scoped one")
		return c.endpoint.Scoped(sessionContexts())(ctx, fn)
	}
	defer c.mu.Unlock()

	if c.idle != nil {
		c.idle.Stop()
	}
	if c.assoc != nil && c.assoc.Broken() {
		scu.Release(c.assoc, true)
		c.assoc = nil
	}
	if c.assoc == nil {
		assoc, err := c.endpoint.Dial(ctx, sessionContexts())
		if err != nil {
			return err
		}
		c.logger.Debug("Association established", zap.String("address", c.opts.Address))
		c.assoc = assoc
	}

	err := fn(ctx, c.assoc)
	if c.assoc.Broken() {
		c.logger.Debug("Dropping failed association", zap.Error(err))
		scu.Release(c.assoc, true)
		c.assoc = nil
		return err
	}
	c.armIdle()
	return err
}

func (c *Client) armIdle() {
	if c.opts.IdleTimeout <= 0 {
		return
	}
	if c.idle == nil {
		c.idle = time.AfterFunc(c.opts.IdleTimeout, c.closeIdle)
		return
	}
	c.idle.Reset(c.opts.IdleTimeout)
}

func (c *Client) closeIdle() {
	// An operation in flight re-arms the timer when it finishes.
	if !c.mu.TryLock() {
		return
	}
	defer c.mu.Unlock()
	if c.assoc != nil {
		c.logger.Debug("Releasing idle association")
		scu.Release(c.assoc, false)
		c.assoc = nil
	}
}

// Echo sends C-ECHO on the shared association.
func (c *Client) Echo(ctx context.Context) (bool, error) {
	return scu.Echo(ctx, c.run)
}

// FindStudies runs a STUDY level C-FIND.
func (c *Client) FindStudies(ctx context.Context, filter pacs.StudyFilter) iter.Seq2[pacs.Study, error] {
	return scu.Studies(ctx, c.run, filter)
}

// FindSeries runs a SERIES level C-FIND.
func (c *Client) FindSeries(ctx context.Context, study pacs.StudyIdentifier, filter pacs.SeriesFilter) iter.Seq2[pacs.Series, error] {
	return scu.Series(ctx, c.run, study, filter)
}

// FindInstances runs an IMAGE level C-FIND.
func (c *Client) FindInstances(ctx context.Context, series pacs.SeriesIdentifier) iter.Seq2[pacs.Instance, error] {
	return scu.Instances(ctx, c.run, series)
}

// StorageAddr starts the storage SCP if needed and returns its address.
func (c *Client) StorageAddr() (net.Addr, error) {
	scp, err := c.storage()
	if err != nil {
		return nil, pacs.Wrap(pacs.KindConnection, "storage scp", err)
	}
	return scp.addr, nil
}

func (c *Client) storage() (*storageSCP, error) {
	c.scpMu.Lock()
	defer c.scpMu.Unlock()
	if c.scp != nil {
		return c.scp, nil
	}
	scp, err := startStorageSCP(c.opts.CallingAETitle, c.opts.StoragePort, c.logger)
	if err != nil {
		return nil, err
	}
	c.scp = scp
	return scp, nil
}

// RetrieveInstance moves one instance to the storage SCP. Each retry gets
// RetrieveTimeout extended by the policy's timeout padding.
func (c *Client) RetrieveInstance(ctx context.Context, id pacs.InstanceIdentifier) (*dicom.Dataset, error) {
	scp, err := c.storage()
	if err != nil {
		return nil, pacs.Wrap(pacs.KindConnection, "retrieve instance", err)
	}

	var ds *dicom.Dataset
	err = c.opts.Retry.Do(ctx, retryableMove, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			c.logger.Warn("Retrying retrieve", zap.Stringer("instance", id), zap.Int("attempt", attempt+1))
		}
		if timeout := c.opts.Retry.Timeout(c.opts.RetrieveTimeout, attempt); timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		var err error
		ds, err = c.move(ctx, scp, id)
		return err
	})
	if err != nil {
		return nil, scu.MapError("retrieve instance", err)
	}
	return pacs.Normalize(ds), nil
}

func retryableMove(err error) bool {
	return dicomerrors.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) move(ctx context.Context, scp *storageSCP, id pacs.InstanceIdentifier) (*dicom.Dataset, error) {
	c.moveMu.Lock()
	defer c.moveMu.Unlock()

	arrived, withdraw := scp.expect(id.SOPInstanceUID)
	defer withdraw()

	var responses []*client.CMoveResponse
	err := c.run(ctx, func(ctx context.Context, assoc *client.Association) error {
		var err error
		responses, err = assoc.SendCMove(ctx, &client.CMoveRequest{
			SOPClassUID: types.StudyRootQueryRetrieveInformationModelMove,
			Destination: c.opts.CallingAETitle,
			Dataset:     pacs.RetrieveKeys(id),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	final := responses[len(responses)-1]

	select {
	case ds := <-arrived:
		return ds, nil
	default:
	}

	switch {
	case final.Status == types.StatusMoveDestinationUnknown:
		return nil, dicomerrors.NewDIMSEError("C-MOVE", final.Status,
			"move destination "+c.opts.CallingAETitle+" unknown to the PACS")
	case final.Completed() == 0 && final.Failed() == 0 && types.IsSuccessStatus(final.Status):
		return nil, pacs.Errorf(pacs.KindNotFound, "retrieve instance", "no instance %s", id)
	case final.Completed() == 0:
		return nil, dicomerrors.NewDIMSEError("C-MOVE", final.Status, final.ErrorComment)
	}

	timer := time.NewTimer(arrivalGrace)
	defer timer.Stop()
	select {
	case ds := <-arrived:
		return ds, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, pacs.Errorf(pacs.KindNotFound, "retrieve instance",
			"C-MOVE completed but %s never arrived", id)
	}
}

// RetrieveSeries moves every instance of a series, one at a time.
func (c *Client) RetrieveSeries(ctx context.Context, series pacs.SeriesIdentifier, sink pacs.Sink) (*pacs.RetrieveResult, error) {
	ids, err := scu.InstancesOf(ctx, c.run, series)
	if err != nil {
		return nil, err
	}
	return c.retrieveAll(ctx, "retrieve series", ids, sink)
}

// RetrieveStudy moves every instance of a study, one at a time.
func (c *Client) RetrieveStudy(ctx context.Context, study pacs.StudyIdentifier, sink pacs.Sink) (*pacs.RetrieveResult, error) {
	ids, err := scu.Enumerate(ctx, c.run, study)
	if err != nil {
		return nil, err
	}
	return c.retrieveAll(ctx, "retrieve study", ids, sink)
}

func (c *Client) retrieveAll(ctx context.Context, op string, ids []pacs.InstanceIdentifier, sink pacs.Sink) (*pacs.RetrieveResult, error) {
	result := pacs.RetrieveAll(ctx, ids, c.RetrieveInstance, sink, pacs.BulkOptions{
		Workers: 1,
		OnFailure: func(id pacs.InstanceIdentifier, err error) {
			c.logger.Warn("Instance retrieve failed", zap.Stringer("instance", id), zap.Error(err))
		},
	})
	c.logger.Info("Bulk retrieve finished",
		zap.String("op", op),
		zap.Int("requested", len(result.Requested())),
		zap.Int("failed", len(result.FailedIDs())))
	if err := ctx.Err(); err != nil {
		return result, pacs.Wrap(pacs.KindConnection, op, err)
	}
	return result, nil
}

// Store sends ds with C-STORE on an association of its own.
func (c *Client) Store(ctx context.Context, ds *dicom.Dataset) (bool, error) {
	if ds == nil {
		return false, pacs.Errorf(pacs.KindStoreRejected, "store", "nil dataset")
	}
	return scu.Store(ctx, c.endpoint, ds)
}

// GetThumbnail retrieves an instance and renders its first frame.
func (c *Client) GetThumbnail(ctx context.Context, id pacs.InstanceIdentifier, size imaging.Size) (*imaging.PixelImage, error) {
	ds, err := c.RetrieveInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return pacs.RenderThumbnail(ds, size)
}

// Close releases the shared association and stops the storage SCP. The
// client may be used again afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.idle != nil {
		c.idle.Stop()
	}
	if c.assoc != nil {
		scu.Release(c.assoc, false)
		c.assoc = nil
	}
	c.mu.Unlock()

	c.scpMu.Lock()
	defer c.scpMu.Unlock()
	if c.scp != nil {
		c.scp.stop()
		c.scp = nil
	}
	return nil
}
