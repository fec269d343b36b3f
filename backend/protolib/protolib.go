// Package protolib implements pacs.Client with C-GET retrieval.
//
// Every operation runs on an association of its own, so no listener or
// move destination is needed. Received instances are decoded with the
// suyashkumar/dicom parser.
package protolib

import (
	"context"
	"errors"
	"iter"
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

// Options configures a C-GET client.
type Options struct {
	Address         string
	CalledAETitle   string
	CallingAETitle  string
	MaxPDULength    uint32
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	RetrieveTimeout time.Duration
	// Workers bounds the associations used in parallel by bulk retrieval.
	Workers int
	Retry   pacs.RetryPolicy
	Logger  *zap.Logger
}

// Client is a pacs.Client using one association per operation.
type Client struct {
	opts     Options
	logger   *zap.Logger
	endpoint scu.Endpoint
	query    scu.Runner
	retrieve scu.Runner
}

var _ pacs.Client = (*Client)(nil)

// New returns a client for opts. No connection is made until the first call.
func New(opts Options) *Client {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("backend", "protocol-library"), zap.String("called_ae", opts.CalledAETitle))

	endpoint := scu.Endpoint{
		Address:        opts.Address,
		CalledAETitle:  opts.CalledAETitle,
		CallingAETitle: opts.CallingAETitle,
		MaxPDULength:   opts.MaxPDULength,
		ConnectTimeout: opts.ConnectTimeout,
		ReadTimeout:    opts.ReadTimeout,
		Retry:          opts.Retry,
		Logger:         logging.Slog(logger),
	}
	queryContexts := append(client.VerificationContexts(),
		client.QueryRetrieveContexts(types.StudyRootQueryRetrieveInformationModelFind)...)
	getContexts := append(client.QueryRetrieveContexts(types.StudyRootQueryRetrieveInformationModelGet),
		client.StorageContexts(types.StorageSOPClasses())...)

	return &Client{
		opts:     opts,
		logger:   logger,
		endpoint: endpoint,
		query:    endpoint.Scoped(queryContexts),
		retrieve: endpoint.Scoped(getContexts),
	}
}

// Echo sends C-ECHO.
func (c *Client) Echo(ctx context.Context) (bool, error) {
	return scu.Echo(ctx, c.query)
}

// FindStudies runs a STUDY level C-FIND.
func (c *Client) FindStudies(ctx context.Context, filter pacs.StudyFilter) iter.Seq2[pacs.Study, error] {
	return scu.Studies(ctx, c.query, filter)
}

// FindSeries runs a SERIES level C-FIND.
func (c *Client) FindSeries(ctx context.Context, study pacs.StudyIdentifier, filter pacs.SeriesFilter) iter.Seq2[pacs.Series, error] {
	return scu.Series(ctx, c.query, study, filter)
}

// FindInstances runs an IMAGE level C-FIND.
func (c *Client) FindInstances(ctx context.Context, series pacs.SeriesIdentifier) iter.Seq2[pacs.Instance, error] {
	return scu.Instances(ctx, c.query, series)
}

// RetrieveInstance fetches one instance with C-GET. Each retry gets
// RetrieveTimeout extended by the policy's timeout padding.
func (c *Client) RetrieveInstance(ctx context.Context, id pacs.InstanceIdentifier) (*dicom.Dataset, error) {
	var ds *dicom.Dataset
	err := c.opts.Retry.Do(ctx, retryableGet, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			c.logger.Warn("Retrying retrieve", zap.Stringer("instance", id), zap.Int("attempt", attempt+1))
		}
		if timeout := c.opts.Retry.Timeout(c.opts.RetrieveTimeout, attempt); timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		var err error
		ds, err = c.get(ctx, id)
		return err
	})
	if err != nil {
		return nil, scu.MapError("retrieve instance", err)
	}
	return pacs.Normalize(ds), nil
}

func retryableGet(err error) bool {
	return dicomerrors.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) get(ctx context.Context, id pacs.InstanceIdentifier) (*dicom.Dataset, error) {
	var (
		ds        *dicom.Dataset
		decodeErr error
		final     *client.CGetResponse
	)
	err := c.retrieve(ctx, func(ctx context.Context, assoc *client.Association) error {
		responses, err := assoc.SendCGet(ctx, &client.CGetRequest{
			SOPClassUID: types.StudyRootQueryRetrieveInformationModelGet,
			Dataset:     pacs.RetrieveKeys(id),
		}, func(ctx context.Context, ind *client.CStoreIndication) uint16 {
			if ind.SOPInstanceUID != id.SOPInstanceUID {
				c.logger.Warn("Unexpected C-GET sub-operation", zap.String("sop_instance", ind.SOPInstanceUID))
				return types.StatusProcessingFailure
			}
			got, err := decode(ind)
			if err != nil {
				decodeErr = err
				return types.StatusProcessingFailure
			}
			ds = got
			return types.StatusSuccess
		})
		if err != nil {
			return err
		}
		final = responses[len(responses)-1]
		return nil
	})
	switch {
	case err != nil:
		return nil, err
	case ds != nil:
		return ds, nil
	case decodeErr != nil:
		return nil, pacs.Wrap(pacs.KindTransferSyntax, "retrieve instance", decodeErr)
	case final.Completed() == 0 && final.Failed() == 0 && types.IsSuccessStatus(final.Status):
		return nil, pacs.Errorf(pacs.KindNotFound, "retrieve instance", "no instance %s", id)
	}
	return nil, dicomerrors.NewDIMSEError("C-GET", final.Status, final.ErrorComment)
}

// RetrieveSeries fetches every instance of a series, Workers at a time.
func (c *Client) RetrieveSeries(ctx context.Context, series pacs.SeriesIdentifier, sink pacs.Sink) (*pacs.RetrieveResult, error) {
	ids, err := scu.InstancesOf(ctx, c.query, series)
	if err != nil {
		return nil, err
	}
	return c.retrieveAll(ctx, "retrieve series", ids, sink)
}

// RetrieveStudy fetches every instance of a study, Workers at a time.
func (c *Client) RetrieveStudy(ctx context.Context, study pacs.StudyIdentifier, sink pacs.Sink) (*pacs.RetrieveResult, error) {
	ids, err := scu.Enumerate(ctx, c.query, study)
	if err != nil {
		return nil, err
	}
	return c.retrieveAll(ctx, "retrieve study", ids, sink)
}

func (c *Client) retrieveAll(ctx context.Context, op string, ids []pacs.InstanceIdentifier, sink pacs.Sink) (*pacs.RetrieveResult, error) {
	result := pacs.RetrieveAll(ctx, ids, c.RetrieveInstance, sink, pacs.BulkOptions{
		Workers: c.opts.Workers,
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

// Store sends ds with C-STORE.
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

// Close is a no-op; associations never outlive an operation.
func (c *Client) Close() error {
	return nil
}
