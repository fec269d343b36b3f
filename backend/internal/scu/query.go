package scu

import (
	"context"
	"errors"
	"iter"

	"github.com/caio-sobreiro/pacsman/client"
	"github.com/caio-sobreiro/pacsman/dicom"
	dicomerrors "github.com/caio-sobreiro/pacsman/errors"
	"github.com/caio-sobreiro/pacsman/pacs"
	"github.com/caio-sobreiro/pacsman/types"
)

// Find runs a study-root C-FIND and passes each match to yield. Returning
// false from yield cancels the query. A failure status ends the call with
// a *DIMSEError.
func Find(ctx context.Context, assoc *client.Association, query *dicom.Dataset, yield func(*dicom.Dataset) bool) error {
	var failure error
	req := &client.CFindRequest{
		SOPClassUID: types.StudyRootQueryRetrieveInformationModelFind,
		Dataset:     query,
	}
	err := assoc.StreamCFind(ctx, req, func(rsp *client.CFindResponse) bool {
		switch {
		case types.IsPendingStatus(rsp.Status):
			if rsp.Dataset == nil {
				return true
			}
			return yield(rsp.Dataset)
		case types.IsSuccessStatus(rsp.Status), rsp.Status == types.StatusCancel:
		default:
			failure = dicomerrors.NewDIMSEError("C-FIND", rsp.Status, rsp.ErrorComment)
		}
		return true
	})
	if err != nil {
		return err
	}
	return failure
}

// Echo sends C-ECHO. An unreachable peer yields false with a connection
// error; a negative verification yields false, nil.
func Echo(ctx context.Context, run Runner) (bool, error) {
	var ok bool
	err := run(ctx, func(ctx context.Context, assoc *client.Association) error {
		rsp, err := assoc.SendCEcho(ctx)
		if err != nil {
			return err
		}
		ok = rsp.Status == types.StatusSuccess
		return nil
	})
	if err != nil {
		return false, MapError("echo", err)
	}
	return ok, nil
}

// Studies queries at STUDY level. Matches are re-checked with filter.Match
// so every backend applies the same matching rules.
func Studies(ctx context.Context, run Runner, filter pacs.StudyFilter) iter.Seq2[pacs.Study, error] {
	return func(yield func(pacs.Study, error) bool) {
		stopped := false
		err := run(ctx, func(ctx context.Context, assoc *client.Association) error {
			return Find(ctx, assoc, filter.Query(), func(ds *dicom.Dataset) bool {
				if !filter.Match(ds) {
					return true
				}
				if !yield(pacs.StudyFromDataset(ds), nil) {
					stopped = true
					return false
				}
				return true
			})
		})
		if err != nil && !stopped {
			yield(pacs.Study{}, MapError("find studies", err))
		}
	}
}

// Series queries at SERIES level. Series without
// NumberOfSeriesRelatedInstances get it by counting their instances.
func Series(ctx context.Context, run Runner, study pacs.StudyIdentifier, filter pacs.SeriesFilter) iter.Seq2[pacs.Series, error] {
	return func(yield func(pacs.Series, error) bool) {
		stopped := false
		var countErr error
		err := run(ctx, func(ctx context.Context, assoc *client.Association) error {
			return Find(ctx, assoc, pacs.SeriesQuery(study, filter), func(ds *dicom.Dataset) bool {
				if !filter.Match(ds) {
					return true
				}
				series := pacs.SeriesFromDataset(study, ds)
				if series.NumberOfInstances() < 0 {
					n, err := countInstances(ctx, run, series.ID)
					if err != nil {
						countErr = err
						return false
					}
					series.Attrs.AddElement(dicom.TagNumberOfSeriesRelatedInstances, dicom.VR_IS, n)
				}
				if !yield(series, nil) {
					stopped = true
					return false
				}
				return true
			})
		})
		if countErr != nil {
			err = countErr
		}
		if err != nil && !stopped {
			yield(pacs.Series{}, MapError("find series", err))
		}
	}
}

func countInstances(ctx context.Context, run Runner, series pacs.SeriesIdentifier) (int, error) {
	n := 0
	err := run(ctx, func(ctx context.Context, assoc *client.Association) error {
		return Find(ctx, assoc, pacs.InstanceQuery(series), func(*dicom.Dataset) bool {
			n++
			return true
		})
	})
	return n, err
}

// Instances queries at IMAGE level.
func Instances(ctx context.Context, run Runner, series pacs.SeriesIdentifier) iter.Seq2[pacs.Instance, error] {
	return func(yield func(pacs.Instance, error) bool) {
		stopped := false
		err := run(ctx, func(ctx context.Context, assoc *client.Association) error {
			return Find(ctx, assoc, pacs.InstanceQuery(series), func(ds *dicom.Dataset) bool {
				if !yield(pacs.InstanceFromDataset(series, ds), nil) {
					stopped = true
					return false
				}
				return true
			})
		})
		if err != nil && !stopped {
			yield(pacs.Instance{}, MapError("find instances", err))
		}
	}
}

// Enumerate lists the instances of every series of a study.
func Enumerate(ctx context.Context, run Runner, study pacs.StudyIdentifier) ([]pacs.InstanceIdentifier, error) {
	var series []pacs.SeriesIdentifier
	err := run(ctx, func(ctx context.Context, assoc *client.Association) error {
		return Find(ctx, assoc, pacs.SeriesQuery(study, pacs.SeriesFilter{}), func(ds *dicom.Dataset) bool {
			series = append(series, pacs.SeriesFromDataset(study, ds).ID)
			return true
		})
	})
	if err != nil {
		return nil, MapError("retrieve study", err)
	}

	var ids []pacs.InstanceIdentifier
	for _, s := range series {
		instances, err := pacs.Collect(Instances(ctx, run, s))
		if err != nil {
			return nil, err
		}
		for _, inst := range instances {
			ids = append(ids, inst.ID)
		}
	}
	return ids, nil
}

// InstancesOf lists the instance identifiers of one series.
func InstancesOf(ctx context.Context, run Runner, series pacs.SeriesIdentifier) ([]pacs.InstanceIdentifier, error) {
	instances, err := pacs.Collect(Instances(ctx, run, series))
	if err != nil {
		return nil, err
	}
	ids := make([]pacs.InstanceIdentifier, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	return ids, nil
}

// Store sends ds on a new association proposing its SOP class. Success and
// warning statuses are accepted; any other status is a rejection.
func Store(ctx context.Context, e Endpoint, ds *dicom.Dataset) (bool, error) {
	sopClass := ds.GetString(dicom.TagSOPClassUID)
	if sopClass == "" || ds.GetString(dicom.TagSOPInstanceUID) == "" {
		return false, pacs.Errorf(pacs.KindStoreRejected, "store", "dataset lacks SOPClassUID or SOPInstanceUID")
	}

	var rsp *client.CStoreResponse
	run := e.Scoped([]client.ContextProposal{client.StoreContext(sopClass, ds.TransferSyntaxUID)})
	err := run(ctx, func(ctx context.Context, assoc *client.Association) error {
		var err error
		rsp, err = assoc.SendCStore(ctx, &client.CStoreRequest{Dataset: ds})
		return err
	})
	if errors.Is(err, dicomerrors.ErrNoPresentationCtx) {
		return false, pacs.Wrap(pacs.KindStoreRejected, "store", err)
	}
	if err != nil {
		return false, MapError("store", err)
	}
	if !types.IsSuccessStatus(rsp.Status) {
		return false, pacs.Errorf(pacs.KindStoreRejected, "store", "status 0x%04X: %s", rsp.Status, rsp.ErrorComment)
	}
	return true, nil
}
