// Package pacs defines the Client contract shared by every PACS backend and
// the helpers backends compose to honour it.
//
// A Client queries, retrieves and stores DICOM instances. Backends differ in
// transport (DICOM network associations or a local directory tree) but return
// the same shapes and the same error kinds:
//
//	c, err := factory.New(cfg, logger)
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	for study, err := range c.FindStudies(ctx, pacs.StudyFilter{PatientID: "TEST001"}) {
//		if err != nil {
//			return err
//		}
//		fmt.Println(study.ID.StudyInstanceUID)
//	}
//
// Every dataset returned through the contract carries PatientID,
// StudyInstanceUID, SeriesInstanceUID, SOPInstanceUID and Modality, filled
// with Unknown when the backend did not provide them. Every error is an
// *Error.
package pacs

import (
	"context"
	"iter"

	"github.com/caio-sobreiro/pacsman/dicom"
	"github.com/caio-sobreiro/pacsman/imaging"
)

// Client is implemented by every backend. Whether a Client may be shared
// between goroutines is up to the backend; the contract does not promise it.
type Client interface {
	// Echo verifies that the remote entity or local store is reachable. A
	// negative verification returns false and no error; an unreachable
	// target returns false and a KindConnection error.
	Echo(ctx context.Context) (bool, error)

	// FindStudies returns the studies matching filter. The sequence performs
	// no I/O until ranged over and re-runs the query each time. An error is
	// yielded once and ends the sequence. Stopping early cancels the query.
	FindStudies(ctx context.Context, filter StudyFilter) iter.Seq2[Study, error]

	// FindSeries returns the series of a study matching filter.
	FindSeries(ctx context.Context, study StudyIdentifier, filter SeriesFilter) iter.Seq2[Series, error]

	// FindInstances returns the instances of a series.
	FindInstances(ctx context.Context, series SeriesIdentifier) iter.Seq2[Instance, error]

	// RetrieveInstance fetches one full dataset.
	RetrieveInstance(ctx context.Context, id InstanceIdentifier) (*dicom.Dataset, error)

	// RetrieveSeries fetches every instance of a series, handing each
	// dataset to sink (nil discards). Per-instance failures are reported in
	// the result, not as an error.
	RetrieveSeries(ctx context.Context, series SeriesIdentifier, sink Sink) (*RetrieveResult, error)

	// RetrieveStudy fetches every instance of a study like RetrieveSeries.
	RetrieveStudy(ctx context.Context, study StudyIdentifier, sink Sink) (*RetrieveResult, error)

	// Store sends a dataset to the backend. Warnings count as success.
	Store(ctx context.Context, ds *dicom.Dataset) (bool, error)

	// GetThumbnail retrieves an instance and renders its first frame so
	// that it fits inside size.
	GetThumbnail(ctx context.Context, id InstanceIdentifier, size imaging.Size) (*imaging.PixelImage, error)

	// Close releases every resource held by the client.
	Close() error
}
