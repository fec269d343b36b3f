package pacs

import (
	"context"
	"errors"

	"github.com/caio-sobreiro/pacsman/dicom"
	"github.com/caio-sobreiro/pacsman/imaging"
)

// RenderThumbnail runs imaging.Thumbnail and maps its failures to
// KindUnsupportedEncoding and KindFrameIndex.
func RenderThumbnail(ds *dicom.Dataset, size imaging.Size, opts ...imaging.Option) (*imaging.PixelImage, error) {
	if size.Width <= 0 || size.Height <= 0 {
		return nil, Errorf(KindConfiguration, "thumbnail", "invalid size %dx%d", size.Width, size.Height)
	}
	img, err := imaging.Thumbnail(ds, size, opts...)
	if err != nil {
		var frameErr *imaging.FrameIndexError
		if errors.As(err, &frameErr) {
			return nil, Wrap(KindFrameIndex, "thumbnail", err)
		}
		return nil, Wrap(KindUnsupportedEncoding, "thumbnail", err)
	}
	return img, nil
}

// SeriesThumbnail renders the middle instance of a series, picked by sorted
// SOPInstanceUID.
func SeriesThumbnail(ctx context.Context, c Client, series SeriesIdentifier, size imaging.Size, opts ...imaging.Option) (*imaging.PixelImage, error) {
	instances, err := Collect(c.FindInstances(ctx, series))
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, Errorf(KindNotFound, "series thumbnail", "series %s has no instances", series.SeriesInstanceUID)
	}

	ids := make([]InstanceIdentifier, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	ids = sortedIDs(ids)
	middle := ids[len(ids)/2]

	ds, err := c.RetrieveInstance(ctx, middle)
	if err != nil {
		return nil, err
	}
	return RenderThumbnail(ds, size, opts...)
}
