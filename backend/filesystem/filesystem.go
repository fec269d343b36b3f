// Package filesystem implements pacs.Client over a directory of DICOM Part 10
// files.
//
// Instances are written to <root>/<StudyUID>/<SeriesUID>/<SOPInstanceUID>.dcm,
// but any file layout under the root is indexed. The catalogue is kept in a
// msgpack index file at the root and rebuilt whenever a fingerprint of the
// file names, sizes and modification times no longer matches.
package filesystem

import (
	"context"
	"errors"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caio-sobreiro/pacsman/dicom"
	"github.com/caio-sobreiro/pacsman/imaging"
	"github.com/caio-sobreiro/pacsman/pacs"
)

// DefaultIndexName is the index file created at the root.
const DefaultIndexName = ".pacsman_index"

// Options configures a filesystem client.
type Options struct {
	Root      string
	IndexName string
	// Overwrite lets Store replace an instance with the same SOPInstanceUID.
	Overwrite bool
	// Workers bounds parallel reads during bulk retrieval.
	Workers         int
	RetrieveTimeout time.Duration
	Logger          *zap.Logger
}

// Client is a pacs.Client backed by a directory. It is safe for concurrent
// use; index refreshes are serialized.
type Client struct {
	opts   Options
	logger *zap.Logger

	mu    sync.Mutex
	idx   *index
	bySOP map[string]int
}

var _ pacs.Client = (*Client)(nil)

// New returns a client for opts.Root. No I/O happens until the first call.
func New(opts Options) *Client {
	if opts.IndexName == "" {
		opts.IndexName = DefaultIndexName
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		opts:   opts,
		logger: logger.With(zap.String("backend", "filesystem"), zap.String("root", opts.Root)),
	}
}

// Echo reports whether the root is an accessible directory.
func (c *Client) Echo(ctx context.Context) (bool, error) {
	info, err := os.Stat(c.opts.Root)
	if err != nil {
		return false, pacs.Wrap(pacs.KindConnection, "echo", err)
	}
	if !info.IsDir() {
		return false, pacs.Errorf(pacs.KindConnection, "echo", "%s is not a directory", c.opts.Root)
	}
	if _, err := os.ReadDir(c.opts.Root); err != nil {
		return false, pacs.Wrap(pacs.KindConnection, "echo", err)
	}
	return true, nil
}

// FindStudies lists the studies in the store that match filter.
func (c *Client) FindStudies(ctx context.Context, filter pacs.StudyFilter) iter.Seq2[pacs.Study, error] {
	return func(yield func(pacs.Study, error) bool) {
		entries, err := c.snapshot(ctx, "find studies")
		if err != nil {
			yield(pacs.Study{}, err)
			return
		}
		for _, g := range groupBy(entries, dicom.TagStudyInstanceUID) {
			ds := studyDataset(g.entries)
			c.addExtraTags(ds, g.entries[0], filter.AdditionalTags)
			if !filter.Match(ds) {
				continue
			}
			if !yield(pacs.StudyFromDataset(ds), nil) {
				return
			}
		}
	}
}

// FindSeries lists the series of a study that match filter.
func (c *Client) FindSeries(ctx context.Context, study pacs.StudyIdentifier, filter pacs.SeriesFilter) iter.Seq2[pacs.Series, error] {
	return func(yield func(pacs.Series, error) bool) {
		entries, err := c.snapshot(ctx, "find series")
		if err != nil {
			yield(pacs.Series{}, err)
			return
		}
		entries = slices.DeleteFunc(entries, func(e *entry) bool {
			return e.get(dicom.TagStudyInstanceUID) != study.StudyInstanceUID
		})
		for _, g := range groupBy(entries, dicom.TagSeriesInstanceUID) {
			ds := seriesDataset(g.entries)
			c.addExtraTags(ds, g.entries[0], filter.AdditionalTags)
			if !filter.Match(ds) {
				continue
			}
			if !yield(pacs.SeriesFromDataset(study, ds), nil) {
				return
			}
		}
	}
}

// FindInstances lists the instances of a series ordered by InstanceNumber.
func (c *Client) FindInstances(ctx context.Context, series pacs.SeriesIdentifier) iter.Seq2[pacs.Instance, error] {
	return func(yield func(pacs.Instance, error) bool) {
		entries, err := c.snapshot(ctx, "find instances")
		if err != nil {
			yield(pacs.Instance{}, err)
			return
		}
		for _, e := range seriesEntries(entries, series) {
			if !yield(pacs.InstanceFromDataset(series, e.dataset(indexedTags...)), nil) {
				return
			}
		}
	}
}

// RetrieveInstance reads one instance from disk.
func (c *Client) RetrieveInstance(ctx context.Context, id pacs.InstanceIdentifier) (*dicom.Dataset, error) {
	if _, err := c.snapshot(ctx, "retrieve instance"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	e := c.lookup(id)
	c.mu.Unlock()
	if e == nil {
		return nil, pacs.Errorf(pacs.KindNotFound, "retrieve instance", "no instance %s", id)
	}
	return c.read(e)
}

// RetrieveSeries reads every instance of a series into sink.
func (c *Client) RetrieveSeries(ctx context.Context, series pacs.SeriesIdentifier, sink pacs.Sink) (*pacs.RetrieveResult, error) {
	entries, err := c.snapshot(ctx, "retrieve series")
	if err != nil {
		return nil, err
	}
	return c.retrieveAll(ctx, "retrieve series", seriesEntries(entries, series), sink)
}

// RetrieveStudy reads every instance of a study into sink.
func (c *Client) RetrieveStudy(ctx context.Context, study pacs.StudyIdentifier, sink pacs.Sink) (*pacs.RetrieveResult, error) {
	entries, err := c.snapshot(ctx, "retrieve study")
	if err != nil {
		return nil, err
	}
	entries = slices.DeleteFunc(entries, func(e *entry) bool {
		return e.get(dicom.TagStudyInstanceUID) != study.StudyInstanceUID
	})
	return c.retrieveAll(ctx, "retrieve study", entries, sink)
}

func (c *Client) retrieveAll(ctx context.Context, op string, entries []*entry, sink pacs.Sink) (*pacs.RetrieveResult, error) {
	byID := make(map[pacs.InstanceIdentifier]*entry, len(entries))
	ids := make([]pacs.InstanceIdentifier, 0, len(entries))
	for _, e := range entries {
		id := identifier(e)
		byID[id] = e
		ids = append(ids, id)
	}

	fetch := func(ctx context.Context, id pacs.InstanceIdentifier) (*dicom.Dataset, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return c.read(byID[id])
	}
	result := pacs.RetrieveAll(ctx, ids, fetch, sink, pacs.BulkOptions{
		Workers: c.opts.Workers,
		Timeout: c.opts.RetrieveTimeout,
		OnFailure: func(id pacs.InstanceIdentifier, err error) {
			c.logger.Warn("Instance read failed", zap.Stringer("instance", id), zap.Error(err))
		},
	})
	c.logger.Debug("Bulk retrieve finished",
		zap.String("op", op),
		zap.Int("requested", len(ids)),
		zap.Int("failed", len(result.FailedIDs())))
	if err := ctx.Err(); err != nil {
		return result, pacs.Wrap(pacs.KindConnection, op, err)
	}
	return result, nil
}

// Store writes ds under <root>/<study>/<series>/<sop>.dcm.
func (c *Client) Store(ctx context.Context, ds *dicom.Dataset) (bool, error) {
	if ds == nil {
		return false, pacs.Errorf(pacs.KindStoreRejected, "store", "nil dataset")
	}
	study := ds.GetString(dicom.TagStudyInstanceUID)
	series := ds.GetString(dicom.TagSeriesInstanceUID)
	sop := ds.GetString(dicom.TagSOPInstanceUID)
	for _, uid := range []string{study, series, sop} {
		if !pacs.PathSafe(uid) {
			return false, pacs.Errorf(pacs.KindStoreRejected, "store", "unusable UID %q", uid)
		}
	}

	if _, err := c.snapshot(ctx, "store"); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var previous string
	if i, ok := c.bySOP[sop]; ok {
		if !c.opts.Overwrite {
			return false, pacs.Errorf(pacs.KindStoreRejected, "store", "instance %s already stored", sop)
		}
		previous = c.idx.Entries[i].Path
	}

	rel := filepath.Join(study, series, sop+".dcm")
	path := filepath.Join(c.opts.Root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, pacs.Wrap(pacs.KindConnection, "store", err)
	}
	if err := pacs.WriteFileAtomic(path, ds); err != nil {
		return false, pacs.Wrap(pacs.KindConnection, "store", err)
	}
	if previous != "" && previous != filepath.ToSlash(rel) {
		if err := os.Remove(filepath.Join(c.opts.Root, filepath.FromSlash(previous))); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("Failed to remove replaced instance", zap.String("path", previous), zap.Error(err))
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return false, pacs.Wrap(pacs.KindConnection, "store", err)
	}
	c.update(previous, newEntry(rel, info, ds))

	c.logger.Debug("Instance stored", zap.String("sop_instance", sop), zap.String("path", rel))
	return true, nil
}

// GetThumbnail renders the first frame of an instance.
func (c *Client) GetThumbnail(ctx context.Context, id pacs.InstanceIdentifier, size imaging.Size) (*imaging.PixelImage, error) {
	ds, err := c.RetrieveInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return pacs.RenderThumbnail(ds, size)
}

// Close drops the in-memory index.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idx = nil
	c.bySOP = nil
	return nil
}

func (c *Client) lookup(id pacs.InstanceIdentifier) *entry {
	i, ok := c.bySOP[id.SOPInstanceUID]
	if !ok {
		return nil
	}
	e := &c.idx.Entries[i]
	if id.SeriesInstanceUID != "" && id.SeriesInstanceUID != pacs.Unknown && e.get(dicom.TagSeriesInstanceUID) != id.SeriesInstanceUID {
		return nil
	}
	return e
}

func (c *Client) read(e *entry) (*dicom.Dataset, error) {
	if e == nil {
		return nil, pacs.Errorf(pacs.KindNotFound, "retrieve instance", "instance not in store")
	}
	data, err := os.ReadFile(filepath.Join(c.opts.Root, filepath.FromSlash(e.Path)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, pacs.Errorf(pacs.KindNotFound, "retrieve instance", "%s was removed", e.Path)
	}
	if err != nil {
		return nil, pacs.Wrap(pacs.KindConnection, "retrieve instance", err)
	}
	ds, err := dicom.ReadPart10(data)
	if err != nil {
		return nil, pacs.Wrap(pacs.KindTransferSyntax, "retrieve instance", err)
	}
	return pacs.Normalize(ds), nil
}

// addExtraTags copies requested keys the index does not hold from the
// group's first file.
func (c *Client) addExtraTags(ds *dicom.Dataset, e *entry, tags []dicom.Tag) {
	var missing []dicom.Tag
	for _, tag := range tags {
		if !ds.Has(tag) {
			missing = append(missing, tag)
		}
	}
	if len(missing) == 0 {
		return
	}
	src, err := c.read(e)
	if err != nil {
		c.logger.Debug("Cannot read additional tags", zap.String("path", e.Path), zap.Error(err))
	}
	for _, tag := range missing {
		if err == nil {
			if el, ok := src.GetElement(tag); ok {
				ds.Elements[tag] = el
				continue
			}
		}
		ds.AddElement(tag, dicom.LookupVR(tag), "")
	}
}

func identifier(e *entry) pacs.InstanceIdentifier {
	return pacs.InstanceIdentifier{
		StudyInstanceUID:  e.get(dicom.TagStudyInstanceUID),
		SeriesInstanceUID: e.get(dicom.TagSeriesInstanceUID),
		SOPInstanceUID:    e.get(dicom.TagSOPInstanceUID),
	}
}

func seriesEntries(entries []*entry, series pacs.SeriesIdentifier) []*entry {
	out := slices.DeleteFunc(entries, func(e *entry) bool {
		if e.get(dicom.TagSeriesInstanceUID) != series.SeriesInstanceUID {
			return true
		}
		return series.StudyInstanceUID != "" && e.get(dicom.TagStudyInstanceUID) != series.StudyInstanceUID
	})
	slices.SortStableFunc(out, func(a, b *entry) int {
		if d := instanceNumber(a) - instanceNumber(b); d != 0 {
			return d
		}
		return strings.Compare(a.get(dicom.TagSOPInstanceUID), b.get(dicom.TagSOPInstanceUID))
	})
	return out
}

func instanceNumber(e *entry) int {
	n, _ := strconv.Atoi(strings.TrimSpace(e.get(dicom.TagInstanceNumber)))
	return n
}
