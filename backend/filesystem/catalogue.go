package filesystem

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/caio-sobreiro/pacsman/dicom"
	"github.com/caio-sobreiro/pacsman/pacs"
)

// snapshot brings the index up to date and returns its entries. The slice is
// the caller's; entries must not be modified.
func (c *Client) snapshot(ctx context.Context, op string) ([]*entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, pacs.Wrap(pacs.KindConnection, op, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refresh(); err != nil {
		return nil, pacs.Wrap(pacs.KindConnection, op, err)
	}
	out := make([]*entry, len(c.idx.Entries))
	for i := range c.idx.Entries {
		out[i] = &c.idx.Entries[i]
	}
	return out, nil
}

func (c *Client) indexPath() string {
	return filepath.Join(c.opts.Root, c.opts.IndexName)
}

// refresh reloads or rebuilds the index when the root's fingerprint changed.
// c.mu must be held.
func (c *Client) refresh() error {
	info, err := os.Stat(c.opts.Root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New(c.opts.Root + " is not a directory")
	}

	files, fingerprint, err := scan(c.opts.Root, c.opts.IndexName)
	if err != nil {
		return err
	}
	if c.idx != nil && c.idx.Fingerprint == fingerprint {
		return nil
	}

	previous := c.idx
	if previous == nil {
		idx, err := readIndex(c.indexPath())
		switch {
		case err == nil && idx.Fingerprint == fingerprint:
			c.setIndex(idx)
			c.logger.Debug("Index loaded", zap.Int("instances", len(idx.Entries)))
			return nil
		case err == nil:
			previous = idx
		case !errors.Is(err, fs.ErrNotExist):
			c.logger.Warn("Ignoring unreadable index", zap.String("path", c.indexPath()), zap.Error(err))
		}
	}

	c.setIndex(c.rebuild(files, fingerprint, previous))
	if err := writeIndex(c.indexPath(), c.idx); err != nil {
		c.logger.Warn("Failed to persist index", zap.Error(err))
	}
	return nil
}

// rebuild indexes files, reusing entries whose size and modification time
// are unchanged. Files that are not Part 10 instances are skipped.
func (c *Client) rebuild(files []fileStat, fingerprint uint64, previous *index) *index {
	start := time.Now()
	known := make(map[string]entry)
	if previous != nil {
		for _, e := range previous.Entries {
			known[e.Path] = e
		}
	}

	idx := &index{Version: indexVersion, Fingerprint: fingerprint}
	reused, skipped := 0, 0
	for _, f := range files {
		if e, ok := known[f.path]; ok && e.Size == f.size && e.ModTime == f.modTime {
			idx.Entries = append(idx.Entries, e)
			reused++
			continue
		}
		path := filepath.Join(c.opts.Root, filepath.FromSlash(f.path))
		data, err := os.ReadFile(path)
		if err != nil {
			skipped++
			continue
		}
		ds, err := dicom.ReadPart10(data)
		if err != nil || ds.GetString(dicom.TagSOPInstanceUID) == "" {
			c.logger.Debug("Skipping non-DICOM file", zap.String("path", f.path), zap.Error(err))
			skipped++
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			skipped++
			continue
		}
		idx.Entries = append(idx.Entries, newEntry(f.path, info, ds))
	}

	c.logger.Info("Index rebuilt",
		zap.Int("instances", len(idx.Entries)),
		zap.Int("reused", reused),
		zap.Int("skipped", skipped),
		zap.Duration("elapsed", time.Since(start)))
	return idx
}

func (c *Client) setIndex(idx *index) {
	c.idx = idx
	c.bySOP = make(map[string]int, len(idx.Entries))
	for i := range idx.Entries {
		uid := idx.Entries[i].get(dicom.TagSOPInstanceUID)
		if _, dup := c.bySOP[uid]; !dup {
			c.bySOP[uid] = i
		}
	}
}

// update records a stored file without re-reading the tree's instances.
// c.mu must be held.
func (c *Client) update(replaced string, e entry) {
	entries := make([]entry, 0, len(c.idx.Entries)+1)
	for _, old := range c.idx.Entries {
		if old.Path != replaced && old.Path != e.Path {
			entries = append(entries, old)
		}
	}
	entries = append(entries, e)
	slices.SortFunc(entries, func(a, b entry) int { return strings.Compare(a.Path, b.Path) })

	_, fingerprint, err := scan(c.opts.Root, c.opts.IndexName)
	if err != nil {
		c.logger.Warn("Failed to fingerprint root after store", zap.Error(err))
		fingerprint = 0
	}
	c.setIndex(&index{Version: indexVersion, Fingerprint: fingerprint, Entries: entries})
	if err := writeIndex(c.indexPath(), c.idx); err != nil {
		c.logger.Warn("Failed to persist index", zap.Error(err))
	}
}

type group struct {
	key     string
	entries []*entry
}

// groupBy partitions entries by the value of tag, ordered by that value.
func groupBy(entries []*entry, tag dicom.Tag) []group {
	byKey := make(map[string]int)
	var groups []group
	for _, e := range entries {
		key := e.get(tag)
		i, ok := byKey[key]
		if !ok {
			i = len(groups)
			byKey[key] = i
			groups = append(groups, group{key: key})
		}
		groups[i].entries = append(groups[i].entries, e)
	}
	slices.SortFunc(groups, func(a, b group) int { return strings.Compare(a.key, b.key) })
	return groups
}

var studyTags = []dicom.Tag{
	dicom.TagPatientID,
	dicom.TagPatientName,
	dicom.TagPatientBirthDate,
	dicom.TagPatientSex,
	dicom.TagStudyInstanceUID,
	dicom.TagStudyDate,
	dicom.TagStudyTime,
	dicom.TagStudyDescription,
	dicom.TagStudyID,
	dicom.TagAccessionNumber,
}

var seriesTags = []dicom.Tag{
	dicom.TagPatientID,
	dicom.TagStudyInstanceUID,
	dicom.TagSeriesInstanceUID,
	dicom.TagSeriesNumber,
	dicom.TagSeriesDescription,
	dicom.TagSeriesDate,
	dicom.TagBodyPartExamined,
	dicom.TagModality,
}

func studyDataset(entries []*entry) *dicom.Dataset {
	ds := entries[0].dataset(studyTags...)
	var modalities []string
	series := make(map[string]bool)
	for _, e := range entries {
		if m := e.get(dicom.TagModality); m != "" && !slices.Contains(modalities, m) {
			modalities = append(modalities, m)
		}
		series[e.get(dicom.TagSeriesInstanceUID)] = true
	}
	slices.Sort(modalities)
	ds.AddElement(dicom.TagModalitiesInStudy, dicom.VR_CS, modalities)
	ds.AddElement(dicom.TagNumberOfStudyRelatedSeries, dicom.VR_IS, len(series))
	ds.AddElement(dicom.TagNumberOfStudyRelatedInstances, dicom.VR_IS, len(entries))
	return ds
}

func seriesDataset(entries []*entry) *dicom.Dataset {
	ds := entries[0].dataset(seriesTags...)
	ds.AddElement(dicom.TagNumberOfSeriesRelatedInstances, dicom.VR_IS, len(entries))
	return ds
}
