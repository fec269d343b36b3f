package pacs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/caio-sobreiro/pacsman/dicom"
)

// Sink receives the datasets of a bulk retrieve. Put may be called from
// several goroutines.
type Sink interface {
	Put(ctx context.Context, ds *dicom.Dataset) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ds *dicom.Dataset) error

// Put calls f.
func (f SinkFunc) Put(ctx context.Context, ds *dicom.Dataset) error {
	return f(ctx, ds)
}

// DirSink writes each dataset as a Part 10 file named <SOPInstanceUID>.dcm
// in Dir. Files are written under a temporary name and renamed into place.
type DirSink struct {
	Dir string
}

// Put writes ds into the directory.
func (s DirSink) Put(ctx context.Context, ds *dicom.Dataset) error {
	uid := ds.GetString(dicom.TagSOPInstanceUID)
	if !PathSafe(uid) {
		return fmt.Errorf("invalid SOPInstanceUID %q", uid)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	return WriteFileAtomic(filepath.Join(s.Dir, uid+".dcm"), ds)
}

// PathSafe reports whether a UID can be used as a file or directory name.
func PathSafe(uid string) bool {
	return uid != "" && uid != Unknown && uid != "." && uid != ".." && !strings.ContainsAny(uid, `/\`)
}

// WriteFileAtomic writes ds as a Part 10 file at path via a temporary file
// in the same directory.
func WriteFileAtomic(path string, ds *dicom.Dataset) error {
	tmp := filepath.Join(filepath.Dir(path), "."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := dicom.WritePart10(f, ds); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// MemorySink keeps datasets in memory keyed by SOPInstanceUID.
type MemorySink struct {
	mu       sync.Mutex
	datasets map[string]*dicom.Dataset
}

// Put stores ds.
func (s *MemorySink) Put(ctx context.Context, ds *dicom.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.datasets == nil {
		s.datasets = make(map[string]*dicom.Dataset)
	}
	s.datasets[ds.GetString(dicom.TagSOPInstanceUID)] = ds
	return nil
}

// Get returns the dataset stored for a SOPInstanceUID.
func (s *MemorySink) Get(sopInstanceUID string) (*dicom.Dataset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.datasets[sopInstanceUID]
	return ds, ok
}

// Datasets returns the stored datasets ordered by SOPInstanceUID.
func (s *MemorySink) Datasets() []*dicom.Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()
	uids := make([]string, 0, len(s.datasets))
	for uid := range s.datasets {
		uids = append(uids, uid)
	}
	slices.Sort(uids)
	out := make([]*dicom.Dataset, len(uids))
	for i, uid := range uids {
		out[i] = s.datasets[uid]
	}
	return out
}

// Len returns the number of stored datasets.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.datasets)
}
