package filesystem

import (
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/caio-sobreiro/pacsman/dicom"
)

const indexVersion = 1

// indexedTags are copied into the index so queries never open instance files.
var indexedTags = []dicom.Tag{
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
	dicom.TagSeriesInstanceUID,
	dicom.TagSeriesNumber,
	dicom.TagSeriesDescription,
	dicom.TagSeriesDate,
	dicom.TagBodyPartExamined,
	dicom.TagModality,
	dicom.TagSOPInstanceUID,
	dicom.TagSOPClassUID,
	dicom.TagInstanceNumber,
}

// entry describes one instance file.
type entry struct {
	Path    string            `msgpack:"path"` // relative to the root, slash separated
	Size    int64             `msgpack:"size"`
	ModTime int64             `msgpack:"mtime"`
	Attrs   map[uint32]string `msgpack:"attrs"`
}

func (e *entry) get(tag dicom.Tag) string {
	return e.Attrs[tagKey(tag)]
}

// dataset returns the indexed attributes as a dataset.
func (e *entry) dataset(tags ...dicom.Tag) *dicom.Dataset {
	ds := dicom.NewDataset()
	for _, tag := range tags {
		ds.AddElement(tag, dicom.LookupVR(tag), e.get(tag))
	}
	return ds
}

func tagKey(tag dicom.Tag) uint32 {
	return uint32(tag.Group)<<16 | uint32(tag.Element)
}

func newEntry(path string, info fs.FileInfo, ds *dicom.Dataset) entry {
	e := entry{
		Path:    filepath.ToSlash(path),
		Size:    info.Size(),
		ModTime: info.ModTime().UnixNano(),
		Attrs:   make(map[uint32]string, len(indexedTags)),
	}
	for _, tag := range indexedTags {
		if v := ds.GetString(tag); v != "" {
			e.Attrs[tagKey(tag)] = v
		}
	}
	return e
}

// index is the persisted form of the store's catalogue.
type index struct {
	Version     int     `msgpack:"version"`
	Fingerprint uint64  `msgpack:"fingerprint"`
	Entries     []entry `msgpack:"entries"`
}

// fileStat is what the fingerprint covers for one file.
type fileStat struct {
	path    string
	size    int64
	modTime int64
}

// scan lists the files under root in lexical order and fingerprints them.
// The index file and temporary files are skipped.
func scan(root, indexName string) ([]fileStat, uint64, error) {
	var files []fileStat
	digest := xxhash.New()
	var buf [16]byte
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == indexName || strings.HasPrefix(name, ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		st := fileStat{path: filepath.ToSlash(rel), size: info.Size(), modTime: info.ModTime().UnixNano()}
		files = append(files, st)

		digest.WriteString(st.path)
		binary.LittleEndian.PutUint64(buf[:8], uint64(st.size))
		binary.LittleEndian.PutUint64(buf[8:], uint64(st.modTime))
		digest.Write(buf[:])
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return files, digest.Sum64(), nil
}

func readIndex(path string) (*index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var idx index
	if err := msgpack.Unmarshal(data, &idx); err != nil {
		return nil, err
	}
	if idx.Version != indexVersion {
		return nil, errors.New("index version mismatch")
	}
	return &idx, nil
}

func writeIndex(path string, idx *index) error {
	data, err := msgpack.Marshal(idx)
	if err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(path), "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
