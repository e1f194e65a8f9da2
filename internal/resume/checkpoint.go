// Package resume persists the position of the last fully written segment so
// an interrupted download can continue where it stopped.
package resume

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Suffix is appended to the output file name to form the checkpoint path.
const Suffix = ".resume"

var ErrBadCheckpoint = errors.New("malformed checkpoint")

// Checkpoint marks the last segment whose bytes are fully in the output, and
// the output length at that point.
type Checkpoint struct {
	Pathname string
	Offset   int64
}

func (c Checkpoint) String() string {
	return c.Pathname + "," + strconv.FormatInt(c.Offset, 10)
}

// Parse decodes the "<pathname>,<offset>" record. The pathname may itself
// contain commas; the offset is everything after the last one.
func Parse(s string) (Checkpoint, error) {
	s = strings.TrimSpace(s)
	i := strings.LastIndexByte(s, ',')
	if i < 0 {
		return Checkpoint{}, fmt.Errorf("%w: %q", ErrBadCheckpoint, s)
	}
	off, err := strconv.ParseInt(strings.TrimSpace(s[i+1:]), 10, 64)
	if err != nil || off < 0 {
		return Checkpoint{}, fmt.Errorf("%w: bad offset in %q", ErrBadCheckpoint, s)
	}
	return Checkpoint{Pathname: s[:i], Offset: off}, nil
}

// Store is where a checkpoint lives between runs.
type Store interface {
	Load() (Checkpoint, bool, error)
	Save(Checkpoint) error
	Remove() error
}

// FileStore keeps the checkpoint in a small text file next to the output.
type FileStore struct {
	Path string
}

// ForOutput returns the store used for the given output file.
func ForOutput(outFile string) *FileStore {
	return &FileStore{Path: outFile + Suffix}
}

// Load reads the checkpoint. ok is false when no checkpoint exists.
func (f *FileStore) Load() (Checkpoint, bool, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, err
	}
	cp, err := Parse(string(data))
	if err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

// Save replaces the checkpoint atomically: the record is written to a
// sibling temp file which is then renamed over the old one.
func (f *FileStore) Save(cp Checkpoint) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(cp.String()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Remove deletes the checkpoint. A missing file is not an error.
func (f *FileStore) Remove() error {
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
