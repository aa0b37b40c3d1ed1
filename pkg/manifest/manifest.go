// Package manifest maps logical file paths to blob ids. A manifest is parsed once at
// startup, either from the boot configuration or from a YAML file, and is read-only afterwards.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"github.com/thinkparq/fshost/pkg/bootcfg"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidPath   = errors.New("invalid logical path")
	ErrInvalidBlobID = errors.New("invalid blob id")
	ErrBlobMissing   = errors.New("blob not found")
)

// Manifest holds validated entries only.
type Manifest struct {
	Files Files `yaml:"files"`
}

// Files maps logical paths (for example "lib/libc.so" or "bin/pkgsvr") to blob ids.
type Files map[string]string

// Entry is a single manifest entry.
type Entry struct {
	Path   string
	BlobID string
}

// New validates files and returns a manifest containing the valid entries. Invalid entries are
// skipped and reported through the returned error, so callers may choose to continue with a
// partial manifest.
func New(files map[string]string) (Manifest, error) {
	m := Manifest{Files: make(Files, len(files))}
	var errs []error
	for p, id := range files {
		if err := ValidateEntry(p, id); err != nil {
			errs = append(errs, err)
			continue
		}
		m.Files[p] = id
	}
	return m, errors.Join(errs...)
}

// FromBootConfig builds a manifest from all bootcfg.KeyPkgfsFilePrefix entries.
func FromBootConfig(cfg *bootcfg.Config) (Manifest, error) {
	return New(cfg.WithPrefix(bootcfg.KeyPkgfsFilePrefix))
}

func FromDisk(fs afero.Fs, p string) (Manifest, error) {
	data, err := afero.ReadFile(fs, p)
	if err != nil {
		return Manifest{}, err
	}
	var raw Manifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Manifest{}, err
	}
	return New(raw.Files)
}

func ToDisk(fs afero.Fs, m Manifest, p string) error {
	data, err := yaml.Marshal(&m)
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, p, data, 0644)
}

// ValidateEntry checks a logical path is relative and clean. Blob ids are opaque names inside the
// blob store, they only have to name a single entry of its root directory.
func ValidateEntry(logicalPath, blobID string) error {
	if logicalPath == "" || strings.HasPrefix(logicalPath, "/") || path.Clean(logicalPath) != logicalPath ||
		logicalPath == ".." || strings.HasPrefix(logicalPath, "../") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, logicalPath)
	}
	if blobID == "" || blobID == "." || blobID == ".." || strings.ContainsAny(blobID, "/\x00") {
		return fmt.Errorf("%w: %q (%s)", ErrInvalidBlobID, blobID, logicalPath)
	}
	return nil
}

// Lookup returns the blob id for a logical path.
func (m Manifest) Lookup(logicalPath string) (string, bool) {
	id, ok := m.Files[logicalPath]
	return id, ok
}

func (m Manifest) Len() int {
	return len(m.Files)
}

// Entries returns all entries sorted by path.
func (m Manifest) Entries() []Entry {
	entries := make([]Entry, 0, len(m.Files))
	for p, id := range m.Files {
		entries = append(entries, Entry{Path: p, BlobID: id})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return entries
}

// Verify checks every entry against the blob store rooted at blobs. It returns one error per entry
// whose blob is missing or is not a regular file.
func (m Manifest) Verify(blobs afero.Fs) []error {
	var errs []error
	for _, e := range m.Entries() {
		if err := VerifyEntry(blobs, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Path, err))
		}
	}
	return errs
}

// VerifyEntry checks that the blob named by e exists in blobs.
func VerifyEntry(blobs afero.Fs, e Entry) error {
	fi, err := blobs.Stat(e.BlobID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrBlobMissing, e.BlobID)
		}
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrBlobMissing, e.BlobID)
	}
	return nil
}
