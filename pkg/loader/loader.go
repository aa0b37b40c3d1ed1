// Package loader resolves binary and library load requests against the blob store. Before any
// general filesystem is mounted this is the only way code can be loaded: every logical path is
// looked up in the manifest and the matching blob is opened read-only.
package loader

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"github.com/thinkparq/fshost/pkg/bootcfg"
	"github.com/thinkparq/fshost/pkg/manifest"
	"go.uber.org/zap"
)

// MaxKeyLen is the longest lookup key accepted, including the namespace prefix.
const MaxKeyLen = 255

// Object is a resolved blob. Key is the full lookup key, kept for diagnostics.
type Object struct {
	Key    string
	BlobID string
	File   afero.File
}

// OSFile returns the descriptor backing the object so it can be passed to another process. Only
// objects opened from an OS backed blob store have one.
func (o *Object) OSFile() (*os.File, error) {
	switch f := o.File.(type) {
	case *os.File:
		return f, nil
	case *afero.BasePathFile:
		if osf, ok := f.File.(*os.File); ok {
			return osf, nil
		}
	}
	return nil, fmt.Errorf("%s: blob is not backed by a descriptor: %w", o.Key, ErrNotSupported)
}

func (o *Object) Close() error {
	return o.File.Close()
}

type Service struct {
	log      *zap.Logger
	manifest manifest.Manifest
	mu       sync.RWMutex
	// blobs is the blob store root, nil once the service is closed.
	blobs afero.Fs
}

// NewService returns a service resolving entries of m inside blobs. The service owns blobs until
// Close is called.
func NewService(log *zap.Logger, m manifest.Manifest, blobs afero.Fs) *Service {
	return &Service{
		log:      log.With(zap.String("component", "loader")),
		manifest: m,
		blobs:    blobs,
	}
}

// LoadObject resolves a shared library by name. Libraries live under lib/.
func (s *Service) LoadObject(name string) (*Object, error) {
	return s.resolve("lib/" + name)
}

// LoadAbspath resolves an absolute path. The leading separator is stripped and the remainder is
// used as the logical path as is.
func (s *Service) LoadAbspath(path string) (*Object, error) {
	return s.resolve(strings.TrimPrefix(path, "/"))
}

// PublishDataSink is not supported since the blob store is read-only. The passed descriptor is
// always closed.
func (s *Service) PublishDataSink(name string, sink *os.File) error {
	if sink != nil {
		sink.Close()
	}
	s.log.Debug("rejected data sink", zap.String("name", name))
	return ErrNotSupported
}

// Close releases the blob store. Further lookups fail with ErrClosed.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs = nil
	return nil
}

func (s *Service) resolve(logicalPath string) (*Object, error) {
	key := bootcfg.KeyPkgfsFilePrefix + logicalPath
	if len(key) > MaxKeyLen {
		return nil, fmt.Errorf("%s...: %w", key[:32], ErrBadPath)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.blobs == nil {
		return nil, ErrClosed
	}
	blobID, ok := s.manifest.Lookup(logicalPath)
	if !ok {
		s.log.Debug("no manifest entry", zap.String("key", key))
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	f, err := s.blobs.OpenFile(blobID, os.O_RDONLY, 0)
	if err != nil {
		s.log.Warn("unable to open blob", zap.String("key", key), zap.String("blob", blobID), zap.Error(err))
		return nil, fmt.Errorf("%s: blob %s: %w", key, blobID, ErrNotFound)
	}
	return &Object{Key: key, BlobID: blobID, File: f}, nil
}
