package loader

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thinkparq/fshost/pkg/bootcfg"
	"github.com/thinkparq/fshost/pkg/manifest"
	"go.uber.org/zap"
)

const (
	libfooID = "abc123"
	pkgsvrID = "def456"
	ghostID  = "0f0f0f"
)

func newTestService(t *testing.T, blobs afero.Fs) *Service {
	t.Helper()
	m, err := manifest.New(map[string]string{
		"lib/libfoo.so": libfooID,
		"bin/pkgsvr":    pkgsvrID,
		"lib/ghost.so":  ghostID,
	})
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(blobs, libfooID, []byte("libfoo"), 0444))
	require.NoError(t, afero.WriteFile(blobs, pkgsvrID, []byte("pkgsvr"), 0555))
	return NewService(zap.NewNop(), m, blobs)
}

func TestLoadObject(t *testing.T) {
	s := newTestService(t, afero.NewMemMapFs())

	obj, err := s.LoadObject("libfoo.so")
	require.NoError(t, err)
	defer obj.Close()
	assert.Equal(t, "system.pkgfs.file.lib/libfoo.so", obj.Key)
	assert.Equal(t, libfooID, obj.BlobID)
	contents, err := io.ReadAll(obj.File)
	require.NoError(t, err)
	assert.Equal(t, "libfoo", string(contents))

	_, err = s.LoadObject("libbar.so")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.LoadObject("ghost.so")
	assert.ErrorIs(t, err, ErrNotFound, "entries whose blob is missing should not resolve")

	_, err = s.LoadObject("pkgsvr")
	assert.ErrorIs(t, err, ErrNotFound, "objects are only looked up under lib/")
}

func TestLoadObjectFromBootConfig(t *testing.T) {
	m, err := manifest.FromBootConfig(bootcfg.New(map[string]string{
		bootcfg.KeyPkgfsFilePrefix + "lib/libfoo.so": "abc123",
	}))
	require.NoError(t, err)
	blobs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(blobs, "abc123", []byte("libfoo"), 0444))
	s := NewService(zap.NewNop(), m, blobs)

	obj, err := s.LoadObject("libfoo.so")
	require.NoError(t, err)
	defer obj.Close()
	assert.Equal(t, "system.pkgfs.file.lib/libfoo.so", obj.Key)
	assert.Equal(t, "abc123", obj.BlobID)
}

func TestLoadAbspath(t *testing.T) {
	s := newTestService(t, afero.NewMemMapFs())

	obj, err := s.LoadAbspath("/bin/pkgsvr")
	require.NoError(t, err)
	obj.Close()
	assert.Equal(t, "system.pkgfs.file.bin/pkgsvr", obj.Key)

	obj, err = s.LoadAbspath("bin/pkgsvr")
	require.NoError(t, err)
	obj.Close()

	_, err = s.LoadAbspath("/" + strings.Repeat("a", MaxKeyLen))
	assert.ErrorIs(t, err, ErrBadPath)
}

func TestPublishDataSinkAndClose(t *testing.T) {
	s := newTestService(t, afero.NewMemMapFs())

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	assert.ErrorIs(t, s.PublishDataSink("debug", w), ErrNotSupported)
	assert.ErrorIs(t, w.Close(), os.ErrClosed, "the sink should have been closed")

	require.NoError(t, s.Close())
	_, err = s.LoadObject("libfoo.so")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRequestUnmarshalRejectsBadLength(t *testing.T) {
	req := Request{TxID: 7, Ordinal: OrdinalLoadObject, Name: "libfoo.so"}
	buf, err := req.MarshalBinary()
	require.NoError(t, err)

	var decoded Request
	require.NoError(t, decoded.UnmarshalBinary(buf))
	assert.Equal(t, req, decoded)

	assert.Error(t, decoded.UnmarshalBinary(buf[:len(buf)-1]))
	assert.Error(t, decoded.UnmarshalBinary(buf[:RequestHeaderLen-1]))
}

func TestResponseCarriesKey(t *testing.T) {
	resp := Response{TxID: 3, Status: StatusOK, Key: "system.pkgfs.file.lib/libfoo.so"}
	buf, err := resp.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, buf, ResponseHeaderLen+len(resp.Key))

	var decoded Response
	require.NoError(t, decoded.UnmarshalBinary(buf))
	assert.Equal(t, resp, decoded)

	notFound := Response{TxID: 4, Status: StatusNotFound}
	buf, err = notFound.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, decoded.UnmarshalBinary(buf))
	assert.Equal(t, notFound, decoded)

	assert.Error(t, decoded.UnmarshalBinary(buf[:ResponseHeaderLen-1]))
	_, err = (&Response{Key: strings.Repeat("k", MaxKeyLen+1)}).MarshalBinary()
	assert.Error(t, err)
}

func TestServe(t *testing.T) {
	blobs := afero.NewBasePathFs(afero.NewOsFs(), t.TempDir())
	s := newTestService(t, blobs)

	local, remote, err := NewChannel()
	require.NoError(t, err)
	client, err := NewClient(remote)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- s.Serve(context.Background(), local) }()

	f, err := client.LoadObject("libfoo.so")
	require.NoError(t, err)
	assert.Equal(t, "system.pkgfs.file.lib/libfoo.so", f.Name())
	contents, err := io.ReadAll(f)
	f.Close()
	require.NoError(t, err)
	assert.Equal(t, "libfoo", string(contents))

	f, err = client.LoadAbspath("/bin/pkgsvr")
	require.NoError(t, err)
	assert.Equal(t, "system.pkgfs.file.bin/pkgsvr", f.Name())
	f.Close()

	_, err = client.LoadObject("libbar.so")
	assert.ErrorIs(t, err, ErrNotFound)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	assert.ErrorIs(t, client.PublishDataSink("debug", w), ErrNotSupported)
	w.Close()
	// Every write end is closed, the service must not hold on to the sink.
	_, err = io.ReadAll(r)
	assert.NoError(t, err)
	r.Close()

	require.NoError(t, client.Close())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after the peer closed the channel")
	}
	_, err = s.LoadObject("libfoo.so")
	assert.ErrorIs(t, err, ErrClosed, "closing the channel should run the finalizer")
}

func TestServeStopsOnCancel(t *testing.T) {
	s := newTestService(t, afero.NewMemMapFs())
	local, remote, err := NewChannel()
	require.NoError(t, err)
	defer remote.Close()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, local) }()
	cancel()
	select {
	case err := <-served:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}
