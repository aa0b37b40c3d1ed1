// Package namespace exchanges directory handles between fshost and the servers it launches, and
// publishes received directories at fixed paths.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Directory is an open directory handle.
type Directory interface {
	Name() string
	// OpenAt opens a subdirectory relative to this directory.
	OpenAt(name string) (Directory, error)
	// File returns the descriptor backing the directory.
	File() *os.File
	Close() error
}

// Installer publishes a directory at a namespace path. Install takes ownership of dir.
type Installer interface {
	Install(path string, dir Directory) error
}

// InstallerFunc adapts a function to the Installer interface.
type InstallerFunc func(path string, dir Directory) error

func (f InstallerFunc) Install(path string, dir Directory) error {
	return f(path, dir)
}

type osDirectory struct {
	f *os.File
}

// OpenDirectory opens the directory at path.
func OpenDirectory(path string) (Directory, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return &osDirectory{f: os.NewFile(uintptr(fd), path)}, nil
}

// NewDirectory wraps an open directory descriptor.
func NewDirectory(f *os.File) Directory {
	return &osDirectory{f: f}
}

func (d *osDirectory) Name() string   { return d.f.Name() }
func (d *osDirectory) File() *os.File { return d.f }
func (d *osDirectory) Close() error   { return d.f.Close() }

func (d *osDirectory) OpenAt(name string) (Directory, error) {
	fd, err := unix.Openat(int(d.f.Fd()), name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "openat", Path: d.f.Name() + "/" + name, Err: err}
	}
	return &osDirectory{f: os.NewFile(uintptr(fd), d.f.Name()+"/"+name)}, nil
}

// Request is a directory request channel. The remote end is handed to a server which answers by
// sending the root of the directory it serves.
type Request struct {
	local  *net.UnixConn
	remote *os.File
}

func NewRequest() (*Request, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("unable to create directory request: %w", err)
	}
	lf := os.NewFile(uintptr(fds[0]), "dir-request-local")
	defer lf.Close()
	c, err := net.FileConn(lf)
	if err != nil {
		unix.Close(fds[1])
		return nil, err
	}
	return &Request{
		local:  c.(*net.UnixConn),
		remote: os.NewFile(uintptr(fds[1]), "dir-request-remote"),
	}, nil
}

// Remote returns the end of the channel meant for the server. The caller takes ownership, the
// request no longer refers to it.
func (r *Request) Remote() *os.File {
	remote := r.remote
	r.remote = nil
	return remote
}

// Receive waits for the server to send its root directory.
func (r *Request) Receive(ctx context.Context) (Directory, error) {
	r.local.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { r.local.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := r.local.ReadMsgUnix(buf, oob)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("unable to receive directory: %w", err)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil || len(fds) == 0 {
			continue
		}
		for _, extra := range fds[1:] {
			unix.Close(extra)
		}
		return NewDirectory(os.NewFile(uintptr(fds[0]), "served-root")), nil
	}
	return nil, errors.New("directory request answered without a directory")
}

func (r *Request) Close() error {
	if r.remote != nil {
		r.remote.Close()
		r.remote = nil
	}
	return r.local.Close()
}

// Answer is called by a server to send dir over the remote end of a directory request.
func Answer(remote *os.File, dir *os.File) error {
	return unix.Sendmsg(int(remote.Fd()), []byte{0}, unix.UnixRights(int(dir.Fd())), nil, 0)
}
